package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialWait: time.Millisecond, MaxWait: 4 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Do() = %v after %d calls, want nil after 3", err, calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	want := errors.New("down")
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 3 {
		t.Errorf("Do() = %v after %d calls, want %v after 3", err, calls, want)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	want := errors.New("bad request")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(want)
	})
	if err != want || calls != 1 {
		t.Errorf("Do() = %v after %d calls, want %v after 1", err, calls, want)
	}
	if IsPermanent(err) {
		t.Error("Do() should unwrap the permanent marker")
	}
	if !IsPermanent(Permanent(want)) || Permanent(nil) != nil {
		t.Error("Permanent() marker broken")
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxRetries: 3, InitialWait: time.Hour, MaxWait: time.Hour, Multiplier: 2}
	if err := Do(ctx, cfg, func() error { return errors.New("x") }); !errors.Is(err, context.Canceled) {
		t.Errorf("Do() = %v, want context.Canceled", err)
	}
}

func TestCalculateBackoffBounds(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateBackoff(attempt, cfg)
		if d < cfg.InitialWait || d > cfg.MaxWait*5/4 {
			t.Errorf("calculateBackoff(%d) = %v out of bounds", attempt, d)
		}
	}
}
