package logs

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oicur0t/devlogs/pkg/models"
)

func TestStitcher(t *testing.T) {
	snapshot := []models.LogEntry{entry("a", 1), entry("b", 2)}
	s := NewStitcher(snapshot, 0)

	tests := []struct {
		name string
		e    models.LogEntry
		want bool
	}{
		{"snapshot entry", entry("b", 2), false},
		{"older than snapshot end", entry("a", 1, withService(5)), false},
		{"newer nano", entry("c", 3), true},
		{"later receipt", entry("d", 0, func(e *models.LogEntry) { e.CreatedAt++ }), true},
		{"earlier receipt", entry("e", 9, func(e *models.LogEntry) { e.CreatedAt-- }), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Admit(tt.e); got != tt.want {
				t.Errorf("Admit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStitcherEmptySnapshot(t *testing.T) {
	fetchedAt := entry("", 0).CreatedAt
	s := NewStitcher(nil, fetchedAt)
	if !s.Admit(entry("a", 1)) {
		t.Error("entry received at fetch time rejected")
	}
	if s.Admit(entry("b", 2, func(e *models.LogEntry) { e.CreatedAt = fetchedAt - 1 })) {
		t.Error("entry received before fetch admitted")
	}
}

// Entries published between Subscribe and History, but cut by the history
// limit, must not reach the live feed after newer history entries.
func TestStitchWindowBeyondLimit(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t, 1000)
	clock := NewNanoClock(nil)

	live := make(chan models.LogEntry, 10)
	sub, err := b.Subscribe(ctx, testContext, func(e models.LogEntry) { live <- e })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	publish := func(msg string) {
		batch := []models.LogEntry{{Message: msg}}
		clock.Stamp(batch)
		if err := b.Publish(ctx, testContext, batch); err != nil {
			t.Fatal(err)
		}
	}
	for _, msg := range []string{"A", "B", "C"} {
		publish(msg)
	}

	history, err := b.History(ctx, testContext, 2)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStitcher(history, clock.Next()/int64(time.Millisecond))
	publish("D")

	var delivered []string
	for _, e := range history {
		delivered = append(delivered, e.Message)
	}
	for i := 0; i < 4; i++ {
		select {
		case e := <-live:
			if s.Admit(e) {
				delivered = append(delivered, e.Message)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("live feed stalled after %d entries", i)
		}
	}
	if diff := cmp.Diff([]string{"B", "C", "D"}, delivered); diff != "" {
		t.Errorf("delivered (-want +got):\n%s", diff)
	}
}
