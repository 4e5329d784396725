package tailer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oicur0t/devlogs/internal/config"
	"github.com/oicur0t/devlogs/pkg/models"
	"github.com/oicur0t/devlogs/pkg/retry"
	"go.uber.org/zap/zaptest"
)

func TestLineParser(t *testing.T) {
	var plain models.LogEntry
	NewLineParser(true).Parse("GET / 200", &plain)
	if plain.Message != "GET / 200" || plain.Extra != nil {
		t.Errorf("plain line parsed as %+v", plain)
	}

	var structured models.LogEntry
	NewLineParser(true).Parse(`{"level":"warn","message":"ignored","code":7}`, &structured)
	if structured.Message != `{"level":"warn","message":"ignored","code":7}` {
		t.Errorf("message = %q, want the raw line", structured.Message)
	}
	if string(structured.Extra["level"]) != `"warn"` || string(structured.Extra["code"]) != "7" {
		t.Errorf("extra = %v", structured.Extra)
	}
	if _, ok := structured.Extra["message"]; ok {
		t.Error("known fields must not be copied into the payload")
	}

	var disabled models.LogEntry
	NewLineParser(false).Parse(`{"level":"warn"}`, &disabled)
	if disabled.Extra != nil {
		t.Error("disabled parser filled the payload")
	}
}

type fakeSender struct {
	mu      sync.Mutex
	batches [][]models.LogEntry
	err     error
}

func (f *fakeSender) SendBatch(_ context.Context, entries []models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, entries)
	return f.err
}

func (f *fakeSender) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, b := range f.batches {
		out = append(out, len(b))
	}
	return out
}

func TestBatcherCapsBatchSize(t *testing.T) {
	sender := &fakeSender{}
	b := NewBatcher(50, time.Hour, 100, zaptest.NewLogger(t), sender)
	if b.maxSize != config.MaxAgentBatch {
		t.Fatalf("maxSize = %d, want %d", b.maxSize, config.MaxAgentBatch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	for i := 0; i < 25; i++ {
		b.EntryChan() <- models.LogEntry{Message: "line"}
	}
	cancel()
	<-done

	var total int
	for _, n := range sender.sizes() {
		if n > config.MaxAgentBatch {
			t.Errorf("sent batch of %d", n)
		}
		total += n
	}
	if total != 25 {
		t.Errorf("sent %d entries, want 25", total)
	}
}

func TestBatcherFlushesOnTimer(t *testing.T) {
	sender := &fakeSender{}
	b := NewBatcher(10, 20*time.Millisecond, 10, zaptest.NewLogger(t), sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()
	defer func() { cancel(); <-done }()

	b.EntryChan() <- models.LogEntry{Message: "only"}
	deadline := time.Now().Add(2 * time.Second)
	for len(sender.sizes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		ServerURL:  srv.URL + "/",
		DeviceUUID: "a1b2c3d4",
		APIKey:     "secret",
		Timeout:    time.Second,
		Retry:      retry.Config{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1},
	}, zaptest.NewLogger(t))
}

func TestClientPostsBatch(t *testing.T) {
	var got []map[string]json.RawMessage
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/device/v2/a1b2c3d4/logs" {
			t.Errorf("request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("missing request id")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body is not a JSON array: %s", body)
		}
		w.WriteHeader(http.StatusCreated)
	})

	id := int64(3)
	err := c.SendBatch(context.Background(), []models.LogEntry{
		{Message: "hello", Timestamp: 1700000000000, IsSystem: true, ServiceID: &id},
	})
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if len(got) != 1 || string(got[0]["message"]) != `"hello"` || string(got[0]["serviceId"]) != "3" {
		t.Errorf("server received %v", got)
	}
}

func TestClientDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid batch"}`, http.StatusBadRequest)
	})

	err := c.SendBatch(context.Background(), []models.LogEntry{{Message: "x"}})
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusBadRequest {
		t.Fatalf("SendBatch() error = %v, want RejectedError 400", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	if err := c.SendBatch(context.Background(), []models.LogEntry{{Message: "x"}}); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3", n)
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.recordFailure()
	if cb.isOpen() {
		t.Fatal("open after one failure")
	}
	cb.recordFailure()
	if !cb.isOpen() {
		t.Fatal("closed after reaching threshold")
	}
	now = now.Add(time.Minute)
	if cb.isOpen() {
		t.Fatal("still open after timeout")
	}
	cb.recordFailure()
	cb.recordSuccess()
	if cb.isOpen() {
		t.Fatal("open after success")
	}
}

func TestWatcherTailsConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	stateFile := filepath.Join(dir, "state.json")

	entries := make(chan models.LogEntry, 10)
	w := NewWatcher([]config.LogFileConfig{
		{Path: path, Enabled: true, ServiceID: 7, IsSystem: false},
		{Path: filepath.Join(dir, "off.log"), Enabled: false},
	}, NewLineParser(false), stateFile, zaptest.NewLogger(t), entries)
	if w.Files() != 1 {
		t.Fatalf("Files() = %d, want 1", w.Files())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the tailer time to open the file before appending.
	time.Sleep(300 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("service started\n")
	f.Close()

	select {
	case e := <-entries:
		if e.Message != "service started" || e.ServiceID == nil || *e.ServiceID != 7 || e.IsSystem {
			t.Errorf("entry = %+v", e)
		}
		if e.Timestamp == 0 || e.NanoTimestamp/int64(time.Millisecond) != e.Timestamp {
			t.Errorf("timestamps %d / %d disagree", e.Timestamp, e.NanoTimestamp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no entry from tailed file")
	}

	cancel()
	<-done

	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	var state map[string]models.FileState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}
	if state[path].Offset != int64(len("service started\n")) {
		t.Errorf("saved offset = %d", state[path].Offset)
	}
}
