package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPublish(t *testing.T) {
	m := New("devlogs")
	m.RecordPublish(3, 10*time.Millisecond, nil)
	m.RecordPublish(5, time.Millisecond, errors.New("down"))

	if got := testutil.ToFloat64(m.IngestedEntries); got != 3 {
		t.Errorf("ingested = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(m.PublishDuration); n != 1 {
		t.Errorf("publish histogram series = %d", n)
	}
}

func TestHandler(t *testing.T) {
	m := New("devlogs")
	m.Reject("validation")
	m.RateLimited.WithLabelValues("stream").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`devlogs_rejected_batches_total{reason="validation"} 1`,
		`devlogs_rate_limited_requests_total{endpoint="stream"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
