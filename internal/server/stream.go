package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oicur0t/devlogs/internal/logs"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.uber.org/zap"
)

// streamWriter writes gzip compressed, newline delimited JSON records and
// flushes each one to the client.
type streamWriter struct {
	gz *gzip.Writer
	rc *http.ResponseController
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	return &streamWriter{gz: gzip.NewWriter(w), rc: http.NewResponseController(w)}
}

func (s *streamWriter) write(e models.LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.gz.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.gz.Flush(); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *streamWriter) close() error {
	return s.gz.Close()
}

// streamLogs subscribes before reading history so nothing published in
// between is lost, then sends history followed by live entries until the
// client goes away or falls too far behind.
func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request, lctx models.LogContext, count int) {
	ctx := r.Context()

	live := make(chan models.LogEntry, h.streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once

	sub, err := h.backend.Subscribe(ctx, lctx, func(e models.LogEntry) {
		select {
		case live <- e:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	history, err := h.backend.History(ctx, lctx, count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fetchedAt := h.clock.Next() / int64(time.Millisecond)

	// Live streams outlast the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("Cannot clear write deadline", zap.Error(err))
	}

	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()

	sw := newStreamWriter(w)
	defer sw.close()

	for _, e := range history {
		if err := sw.write(e); err != nil {
			return
		}
	}
	if len(history) == 0 {
		// Send the gzip header so clients see the stream open.
		if err := sw.gz.Flush(); err != nil {
			return
		}
		sw.rc.Flush()
	}

	stitcher := logs.NewStitcher(history, fetchedAt)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closing:
			return
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				h.logger.Warn("Live stream ended by store",
					zap.String("device", lctx.DeviceUUID),
					zap.Error(err))
			}
			return
		case <-overflow:
			h.metrics.SlowConsumers.Inc()
			h.logger.Warn("Live stream reader too slow, closing",
				zap.String("device", lctx.DeviceUUID),
				zap.Int("buffer", h.streamBuffer))
			return
		case e := <-live:
			if !stitcher.Admit(e) {
				continue
			}
			if err := sw.write(e); err != nil {
				return
			}
		}
	}
}
