package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oicur0t/devlogs/internal/auth"
	"github.com/oicur0t/devlogs/internal/logs"
	"github.com/oicur0t/devlogs/internal/metrics"
	"github.com/oicur0t/devlogs/internal/ratelimit"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.uber.org/zap"
)

// readEndpoint names the retrieval endpoint in rate limit keys and metrics.
const readEndpoint = "logs.read"

// maxBodyBytes bounds an ingestion request body.
const maxBodyBytes = 1 << 20

// Devices resolves a device UUID to its log context.
type Devices interface {
	Lookup(ctx context.Context, uuid string) (models.LogContext, error)
}

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ready(ctx context.Context) error
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	Backend logs.Backend
	Devices Devices
	Store   Checker
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
	// StreamBuffer is the number of live entries a streaming reader may fall
	// behind before its stream is ended.
	StreamBuffer int
	// Clock stamps receipt times; a wall clock is used when nil.
	Clock  *logs.NanoClock
	Logger *zap.Logger
}

// Handler handles HTTP requests
type Handler struct {
	backend      logs.Backend
	devices      Devices
	store        Checker
	limiter      ratelimit.Limiter
	metrics      *metrics.Metrics
	validator    logs.Validator
	clock        *logs.NanoClock
	streamBuffer int
	logger       *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		backend:      cfg.Backend,
		devices:      cfg.Devices,
		store:        cfg.Store,
		limiter:      cfg.Limiter,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		streamBuffer: cfg.StreamBuffer,
		logger:       cfg.Logger,
		closing:      make(chan struct{}),
	}
	if h.limiter == nil {
		h.limiter = ratelimit.Unlimited{}
	}
	if h.metrics == nil {
		h.metrics = metrics.New("devlogs")
	}
	if h.clock == nil {
		h.clock = logs.NewNanoClock(nil)
	}
	if h.streamBuffer <= 0 {
		h.streamBuffer = 256
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Close ends every live stream, open or opened later. Other requests are
// still served.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// device resolves the {uuid} route parameter and checks the caller may use it.
func (h *Handler) device(r *http.Request) (models.LogContext, auth.Principal, error) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return models.LogContext{}, p, &logs.AuthorizationError{Reason: "no principal"}
	}
	lctx, err := h.devices.Lookup(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		return models.LogContext{}, p, err
	}
	if err := p.CanAccess(lctx.DeviceUUID); err != nil {
		return models.LogContext{}, p, err
	}
	return lctx, p, nil
}

// IngestLogs handles log ingestion requests
func (h *Handler) IngestLogs(w http.ResponseWriter, r *http.Request) {
	lctx, p, err := h.device(r)
	if err != nil {
		h.metrics.Reject(rejectReason(err))
		h.writeError(w, r, err)
		return
	}

	// Decode the request body
	raws, err := decodeBatch(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Debug("Failed to decode request", zap.Error(err))
		h.metrics.Reject("validation")
		h.writeError(w, r, &logs.ValidationError{Index: -1, Reason: "body must be a JSON array of logs"})
		return
	}
	defer r.Body.Close()

	entries, err := h.validator.ValidateBatch(raws)
	if err != nil {
		h.metrics.Reject("validation")
		h.writeError(w, r, err)
		return
	}

	// Entries attributed to dependent devices are accepted but not stored.
	kept := entries[:0]
	for _, e := range entries {
		if e.DependentUUID == "" {
			kept = append(kept, e)
		}
	}

	h.logger.Debug("Received batch",
		zap.String("device", lctx.DeviceUUID),
		zap.String("principal", p.String()),
		zap.Int("entries", len(kept)),
		zap.Int("dropped", len(entries)-len(kept)))

	if len(kept) > 0 {
		h.clock.Stamp(kept)
		start := time.Now()
		err := h.backend.Publish(r.Context(), lctx, kept)
		h.metrics.RecordPublish(len(kept), time.Since(start), err)
		if err != nil {
			h.metrics.Reject("backend")
			h.writeError(w, r, err)
			return
		}
	}

	w.WriteHeader(http.StatusCreated)
}

// readOptions are the query parameters of the retrieval endpoint.
type readOptions struct {
	count  int
	stream bool
}

func parseReadOptions(r *http.Request) (readOptions, error) {
	q := r.URL.Query()
	opts := readOptions{count: logs.All}

	if c := q.Get("count"); c != "" && c != "all" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return opts, &logs.ValidationError{Index: -1, Field: "count", Reason: "count must be a non-negative integer or \"all\""}
		}
		opts.count = n
	}
	if s := q.Get("stream"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return opts, &logs.ValidationError{Index: -1, Field: "stream", Reason: "stream must be a boolean"}
		}
		opts.stream = b
	}
	return opts, nil
}

// allow applies the per caller read limit. Limiter failures let the request
// through.
func (h *Handler) allow(ctx context.Context, p auth.Principal) error {
	key := ratelimit.Key(p.String(), readEndpoint)
	ok, err := h.limiter.Allow(ctx, key)
	if err != nil {
		h.logger.Warn("Rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !ok {
		h.metrics.RateLimited.WithLabelValues(readEndpoint).Inc()
		return &logs.RateLimitedError{Key: key}
	}
	return nil
}

// ReadLogs returns a device's recent logs as a JSON array, or streams them
// followed by live entries when stream is set.
func (h *Handler) ReadLogs(w http.ResponseWriter, r *http.Request) {
	lctx, p, err := h.device(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.allow(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	opts, err := parseReadOptions(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if opts.stream {
		h.streamLogs(w, r, lctx, opts.count)
		return
	}

	entries, err := h.backend.History(r.Context(), lctx, opts.count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(entries)
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// Ready reports whether the log store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.store.Ready(ctx); err != nil {
			h.logger.Warn("Store not ready", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// decodeBatch reads a body holding exactly one JSON array.
func decodeBatch(body io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(body)
	var raws []json.RawMessage
	if err := dec.Decode(&raws); err != nil {
		return nil, err
	}
	if raws == nil {
		return nil, errors.New("body is null")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after array")
	}
	return raws, nil
}
