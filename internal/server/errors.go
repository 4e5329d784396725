package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oicur0t/devlogs/internal/logs"
	"go.uber.org/zap"
)

// tooManyRequests is the body of every rate limited response, a JSON string.
const tooManyRequests = `"Too Many Requests"`

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		ve *logs.ValidationError
		ae *logs.AuthorizationError
		re *logs.RateLimitedError
		be *logs.BackendError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &re):
		return http.StatusTooManyRequests
	case errors.Is(err, logs.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.As(err, &be):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON response. Store details are not exposed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	switch status {
	case http.StatusTooManyRequests:
		w.Write([]byte(tooManyRequests))
		return
	case http.StatusBadGateway, http.StatusInternalServerError:
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
		json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func rejectReason(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "unknown_device"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "backend"
	}
}
