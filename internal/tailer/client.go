package tailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oicur0t/devlogs/pkg/models"
	"github.com/oicur0t/devlogs/pkg/retry"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the server is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open, server may be down")

// CircuitBreaker prevents overwhelming a failing server
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	threshold   int
	timeout     time.Duration
	now         func() time.Time
	mu          sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	elapsed := cb.now().Sub(cb.lastFailure)
	if cb.failures >= cb.threshold && elapsed < cb.timeout {
		return true
	}
	if elapsed >= cb.timeout {
		cb.failures = 0
	}
	return false
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
}

// ClientConfig configures the upload client.
type ClientConfig struct {
	ServerURL  string
	DeviceUUID string
	APIKey     string
	TLS        *tls.Config
	Timeout    time.Duration
	Retry      retry.Config
}

// Client posts log batches to the device log endpoint.
type Client struct {
	endpoint       string
	apiKey         string
	httpClient     *http.Client
	logger         *zap.Logger
	retryConfig    retry.Config
	circuitBreaker *CircuitBreaker
}

// NewClient creates an upload client for one device.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     cfg.TLS,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.Timeout,
	}

	return &Client{
		endpoint:       strings.TrimRight(cfg.ServerURL, "/") + "/device/v2/" + url.PathEscape(cfg.DeviceUUID) + "/logs",
		apiKey:         cfg.APIKey,
		httpClient:     httpClient,
		logger:         logger,
		retryConfig:    cfg.Retry,
		circuitBreaker: NewCircuitBreaker(5, 60*time.Second),
	}
}

// SendBatch sends entries with retry. Rejections by the server are not
// retried.
func (c *Client) SendBatch(ctx context.Context, entries []models.LogEntry) error {
	if c.circuitBreaker.isOpen() {
		return ErrCircuitOpen
	}

	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	err = retry.Do(ctx, c.retryConfig, func() error {
		return c.sendRequest(ctx, body, len(entries))
	})
	if err != nil {
		var rejected *RejectedError
		if !errors.As(err, &rejected) {
			c.circuitBreaker.recordFailure()
		}
		return err
	}

	c.circuitBreaker.recordSuccess()
	return nil
}

// RejectedError is a 4xx answer to an upload.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected batch: %d %s", e.StatusCode, e.Body)
}

func (c *Client) sendRequest(ctx context.Context, body []byte, size int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Request failed", zap.Error(err))
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		c.logger.Error("Client error, not retrying",
			zap.Int("status_code", resp.StatusCode),
			zap.Int("batch_size", size))
		return retry.Permanent(&RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.logger.Debug("Batch sent successfully",
		zap.Int("status_code", resp.StatusCode),
		zap.Int("batch_size", size))
	return nil
}
