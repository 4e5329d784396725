// Package lokistore implements store.Client against Grafana Loki's HTTP API:
// JSON push, backward query_range and the websocket tail endpoint.
package lokistore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oicur0t/devlogs/internal/store"
	"github.com/oicur0t/devlogs/pkg/models"
	"go.uber.org/zap"
)

const (
	pushPath  = "/loki/api/v1/push"
	queryPath = "/loki/api/v1/query_range"
	tailPath  = "/loki/api/v1/tail"
	readyPath = "/ready"

	tenantHeader = "X-Scope-OrgID"

	// maxErrorBody bounds how much of an error response is kept in the error.
	maxErrorBody = 1 << 10
)

// Config holds the Loki connection settings.
type Config struct {
	URL      string
	TenantID string
	Timeout  time.Duration
	// QueryLookback is how far back history queries reach.
	QueryLookback time.Duration
	// TailBuffer is the number of tail messages buffered per subscription.
	TailBuffer int
	TLS        *tls.Config
}

// Client talks to one Loki instance.
type Client struct {
	base     *url.URL
	tenant   string
	lookback time.Duration
	buffer   int
	http     *http.Client
	dialer   *websocket.Dialer
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a client. It does not contact Loki; use Ready for that.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid loki url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid loki url %q: scheme must be http or https", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueryLookback <= 0 {
		cfg.QueryLookback = 30 * 24 * time.Hour
	}
	if cfg.TailBuffer <= 0 {
		cfg.TailBuffer = 64
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = cfg.TLS

	return &Client{
		base:     base,
		tenant:   cfg.TenantID,
		lookback: cfg.QueryLookback,
		buffer:   cfg.TailBuffer,
		http:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
			TLSClientConfig:  cfg.TLS,
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) header() http.Header {
	h := make(http.Header)
	if c.tenant != "" {
		h.Set(tenantHeader, c.tenant)
	}
	return h
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	for k, v := range c.header() {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read loki response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func statusError(code int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	msg := strings.TrimSpace(string(body))
	if code == http.StatusBadRequest && (strings.Contains(msg, "out of order") || strings.Contains(msg, "too far behind")) {
		return fmt.Errorf("loki: %s: %w", msg, store.ErrOutOfOrder)
	}
	return fmt.Errorf("loki returned %d: %s", code, msg)
}

// Push sends all streams in a single request.
func (c *Client) Push(ctx context.Context, streams []models.LogStream) error {
	payload, err := encodeStreams(streams)
	if err != nil {
		return err
	}
	if len(payload.Streams) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pushPath, nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// Query returns the newest limit entries of streams matching sel within the
// configured lookback.
func (c *Client) Query(ctx context.Context, sel models.Labels, limit int) ([]models.LogStream, error) {
	now := c.now()
	q := url.Values{}
	q.Set("query", sel.String())
	q.Set("direction", "backward")
	q.Set("start", strconv.FormatInt(now.Add(-c.lookback).UnixNano(), 10))
	q.Set("end", strconv.FormatInt(now.UnixNano()+1, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(queryPath, q), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	var resp queryResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("query: loki status %q", resp.Status)
	}
	if resp.Data.ResultType != "" && resp.Data.ResultType != "streams" {
		return nil, fmt.Errorf("query: unexpected result type %q", resp.Data.ResultType)
	}
	return mergeStreams(resp.Data.Result)
}

// Ready checks Loki's readiness endpoint.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(readyPath, nil), nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	return nil
}

// Close releases idle connections. Open tails are owned by their callers.
func (c *Client) Close(ctx context.Context) error {
	c.http.CloseIdleConnections()
	return nil
}

var _ store.Client = (*Client)(nil)
