package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphub/internal/httpkit"
	"github.com/nugget/mcphub/internal/jsonrpc"
)

// HTTPConfig configures an HTTP transport that speaks JSON-RPC over
// POST to a remote peer.
type HTTPConfig struct {
	// URL is the peer endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Timeout bounds each request end to end. Zero keeps the httpkit
	// default.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification for
	// https endpoints. Local/development peers only.
	InsecureSkipVerify bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPConn issues each JSON-RPC request as an HTTP POST and reads the
// response from the body. HTTP's own request/response pairing does the
// correlation, so there is no channel or read loop underneath — the
// conn satisfies the caller interface directly.
type HTTPConn struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string // Mcp-Session header for session affinity
}

// NewHTTPConn creates an HTTP connection for the given config. The
// underlying HTTP client is constructed via httpkit.
func NewHTTPConn(cfg HTTPConfig) *HTTPConn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts []httpkit.ClientOption
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &HTTPConn{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// Call sends one JSON-RPC request via POST and returns the decoded
// response.
func (c *HTTPConn) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	req, err := jsonrpc.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}

	body, err := c.post(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify sends a JSON-RPC notification via POST. No response content
// is expected, but the HTTP status is checked; peers may answer 200 or
// 202.
func (c *HTTPConn) Notify(ctx context.Context, method string, params any) error {
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, notif, http.StatusOK, http.StatusAccepted)
	return err
}

// Close is a no-op for HTTP connections. The underlying HTTP client
// manages its own connection pool via httpkit.
func (c *HTTPConn) Close() error {
	return nil
}

// post marshals msg, POSTs it, enforces the accepted status codes, and
// returns the response body.
func (c *HTTPConn) post(ctx context.Context, msg any, okStatuses ...int) ([]byte, error) {
	body, err := jsonrpc.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	// Apply configured headers (auth, etc.).
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	// Include session ID if we have one from a previous response.
	c.mu.RLock()
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session", c.sessionID)
	}
	c.mu.RUnlock()

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", c.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Capture session ID from response.
	if sid := httpResp.Header.Get("Mcp-Session"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	ok := false
	for _, status := range okStatuses {
		if httpResp.StatusCode == status {
			ok = true
			break
		}
	}
	if !ok {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("peer returned %d: %s", httpResp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return respBody, nil
}
