package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds each frame write, including the close frame
// sent on shutdown.
const wsWriteTimeout = 10 * time.Second

// WSConfig configures a WebSocket transport.
type WSConfig struct {
	// URL is the peer endpoint (ws:// or wss://).
	URL string

	// Headers are additional HTTP headers sent with the upgrade
	// request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSChannel carries JSON-RPC messages as WebSocket text frames, one
// message per frame.
type WSChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// DialWS opens a WebSocket connection to the peer.
func DialWS(ctx context.Context, cfg WSConfig) (*WSChannel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
	}

	logger.Info("websocket connected", "url", cfg.URL)
	return &WSChannel{conn: conn, logger: logger}, nil
}

// Send writes one message as a text frame. Gorilla permits only one
// concurrent writer, so senders are serialized.
func (c *WSChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Recv reads the next frame. Control frames are handled internally by
// the websocket library; only data frames surface here.
func (c *WSChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// Close sends a close frame and tears down the connection.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
