package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mcphub/internal/jsonrpc"
)

// Channel is a bidirectional, message-framed byte stream. Send must be
// safe for concurrent use; Recv is called from a single reader
// goroutine and blocks until a message arrives, the channel drops
// (error), or Close is called.
type Channel interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// ErrClosed is returned from Call after the connection has shut down.
var ErrClosed = errors.New("rpc: connection closed")

// Conn multiplexes concurrent JSON-RPC calls over one Channel. A
// single reader goroutine decodes inbound messages and routes
// responses through the pending-call table; requests from the peer are
// answered with MethodNotFound (mcphub is the calling side), and
// malformed lines are logged and dropped.
type Conn struct {
	ch      Channel
	table   *Table
	timeout time.Duration
	logger  *slog.Logger

	dropMu sync.Mutex
	onDrop func(err error)

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithCallTimeout sets the per-call timeout. Zero keeps DefaultTimeout.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the structured logger for connection diagnostics.
func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConn wraps ch and starts the reader goroutine.
func NewConn(ch Channel, opts ...ConnOption) *Conn {
	c := &Conn{
		ch:      ch,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.table = NewTable(c.logger)
	go c.readLoop()
	return c
}

// OnDrop registers a callback invoked once when the channel drops for
// any reason other than an explicit Close. The connection manager uses
// it to move the owning peer back to Disconnected.
func (c *Conn) OnDrop(fn func(err error)) {
	c.dropMu.Lock()
	c.onDrop = fn
	c.dropMu.Unlock()
}

// Call issues method with params and blocks until the matching
// response arrives, the call times out, ctx is done, or the channel
// drops. A response carrying an error object is returned as a
// *jsonrpc.Error. Cancelling ctx abandons the call; a late response
// for it is discarded by the table as an unknown id.
func (c *Conn) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	id := c.table.NewID()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := jsonrpc.Encode(req)
	if err != nil {
		return nil, err
	}

	pending := c.table.Register(id, c.timeout)

	if err := c.ch.Send(data); err != nil {
		c.table.Reject(id, fmt.Errorf("send %s: %w", method, err))
	}

	resp, err := pending.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.table.Cancel(id)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// Notify sends a notification. No response is expected or awaited.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := jsonrpc.Encode(notif)
	if err != nil {
		return err
	}
	return c.ch.Send(data)
}

// Close shuts the channel down and cancels every pending call. Safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ch.Close()
		c.table.CancelAll()
	})
	return err
}

// readLoop is the single reader. It exits when Recv fails, which
// happens on channel drop or after Close.
func (c *Conn) readLoop() {
	for {
		data, err := c.ch.Recv()
		if err != nil {
			c.handleDrop(err)
			return
		}

		req, resp, derr := jsonrpc.Decode(data)
		if derr != nil {
			// Includes peer notifications (no id), which mcphub does
			// not consume. Nothing to correlate — drop the line.
			c.logger.Debug("dropping undecodable message", "error", derr, "size", len(data))
			continue
		}

		if resp != nil {
			if resp.JSONRPC != jsonrpc.Version {
				c.logger.Debug("response with unexpected protocol version", "version", resp.JSONRPC, "id", resp.ID)
			}
			c.table.Resolve(resp)
			continue
		}

		// A request from the peer. This side registers no handlers, so
		// answer with a well-formed MethodNotFound instead of going
		// silent and leaving the peer's call to time out.
		reply := jsonrpc.MakeError(req.ID, jsonrpc.CodeMethodNotFound, jsonrpc.ErrorMessage(jsonrpc.CodeMethodNotFound), nil)
		if out, err := jsonrpc.Encode(reply); err == nil {
			if err := c.ch.Send(out); err != nil {
				c.logger.Debug("failed to answer peer request", "method", req.Method, "error", err)
			}
		}
	}
}

// handleDrop fails in-flight calls and fires the drop callback unless
// the drop was an explicit Close.
func (c *Conn) handleDrop(err error) {
	select {
	case <-c.closed:
		c.table.CancelAll()
		return
	default:
	}

	cause := &jsonrpc.Error{Code: jsonrpc.CodeConnectionClosed, Message: jsonrpc.ErrorMessage(jsonrpc.CodeConnectionClosed)}
	c.logger.Debug("channel dropped", "error", err)
	c.table.RejectAll(cause)

	c.dropMu.Lock()
	fn := c.onDrop
	c.dropMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
