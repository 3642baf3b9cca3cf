package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/rpc"
)

// Dialer opens the right transport for an endpoint string:
//
//	stdio:cmd arg1 arg2     subprocess over stdin/stdout
//	ws://host/path          WebSocket
//	wss://host/path         WebSocket over TLS
//	http://host/path        JSON-RPC over POST
//	https://host/path       JSON-RPC over POST with TLS
//
// Channel transports (stdio, websocket) get a multiplexing connection
// on top; HTTP correlates through its own request/response pairing.
type Dialer struct {
	// CallTimeout bounds each outstanding call: per call on channel
	// transports, per request on HTTP. Zero keeps transport defaults.
	CallTimeout time.Duration

	// Headers are applied to HTTP and WebSocket endpoints.
	Headers map[string]string

	// InsecureSkipVerify disables TLS certificate verification on
	// https endpoints.
	InsecureSkipVerify bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dial connects to endpoint and returns a caller ready for the
// handshake.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (mcp.Caller, error) {
	switch {
	case strings.HasPrefix(endpoint, "stdio:"):
		return d.dialStdio(endpoint)

	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return d.dialWS(ctx, endpoint)

	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return NewHTTPConn(HTTPConfig{
			URL:                endpoint,
			Headers:            d.Headers,
			Timeout:            d.CallTimeout,
			InsecureSkipVerify: d.InsecureSkipVerify,
			Logger:             d.logger(),
		}), nil

	default:
		return nil, fmt.Errorf("unsupported endpoint %q", endpoint)
	}
}

// dialStdio parses "stdio:cmd arg1 arg2" and launches the subprocess.
func (d *Dialer) dialStdio(endpoint string) (mcp.Caller, error) {
	fields := strings.Fields(strings.TrimPrefix(endpoint, "stdio:"))
	if len(fields) == 0 {
		return nil, fmt.Errorf("stdio endpoint %q has no command", endpoint)
	}

	ch, err := StartStdio(StdioConfig{
		Command: fields[0],
		Args:    fields[1:],
		Logger:  d.logger(),
	})
	if err != nil {
		return nil, err
	}
	return d.wrap(ch), nil
}

func (d *Dialer) dialWS(ctx context.Context, endpoint string) (mcp.Caller, error) {
	ch, err := DialWS(ctx, WSConfig{
		URL:     endpoint,
		Headers: d.Headers,
		Logger:  d.logger(),
	})
	if err != nil {
		return nil, err
	}
	return d.wrap(ch), nil
}

func (d *Dialer) wrap(ch rpc.Channel) *rpc.Conn {
	return rpc.NewConn(ch,
		rpc.WithCallTimeout(d.CallTimeout),
		rpc.WithLogger(d.logger()),
	)
}
