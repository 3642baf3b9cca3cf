package capreg

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nugget/mcphub/internal/jsonrpc"
	"github.com/nugget/mcphub/internal/mcp"
)

// maxLineSize bounds one inbound message.
const maxLineSize = 1 << 20

// Serve answers newline-delimited JSON-RPC on r/w until r is exhausted
// or ctx is cancelled. One loop serves one client; stdio peers are
// inherently single-client. Malformed input gets a ParseError response,
// unknown methods a MethodNotFound response — the loop itself never
// fails on bad input.
func (reg *Registry) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := reg.handleLine(ctx, line)
		if resp == nil {
			// Notification — nothing to answer.
			continue
		}
		if err := writeResponse(w, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

// handleLine decodes and dispatches one message. A nil return means no
// response is owed.
func (reg *Registry) handleLine(ctx context.Context, line []byte) *jsonrpc.Response {
	req, resp, err := jsonrpc.Decode(line)
	if err != nil {
		// Notifications decode as errors (no id). They complete the
		// handshake and carry nothing else this side consumes.
		var notif jsonrpc.Notification
		if jerr := json.Unmarshal(line, &notif); jerr == nil && notif.Method != "" {
			reg.logger.Debug("notification received", "method", notif.Method)
			return nil
		}

		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.MakeError("", rpcErr.Code, rpcErr.Message, nil)
		}
		return jsonrpc.MakeError("", jsonrpc.CodeParseError, jsonrpc.ErrorMessage(jsonrpc.CodeParseError), nil)
	}
	if resp != nil {
		// This side issues no calls, so inbound responses correlate to
		// nothing.
		reg.logger.Debug("dropping unexpected response", "id", resp.ID)
		return nil
	}

	result, err := reg.dispatch(ctx, req)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.MakeError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return jsonrpc.MakeError(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	return jsonrpc.MakeSuccess(req.ID, result)
}

func (reg *Registry) dispatch(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case "initialize":
		return reg.handleInitialize(), nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		return map[string]any{"tools": reg.Tools()}, nil

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.InvokeTool(ctx, params.Name, params.Arguments)

	case "resources/list":
		return map[string]any{"resources": reg.Resources()}, nil

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.ReadResource(ctx, params.URI)

	case "prompts/list":
		return map[string]any{"prompts": reg.Prompts()}, nil

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.GetPrompt(ctx, params.Name, params.Arguments)

	default:
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not supported", req.Method),
		}
	}
}

// handleInitialize grants exactly the handles that have registrations.
func (reg *Registry) handleInitialize() map[string]any {
	caps := map[string]any{}
	granted := reg.Capabilities()
	if granted.Has(mcp.CapTools) {
		caps["tools"] = map[string]any{}
	}
	if granted.Has(mcp.CapResources) {
		caps["resources"] = map[string]any{}
	}
	if granted.Has(mcp.CapPrompts) {
		caps["prompts"] = map[string]any{}
	}

	return map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"serverInfo": mcp.ServerInfo{
			Name:    reg.name,
			Version: reg.version,
		},
		"capabilities": caps,
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: fmt.Sprintf("decode params: %v", err)}
	}
	return nil
}

func writeResponse(w io.Writer, resp *jsonrpc.Response) error {
	data, err := jsonrpc.Encode(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
