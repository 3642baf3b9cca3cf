package capreg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nugget/mcphub/internal/jsonrpc"
	"github.com/nugget/mcphub/internal/mcp"
)

func textResult(s string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry("test-peer", "1.0.0", nil)

	err := reg.RegisterTool("echo", "Echo a message back",
		[]Field{
			{Name: "message", Type: "string", Description: "What to echo", Required: true},
			{Name: "repeat", Type: "integer", Description: "Repeat count"},
		},
		func(_ context.Context, args map[string]any) (*mcp.ToolResult, error) {
			msg, _ := args["message"].(string)
			n := 1
			if rep, ok := args["repeat"].(float64); ok {
				n = int(rep)
			}
			return textResult(strings.Repeat(msg, n)), nil
		})
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	return reg
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := newEchoRegistry(t)
	err := reg.RegisterTool("echo", "again", nil,
		func(context.Context, map[string]any) (*mcp.ToolResult, error) { return textResult("x"), nil })
	if err == nil {
		t.Fatal("duplicate RegisterTool succeeded")
	}
}

func TestRegistryCapabilitiesFollowRegistrations(t *testing.T) {
	reg := NewRegistry("p", "1", nil)
	if got := reg.Capabilities(); got != 0 {
		t.Errorf("empty registry capabilities = %v, want none", got)
	}

	reg.RegisterTool("t", "", nil,
		func(context.Context, map[string]any) (*mcp.ToolResult, error) { return textResult("x"), nil })
	reg.RegisterResource("info://x", "x", "", "text/plain",
		func(context.Context) (*mcp.ResourceResult, error) {
			return &mcp.ResourceResult{}, nil
		})

	caps := reg.Capabilities()
	if !caps.Has(mcp.CapTools) || !caps.Has(mcp.CapResources) {
		t.Errorf("capabilities = %v, want tools+resources", caps)
	}
	if caps.Has(mcp.CapPrompts) {
		t.Error("prompts granted without registration")
	}
}

func TestInvokeToolUnknown(t *testing.T) {
	reg := newEchoRegistry(t)
	_, err := reg.InvokeTool(context.Background(), "missing", nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("err = %v, want MethodNotFound", err)
	}
}

func TestInvokeToolArgumentChecking(t *testing.T) {
	reg := newEchoRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		ok   bool
	}{
		{"valid", map[string]any{"message": "hi"}, true},
		{"valid with integer", map[string]any{"message": "hi", "repeat": float64(2)}, true},
		{"missing required", map[string]any{"repeat": float64(2)}, false},
		{"wrong type", map[string]any{"message": 42.0}, false},
		{"fractional integer", map[string]any{"message": "hi", "repeat": 1.5}, false},
		{"undeclared extras pass", map[string]any{"message": "hi", "extra": true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.InvokeTool(ctx, "echo", tt.args)
			if tt.ok && err != nil {
				t.Errorf("InvokeTool: %v", err)
			}
			if !tt.ok {
				var rpcErr *jsonrpc.Error
				if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeInvalidParams {
					t.Errorf("err = %v, want InvalidParams", err)
				}
			}
		})
	}
}

func TestGetPromptRequiredArgument(t *testing.T) {
	reg := NewRegistry("p", "1", nil)
	reg.RegisterPrompt("greet", "Greeting",
		[]mcp.PromptArgument{{Name: "name", Required: true}},
		func(_ context.Context, args map[string]string) (*mcp.PromptResult, error) {
			return &mcp.PromptResult{Messages: []mcp.PromptMessage{
				{Role: "user", Content: mcp.ContentBlock{Type: "text", Text: "hello " + args["name"]}},
			}}, nil
		})

	if _, err := reg.GetPrompt(context.Background(), "greet", nil); err == nil {
		t.Error("GetPrompt without required argument succeeded")
	}

	result, err := reg.GetPrompt(context.Background(), "greet", map[string]string{"name": "pat"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if result.Messages[0].Content.Text != "hello pat" {
		t.Errorf("rendered = %q", result.Messages[0].Content.Text)
	}
}

func TestSchemaForDeclaredFields(t *testing.T) {
	reg := newEchoRegistry(t)
	tools := reg.Tools()
	if len(tools) != 1 {
		t.Fatalf("len(Tools) = %d, want 1", len(tools))
	}

	schema := tools[0].InputSchema
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["message"]; !ok {
		t.Error("message missing from schema properties")
	}
	required, _ := schema["required"].([]string)
	if len(required) != 1 || required[0] != "message" {
		t.Errorf("required = %v, want [message]", required)
	}
}

// serveSession runs Serve over the given input lines and returns the
// decoded responses.
func serveSession(t *testing.T, reg *Registry, lines ...string) []*jsonrpc.Response {
	t.Helper()

	input := strings.Join(lines, "\n") + "\n"
	var out bytes.Buffer
	if err := reg.Serve(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var responses []*jsonrpc.Response
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp jsonrpc.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("undecodable response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, &resp)
	}
	return responses
}

func TestServeFullSession(t *testing.T) {
	reg := newEchoRegistry(t)

	responses := serveSession(t, reg,
		`{"jsonrpc":"2.0","id":"1","method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"mcphub","version":"dev"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":"3","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi","repeat":2}}}`,
		`{"jsonrpc":"2.0","id":"4","method":"ping"}`,
	)

	// The notification produces no response.
	if len(responses) != 4 {
		t.Fatalf("len(responses) = %d, want 4", len(responses))
	}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
		Capabilities map[string]any `json:"capabilities"`
	}
	if err := json.Unmarshal(responses[0].Result, &init); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if init.ServerInfo.Name != "test-peer" {
		t.Errorf("serverInfo.name = %q", init.ServerInfo.Name)
	}
	if _, ok := init.Capabilities["tools"]; !ok {
		t.Error("tools capability not granted despite registration")
	}
	if _, ok := init.Capabilities["prompts"]; ok {
		t.Error("prompts capability granted without registration")
	}

	var call mcp.ToolResult
	if err := json.Unmarshal(responses[2].Result, &call); err != nil {
		t.Fatalf("decode tools/call result: %v", err)
	}
	if call.Text() != "hihi" {
		t.Errorf("tools/call result = %q, want %q", call.Text(), "hihi")
	}
}

func TestServeMalformedInput(t *testing.T) {
	reg := newEchoRegistry(t)

	responses := serveSession(t, reg,
		`this is not json`,
		`{"jsonrpc":"2.0","id":"1","method":"ping"}`,
	)

	if len(responses) != 2 {
		t.Fatalf("len(responses) = %d, want 2", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != jsonrpc.CodeParseError {
		t.Errorf("first response = %+v, want ParseError", responses[0])
	}
	// The loop survives and serves the next request.
	if responses[1].Error != nil {
		t.Errorf("ping after malformed input failed: %v", responses[1].Error)
	}
}

func TestServeUnknownMethod(t *testing.T) {
	reg := newEchoRegistry(t)

	responses := serveSession(t, reg,
		`{"jsonrpc":"2.0","id":"1","method":"tools/uninstall"}`,
	)

	if len(responses) != 1 {
		t.Fatalf("len(responses) = %d, want 1", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("response = %+v, want MethodNotFound", responses[0])
	}
	if responses[0].ID != "1" {
		t.Errorf("response id = %q, want %q", responses[0].ID, "1")
	}
}

func TestServeHandlerErrorBecomesInternalError(t *testing.T) {
	reg := NewRegistry("p", "1", nil)
	reg.RegisterTool("fail", "", nil,
		func(context.Context, map[string]any) (*mcp.ToolResult, error) {
			return nil, fmt.Errorf("backend exploded")
		})

	responses := serveSession(t, reg,
		`{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"fail"}}`,
	)

	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("responses = %+v, want one error", responses)
	}
	if responses[0].Error.Code != jsonrpc.CodeInternalError {
		t.Errorf("code = %d, want %d", responses[0].Error.Code, jsonrpc.CodeInternalError)
	}
}
