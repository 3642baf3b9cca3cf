package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/mcphub/internal/jsonrpc"
)

// mockCaller is a test double for the Caller interface with canned
// per-method responses.
type mockCaller struct {
	mu        sync.Mutex
	responses map[string]any            // method -> result payload
	errors    map[string]*jsonrpc.Error // method -> error
	sent      []string                  // methods called
	notifs    []string                  // notifications sent
	closed    bool
}

func newMockCaller() *mockCaller {
	return &mockCaller{
		responses: make(map[string]any),
		errors:    make(map[string]*jsonrpc.Error),
	}
}

func (m *mockCaller) Call(_ context.Context, method string, _ any) (*jsonrpc.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, method)
	if e, ok := m.errors[method]; ok {
		return nil, e
	}
	result, ok := m.responses[method]
	if !ok {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	return jsonrpc.MakeSuccess("1", result), nil
}

func (m *mockCaller) Notify(_ context.Context, method string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, method)
	return nil
}

func (m *mockCaller) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func initResult(caps ...string) map[string]any {
	capObj := map[string]any{}
	for _, c := range caps {
		capObj[c] = map[string]any{}
	}
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo":      map[string]any{"name": "test-peer", "version": "1.2.3"},
		"capabilities":    capObj,
	}
}

func TestClientInitializeRecordsCapabilities(t *testing.T) {
	mc := newMockCaller()
	mc.responses["initialize"] = initResult("tools", "prompts")

	client := NewClient(mc, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	caps := client.Capabilities()
	if !caps.Has(CapTools) {
		t.Error("missing tools handle")
	}
	if !caps.Has(CapPrompts) {
		t.Error("missing prompts handle")
	}
	if caps.Has(CapResources) {
		t.Error("resources handle granted but not advertised")
	}
	if got := client.Server().Name; got != "test-peer" {
		t.Errorf("Server().Name = %q, want %q", got, "test-peer")
	}

	// Handshake completed with the initialized notification.
	if len(mc.notifs) != 1 || mc.notifs[0] != "notifications/initialized" {
		t.Errorf("notifs = %v, want [notifications/initialized]", mc.notifs)
	}
}

func TestClientInitializeLogsServerIdentity(t *testing.T) {
	mc := newMockCaller()
	mc.responses["initialize"] = initResult("tools")

	// The connection manager hands the client a logger already tagged
	// with the peer id; the client's own attributes must not collide.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("peer", "a")

	client := NewClient(mc, logger)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "server=test-peer") {
		t.Errorf("log output missing server identity: %q", out)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Count(line, " peer=") != 1 {
			t.Errorf("want exactly one peer attribute per line, got: %q", line)
		}
	}
}

func TestClientListTools(t *testing.T) {
	mc := newMockCaller()
	mc.responses["tools/list"] = map[string]any{
		"tools": []map[string]any{
			{"name": "echo", "description": "Echo a message"},
			{"name": "now"},
		},
	}

	client := NewClient(mc, nil)
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if tools[0].Name != "echo" {
		t.Errorf("tools[0].Name = %q, want %q", tools[0].Name, "echo")
	}
}

func TestClientCallTool(t *testing.T) {
	mc := newMockCaller()
	mc.responses["tools/call"] = map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": "hello"},
			{"type": "image"},
		},
	}

	client := NewClient(mc, nil)
	result, err := client.CallTool(context.Background(), "echo", map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Text(); got != "hello\n[image]" {
		t.Errorf("Text() = %q, want %q", got, "hello\n[image]")
	}
}

func TestClientReadResource(t *testing.T) {
	mc := newMockCaller()
	mc.responses["resources/read"] = map[string]any{
		"contents": []map[string]any{
			{"uri": "info://build", "mimeType": "application/json", "text": "{}"},
		},
	}

	client := NewClient(mc, nil)
	result, err := client.ReadResource(context.Background(), "info://build")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].URI != "info://build" {
		t.Errorf("Contents = %+v, want one entry for info://build", result.Contents)
	}
}

func TestClientGetPrompt(t *testing.T) {
	mc := newMockCaller()
	mc.responses["prompts/get"] = map[string]any{
		"description": "greeting",
		"messages": []map[string]any{
			{"role": "user", "content": map[string]any{"type": "text", "text": "hi"}},
		},
	}

	client := NewClient(mc, nil)
	result, err := client.GetPrompt(context.Background(), "greet", map[string]string{"name": "pat"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(result.Messages) != 1 || result.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v, want one user message", result.Messages)
	}
}

func TestClientSurfacesRemoteError(t *testing.T) {
	mc := newMockCaller()
	mc.errors["tools/call"] = &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "no such tool"}

	client := NewClient(mc, nil)
	if _, err := client.CallTool(context.Background(), "missing", nil); err == nil {
		t.Fatal("CallTool succeeded, want error")
	}
}

func TestCapabilitySetJSON(t *testing.T) {
	s := CapabilitySet(0).With(CapTools).With(CapResources)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded CapabilitySet
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != s {
		t.Errorf("round trip = %v, want %v", decoded, s)
	}
	if decoded.String() != "resources+tools" {
		t.Errorf("String() = %q, want %q", decoded.String(), "resources+tools")
	}
}

func TestParseCapabilitiesIgnoresUnknown(t *testing.T) {
	s := ParseCapabilities([]string{"tools", "telepathy", "Prompts"})
	if !s.Has(CapTools) || !s.Has(CapPrompts) {
		t.Errorf("set = %v, want tools+prompts", s)
	}
	if s.Has(CapResources) {
		t.Error("resources should not be set")
	}
}
