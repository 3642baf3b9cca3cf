package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/jsonrpc"
)

// ProtocolVersion is the MCP protocol revision advertised during the
// initialize handshake.
const ProtocolVersion = "2024-11-05"

// Caller issues JSON-RPC calls against a single peer. Stream
// transports satisfy it via rpc.Conn; the HTTP transport implements it
// directly. A returned *jsonrpc.Response always carries a result — a
// peer-reported error surfaces as a *jsonrpc.Error error value.
type Caller interface {
	Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// wireCapabilities is the capabilities object in an initialize result.
// MCP encodes each capability as an optional sub-object; presence of
// the key is the handle.
type wireCapabilities struct {
	Tools     json.RawMessage `json:"tools,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
	Prompts   json.RawMessage `json:"prompts,omitempty"`
}

// initializeResult is the result payload of an initialize response.
type initializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	ServerInfo      ServerInfo       `json:"serverInfo"`
	Capabilities    wireCapabilities `json:"capabilities"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type resourcesListResult struct {
	Resources []ResourceDefinition `json:"resources"`
}

type promptsListResult struct {
	Prompts []PromptDefinition `json:"prompts"`
}

// Client provides typed MCP operations against a single peer. It is
// safe for concurrent use; all calls go through the underlying Caller,
// which multiplexes them.
type Client struct {
	caller Caller
	logger *slog.Logger

	mu           sync.RWMutex
	initialized  bool
	capabilities CapabilitySet
	server       ServerInfo
	protocol     string
}

// NewClient wraps caller. Call Initialize before issuing operations.
func NewClient(caller Caller, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{caller: caller, logger: logger}
}

// Initialize performs the MCP handshake and records which capability
// handles the peer actually granted. A protocol-version mismatch is
// logged, not fatal — peers a revision apart still interoperate for
// the operations mcphub uses.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcphub",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.caller.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	caps := CapabilitySet(0)
	if result.Capabilities.Tools != nil {
		caps = caps.With(CapTools)
	}
	if result.Capabilities.Resources != nil {
		caps = caps.With(CapResources)
	}
	if result.Capabilities.Prompts != nil {
		caps = caps.With(CapPrompts)
	}

	c.mu.Lock()
	c.initialized = true
	c.capabilities = caps
	c.server = result.ServerInfo
	c.protocol = result.ProtocolVersion
	c.mu.Unlock()

	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("peer speaks a different protocol revision",
			"server", result.ServerInfo.Name,
			"server_protocol", result.ProtocolVersion,
			"our_protocol", ProtocolVersion,
		)
	}

	c.logger.Info("peer initialized",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"capabilities", caps.String(),
	)

	// Complete the handshake.
	if err := c.caller.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// Capabilities returns the handles granted during initialize.
func (c *Client) Capabilities() CapabilitySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// Server returns the peer's self-reported identity.
func (c *Client) Server() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	var result ToolResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	var result resourcesListResult
	if err := c.call(ctx, "resources/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ResourceResult, error) {
	var result ResourceResult
	if err := c.call(ctx, "resources/read", map[string]any{"uri": uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts calls prompts/list.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	var result promptsListResult
	if err := c.call(ctx, "prompts/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt renders a prompt by name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	var result PromptResult
	if err := c.call(ctx, "prompts/get", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks whether the peer is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.caller.Call(ctx, "ping", nil)
	return err
}

// Close shuts down the underlying transport.
func (c *Client) Close() error {
	return c.caller.Close()
}

// call issues method and decodes the result payload into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	resp, err := c.caller.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}
