// Package capreg implements the server side of the protocol for Go
// processes that want to be peers: an explicit capability registry
// populated at startup, typed parameter checking against declared
// schemas, and a newline-delimited JSON-RPC serve loop.
package capreg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/mcphub/internal/jsonrpc"
	"github.com/nugget/mcphub/internal/mcp"
)

// Field declares one parameter of a tool schema. Type uses JSON schema
// names: string, number, integer, boolean, object, array.
type Field struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolHandler executes one tool call. Arguments have already been
// checked against the declared fields.
type ToolHandler func(ctx context.Context, args map[string]any) (*mcp.ToolResult, error)

// ResourceHandler produces the content of one resource.
type ResourceHandler func(ctx context.Context) (*mcp.ResourceResult, error)

// PromptHandler renders one prompt.
type PromptHandler func(ctx context.Context, args map[string]string) (*mcp.PromptResult, error)

type toolEntry struct {
	def     mcp.ToolDefinition
	fields  []Field
	handler ToolHandler
}

type resourceEntry struct {
	def     mcp.ResourceDefinition
	handler ResourceHandler
}

type promptEntry struct {
	def     mcp.PromptDefinition
	handler PromptHandler
}

// Registry holds a peer's registered capabilities. Registration
// happens once at startup; serving reads concurrently afterwards.
type Registry struct {
	name    string
	version string
	logger  *slog.Logger

	mu        sync.RWMutex
	tools     map[string]*toolEntry
	resources map[string]*resourceEntry
	prompts   map[string]*promptEntry
}

// NewRegistry creates an empty registry identifying itself as
// name/version during the handshake.
func NewRegistry(name, version string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		name:      name,
		version:   version,
		logger:    logger,
		tools:     make(map[string]*toolEntry),
		resources: make(map[string]*resourceEntry),
		prompts:   make(map[string]*promptEntry),
	}
}

// Capabilities returns the handles this registry can grant, based on
// what has been registered.
func (r *Registry) Capabilities() mcp.CapabilitySet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s mcp.CapabilitySet
	if len(r.tools) > 0 {
		s = s.With(mcp.CapTools)
	}
	if len(r.resources) > 0 {
		s = s.With(mcp.CapResources)
	}
	if len(r.prompts) > 0 {
		s = s.With(mcp.CapPrompts)
	}
	return s
}

// RegisterTool adds a tool. Duplicate names are an error; tools are
// registered once at startup, never replaced.
func (r *Registry) RegisterTool(name, description string, fields []Field, h ToolHandler) error {
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = &toolEntry{
		def: mcp.ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: schemaFor(fields),
		},
		fields:  fields,
		handler: h,
	}
	r.logger.Debug("tool registered", "tool", name)
	return nil
}

// RegisterResource adds a resource keyed by URI.
func (r *Registry) RegisterResource(uri, name, description, mimeType string, h ResourceHandler) error {
	if uri == "" {
		return fmt.Errorf("resource uri required")
	}
	if h == nil {
		return fmt.Errorf("resource %s: handler required", uri)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.resources[uri]; dup {
		return fmt.Errorf("resource %s already registered", uri)
	}
	r.resources[uri] = &resourceEntry{
		def: mcp.ResourceDefinition{
			URI:         uri,
			Name:        name,
			Description: description,
			MimeType:    mimeType,
		},
		handler: h,
	}
	r.logger.Debug("resource registered", "uri", uri)
	return nil
}

// RegisterPrompt adds a prompt.
func (r *Registry) RegisterPrompt(name, description string, args []mcp.PromptArgument, h PromptHandler) error {
	if name == "" {
		return fmt.Errorf("prompt name required")
	}
	if h == nil {
		return fmt.Errorf("prompt %s: handler required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.prompts[name]; dup {
		return fmt.Errorf("prompt %s already registered", name)
	}
	r.prompts[name] = &promptEntry{
		def: mcp.PromptDefinition{
			Name:        name,
			Description: description,
			Arguments:   args,
		},
		handler: h,
	}
	r.logger.Debug("prompt registered", "prompt", name)
	return nil
}

// Tools returns the registered tool definitions, sorted by name.
func (r *Registry) Tools() []mcp.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resources returns the registered resource definitions, sorted by URI.
func (r *Registry) Resources() []mcp.ResourceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.ResourceDefinition, 0, len(r.resources))
	for _, e := range r.resources {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Prompts returns the registered prompt definitions, sorted by name.
func (r *Registry) Prompts() []mcp.PromptDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.PromptDefinition, 0, len(r.prompts))
	for _, e := range r.prompts {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InvokeTool checks args against the tool's declared fields and runs
// the handler. Unknown tools fail with MethodNotFound; argument
// violations fail with InvalidParams.
func (r *Registry) InvokeTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown tool %q", name)}
	}
	if err := checkArgs(entry.fields, args); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	return entry.handler(ctx, args)
}

// ReadResource runs the handler for uri.
func (r *Registry) ReadResource(ctx context.Context, uri string) (*mcp.ResourceResult, error) {
	r.mu.RLock()
	entry, ok := r.resources[uri]
	r.mu.RUnlock()
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown resource %q", uri)}
	}
	return entry.handler(ctx)
}

// GetPrompt checks required arguments and renders the prompt.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.PromptResult, error) {
	r.mu.RLock()
	entry, ok := r.prompts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown prompt %q", name)}
	}
	for _, arg := range entry.def.Arguments {
		if arg.Required {
			if _, present := args[arg.Name]; !present {
				return nil, &jsonrpc.Error{
					Code:    jsonrpc.CodeInvalidParams,
					Message: fmt.Sprintf("prompt %s: missing required argument %q", name, arg.Name),
				}
			}
		}
	}
	return entry.handler(ctx, args)
}

// schemaFor renders declared fields as a JSON schema object.
func schemaFor(fields []Field) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		prop := map[string]any{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

// checkArgs validates args against the declared fields: required
// fields present, every present declared field of the declared type.
// Undeclared extras pass through untouched; the handler decides.
func checkArgs(fields []Field, args map[string]any) error {
	for _, f := range fields {
		value, present := args[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("missing required argument %q", f.Name)
			}
			continue
		}
		if !typeMatches(f.Type, value) {
			return fmt.Errorf("argument %q: expected %s, got %T", f.Name, f.Type, value)
		}
	}
	return nil
}

// typeMatches checks a decoded JSON value against a schema type name.
// JSON numbers decode as float64; integer additionally requires a
// whole value.
func typeMatches(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		// Unknown schema types do not constrain the value.
		return true
	}
}
