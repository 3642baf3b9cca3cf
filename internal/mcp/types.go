// Package mcp implements the client side of the Model Context Protocol
// over JSON-RPC: the initialize handshake, capability handles, and the
// typed tools/resources/prompts operations.
package mcp

import (
	"encoding/json"
	"sort"
	"strings"
)

// Capability is one grantable handle. A peer that does not advertise a
// capability during initialize never receives calls for it.
type Capability uint8

const (
	// CapTools grants tools/list and tools/call.
	CapTools Capability = 1 << iota
	// CapResources grants resources/list and resources/read.
	CapResources
	// CapPrompts grants prompts/list and prompts/get.
	CapPrompts
)

// String returns the wire name of the capability.
func (c Capability) String() string {
	switch c {
	case CapTools:
		return "tools"
	case CapResources:
		return "resources"
	case CapPrompts:
		return "prompts"
	default:
		return "unknown"
	}
}

// CapabilitySet is a bitmask of granted handles. The zero value grants
// nothing.
type CapabilitySet uint8

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// With returns a copy of the set with c added.
func (s CapabilitySet) With(c Capability) CapabilitySet {
	return s | CapabilitySet(c)
}

// Names returns the wire names of the granted handles, sorted.
func (s CapabilitySet) Names() []string {
	var names []string
	for _, c := range []Capability{CapTools, CapResources, CapPrompts} {
		if s.Has(c) {
			names = append(names, c.String())
		}
	}
	sort.Strings(names)
	return names
}

// String renders the set as "resources+tools", or "none" when empty.
func (s CapabilitySet) String() string {
	names := s.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

// ParseCapabilities builds a set from wire names, case-insensitively.
// Unknown names are ignored so newer peers stay compatible.
func ParseCapabilities(names []string) CapabilitySet {
	var s CapabilitySet
	for _, name := range names {
		switch strings.ToLower(name) {
		case "tools":
			s = s.With(CapTools)
		case "resources":
			s = s.With(CapResources)
		case "prompts":
			s = s.With(CapPrompts)
		}
	}
	return s
}

// MarshalJSON encodes the set as its name array.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes a name array.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = ParseCapabilities(names)
	return nil
}

// ServerInfo is a peer's self-reported identity from initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ToolDefinition describes one invokable tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ResourceDefinition describes one readable resource.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one parameter a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDefinition describes one renderable prompt.
type PromptDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ContentBlock is one piece of tool or prompt content. Only text
// blocks carry a payload mcphub consumes; other types pass through
// with their type tag.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of tools/call.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the result to a printable string: text blocks joined
// by newlines, non-text blocks rendered as their bracketed type.
func (r *ToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
			continue
		}
		parts = append(parts, "["+block.Type+"]")
	}
	return strings.Join(parts, "\n")
}

// ResourceContent is one entry in a resources/read result. Text and
// Blob are alternatives; Blob is base64 on the wire.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceResult is the outcome of resources/read.
type ResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// PromptMessage is one rendered message in a prompts/get result.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// PromptResult is the outcome of prompts/get.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
