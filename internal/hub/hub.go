// Package hub implements the cross-peer operations: broadcast queries
// that fan out to every connected, capable peer and merge the
// successes, and targeted calls routed to one peer by id. The hub owns
// no state of its own — it borrows read access to the connection
// manager for each call.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/peers"
)

// Hub aggregates operations across all connected peers.
type Hub struct {
	peers  *peers.Manager
	logger *slog.Logger
}

// New creates a hub over the given connection manager.
func New(m *peers.Manager, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{peers: m, logger: logger}
}

// PeerFailure records one peer excluded from a broadcast result.
type PeerFailure struct {
	PeerID string `json:"peer_id"`
	Error  string `json:"error"`
}

// Tool is a tool definition tagged with its origin peer.
type Tool struct {
	PeerID string `json:"peer_id"`
	mcp.ToolDefinition
}

// Resource is a resource definition tagged with its origin peer.
type Resource struct {
	PeerID string `json:"peer_id"`
	mcp.ResourceDefinition
}

// Prompt is a prompt definition tagged with its origin peer.
type Prompt struct {
	PeerID string `json:"peer_id"`
	mcp.PromptDefinition
}

// Outcome is the merged result of one broadcast: every successful
// peer's items, plus the peers that failed and were excluded. Never
// all-or-nothing — a failed peer costs only its own contribution.
type Outcome[T any] struct {
	Items  []T           `json:"items"`
	Failed []PeerFailure `json:"failed,omitempty"`
}

// ListTools queries every connected peer holding the tools handle
// concurrently and merges the results. Zero capable peers yields an
// empty outcome, not an error.
func (h *Hub) ListTools(ctx context.Context) Outcome[Tool] {
	return broadcast(ctx, h, mcp.CapTools, func(ctx context.Context, pc peers.PeerClient) ([]Tool, error) {
		defs, err := pc.Client.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Tool, 0, len(defs))
		for _, d := range defs {
			out = append(out, Tool{PeerID: pc.ID, ToolDefinition: d})
		}
		return out, nil
	})
}

// ListResources queries every connected peer holding the resources handle.
func (h *Hub) ListResources(ctx context.Context) Outcome[Resource] {
	return broadcast(ctx, h, mcp.CapResources, func(ctx context.Context, pc peers.PeerClient) ([]Resource, error) {
		defs, err := pc.Client.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Resource, 0, len(defs))
		for _, d := range defs {
			out = append(out, Resource{PeerID: pc.ID, ResourceDefinition: d})
		}
		return out, nil
	})
}

// ListPrompts queries every connected peer holding the prompts handle.
func (h *Hub) ListPrompts(ctx context.Context) Outcome[Prompt] {
	return broadcast(ctx, h, mcp.CapPrompts, func(ctx context.Context, pc peers.PeerClient) ([]Prompt, error) {
		defs, err := pc.Client.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Prompt, 0, len(defs))
		for _, d := range defs {
			out = append(out, Prompt{PeerID: pc.ID, PromptDefinition: d})
		}
		return out, nil
	})
}

// PeerStatus is one peer's entry in a status broadcast.
type PeerStatus struct {
	peers.Info
	// Alive reports whether a connected peer answered its ping.
	Alive bool `json:"alive"`
}

// Status returns the full peer table, pinging each connected peer
// concurrently to confirm liveness.
func (h *Hub) Status(ctx context.Context) []PeerStatus {
	snapshot := h.peers.Snapshot()
	statuses := make([]PeerStatus, len(snapshot))

	var wg sync.WaitGroup
	for i, info := range snapshot {
		statuses[i] = PeerStatus{Info: info}
		if info.State != peers.StateConnected.String() {
			continue
		}
		pc, state, ok := h.peers.Lookup(info.ID)
		if !ok || state != peers.StateConnected || pc.Client == nil {
			continue
		}
		wg.Add(1)
		go func(i int, pc peers.PeerClient) {
			defer wg.Done()
			statuses[i].Alive = pc.Client.Ping(ctx) == nil
		}(i, pc)
	}
	wg.Wait()
	return statuses
}

// CallTool invokes one tool on one peer.
func (h *Hub) CallTool(ctx context.Context, peerID, name string, args map[string]any) (*mcp.ToolResult, error) {
	client, err := h.resolve(peerID, mcp.CapTools)
	if err != nil {
		return nil, err
	}
	result, err := client.CallTool(ctx, name, args)
	if err != nil {
		return nil, &peers.ExecutionError{PeerID: peerID, Err: err}
	}
	return result, nil
}

// ReadResource reads one resource from one peer.
func (h *Hub) ReadResource(ctx context.Context, peerID, uri string) (*mcp.ResourceResult, error) {
	client, err := h.resolve(peerID, mcp.CapResources)
	if err != nil {
		return nil, err
	}
	result, err := client.ReadResource(ctx, uri)
	if err != nil {
		return nil, &peers.ExecutionError{PeerID: peerID, Err: err}
	}
	return result, nil
}

// GetPrompt renders one prompt from one peer.
func (h *Hub) GetPrompt(ctx context.Context, peerID, name string, args map[string]string) (*mcp.PromptResult, error) {
	client, err := h.resolve(peerID, mcp.CapPrompts)
	if err != nil {
		return nil, err
	}
	result, err := client.GetPrompt(ctx, name, args)
	if err != nil {
		return nil, &peers.ExecutionError{PeerID: peerID, Err: err}
	}
	return result, nil
}

// resolve finds the peer for a targeted call. Absent or unconnected
// peers fail with NotConnectedError; connected peers lacking the
// required handle fail with CapabilityError.
func (h *Hub) resolve(peerID string, required mcp.Capability) (*mcp.Client, error) {
	pc, state, ok := h.peers.Lookup(peerID)
	if !ok || state != peers.StateConnected || pc.Client == nil {
		return nil, &peers.NotConnectedError{PeerID: peerID}
	}
	if !pc.Capabilities.Has(required) {
		return nil, &peers.CapabilityError{PeerID: peerID, Capability: required}
	}
	return pc.Client, nil
}

// broadcast fans one query out to every connected peer holding the
// required handle, in parallel, and joins the results. A peer whose
// query fails is excluded and recorded; it never aborts its siblings,
// and a slow peer delays only its own contribution.
func broadcast[T any](ctx context.Context, h *Hub, required mcp.Capability, query func(context.Context, peers.PeerClient) ([]T, error)) Outcome[T] {
	connected := h.peers.Connected()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	outcome := Outcome[T]{Items: []T{}}

	for _, pc := range connected {
		if !pc.Capabilities.Has(required) {
			continue
		}
		wg.Add(1)
		go func(pc peers.PeerClient) {
			defer wg.Done()
			items, err := query(ctx, pc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.Warn("peer excluded from broadcast", "peer", pc.ID, "error", err)
				outcome.Failed = append(outcome.Failed, PeerFailure{PeerID: pc.ID, Error: err.Error()})
				return
			}
			outcome.Items = append(outcome.Items, items...)
		}(pc)
	}
	wg.Wait()
	return outcome
}
