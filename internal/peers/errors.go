package peers

import (
	"fmt"

	"github.com/nugget/mcphub/internal/mcp"
)

// Typed peer errors. Every failure that escapes this layer names the
// offending peer so callers can decide retry or surface policy without
// string matching.

// NotConnectedError reports a targeted call addressed to a peer with
// no live connection.
type NotConnectedError struct {
	PeerID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("peer %s: not connected", e.PeerID)
}

// CapabilityError reports a targeted call requiring a capability
// handle the peer does not hold. It is the "method not found" class of
// failure: the peer is fine, the request is not applicable to it.
type CapabilityError struct {
	PeerID     string
	Capability mcp.Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("peer %s: capability %s not supported", e.PeerID, e.Capability)
}

// ExecutionError reports a call that reached a connected, capable peer
// and failed there or in transit. The original cause is preserved.
type ExecutionError struct {
	PeerID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("peer %s: execution failed: %v", e.PeerID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ConnectionError reports a failed attempt to establish a peer's
// transport channel.
type ConnectionError struct {
	PeerID string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("peer %s: connect failed: %v", e.PeerID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BindingError reports a transport channel that came up but failed the
// protocol handshake.
type BindingError struct {
	PeerID string
	Err    error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("peer %s: handshake failed: %v", e.PeerID, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }
