// Package discovery provides the peer discovery backends: a static
// list from configuration, an MQTT registry fed by retained
// advertisements, and a composite that merges backends.
package discovery

import (
	"context"

	"github.com/nugget/mcphub/internal/peers"
)

// Static serves a fixed descriptor list, typically declared in the
// config file.
type Static struct {
	descs []peers.Descriptor
}

// NewStatic copies descs into a discoverer.
func NewStatic(descs []peers.Descriptor) *Static {
	return &Static{descs: append([]peers.Descriptor(nil), descs...)}
}

// Discover returns the configured descriptors.
func (s *Static) Discover(context.Context) ([]peers.Descriptor, error) {
	out := make([]peers.Descriptor, len(s.descs))
	copy(out, s.descs)
	return out, nil
}
