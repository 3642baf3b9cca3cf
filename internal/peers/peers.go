// Package peers owns the per-peer connection state machine. The
// Manager discovers candidate peers, drives each through Disconnected
// → Connecting → Connected (or Error), records which capability
// handles the handshake actually granted, and exposes the live table
// both as snapshots and as a change-event stream.
//
// The connection table is encapsulated: all mutation funnels through
// the Manager under one mutex, and callers only ever see copies.
package peers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mcphub/internal/events"
	"github.com/nugget/mcphub/internal/mcp"
)

// State is a peer connection's lifecycle state.
type State int

const (
	// StateDisconnected: no live channel; eligible for (re)connection.
	StateDisconnected State = iota
	// StateConnecting: a connection attempt is in flight.
	StateConnecting
	// StateConnected: channel up and handshake complete.
	StateConnected
	// StateError: the last connection attempt failed; retryable.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Descriptor identifies a discovered peer candidate. Immutable once
// created — re-discovery replaces the stored descriptor wholesale.
type Descriptor struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	ProtocolVersion string            `json:"protocolVersion,omitempty"`
	Capabilities    mcp.CapabilitySet `json:"capabilities,omitempty"`
	// Endpoint tells the dialer how to reach the peer, e.g.
	// "stdio:/usr/local/bin/peer --flag", "ws://host:9280/mcp",
	// "https://host/mcp".
	Endpoint string `json:"endpoint"`
	// Exported marks the advertisement as externally reachable.
	// Non-exported candidates are filtered during discovery.
	Exported bool `json:"exported"`
}

// Discoverer finds peer candidates. Implementations live in
// internal/discovery; returning an empty list is success, not failure.
type Discoverer interface {
	Discover(ctx context.Context) ([]Descriptor, error)
}

// Dialer turns an endpoint into a live caller. Implemented by
// internal/transport.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (mcp.Caller, error)
}

// dropNotifier is implemented by stream-backed callers that can report
// an unsolicited channel drop.
type dropNotifier interface {
	OnDrop(func(err error))
}

// conn is one row of the connection table. Owned by the Manager;
// mutated only under Manager.mu.
type conn struct {
	descriptor Descriptor
	state      State
	caps       mcp.CapabilitySet
	lastErr    error
	client     *mcp.Client

	// reconnect backoff bookkeeping
	failures  int
	nextRetry time.Time
}

// Info is a read-only copy of one connection's current state.
type Info struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Endpoint     string            `json:"endpoint"`
	State        string            `json:"state"`
	Capabilities mcp.CapabilitySet `json:"capabilities"`
	LastError    string            `json:"last_error,omitempty"`
}

// PeerClient pairs a connected peer's identity with its client and the
// capability handles it holds.
type PeerClient struct {
	ID           string
	Name         string
	Capabilities mcp.CapabilitySet
	Client       *mcp.Client
}

// Manager owns the peer connection table.
type Manager struct {
	discoverer Discoverer
	dialer     Dialer
	bus        *events.Bus
	logger     *slog.Logger
	health     HealthConfig

	mu    sync.Mutex
	conns map[string]*conn
	torn  bool
}

// NewManager creates a connection manager. The bus may be nil when no
// one needs change events.
func NewManager(discoverer Discoverer, dialer Dialer, bus *events.Bus, health HealthConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	health.applyDefaults()
	return &Manager{
		discoverer: discoverer,
		dialer:     dialer,
		bus:        bus,
		logger:     logger,
		health:     health,
		conns:      make(map[string]*conn),
	}
}

// Refresh runs one discovery pass and attempts to connect every
// eligible peer: new descriptors immediately, previously failed or
// dropped peers when their backoff window has elapsed. Individual
// connect failures are recorded on the peer, never raised — Refresh
// fails only when the discoverer itself does.
func (m *Manager) Refresh(ctx context.Context) error {
	descs, err := m.discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover peers: %w", err)
	}

	now := time.Now()
	var attempt []Descriptor

	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return nil
	}
	for _, d := range descs {
		if !d.Exported || d.ID == "" {
			// An unreachable advertisement is treated as absent.
			continue
		}
		c, ok := m.conns[d.ID]
		if !ok {
			m.conns[d.ID] = &conn{descriptor: d, state: StateDisconnected}
			m.publish(events.PeerEvent{PeerID: d.ID, Kind: events.KindDiscovered})
			attempt = append(attempt, d)
			continue
		}
		// Re-discovery replaces the descriptor for idle peers only;
		// a live connection keeps the descriptor it was dialed with.
		switch c.state {
		case StateDisconnected, StateError:
			c.descriptor = d
			if now.After(c.nextRetry) {
				attempt = append(attempt, d)
			}
		}
	}
	// Reconnect known peers discovery no longer reports but that we
	// have not been told to forget (transient registry gaps).
	for id, c := range m.conns {
		if (c.state == StateDisconnected || c.state == StateError) && now.After(c.nextRetry) {
			if !containsDescriptor(attempt, id) {
				attempt = append(attempt, c.descriptor)
			}
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range attempt {
		wg.Add(1)
		go func(d Descriptor) {
			defer wg.Done()
			m.Connect(ctx, d)
		}(d)
	}
	wg.Wait()
	return nil
}

func containsDescriptor(descs []Descriptor, id string) bool {
	for _, d := range descs {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Connect attempts to establish and initialize a connection for d. A
// failure moves the peer to StateError and records the reason; it is
// not returned because discovery treats connect failures as per-peer
// state, not call failures. The connected client (or nil) is returned
// for callers that connect a single peer directly.
func (m *Manager) Connect(ctx context.Context, d Descriptor) *mcp.Client {
	if !m.beginConnect(d) {
		return nil
	}

	logger := m.logger.With("peer", d.ID)
	logger.Info("connecting to peer", "endpoint", d.Endpoint)

	caller, err := m.dialer.Dial(ctx, d.Endpoint)
	if err != nil {
		m.failConnect(d.ID, &ConnectionError{PeerID: d.ID, Err: err})
		return nil
	}

	client := mcp.NewClient(caller, logger)
	if err := client.Initialize(ctx); err != nil {
		_ = caller.Close()
		m.failConnect(d.ID, &BindingError{PeerID: d.ID, Err: err})
		return nil
	}

	if dn, ok := caller.(dropNotifier); ok {
		peerID := d.ID
		dn.OnDrop(func(err error) { m.markDropped(peerID, err) })
	}

	m.mu.Lock()
	c, ok := m.conns[d.ID]
	if !ok || m.torn {
		// Torn down while we were dialing.
		m.mu.Unlock()
		_ = client.Close()
		return nil
	}
	c.state = StateConnected
	c.client = client
	c.caps = client.Capabilities()
	c.lastErr = nil
	c.failures = 0
	c.nextRetry = time.Time{}
	m.publish(events.PeerEvent{PeerID: d.ID, Kind: events.KindStateChanged, State: StateConnected.String()})
	m.mu.Unlock()

	logger.Info("peer connected", "capabilities", client.Capabilities().String())
	return client
}

// beginConnect transitions a peer to Connecting. Returns false when
// the peer is already connecting or connected, or the manager is torn
// down.
func (m *Manager) beginConnect(d Descriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.torn {
		return false
	}
	c, ok := m.conns[d.ID]
	if !ok {
		c = &conn{descriptor: d}
		m.conns[d.ID] = c
	}
	if c.state == StateConnecting || c.state == StateConnected {
		return false
	}
	c.state = StateConnecting
	m.publish(events.PeerEvent{PeerID: d.ID, Kind: events.KindStateChanged, State: StateConnecting.String()})
	return true
}

// failConnect records a failed attempt and arms the reconnect backoff.
func (m *Manager) failConnect(peerID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	if !ok {
		return
	}
	c.state = StateError
	c.lastErr = cause
	c.client = nil
	c.caps = 0
	c.failures++
	c.nextRetry = time.Now().Add(m.health.backoffDelay(c.failures))
	m.publish(events.PeerEvent{
		PeerID: peerID,
		Kind:   events.KindStateChanged,
		State:  StateError.String(),
		Detail: cause.Error(),
	})
	m.logger.Warn("peer connection failed",
		"peer", peerID,
		"error", cause,
		"retry_in", time.Until(c.nextRetry).Truncate(time.Second).String(),
	)
}

// markDropped moves a connected peer back to Disconnected after its
// channel dropped, releasing the transport. The peer stays in the
// table, eligible for reconnection on the next refresh.
func (m *Manager) markDropped(peerID string, cause error) {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	if !ok || c.state != StateConnected {
		m.mu.Unlock()
		return
	}
	old := c.client
	c.state = StateDisconnected
	c.client = nil
	c.caps = 0
	if cause != nil {
		c.lastErr = cause
	}
	m.publish(events.PeerEvent{
		PeerID: peerID,
		Kind:   events.KindStateChanged,
		State:  StateDisconnected.String(),
		Detail: errString(cause),
	})
	m.mu.Unlock()

	m.logger.Warn("peer connection dropped", "peer", peerID, "error", cause)

	// Close outside the lock: for stdio peers this reaps the subprocess.
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("close dropped peer connection", "peer", peerID, "error", err)
		}
	}
}

// Get returns a copy of the peer's current state.
func (m *Manager) Get(peerID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// Lookup resolves a peer for a targeted call: its client (nil unless
// connected), its current state, and whether the peer is known at all.
func (m *Manager) Lookup(peerID string) (PeerClient, State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	if !ok {
		return PeerClient{}, StateDisconnected, false
	}
	return PeerClient{
		ID:           c.descriptor.ID,
		Name:         c.descriptor.Name,
		Capabilities: c.caps,
		Client:       c.client,
	}, c.state, true
}

// Connected returns the currently connected peers with their clients.
func (m *Manager) Connected() []PeerClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PeerClient
	for _, c := range m.conns {
		if c.state != StateConnected {
			continue
		}
		out = append(out, PeerClient{
			ID:           c.descriptor.ID,
			Name:         c.descriptor.Name,
			Capabilities: c.caps,
			Client:       c.client,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the full table as read-only copies, sorted by id.
// The snapshot is consistent: it never shows a half-applied transition.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch returns the current snapshot plus a change-event stream, so
// dependents can react without polling. The returned cancel func
// releases the subscription.
func (m *Manager) Watch(bufSize int) ([]Info, <-chan events.PeerEvent, func()) {
	if m.bus == nil {
		ch := make(chan events.PeerEvent)
		close(ch)
		return m.Snapshot(), ch, func() {}
	}
	// Subscribe before snapshotting so no transition falls between.
	ch := m.bus.Subscribe(bufSize)
	snap := m.Snapshot()
	return snap, ch, func() { m.bus.Unsubscribe(ch) }
}

// Teardown closes every live connection and clears the table.
// Idempotent; close failures are logged, never raised.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.torn = true
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for id, c := range conns {
		if c.client != nil {
			if err := c.client.Close(); err != nil {
				m.logger.Debug("close peer connection", "peer", id, "error", err)
			}
		}
		m.bus.Publish(events.PeerEvent{PeerID: id, Kind: events.KindRemoved})
	}
	m.logger.Info("peer manager torn down", "peers", len(conns))
}

// publish emits a change event. Caller holds m.mu; the bus itself
// never blocks, so holding the lock across Publish is safe and keeps
// event order consistent with applied transitions.
func (m *Manager) publish(e events.PeerEvent) {
	m.bus.Publish(e)
}

func (c *conn) info() Info {
	return Info{
		ID:           c.descriptor.ID,
		Name:         c.descriptor.Name,
		Endpoint:     c.descriptor.Endpoint,
		State:        c.state.String(),
		Capabilities: c.caps,
		LastError:    errString(c.lastErr),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
