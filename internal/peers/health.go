package peers

import (
	"context"
	"math"
	"sync"
	"time"
)

// HealthConfig controls background probing and reconnection. Zero
// fields take defaults.
type HealthConfig struct {
	// ProbeInterval is how often connected peers are pinged.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual ping.
	ProbeTimeout time.Duration
	// RefreshInterval is how often discovery re-runs and failed peers
	// become eligible for reconnection.
	RefreshInterval time.Duration
	// InitialBackoff is the reconnect delay after the first failure;
	// it doubles per consecutive failure up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultHealthConfig returns the default schedule: 30s probes with a
// 10s budget, 60s refresh, and 2s→60s reconnect backoff.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ProbeInterval:   30 * time.Second,
		ProbeTimeout:    10 * time.Second,
		RefreshInterval: 60 * time.Second,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      60 * time.Second,
	}
}

func (h *HealthConfig) applyDefaults() {
	d := DefaultHealthConfig()
	if h.ProbeInterval <= 0 {
		h.ProbeInterval = d.ProbeInterval
	}
	if h.ProbeTimeout <= 0 {
		h.ProbeTimeout = d.ProbeTimeout
	}
	if h.RefreshInterval <= 0 {
		h.RefreshInterval = d.RefreshInterval
	}
	if h.InitialBackoff <= 0 {
		h.InitialBackoff = d.InitialBackoff
	}
	if h.MaxBackoff <= 0 {
		h.MaxBackoff = d.MaxBackoff
	}
}

// backoffDelay returns the reconnect delay after n consecutive
// failures: initial * 2^(n-1), capped at MaxBackoff.
func (h HealthConfig) backoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := time.Duration(float64(h.InitialBackoff) * math.Pow(2, float64(n-1)))
	if delay > h.MaxBackoff || delay <= 0 {
		delay = h.MaxBackoff
	}
	return delay
}

// Run drives the manager's background loops until ctx is cancelled:
// an immediate refresh, periodic re-discovery/reconnection, and
// periodic health probing of connected peers. A probe failure moves
// the peer to Disconnected; the next refresh picks it back up.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("initial peer discovery failed", "error", err)
	}

	probe := time.NewTicker(m.health.ProbeInterval)
	defer probe.Stop()
	refresh := time.NewTicker(m.health.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-probe.C:
			m.probeConnected(ctx)
		case <-refresh.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Warn("peer discovery failed", "error", err)
			}
		}
	}
}

// probeConnected pings every connected peer concurrently. Probes run
// outside the table lock; a peer that fails its ping is dropped to
// Disconnected, which also closes its client.
func (m *Manager) probeConnected(ctx context.Context) {
	connected := m.Connected()
	if len(connected) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, pc := range connected {
		wg.Add(1)
		go func(pc PeerClient) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.health.ProbeTimeout)
			defer cancel()

			if err := pc.Client.Ping(probeCtx); err != nil {
				m.logger.Warn("peer failed health probe", "peer", pc.ID, "error", err)
				m.markDropped(pc.ID, err)
			}
		}(pc)
	}
	wg.Wait()
}
