package discovery

import (
	"context"
	"log/slog"

	"github.com/nugget/mcphub/internal/peers"
)

// Composite merges descriptors from several backends. A failing
// backend is logged and contributes nothing; the merge only fails when
// every backend fails. When two backends advertise the same peer id,
// the earlier backend wins, so static config can pin over MQTT.
type Composite struct {
	backends []peers.Discoverer
	logger   *slog.Logger
}

// NewComposite builds a merged discoverer. Backend order sets
// precedence for duplicate peer ids.
func NewComposite(logger *slog.Logger, backends ...peers.Discoverer) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{backends: backends, logger: logger}
}

// Discover queries each backend in order and merges the results.
func (c *Composite) Discover(ctx context.Context) ([]peers.Descriptor, error) {
	var (
		out     []peers.Descriptor
		seen    = make(map[string]struct{})
		lastErr error
		failed  int
	)

	for _, backend := range c.backends {
		descs, err := backend.Discover(ctx)
		if err != nil {
			c.logger.Warn("discovery backend failed", "error", err)
			lastErr = err
			failed++
			continue
		}
		for _, d := range descs {
			if _, dup := seen[d.ID]; dup && d.ID != "" {
				continue
			}
			seen[d.ID] = struct{}{}
			out = append(out, d)
		}
	}

	if failed > 0 && failed == len(c.backends) {
		return nil, lastErr
	}
	return out, nil
}
