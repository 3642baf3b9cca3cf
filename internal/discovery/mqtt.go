package discovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcphub/internal/peers"
)

// AdvertiseTopic is the topic filter peers advertise on. Each peer
// publishes a retained JSON descriptor to mcphub/advertise/<peer-id>
// and clears it (empty retained payload) on shutdown.
const AdvertiseTopic = "mcphub/advertise/#"

// MQTTConfig configures the MQTT discovery backend.
type MQTTConfig struct {
	// Broker is the broker URL (mqtt://, mqtts:// or ssl://).
	Broker string

	// Username and Password authenticate to the broker. Empty means
	// anonymous.
	Username string
	Password string

	// ClientID identifies this subscriber to the broker. Defaults to
	// "mcphub-discovery".
	ClientID string

	// Logger is the structured logger for broker diagnostics.
	Logger *slog.Logger
}

// MQTT discovers peers through retained broker advertisements. Start
// maintains the subscription; Discover snapshots the registry built
// from it. A peer that clears its retained advertisement disappears
// from subsequent snapshots.
type MQTT struct {
	cfg    MQTTConfig
	logger *slog.Logger

	mu    sync.Mutex
	seen  map[string]peers.Descriptor // topic suffix -> descriptor
	cm    *autopaho.ConnectionManager
	ready bool
}

// NewMQTT creates the backend but does not connect. Call Start to
// begin the subscription.
func NewMQTT(cfg MQTTConfig) *MQTT {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:    cfg,
		logger: logger,
		seen:   make(map[string]peers.Descriptor),
	}
}

// Start connects to the broker and subscribes to the advertisement
// topic. It returns once the connection manager is running; autopaho
// reconnects and resubscribes in the background until ctx is
// cancelled.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "mcphub-discovery"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: AdvertiseTopic, QoS: 1},
				},
			}); err != nil {
				m.logger.Warn("mqtt subscribe failed", "topic", AdvertiseTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleAdvertisement(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	m.mu.Lock()
	m.cm = cm
	m.ready = true
	m.mu.Unlock()

	// Wait for the initial connection so the first Discover has data,
	// but keep going if the broker is slow — autopaho retries in the
	// background.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (m *MQTT) Stop(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.cm = nil
	m.ready = false
	m.mu.Unlock()

	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// handleAdvertisement records or removes one peer from the registry.
// An empty payload is a cleared retained message: the peer withdrew.
func (m *MQTT) handleAdvertisement(topic string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(payload) == 0 {
		if d, ok := m.seen[topic]; ok {
			m.logger.Info("peer advertisement withdrawn", "peer", d.ID, "topic", topic)
			delete(m.seen, topic)
		}
		return
	}

	var d peers.Descriptor
	if err := json.Unmarshal(payload, &d); err != nil {
		m.logger.Warn("skipping malformed peer advertisement",
			"topic", topic, "size", len(payload), "error", err)
		return
	}
	if d.ID == "" {
		m.logger.Warn("skipping peer advertisement without id", "topic", topic)
		return
	}

	if _, known := m.seen[topic]; !known {
		m.logger.Info("peer advertised",
			"peer", d.ID, "endpoint", d.Endpoint, "capabilities", d.Capabilities.String())
	}
	m.seen[topic] = d
}

// Discover returns the current registry contents, sorted by peer id.
// It fails if Start has not been called so a misconfigured hub is loud
// rather than silently peerless.
func (m *MQTT) Discover(context.Context) ([]peers.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return nil, fmt.Errorf("mqtt discovery not started")
	}

	out := make([]peers.Descriptor, 0, len(m.seen))
	for _, d := range m.seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
