// Mcphub is a multi-peer MCP client hub.
//
// It discovers peers (from config and optionally an MQTT broker),
// maintains a connection per peer with handshake, health probing and
// reconnection, and aggregates every peer's tools, resources, and
// prompts behind one HTTP bridge.
//
// Usage:
//
//	mcphub serve             Start the hub
//	mcphub version           Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/discovery"
	"github.com/nugget/mcphub/internal/events"
	"github.com/nugget/mcphub/internal/hub"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/peers"
	"github.com/nugget/mcphub/internal/transport"
	"github.com/nugget/mcphub/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mcphub command. All OS-level
// dependencies are injected as parameters so tests can drive the full
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals, and our argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		info := buildinfo.Info()
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `%s

Usage:
  mcphub serve             Start the hub
  mcphub version           Print version and build information

Flags:
  -config <path>           Config file (default: search %v)
`, buildinfo.String(), config.DefaultSearchPaths())
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting mcphub",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"static_peers", len(cfg.Discovery.Peers),
		"mqtt", cfg.Discovery.MQTT.Enabled,
		"bridge", cfg.Bridge.Enabled,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Discovery ---
	// Static peers from config always participate; MQTT adds a dynamic
	// registry when a broker is configured. Static entries win duplicate
	// peer ids so config can pin an endpoint.
	var backends []peers.Discoverer
	if len(cfg.Discovery.Peers) > 0 {
		backends = append(backends, discovery.NewStatic(staticDescriptors(cfg.Discovery.Peers)))
	}

	var mqttDisc *discovery.MQTT
	if cfg.Discovery.MQTT.Enabled {
		mqttDisc = discovery.NewMQTT(discovery.MQTTConfig{
			Broker:   cfg.Discovery.MQTT.Broker,
			Username: cfg.Discovery.MQTT.Username,
			Password: cfg.Discovery.MQTT.Password,
			ClientID: cfg.Discovery.MQTT.ClientID,
			Logger:   logger,
		})
		if err := mqttDisc.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt discovery: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mqttDisc.Stop(stopCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}()
		backends = append(backends, mqttDisc)
	}

	if len(backends) == 0 {
		return errors.New("no discovery configured: declare discovery.peers or enable discovery.mqtt")
	}

	// --- Peer manager ---
	dialer := &configDialer{
		callTimeout: time.Duration(cfg.CallTimeoutSec) * time.Second,
		headers:     headersByEndpoint(cfg.Discovery.Peers),
		insecureTLS: cfg.TLSInsecureSkipVerify,
		logger:      logger,
	}

	bus := events.New()
	mgr := peers.NewManager(
		discovery.NewComposite(logger, backends...),
		dialer,
		bus,
		healthConfig(cfg.Health),
		logger,
	)
	defer mgr.Teardown()

	aggregator := hub.New(mgr, logger)

	// --- Background loops ---
	errCh := make(chan error, 2)
	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("peer manager: %w", err)
		}
	}()

	var bridge *web.Server
	if cfg.Bridge.Enabled {
		bridge = web.NewServer(cfg.Bridge.Listen, aggregator, mgr, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("bridge server: %w", err)
			}
		}()
	}

	// Block until shutdown is requested or a component fails.
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		return err
	}

	if bridge != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bridge.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridge shutdown failed", "error", err)
		}
	}

	logger.Info("mcphub stopped", "uptime", buildinfo.Uptime().String())
	return nil
}

// staticDescriptors converts config peers to discovery descriptors.
// Config-declared peers are explicit, so they are always exported.
func staticDescriptors(static []config.StaticPeer) []peers.Descriptor {
	descs := make([]peers.Descriptor, 0, len(static))
	for _, p := range static {
		descs = append(descs, peers.Descriptor{
			ID:       p.ID,
			Name:     p.Name,
			Endpoint: p.Endpoint,
			Exported: true,
		})
	}
	return descs
}

func headersByEndpoint(static []config.StaticPeer) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, p := range static {
		if len(p.Headers) > 0 {
			out[p.Endpoint] = p.Headers
		}
	}
	return out
}

// configDialer routes each endpoint through the scheme dialer with
// that endpoint's configured headers.
type configDialer struct {
	callTimeout time.Duration
	headers     map[string]map[string]string
	insecureTLS bool
	logger      *slog.Logger
}

func (d *configDialer) Dial(ctx context.Context, endpoint string) (mcp.Caller, error) {
	td := &transport.Dialer{
		CallTimeout:        d.callTimeout,
		Headers:            d.headers[endpoint],
		InsecureSkipVerify: d.insecureTLS,
		Logger:             d.logger,
	}
	return td.Dial(ctx, endpoint)
}

func healthConfig(h config.HealthConfig) peers.HealthConfig {
	return peers.HealthConfig{
		ProbeInterval:   time.Duration(h.ProbeIntervalSec) * time.Second,
		ProbeTimeout:    time.Duration(h.ProbeTimeoutSec) * time.Second,
		RefreshInterval: time.Duration(h.RefreshIntervalSec) * time.Second,
		InitialBackoff:  time.Duration(h.InitialBackoffSec) * time.Second,
		MaxBackoff:      time.Duration(h.MaxBackoffSec) * time.Second,
	}
}

// newLogger creates a structured logger that writes to w at the given
// level, rendering the custom trace level by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
