// Mcphub-peer is a demonstration peer speaking the protocol over
// stdio. It registers a couple of tools, a build-info resource, and a
// greeting prompt, then serves newline-delimited JSON-RPC on
// stdin/stdout until EOF. Point a hub at it with an endpoint like:
//
//	stdio:/usr/local/bin/mcphub-peer
//
// Logs go to stderr so they never interleave with protocol frames.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/capreg"
	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/mcp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	reg := capreg.NewRegistry("mcphub-peer", buildinfo.Version, logger)
	if err := register(reg); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	logger.Info("peer ready",
		"capabilities", reg.Capabilities().String(),
		"tools", len(reg.Tools()),
	)

	if err := reg.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func register(reg *capreg.Registry) error {
	err := reg.RegisterTool("echo", "Echo a message back, optionally repeated.",
		[]capreg.Field{
			{Name: "message", Type: "string", Description: "Text to echo", Required: true},
			{Name: "repeat", Type: "integer", Description: "Number of copies (default 1)"},
		},
		func(_ context.Context, args map[string]any) (*mcp.ToolResult, error) {
			message := args["message"].(string)
			repeat := 1
			if n, ok := args["repeat"].(float64); ok && n > 0 {
				repeat = int(n)
			}
			return &mcp.ToolResult{
				Content: []mcp.ContentBlock{{Type: "text", Text: strings.Repeat(message, repeat)}},
			}, nil
		})
	if err != nil {
		return err
	}

	err = reg.RegisterTool("time", "Report the current time in RFC 3339 form.",
		nil,
		func(context.Context, map[string]any) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{
				Content: []mcp.ContentBlock{{Type: "text", Text: time.Now().Format(time.RFC3339)}},
			}, nil
		})
	if err != nil {
		return err
	}

	err = reg.RegisterResource("info://build", "Build information",
		"Version and build metadata for this peer.", "application/json",
		func(context.Context) (*mcp.ResourceResult, error) {
			data, err := json.Marshal(buildinfo.Info())
			if err != nil {
				return nil, err
			}
			return &mcp.ResourceResult{
				Contents: []mcp.ResourceContent{{
					URI:      "info://build",
					MimeType: "application/json",
					Text:     string(data),
				}},
			}, nil
		})
	if err != nil {
		return err
	}

	return reg.RegisterPrompt("greeting", "Compose a short greeting.",
		[]mcp.PromptArgument{
			{Name: "name", Description: "Who to greet", Required: true},
		},
		func(_ context.Context, args map[string]string) (*mcp.PromptResult, error) {
			return &mcp.PromptResult{
				Description: "A friendly greeting",
				Messages: []mcp.PromptMessage{{
					Role:    "user",
					Content: mcp.ContentBlock{Type: "text", Text: "Say hello to " + args["name"] + "."},
				}},
			}, nil
		})
}
