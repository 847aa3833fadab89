package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run as MCP server",
	Long: `Run as an MCP (Model Context Protocol) server over stdio.

The bridge attaches to the browser first, then serves the targets, evaluate
and command tools until the client disconnects.`,
	Args: cobra.NoArgs,
	Run:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) {
	// stdout carries MCP traffic
	log.SetOutput(os.Stderr)

	cfg, err := loadConfig(cmd)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	b, err := startBridge(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start bridge: %v", err)
	}
	defer b.Close()
	b.serveMetrics(ctx)

	go watchControlChannel(ctx, b.logger.Logger, b.Done(), b.Err, cancel)

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    appName,
			Version: appVersion,
		},
		&mcp.ServerOptions{
			HasTools: true,
			Instructions: `Browser bridge with an isolated world per page.

Available tools:
- targets: List browser targets and whether a world is attached
- evaluate: Run JavaScript in a target's isolated world
- command: Send a raw protocol command, browser-wide or on a target's session`,
		},
	)
	tools.RegisterBridgeTools(server, b.host)

	serveMCP(ctx, b.logger.Logger, server, &mcp.StdioTransport{})
}

// watchControlChannel stops serving when the browser goes away.
func watchControlChannel(ctx context.Context, logger *zap.Logger, done <-chan struct{}, errFn func() error, cancel context.CancelFunc) {
	select {
	case <-done:
		logger.Warn("control channel closed", zap.Error(errFn()))
		cancel()
	case <-ctx.Done():
	}
}

// serveMCP runs server on transport until ctx ends or the client goes away.
func serveMCP(ctx context.Context, logger *zap.Logger, server *mcp.Server, transport mcp.Transport) error {
	logger.Info("starting MCP server", zap.String("name", appName), zap.String("version", appVersion))
	err := server.Run(ctx, transport)
	if err != nil && ctx.Err() == nil {
		logger.Error("MCP server stopped", zap.Error(err))
	} else {
		err = nil
	}
	logger.Info("MCP server shutdown complete")
	return err
}
