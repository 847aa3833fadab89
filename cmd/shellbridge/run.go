package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to the browser and keep worlds installed",
	Long: `Attach to the browser and keep an isolated world installed in every
eligible page until interrupted or the browser goes away.

Examples:
  shellbridge run
  shellbridge run --endpoint 127.0.0.1:9222
  shellbridge run --backend ws://127.0.0.1:7000/plugins`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	b, err := startBridge(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	b.serveMetrics(ctx)

	b.logger.Info("bridge running",
		zap.String("host_id", b.host.ID()),
		zap.Int("attached", b.host.Registry().AttachedCount()))

	select {
	case <-ctx.Done():
		b.logger.Info("shutdown signal received")
		return nil
	case <-b.Done():
		if err := b.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "control channel closed: %v\n", err)
			return err
		}
		return nil
	}
}
