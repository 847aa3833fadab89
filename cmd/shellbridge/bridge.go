package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/backend"
	"github.com/standardbeagle/shellbridge/internal/cdp"
	"github.com/standardbeagle/shellbridge/internal/config"
	"github.com/standardbeagle/shellbridge/internal/host"
	"github.com/standardbeagle/shellbridge/internal/launcher"
	"github.com/standardbeagle/shellbridge/internal/logging"
	"github.com/standardbeagle/shellbridge/internal/metrics"
)

// loadConfig reads the config named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags overlays flags the user set explicitly, then revalidates.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	overrides := map[string]*string{
		"endpoint":      &cfg.Debugger.Endpoint,
		"websocket-url": &cfg.Debugger.WebSocketURL,
		"backend":       &cfg.Backend.URL,
		"log-level":     &cfg.Log.Level,
	}
	changed := false
	if flags.Changed("launch") {
		v, err := flags.GetBool("launch")
		if err != nil {
			return err
		}
		cfg.Launch.Enabled = v
		changed = true
	}
	for name, dst := range overrides {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
		changed = true
	}
	if !changed {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// bridge is a running control channel plus host.
type bridge struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	client  *cdp.Client
	host    *host.Host
	backend backend.Caller
	browser *launcher.Browser

	runErr chan error
}

// startBridge connects to the browser, starts the host and returns once the
// existing targets have been scanned.
func startBridge(ctx context.Context, cfg *config.Config) (*bridge, error) {
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	b := &bridge{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		runErr:  make(chan error, 1),
	}

	wsURL := cfg.Debugger.WebSocketURL
	if cfg.Launch.Enabled {
		browser, err := launcher.Launch(ctx, cfg.LauncherConfig(), launcher.WithLogger(logger.Named("launcher")))
		if err != nil {
			logger.Sync()
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		b.browser = browser
		wsURL = browser.WebSocketURL()
	} else if wsURL == "" {
		info, err := cdp.Discover(ctx, resty.New().SetTimeout(cfg.Timeouts.Request), cfg.Debugger.Endpoint)
		if err != nil {
			logger.Sync()
			return nil, err
		}
		logger.Info("discovered browser",
			zap.String("browser", info.Browser),
			zap.String("protocol", info.ProtocolVersion))
		wsURL = info.WebSocketDebuggerURL
	}

	transport, err := cdp.DialWebSocket(ctx, wsURL, nil)
	if err != nil {
		b.stopBrowser()
		logger.Sync()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	b.client = cdp.NewClient(transport,
		cdp.WithLogger(logger.Named("cdp")),
		cdp.WithMetrics(b.metrics),
		cdp.WithWriteTimeout(cfg.Timeouts.Write),
	)
	go func() {
		b.runErr <- b.client.Run(ctx)
	}()

	opts := []host.Option{
		host.WithLogger(logger.Named("host")),
		host.WithMetrics(b.metrics),
	}
	if cfg.Backend.URL != "" {
		caller, err := dialBackend(ctx, cfg, logger.Named("backend"), b.metrics)
		if err != nil {
			b.client.Close()
			b.stopBrowser()
			logger.Sync()
			return nil, err
		}
		b.backend = caller
		opts = append(opts, host.WithBackend(caller))
	}

	b.host = host.New(b.client, cfg.HostConfig(), opts...)
	if err := b.host.Start(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func dialBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (backend.Caller, error) {
	opts := backend.Options{
		DecodeBase64: cfg.Backend.Base64,
		Logger:       logger,
		Metrics:      m,
	}
	if cfg.BackendIsWebSocket() {
		var header http.Header
		if cfg.Backend.AuthToken != "" {
			header = http.Header{}
			if cfg.Backend.AuthHeader == "" || cfg.Backend.AuthHeader == "Authorization" {
				header.Set("Authorization", "Bearer "+cfg.Backend.AuthToken)
			} else {
				header.Set(cfg.Backend.AuthHeader, cfg.Backend.AuthToken)
			}
		}
		return backend.DialWS(ctx, cfg.Backend.URL, header, opts)
	}
	client := resty.New().SetTimeout(cfg.Timeouts.Request)
	return backend.NewHTTPCaller(client, cfg.Backend.URL, backend.HTTPOptions{
		Options:    opts,
		AuthHeader: cfg.Backend.AuthHeader,
		AuthToken:  cfg.Backend.AuthToken,
	}), nil
}

// Done is closed when the control channel stops.
func (b *bridge) Done() <-chan struct{} {
	return b.client.Done()
}

// Err returns the reason the control channel stopped, if it has.
func (b *bridge) Err() error {
	select {
	case err := <-b.runErr:
		b.runErr <- err
		return err
	default:
		return nil
	}
}

// Close stops the host and tears down both channels.
func (b *bridge) Close() {
	b.host.Stop()
	if b.backend != nil {
		if err := b.backend.Close(); err != nil && !errors.Is(err, backend.ErrClosed) {
			b.logger.Warn("close backend", zap.Error(err))
		}
	}
	b.client.Close()
	b.stopBrowser()
	b.logger.Sync()
}

func (b *bridge) stopBrowser() {
	if b.browser == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.browser.Stop(ctx); err != nil {
		b.logger.Warn("stop browser", zap.Error(err))
	}
}

// serveMetrics exposes the collectors until ctx ends. It is a no-op without
// a listen address.
func (b *bridge) serveMetrics(ctx context.Context) {
	addr := b.cfg.Metrics.Listen
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		b.logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("metrics listener", zap.Error(err))
		}
	}()
}
