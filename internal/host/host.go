// Package host wires the control channel, the target registry and the world
// bridge together: it turns lifecycle events into attach attempts and keeps
// the registry in step with the browser.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/shellbridge/internal/backend"
	"github.com/standardbeagle/shellbridge/internal/cdp"
	"github.com/standardbeagle/shellbridge/internal/logging"
	"github.com/standardbeagle/shellbridge/internal/metrics"
	"github.com/standardbeagle/shellbridge/internal/protocol"
	"github.com/standardbeagle/shellbridge/internal/target"
	"github.com/standardbeagle/shellbridge/internal/world"
)

// ErrNotAttached is returned for operations on a target without an isolated
// world.
var ErrNotAttached = errors.New("target not attached")

// Config holds the host's tunables.
type Config struct {
	Filter target.Filter
	World  world.Config

	// RequestTimeout bounds each relayed world call.
	RequestTimeout time.Duration

	// AttachConcurrency limits parallel attaches during the startup scan.
	AttachConcurrency int

	// BackendPrefix routes world calls to the backend caller.
	BackendPrefix string
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Filter:            target.DefaultFilter(),
		World:             world.DefaultConfig(),
		RequestTimeout:    30 * time.Second,
		AttachConcurrency: 4,
		BackendPrefix:     "backend.",
	}
}

// Host drives one control-channel connection.
type Host struct {
	id       string
	cfg      Config
	client   *cdp.Client
	registry *target.Registry
	bridge   *world.Bridge
	relay    *world.Relay
	backend  backend.Caller
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	ctx      context.Context
	stopped  bool
	removers []func()
	attaches sync.WaitGroup
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		h.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithBackend routes world calls starting with Config.BackendPrefix to c.
func WithBackend(c backend.Caller) Option {
	return func(h *Host) {
		h.backend = c
	}
}

// New creates a host over client. Call Start after client.Run is running.
func New(client *cdp.Client, cfg Config, opts ...Option) *Host {
	h := &Host{
		id:     uuid.NewString(),
		cfg:    cfg,
		client: client,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrNop(h.logger).With(zap.String("host", h.id))

	h.registry = target.NewRegistry(cfg.Filter, target.WithLogger(h.logger))
	h.bridge = world.NewBridge(client, cfg.World, world.WithLogger(h.logger), world.WithMetrics(h.metrics))

	relayOpts := []world.RelayOption{
		world.WithCallTimeout(cfg.RequestTimeout),
		world.WithSessionCheck(h.knownWorld),
	}
	if h.backend != nil && cfg.BackendPrefix != "" {
		relayOpts = append(relayOpts, world.WithRoute(cfg.BackendPrefix, h.callBackend))
	}
	h.relay = world.NewRelay(h.bridge, relayOpts...)
	return h
}

// ID returns the host's instance id, used to tell hosts apart in logs.
func (h *Host) ID() string {
	return h.id
}

// Registry returns the target registry.
func (h *Host) Registry() *target.Registry {
	return h.registry
}

// Bridge returns the world bridge.
func (h *Host) Bridge() *world.Bridge {
	return h.bridge
}

// Targets returns a snapshot of every known target.
func (h *Host) Targets() []target.Snapshot {
	return h.registry.List()
}

// Client returns the control-channel client.
func (h *Host) Client() *cdp.Client {
	return h.client
}

// Start installs the event handlers, turns on target discovery and attaches
// every eligible target that already exists. It returns once that initial
// scan has finished; later targets are attached in the background.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.ctx != nil {
		h.mu.Unlock()
		return errors.New("host already started")
	}
	h.ctx = ctx
	router := h.client.Router()
	h.removers = append(h.removers,
		router.Use(cdp.OnMethods(h.handleLifecycle,
			protocol.EventTargetCreated,
			protocol.EventTargetInfoChanged,
			protocol.EventTargetDestroyed,
			protocol.EventDetachedFromTarget,
		)),
		router.Use(h.relay),
	)
	h.mu.Unlock()

	if _, err := h.client.Send(ctx, protocol.MethodSetDiscoverTargets, map[string]any{"discover": true}); err != nil {
		return fmt.Errorf("enable target discovery: %w", err)
	}

	var existing struct {
		TargetInfos []target.Info `json:"targetInfos"`
	}
	if err := cdp.Call(ctx, h.client, protocol.MethodGetTargets, nil, &existing); err != nil {
		return fmt.Errorf("list existing targets: %w", err)
	}

	var g errgroup.Group
	if h.cfg.AttachConcurrency > 0 {
		g.SetLimit(h.cfg.AttachConcurrency)
	}
	for _, info := range existing.TargetInfos {
		d := h.registry.Observe(info)
		if !d.Attach {
			continue
		}
		id, gen := info.TargetID, d.Generation
		if !h.track() {
			break
		}
		g.Go(func() error {
			defer h.attaches.Done()
			h.attach(ctx, id, gen)
			return nil
		})
	}
	g.Wait()

	h.logger.Info("host started",
		zap.Int("existing_targets", len(existing.TargetInfos)),
		zap.Int("attached", h.registry.AttachedCount()))
	return nil
}

// Stop removes the host's event handlers and waits for attaches in flight.
func (h *Host) Stop() {
	h.mu.Lock()
	h.stopped = true
	removers := h.removers
	h.removers = nil
	h.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	h.attaches.Wait()
}

// Wait blocks until no attach is in flight.
func (h *Host) Wait() {
	h.attaches.Wait()
}

type targetInfoParams struct {
	TargetInfo target.Info `json:"targetInfo"`
}

type targetIDParams struct {
	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId"`
}

// handleLifecycle runs on the read loop; attaches are started on their own
// goroutines.
func (h *Host) handleLifecycle(ctx context.Context, ev protocol.Event) {
	switch ev.Method {
	case protocol.EventTargetCreated, protocol.EventTargetInfoChanged:
		var p targetInfoParams
		if err := protocol.DecodeParams(ev.Params, &p); err != nil || p.TargetInfo.TargetID == "" {
			h.logger.Warn("bad target event", zap.String("event", ev.Method), zap.Error(err))
			return
		}
		var d target.Decision
		if ev.Method == protocol.EventTargetInfoChanged {
			d = h.registry.ObserveChange(p.TargetInfo)
		} else {
			d = h.registry.Observe(p.TargetInfo)
		}
		if !d.Attach && !d.Eligible {
			h.logger.Debug("target not eligible",
				zap.String("target", p.TargetInfo.TargetID),
				zap.String("url", p.TargetInfo.URL),
				zap.String("reason", d.Reason))
		}
		if d.Attach {
			h.launch(p.TargetInfo.TargetID, d.Generation)
		}

	case protocol.EventTargetDestroyed:
		var p targetIDParams
		if err := protocol.DecodeParams(ev.Params, &p); err != nil {
			h.logger.Warn("bad target event", zap.String("event", ev.Method), zap.Error(err))
			return
		}
		if _, had := h.registry.Destroy(p.TargetID); had {
			h.logger.Info("attached target destroyed", zap.String("target", p.TargetID))
		}
		h.metrics.SetAttached(h.registry.AttachedCount())

	case protocol.EventDetachedFromTarget:
		var p targetIDParams
		if err := protocol.DecodeParams(ev.Params, &p); err != nil {
			return
		}
		if lost, ok := h.registry.DetachSession(p.SessionID); ok {
			h.logger.Info("session detached by browser",
				zap.String("target", lost.TargetID), zap.String("session", lost.SessionID))
			h.metrics.SetAttached(h.registry.AttachedCount())
		}
	}
}

func (h *Host) launch(targetID string, gen uint64) {
	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	if ctx == nil || !h.track() {
		return
	}

	go func() {
		defer h.attaches.Done()
		h.attach(ctx, targetID, gen)
	}()
}

// track counts one more attach in flight. It reports false once Stop has
// begun, so no Add can race the final Wait.
func (h *Host) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.attaches.Add(1)
	return true
}

// attach runs attempts for targetID until the registry stops asking for one.
func (h *Host) attach(ctx context.Context, targetID string, gen uint64) {
	for {
		if ctx.Err() != nil {
			h.registry.Fail(targetID, gen, ctx.Err())
			return
		}

		at, err := h.bridge.Attach(ctx, targetID)
		if err != nil {
			prev, ok := h.registry.Fail(targetID, gen, err)
			if ok {
				h.logger.Warn("attach failed", zap.String("target", targetID), zap.Error(err))
				if prev != nil {
					h.bridge.Detach(ctx, prev.SessionID)
				}
			}
		} else {
			prev, ok := h.registry.Complete(targetID, gen, at)
			switch {
			case !ok:
				// Destroyed or superseded while attaching.
				h.bridge.Detach(ctx, at.SessionID)
			case prev != nil:
				h.logger.Info("target re-attached",
					zap.String("target", targetID),
					zap.String("session", at.SessionID),
					zap.String("replaced", prev.SessionID))
				h.bridge.Detach(ctx, prev.SessionID)
			default:
				h.logger.Info("target attached",
					zap.String("target", targetID),
					zap.String("session", at.SessionID),
					zap.Int64("context", at.ExecutionContextID))
			}
		}
		h.metrics.SetAttached(h.registry.AttachedCount())

		next := h.registry.Reconsider(targetID)
		if !next.Attach {
			return
		}
		gen = next.Generation
	}
}

// knownWorld accepts binding calls only from the recorded world of an
// attached target.
func (h *Host) knownWorld(sessionID string, contextID int64) bool {
	at, ok := h.registry.BySession(sessionID)
	return ok && at.ExecutionContextID == contextID
}

func (h *Host) callBackend(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return h.backend.Call(ctx, method, params)
}

// Evaluate runs expression in the isolated world of targetID.
func (h *Host) Evaluate(ctx context.Context, targetID, expression string) (json.RawMessage, error) {
	at, ok := h.registry.Attached(targetID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", targetID, ErrNotAttached)
	}
	return h.bridge.Evaluate(ctx, at, expression)
}

// WaitForSelector waits until selector matches in the isolated world of
// targetID.
func (h *Host) WaitForSelector(ctx context.Context, targetID, selector string, interval time.Duration) error {
	at, ok := h.registry.Attached(targetID)
	if !ok {
		return fmt.Errorf("%s: %w", targetID, ErrNotAttached)
	}
	return h.bridge.WaitForSelector(ctx, at, selector, interval)
}

// Command sends a raw protocol command. With a targetID it is scoped to that
// target's session; without one it is connection-global.
func (h *Host) Command(ctx context.Context, targetID, method string, params json.RawMessage) (json.RawMessage, error) {
	var p any
	if len(params) > 0 {
		p = params
	}
	if targetID == "" {
		return h.client.Send(ctx, method, p)
	}
	at, ok := h.registry.Attached(targetID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", targetID, ErrNotAttached)
	}
	return h.client.Session(at.SessionID).Send(ctx, method, p)
}
