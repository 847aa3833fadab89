// Package world provisions isolated JavaScript worlds inside browser targets
// and relays the calls those worlds make back to the controller.
//
// Attaching a target runs a fixed sequence over the control channel:
//
//	Target.attachToTarget{flatten}
//	Runtime.enable, Page.enable
//	Page.getFrameTree
//	Page.createIsolatedWorld on the root frame
//	Runtime.addBinding in the new execution context
//	Runtime.evaluate(bootstrap)
//
// The bootstrap installs a global object exposing send(method, params), a
// per-world call-id space and handleResponse(id, result, error). Each call
// reaches the controller as a Runtime.bindingCalled event and is answered by
// evaluating handleResponse in the same execution context.
package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/cdp"
	"github.com/standardbeagle/shellbridge/internal/logging"
	"github.com/standardbeagle/shellbridge/internal/metrics"
	"github.com/standardbeagle/shellbridge/internal/protocol"
	"github.com/standardbeagle/shellbridge/internal/target"
	"github.com/standardbeagle/shellbridge/internal/world/scripts"
)

// Step names one stage of the attach sequence.
type Step string

const (
	StepAttach      Step = "attach"
	StepRuntime     Step = "runtime.enable"
	StepPage        Step = "page.enable"
	StepFrameTree   Step = "frame-tree"
	StepCreateWorld Step = "create-isolated-world"
	StepAddBinding  Step = "add-binding"
	StepBootstrap   Step = "bootstrap"
)

// AttachError reports the step at which an attach sequence failed.
type AttachError struct {
	TargetID string
	Step     Step
	Err      error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %s: %v", e.TargetID, e.Step, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// Channel is the part of the control-channel client the bridge uses.
// *cdp.Client implements it.
type Channel interface {
	cdp.Sender
	SendNoResponse(ctx context.Context, method string, params any) error
	Session(sessionID string) *cdp.Session
}

// Config names the world and its calling convention.
type Config struct {
	WorldName     string
	BindingName   string
	GlobalName    string
	AttachTimeout time.Duration
}

// DefaultConfig returns the names used when none are configured.
func DefaultConfig() Config {
	return Config{
		WorldName:     "shellbridge",
		BindingName:   "__shellbridgeBinding",
		GlobalName:    "shellbridge",
		AttachTimeout: 15 * time.Second,
	}
}

// Bridge provisions isolated worlds.
type Bridge struct {
	channel Channel
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// NewBridge creates a bridge over channel. Empty names in cfg fall back to
// DefaultConfig.
func NewBridge(channel Channel, cfg Config, opts ...Option) *Bridge {
	def := DefaultConfig()
	if cfg.WorldName == "" {
		cfg.WorldName = def.WorldName
	}
	if cfg.BindingName == "" {
		cfg.BindingName = def.BindingName
	}
	if cfg.GlobalName == "" {
		cfg.GlobalName = def.GlobalName
	}
	b := &Bridge{channel: channel, cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)
	return b
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config {
	return b.cfg
}

type frameTree struct {
	FrameTree struct {
		Frame struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"frame"`
	} `json:"frameTree"`
}

// Attach runs the attach sequence for targetID. On failure the half-open
// session, if any, is detached and an *AttachError is returned.
func (b *Bridge) Attach(ctx context.Context, targetID string) (target.AttachedTarget, error) {
	if b.cfg.AttachTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.AttachTimeout)
		defer cancel()
	}
	b.metrics.AttachStarted()

	fail := func(step Step, sessionID string, err error) (target.AttachedTarget, error) {
		b.metrics.AttachFailed(string(step))
		if sessionID != "" {
			b.Detach(context.WithoutCancel(ctx), sessionID)
		}
		return target.AttachedTarget{}, &AttachError{TargetID: targetID, Step: step, Err: err}
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err := cdp.Call(ctx, b.channel, protocol.MethodAttachToTarget, map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		return fail(StepAttach, "", err)
	}
	if attached.SessionID == "" {
		return fail(StepAttach, "", errors.New("no session id in reply"))
	}
	sess := b.channel.Session(attached.SessionID)

	if _, err := sess.Send(ctx, protocol.MethodRuntimeEnable, nil); err != nil {
		return fail(StepRuntime, sess.ID(), err)
	}
	if _, err := sess.Send(ctx, protocol.MethodPageEnable, nil); err != nil {
		return fail(StepPage, sess.ID(), err)
	}

	var tree frameTree
	if err := cdp.Call(ctx, sess, protocol.MethodGetFrameTree, nil, &tree); err != nil {
		return fail(StepFrameTree, sess.ID(), err)
	}
	frameID := tree.FrameTree.Frame.ID
	if frameID == "" {
		return fail(StepFrameTree, sess.ID(), errors.New("no root frame"))
	}

	var isolated struct {
		ExecutionContextID int64 `json:"executionContextId"`
	}
	err = cdp.Call(ctx, sess, protocol.MethodCreateIsolatedWorld, map[string]any{
		"frameId":   frameID,
		"worldName": b.cfg.WorldName,
		// Misspelled in the protocol itself.
		"grantUniveralAccess": true,
	}, &isolated)
	if err != nil {
		return fail(StepCreateWorld, sess.ID(), err)
	}
	if isolated.ExecutionContextID == 0 {
		return fail(StepCreateWorld, sess.ID(), errors.New("no execution context id"))
	}

	_, err = sess.Send(ctx, protocol.MethodAddBinding, map[string]any{
		"name":               b.cfg.BindingName,
		"executionContextId": isolated.ExecutionContextID,
	})
	if err != nil {
		return fail(StepAddBinding, sess.ID(), err)
	}

	if _, err := evaluate(ctx, sess, isolated.ExecutionContextID, scripts.Bootstrap(b.cfg.BindingName, b.cfg.GlobalName), false); err != nil {
		return fail(StepBootstrap, sess.ID(), err)
	}

	at := target.AttachedTarget{
		TargetID:           targetID,
		SessionID:          sess.ID(),
		ExecutionContextID: isolated.ExecutionContextID,
	}
	b.logger.Debug("isolated world ready",
		zap.String("target", targetID),
		zap.String("session", at.SessionID),
		zap.Int64("context", at.ExecutionContextID),
		zap.String("frame", frameID))
	return at, nil
}

// Detach drops a session without waiting for the browser to confirm.
func (b *Bridge) Detach(ctx context.Context, sessionID string) {
	err := b.channel.SendNoResponse(ctx, protocol.MethodDetachFromTarget, map[string]any{
		"sessionId": sessionID,
	})
	if err != nil {
		b.logger.Debug("detach failed", zap.String("session", sessionID), zap.Error(err))
	}
}
