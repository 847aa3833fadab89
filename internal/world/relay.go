package world

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/metrics"
	"github.com/standardbeagle/shellbridge/internal/protocol"
	"github.com/standardbeagle/shellbridge/internal/world/scripts"
)

// ErrUnknownWorld rejects calls from a world the host has not recorded as
// attached, such as one on a session that was already replaced.
var ErrUnknownWorld = errors.New("world is not attached")

// SessionCheck reports whether a binding call from sessionID and contextID
// comes from a recorded, usable world.
type SessionCheck func(sessionID string, contextID int64) bool

// RouteFunc serves world calls whose method starts with a route prefix. It
// receives the method with the prefix removed.
type RouteFunc func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// Route sends world calls with a method prefix somewhere other than the
// control channel.
type Route struct {
	Prefix  string
	Handler RouteFunc
}

// Call is one request made by a world through the binding.
type Call struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type bindingCalled struct {
	Name               string `json:"name"`
	Payload            string `json:"payload"`
	ExecutionContextID int64  `json:"executionContextId"`
}

// Relay answers Runtime.bindingCalled events for the bridge binding. It
// implements cdp.EventHandler; install it with Router().Use.
type Relay struct {
	bridge      *Bridge
	routes      []Route
	check       SessionCheck
	callTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// spawn runs relays off the read loop. Tests may replace it.
	spawn func(func())
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRoute adds a route. The first route whose prefix matches wins.
func WithRoute(prefix string, h RouteFunc) RelayOption {
	return func(r *Relay) {
		r.routes = append(r.routes, Route{Prefix: prefix, Handler: h})
	}
}

// WithSessionCheck makes the relay reject calls from worlds check does not
// know. The call's promise is rejected with ErrUnknownWorld; nothing is sent.
func WithSessionCheck(check SessionCheck) RelayOption {
	return func(r *Relay) {
		r.check = check
	}
}

// WithCallTimeout bounds each relayed call, including the reply into the
// world.
func WithCallTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.callTimeout = d
	}
}

// NewRelay creates a relay for the bridge's binding.
func NewRelay(b *Bridge, opts ...RelayOption) *Relay {
	r := &Relay{
		bridge:      b,
		callTimeout: 30 * time.Second,
		logger:      b.logger,
		metrics:     b.metrics,
		spawn:       func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent consumes binding calls for the bridge binding and passes every
// other event on.
func (r *Relay) HandleEvent(ctx context.Context, ev protocol.Event) bool {
	if ev.Method != protocol.EventBindingCalled {
		return false
	}
	var p bindingCalled
	if err := protocol.DecodeParams(ev.Params, &p); err != nil {
		r.logger.Warn("bad bindingCalled params", zap.Error(err))
		return false
	}
	if p.Name != r.bridge.cfg.BindingName {
		return false
	}
	if ev.SessionID == "" {
		r.logger.Warn("binding call without session", zap.Int64("context", p.ExecutionContextID))
		r.metrics.RelayCall("malformed")
		return true
	}

	var call Call
	if err := json.Unmarshal([]byte(p.Payload), &call); err != nil || call.Method == "" {
		r.logger.Warn("dropping malformed world call",
			zap.String("session", ev.SessionID), zap.String("payload", truncate(p.Payload, 256)), zap.Error(err))
		r.metrics.RelayCall("malformed")
		return true
	}

	sessionID, contextID := ev.SessionID, p.ExecutionContextID
	var rejected error
	if r.check != nil && !r.check(sessionID, contextID) {
		r.logger.Debug("rejecting call from unknown world",
			zap.String("session", sessionID), zap.Int64("context", contextID), zap.String("method", call.Method))
		rejected = ErrUnknownWorld
	}
	r.spawn(func() {
		r.relay(ctx, sessionID, contextID, call, rejected)
	})
	return true
}

// relay issues call, unless it was rejected up front, and evaluates the
// outcome back into the same execution context.
func (r *Relay) relay(ctx context.Context, sessionID string, contextID int64, call Call, rejected error) {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	var (
		result  json.RawMessage
		callErr = rejected
	)
	if rejected == nil {
		result, callErr = r.dispatch(ctx, sessionID, call)
	}

	var resultJSON, errJSON []byte
	outcome := "ok"
	if rejected != nil {
		outcome = "rejected"
	} else if callErr != nil {
		outcome = "error"
	}
	if callErr != nil {
		var err error
		if errJSON, err = json.Marshal(protocol.ErrorFrom(callErr)); err != nil {
			errJSON = []byte(`{"code":-1,"message":"unencodable error"}`)
		}
		r.logger.Debug("world call failed",
			zap.String("session", sessionID), zap.Int64("call", call.ID),
			zap.String("method", call.Method), zap.Error(callErr))
	} else {
		resultJSON = result
	}

	expr := scripts.HandleResponse(r.bridge.cfg.GlobalName, call.ID, resultJSON, errJSON)
	sess := r.bridge.channel.Session(sessionID)
	if _, err := evaluate(ctx, sess, contextID, expr, false); err != nil {
		outcome = "undelivered"
		// The world may be gone after a navigation; its caller's promise
		// went with it.
		r.logger.Debug("could not deliver world reply",
			zap.String("session", sessionID), zap.Int64("context", contextID),
			zap.Int64("call", call.ID), zap.Error(err))
	}
	r.metrics.RelayCall(outcome)
}

func (r *Relay) dispatch(ctx context.Context, sessionID string, call Call) (json.RawMessage, error) {
	for _, route := range r.routes {
		if route.Prefix != "" && strings.HasPrefix(call.Method, route.Prefix) {
			method := strings.TrimPrefix(call.Method, route.Prefix)
			if method == "" {
				return nil, errors.New("empty method after route prefix " + route.Prefix)
			}
			return route.Handler(ctx, method, call.Params)
		}
	}

	var params any
	if len(call.Params) > 0 && string(call.Params) != "null" {
		params = call.Params
	}
	return r.bridge.channel.Session(sessionID).Send(ctx, call.Method, params)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
