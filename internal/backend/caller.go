// Package backend carries plugin calls to the out-of-process backend.
//
// A call is the envelope {id, iteration, data}: id names the caller, iteration
// is a per-caller counter and data holds the route and its arguments. Replies
// are matched by iteration through the same correlation table the control
// channel uses, so calls on one connection may complete in any order.
package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/standardbeagle/shellbridge/internal/metrics"
	"github.com/standardbeagle/shellbridge/internal/protocol"
)

// ErrClosed is returned by calls made after, or pending during, Close.
var ErrClosed = errors.New("backend channel closed")

// Caller issues routed calls to the backend.
type Caller interface {
	Call(ctx context.Context, route string, args json.RawMessage) (json.RawMessage, error)
	Close() error
}

// Request is the wire form of one call.
type Request struct {
	ID        string  `json:"id"`
	Iteration int64   `json:"iteration"`
	Data      Payload `json:"data"`
}

// Payload is the routed part of a call.
type Payload struct {
	Route string          `json:"route"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// Reply is the wire form of a call's outcome.
type Reply struct {
	ID        string          `json:"id,omitempty"`
	Iteration *int64          `json:"iteration"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *protocol.Error `json:"error,omitempty"`
}

// Callable binds a route to c, returning a function that marshals its
// arguments and performs the call.
func Callable(c Caller, route string) func(ctx context.Context, args any) (json.RawMessage, error) {
	return func(ctx context.Context, args any) (json.RawMessage, error) {
		var raw json.RawMessage
		switch v := args.(type) {
		case nil:
		case json.RawMessage:
			raw = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode args for %s: %w", route, err)
			}
			raw = b
		}
		return c.Call(ctx, route, raw)
	}
}

// outcome converts a reply into the call's result. When decode is set, a
// string result is base64-decoded; decoded JSON is returned as is and any
// other text is returned as a JSON string.
func outcome(reply *Reply, decode bool) (json.RawMessage, error) {
	if reply.Error != nil {
		return nil, protocol.NewRemoteError("", reply.Error)
	}
	if len(reply.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	if !decode {
		return reply.Data, nil
	}

	var s string
	if err := json.Unmarshal(reply.Data, &s); err != nil {
		// Not a string; nothing to decode.
		return reply.Data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 result: %w", err)
	}
	if json.Valid(decoded) {
		return json.RawMessage(decoded), nil
	}
	if !utf8.Valid(decoded) {
		return nil, errors.New("decoded result is not text")
	}
	out, err := json.Marshal(string(decoded))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// finish records the outcome of a call and names the route in its error.
func finish(m *metrics.Metrics, route string, v json.RawMessage, err error) (json.RawMessage, error) {
	if err == nil {
		m.BackendCall("ok")
		return v, nil
	}
	m.BackendCall("error")
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		if remote.Method == "" {
			remote.Method = route
		}
		return nil, remote
	}
	if errors.Is(err, ErrClosed) {
		return nil, err
	}
	return nil, fmt.Errorf("%s: %w", route, err)
}
