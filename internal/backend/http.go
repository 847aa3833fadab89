package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/standardbeagle/shellbridge/internal/protocol"
)

// HTTPOptions configures an HTTPCaller.
type HTTPOptions struct {
	Options

	// AuthHeader carries AuthToken on every request. Empty means
	// "Authorization" with a bearer token.
	AuthHeader string
	AuthToken  string
}

// HTTPCaller posts each call to a single endpoint. Every call is its own
// exchange, so the iteration only guards against a misrouted reply.
type HTTPCaller struct {
	client   *resty.Client
	endpoint string
	opts     HTTPOptions
	next     atomic.Int64
}

// NewHTTPCaller creates a caller for endpoint. A nil client uses resty.New().
func NewHTTPCaller(client *resty.Client, endpoint string, opts HTTPOptions) *HTTPCaller {
	if client == nil {
		client = resty.New()
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	client.SetHeader("Content-Type", "application/json")
	if opts.AuthToken != "" {
		if opts.AuthHeader == "" || opts.AuthHeader == "Authorization" {
			client.SetAuthToken(opts.AuthToken)
		} else {
			client.SetHeader(opts.AuthHeader, opts.AuthToken)
		}
	}
	return &HTTPCaller{client: client, endpoint: endpoint, opts: opts}
}

// Call posts route with args and returns the decoded result.
func (c *HTTPCaller) Call(ctx context.Context, route string, args json.RawMessage) (json.RawMessage, error) {
	iter := c.next.Add(1) - 1

	var reply Reply
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(Request{
			ID:        c.opts.ID,
			Iteration: iter,
			Data:      Payload{Route: route, Args: args},
		}).
		SetResult(&reply).
		SetError(&reply).
		ForceContentType("application/json").
		Post(c.endpoint)
	if err != nil {
		c.opts.Metrics.BackendCall("transport")
		return nil, &protocol.TransportError{Op: route, Err: err}
	}
	if resp.IsError() && reply.Error == nil {
		return finish(c.opts.Metrics, route, nil, fmt.Errorf("unexpected status %s", resp.Status()))
	}
	if reply.Error == nil && (reply.Iteration == nil || *reply.Iteration != iter) {
		return finish(c.opts.Metrics, route, nil, fmt.Errorf("reply does not match iteration %d", iter))
	}

	v, err := outcome(&reply, c.opts.DecodeBase64)
	return finish(c.opts.Metrics, route, v, err)
}

// Close releases nothing; HTTP calls hold no connection state.
func (c *HTTPCaller) Close() error {
	return nil
}
