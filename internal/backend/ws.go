package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/cdp"
	"github.com/standardbeagle/shellbridge/internal/correlation"
	"github.com/standardbeagle/shellbridge/internal/logging"
	"github.com/standardbeagle/shellbridge/internal/metrics"
	"github.com/standardbeagle/shellbridge/internal/protocol"
)

// Options configures a caller.
type Options struct {
	// ID identifies this caller to the backend. Empty means a random uuid.
	ID string

	// DecodeBase64 decodes string results.
	DecodeBase64 bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// WSCaller multiplexes calls over one websocket.
type WSCaller struct {
	transport cdp.Transport
	opts      Options
	logger    *zap.Logger
	pending   *correlation.Table[int64, json.RawMessage]

	sendMu sync.Mutex
	next   int64

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to a backend websocket endpoint. header carries any auth
// credential.
func DialWS(ctx context.Context, url string, header http.Header, opts Options) (*WSCaller, error) {
	t, err := cdp.DialWebSocket(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	return NewWSCaller(t, opts), nil
}

// NewWSCaller starts a caller over transport. It owns the transport from now on.
func NewWSCaller(transport cdp.Transport, opts Options) *WSCaller {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	c := &WSCaller{
		transport: transport,
		opts:      opts,
		logger:    logging.OrNop(opts.Logger).With(zap.String("backend_caller", opts.ID)),
		pending:   correlation.New[int64, json.RawMessage](),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the caller has shut down.
func (c *WSCaller) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of calls awaiting a reply.
func (c *WSCaller) Pending() int {
	return c.pending.Len()
}

// Call sends route with args and waits for the matching reply.
func (c *WSCaller) Call(ctx context.Context, route string, args json.RawMessage) (json.RawMessage, error) {
	iter, ch, err := c.write(ctx, route, args)
	if err != nil {
		c.opts.Metrics.BackendCall("transport")
		return nil, err
	}

	select {
	case res := <-ch:
		return finish(c.opts.Metrics, route, res.Value, res.Err)
	case <-ctx.Done():
		if c.pending.Remove(iter) {
			c.opts.Metrics.BackendCall("canceled")
			return nil, ctx.Err()
		}
		res := <-ch
		return finish(c.opts.Metrics, route, res.Value, res.Err)
	}
}

func (c *WSCaller) write(ctx context.Context, route string, args json.RawMessage) (int64, <-chan correlation.Result[json.RawMessage], error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	iter := c.next
	c.next++

	ch, err := c.pending.Register(iter)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", route, err)
	}

	data, err := json.Marshal(Request{
		ID:        c.opts.ID,
		Iteration: iter,
		Data:      Payload{Route: route, Args: args},
	})
	if err != nil {
		c.pending.Remove(iter)
		return 0, nil, fmt.Errorf("encode %s: %w", route, err)
	}
	if err := c.transport.WriteMessage(ctx, data); err != nil {
		c.pending.Remove(iter)
		return 0, nil, &protocol.TransportError{Op: route, Err: err}
	}
	return iter, ch, nil
}

func (c *WSCaller) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var reply Reply
		if err := json.Unmarshal(data, &reply); err != nil || reply.Iteration == nil {
			c.logger.Warn("dropping malformed backend reply", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		iter := *reply.Iteration
		v, err := outcome(&reply, c.opts.DecodeBase64)
		if !c.pending.Settle(iter, v, err) {
			c.logger.Debug("ignoring stale backend reply", zap.Int64("iteration", iter))
		}
	}
}

// Close closes the connection and fails every pending call with ErrClosed.
func (c *WSCaller) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *WSCaller) shutdown(reason error) {
	c.closeOnce.Do(func() {
		rejectErr := ErrClosed
		if reason != nil && !errors.Is(reason, cdp.ErrTransportClosed) {
			rejectErr = fmt.Errorf("%w: %v", ErrClosed, reason)
			c.logger.Info("backend connection lost", zap.Error(reason))
		}
		c.pending.RejectAll(rejectErr)
		c.transport.Close()
		close(c.done)
	})
}
