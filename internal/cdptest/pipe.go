// Package cdptest provides in-process stand-ins for the browser side of the
// control channel: an in-memory Pipe transport and a fake browser that speaks
// the debugger protocol over a real websocket and runs isolated worlds in goja.
package cdptest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrPipeClosed is returned once the pipe is closed.
var ErrPipeClosed = errors.New("pipe closed")

// Pipe is an in-memory transport. The client side uses ReadMessage,
// WriteMessage and Close; the test plays the remote end through Deliver and
// Next.
type Pipe struct {
	toClient   chan []byte
	fromClient chan []byte

	mu       sync.Mutex
	writeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipe creates an open pipe.
func NewPipe() *Pipe {
	return &Pipe{
		toClient:   make(chan []byte, 1024),
		fromClient: make(chan []byte, 1024),
		closed:     make(chan struct{}),
	}
}

// ReadMessage returns the next frame delivered by the remote end.
func (p *Pipe) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.toClient:
		return data, nil
	case <-p.closed:
		return nil, ErrPipeClosed
	}
}

// WriteMessage queues a frame for the remote end.
func (p *Pipe) WriteMessage(ctx context.Context, data []byte) error {
	p.mu.Lock()
	werr := p.writeErr
	p.mu.Unlock()
	if werr != nil {
		return werr
	}

	select {
	case <-p.closed:
		return ErrPipeClosed
	default:
	}

	select {
	case p.fromClient <- append([]byte(nil), data...):
		return nil
	case <-p.closed:
		return ErrPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the pipe. It is idempotent.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}

// Closed is closed once the pipe is closed.
func (p *Pipe) Closed() <-chan struct{} {
	return p.closed
}

// FailWrites makes every subsequent WriteMessage return err. Pass nil to
// restore normal behavior.
func (p *Pipe) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Deliver sends a raw frame to the client.
func (p *Pipe) Deliver(frame []byte) {
	p.toClient <- frame
}

// DeliverJSON marshals v and sends it to the client.
func (p *Pipe) DeliverJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p.Deliver(data)
}

// Frame is a request written by the client, as seen by the remote end.
type Frame struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Next returns the next frame written by the client.
func (p *Pipe) Next(ctx context.Context) (Frame, error) {
	data, err := p.NextRaw(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// NextRaw returns the next frame written by the client, undecoded.
func (p *Pipe) NextRaw(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.fromClient:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers the frame with id using result.
func (p *Pipe) Reply(id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	p.DeliverJSON(map[string]any{"id": id, "result": json.RawMessage(raw)})
}

// ReplyError answers the frame with id using an error object.
func (p *Pipe) ReplyError(id int64, code int, message string) {
	p.DeliverJSON(map[string]any{
		"id":    id,
		"error": map[string]any{"code": code, "message": message},
	})
}

// Emit sends an event to the client.
func (p *Pipe) Emit(sessionID, method string, params any) {
	frame := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	p.DeliverJSON(frame)
}
