package cdp

import (
	"context"
	"encoding/json"
)

// Session scopes commands to one attached target. Every frame it writes
// carries the session id; replies are still matched through the owning
// client's single correlation table.
type Session struct {
	client *Client
	id     string
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Send issues a session-scoped command and waits for its result.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.client.send(ctx, s.id, method, params)
}

// SendNoResponse writes a session-scoped command without waiting for a reply.
func (s *Session) SendNoResponse(ctx context.Context, method string, params any) error {
	_, err := s.client.write(ctx, s.id, method, params, false)
	return err
}
