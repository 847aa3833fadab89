package world

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/standardbeagle/shellbridge/internal/cdp"
	"github.com/standardbeagle/shellbridge/internal/protocol"
	"github.com/standardbeagle/shellbridge/internal/target"
)

// RemoteObject is the subset of Runtime.RemoteObject the bridge reads.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

type exceptionDetails struct {
	Text      string        `json:"text"`
	Exception *RemoteObject `json:"exception,omitempty"`
}

type evaluateReply struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

// ScriptError is a JavaScript exception thrown by an evaluated expression.
type ScriptError struct {
	Text        string
	Description string
}

func (e *ScriptError) Error() string {
	if e.Description != "" {
		return "script error: " + e.Description
	}
	return "script error: " + e.Text
}

// evaluate runs expression in the execution context and returns its value as
// JSON. undefined comes back as null.
func evaluate(ctx context.Context, s cdp.Sender, contextID int64, expression string, await bool) (json.RawMessage, error) {
	var reply evaluateReply
	err := cdp.Call(ctx, s, protocol.MethodEvaluate, map[string]any{
		"expression":    expression,
		"contextId":     contextID,
		"returnByValue": true,
		"awaitPromise":  await,
	}, &reply)
	if err != nil {
		return nil, err
	}
	if ex := reply.ExceptionDetails; ex != nil {
		serr := &ScriptError{Text: ex.Text}
		if ex.Exception != nil {
			serr.Description = ex.Exception.Description
		}
		return nil, serr
	}
	if len(reply.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return reply.Result.Value, nil
}

// Evaluate runs expression in the isolated world of at and returns its
// JSON value. Promises are awaited.
func (b *Bridge) Evaluate(ctx context.Context, at target.AttachedTarget, expression string) (json.RawMessage, error) {
	return evaluate(ctx, b.channel.Session(at.SessionID), at.ExecutionContextID, expression, true)
}

// WaitForSelector polls the isolated world of at until selector matches an
// element or ctx ends. A zero interval polls every 100ms.
func (b *Bridge) WaitForSelector(ctx context.Context, at target.AttachedTarget, selector string, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	sel, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf("document.querySelector(%s) !== null", sel)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		raw, err := b.Evaluate(ctx, at, expr)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", selector, err)
		}
		if strings.TrimSpace(string(raw)) == "true" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", selector, ctx.Err())
		case <-ticker.C:
		}
	}
}
