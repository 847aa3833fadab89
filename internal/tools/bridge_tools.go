// Package tools exposes the bridge to MCP clients.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/shellbridge/internal/target"
)

// Bridge is what the tools need from a running host. *host.Host implements it.
type Bridge interface {
	Targets() []target.Snapshot
	Evaluate(ctx context.Context, targetID, expression string) (json.RawMessage, error)
	WaitForSelector(ctx context.Context, targetID, selector string, interval time.Duration) error
	Command(ctx context.Context, targetID, method string, params json.RawMessage) (json.RawMessage, error)
}

// TargetsInput defines input for the targets tool.
type TargetsInput struct {
	AttachedOnly bool `json:"attached_only,omitempty" jsonschema:"Only list targets with an isolated world"`
}

// TargetsOutput defines output for targets.
type TargetsOutput struct {
	Count   int           `json:"count"`
	Targets []TargetEntry `json:"targets"`
}

// TargetEntry is a target in the list.
type TargetEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url"`
	State     string `json:"state"`
	Eligible  bool   `json:"eligible"`
	SessionID string `json:"session_id,omitempty"`
	ContextID int64  `json:"context_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// EvaluateInput defines input for the evaluate tool.
type EvaluateInput struct {
	TargetID   string `json:"target_id" jsonschema:"Target id from the targets tool"`
	Expression string `json:"expression,omitempty" jsonschema:"JavaScript to run in the isolated world; promises are awaited"`
	// Wait options
	WaitFor   string `json:"wait_for,omitempty" jsonschema:"CSS selector to wait for before evaluating"`
	TimeoutMs int    `json:"timeout_ms,omitempty" jsonschema:"Wait timeout in milliseconds (default 5000)"`
}

// EvaluateOutput defines output for evaluate.
type EvaluateOutput struct {
	Value any `json:"value"`
}

// CommandInput defines input for the command tool.
type CommandInput struct {
	Method   string         `json:"method" jsonschema:"Protocol method, e.g. Browser.getVersion"`
	Params   map[string]any `json:"params,omitempty" jsonschema:"Method parameters"`
	TargetID string         `json:"target_id,omitempty" jsonschema:"Scope the command to this attached target's session"`
}

// CommandOutput defines output for command.
type CommandOutput struct {
	Result any `json:"result"`
}

// RegisterBridgeTools adds the bridge tools to the server.
func RegisterBridgeTools(server *mcp.Server, b Bridge) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "targets",
		Description: `List browser targets known to the bridge and their attach state.
Examples:
  targets {}
  targets {attached_only: true}`,
	}, makeTargetsHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name: "evaluate",
		Description: `Evaluate JavaScript in a target's isolated world.

The world shares the page DOM but not its globals. Results are returned by value.

Examples:
  evaluate {target_id: "ABC", expression: "document.title"}
  evaluate {target_id: "ABC", wait_for: "#app", expression: "document.querySelectorAll('li').length"}`,
	}, makeEvaluateHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name: "command",
		Description: `Send a raw remote-debugging protocol command.

Without target_id the command is browser-wide; with it, the command is sent on that target's session.

Examples:
  command {method: "Browser.getVersion"}
  command {method: "Page.reload", target_id: "ABC"}`,
	}, makeCommandHandler(b))
}

func makeTargetsHandler(b Bridge) func(context.Context, *mcp.CallToolRequest, TargetsInput) (*mcp.CallToolResult, TargetsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input TargetsInput) (*mcp.CallToolResult, TargetsOutput, error) {
		out := TargetsOutput{Targets: []TargetEntry{}}
		for _, s := range b.Targets() {
			if input.AttachedOnly && s.Attached == nil {
				continue
			}
			entry := TargetEntry{
				ID:        s.Info.TargetID,
				Type:      s.Info.Type,
				Title:     s.Info.Title,
				URL:       s.Info.URL,
				State:     s.State,
				Eligible:  s.Eligible,
				LastError: s.LastError,
			}
			if s.Attached != nil {
				entry.SessionID = s.Attached.SessionID
				entry.ContextID = s.Attached.ExecutionContextID
			}
			out.Targets = append(out.Targets, entry)
		}
		out.Count = len(out.Targets)
		return nil, out, nil
	}
}

func makeEvaluateHandler(b Bridge) func(context.Context, *mcp.CallToolRequest, EvaluateInput) (*mcp.CallToolResult, EvaluateOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input EvaluateInput) (*mcp.CallToolResult, EvaluateOutput, error) {
		if input.TargetID == "" {
			return errorResult("target_id required"), EvaluateOutput{}, nil
		}
		if input.Expression == "" && input.WaitFor == "" {
			return errorResult("expression or wait_for required"), EvaluateOutput{}, nil
		}

		if input.WaitFor != "" {
			timeout := 5 * time.Second
			if input.TimeoutMs > 0 {
				timeout = time.Duration(input.TimeoutMs) * time.Millisecond
			}
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			err := b.WaitForSelector(waitCtx, input.TargetID, input.WaitFor, 0)
			cancel()
			if err != nil {
				return errorResult(fmt.Sprintf("wait failed: %v", err)), EvaluateOutput{}, nil
			}
			if input.Expression == "" {
				return nil, EvaluateOutput{Value: true}, nil
			}
		}

		raw, err := b.Evaluate(ctx, input.TargetID, input.Expression)
		if err != nil {
			return errorResult(fmt.Sprintf("evaluate failed: %v", err)), EvaluateOutput{}, nil
		}
		value, err := decodeValue(raw)
		if err != nil {
			return errorResult(err.Error()), EvaluateOutput{}, nil
		}
		return nil, EvaluateOutput{Value: value}, nil
	}
}

func makeCommandHandler(b Bridge) func(context.Context, *mcp.CallToolRequest, CommandInput) (*mcp.CallToolResult, CommandOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CommandInput) (*mcp.CallToolResult, CommandOutput, error) {
		method := strings.TrimSpace(input.Method)
		if method == "" || !strings.Contains(method, ".") {
			return errorResult("method required, in Domain.method form"), CommandOutput{}, nil
		}

		var params json.RawMessage
		if len(input.Params) > 0 {
			data, err := json.Marshal(input.Params)
			if err != nil {
				return errorResult(fmt.Sprintf("invalid params: %v", err)), CommandOutput{}, nil
			}
			params = data
		}

		raw, err := b.Command(ctx, input.TargetID, method, params)
		if err != nil {
			return errorResult(fmt.Sprintf("%s failed: %v", method, err)), CommandOutput{}, nil
		}
		result, err := decodeValue(raw)
		if err != nil {
			return errorResult(err.Error()), CommandOutput{}, nil
		}
		return nil, CommandOutput{Result: result}, nil
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
