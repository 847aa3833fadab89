// Package protocol defines the envelope exchanged with the remote-debugging
// endpoint of the host browser and the error taxonomy shared by its clients.
//
// Every frame on the control channel is a JSON object of one of three shapes:
//
//	request: {"id": 3, "method": "Runtime.evaluate", "params": {...}, "sessionId": "..."}
//	reply:   {"id": 3, "result": {...}, "sessionId": "..."}   or  {"id": 3, "error": {"code": -32000, "message": "..."}}
//	event:   {"method": "Target.targetCreated", "params": {...}, "sessionId": "..."}
//
// The presence of "id" is the only thing that distinguishes a reply from an
// event. sessionId is present only for traffic scoped to an attached target.
package protocol

import "encoding/json"

// Request is an outbound command.
type Request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Envelope is a decoded inbound frame. Exactly one of Result or Error is set
// on a reply; neither is set on an event.
type Envelope struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// IsReply reports whether the frame answers a request.
func (e *Envelope) IsReply() bool {
	return e.ID != nil
}

// Event is a push notification from the remote end, optionally scoped to a
// session.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Event converts an event frame into an Event.
func (e *Envelope) Event() Event {
	return Event{
		SessionID: e.SessionID,
		Method:    e.Method,
		Params:    e.Params,
	}
}

// Error is the error object carried by a failed reply.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Event names the bridge reacts to.
const (
	EventTargetCreated      = "Target.targetCreated"
	EventTargetDestroyed    = "Target.targetDestroyed"
	EventTargetInfoChanged  = "Target.targetInfoChanged"
	EventDetachedFromTarget = "Target.detachedFromTarget"
	EventBindingCalled      = "Runtime.bindingCalled"
)

// Command names issued by the bridge.
const (
	MethodSetDiscoverTargets  = "Target.setDiscoverTargets"
	MethodGetTargets          = "Target.getTargets"
	MethodAttachToTarget      = "Target.attachToTarget"
	MethodDetachFromTarget    = "Target.detachFromTarget"
	MethodRuntimeEnable       = "Runtime.enable"
	MethodPageEnable          = "Page.enable"
	MethodGetFrameTree        = "Page.getFrameTree"
	MethodCreateIsolatedWorld = "Page.createIsolatedWorld"
	MethodAddBinding          = "Runtime.addBinding"
	MethodEvaluate            = "Runtime.evaluate"
	MethodGetVersion          = "Browser.getVersion"
)
