package protocol

import (
	"errors"
	"fmt"
)

// ErrStaleReply marks a reply whose id has no pending request, typically a
// late answer after the caller gave up. Stale replies are counted and dropped;
// they are never returned to a caller.
var ErrStaleReply = errors.New("stale reply")

// TransportError is returned when a request could not be written, so no reply
// will ever arrive for it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is returned when the remote end replied with an error object.
type RemoteError struct {
	Method  string
	Code    int
	Message string
	Data    string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if e.Data != "" {
		msg = msg + " (" + e.Data + ")"
	}
	if e.Method == "" {
		return fmt.Sprintf("remote error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Code, msg)
}

// NewRemoteError converts a wire error object for the given method.
func NewRemoteError(method string, werr *Error) *RemoteError {
	return &RemoteError{
		Method:  method,
		Code:    werr.Code,
		Message: werr.Message,
		Data:    werr.Data,
	}
}

// MalformedFrameError describes inbound data that is not a valid envelope.
type MalformedFrameError struct {
	Reason string
	Frame  []byte
	Err    error
}

// maxFrameExcerpt bounds how much of a bad frame is kept for logging.
const maxFrameExcerpt = 256

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// Excerpt returns a bounded prefix of the offending frame.
func (e *MalformedFrameError) Excerpt() string {
	if len(e.Frame) <= maxFrameExcerpt {
		return string(e.Frame)
	}
	return string(e.Frame[:maxFrameExcerpt]) + "..."
}

// ErrorFrom builds the wire error object sent back to an isolated world for
// a failed call. Remote errors keep their code; anything else uses code -1.
func ErrorFrom(err error) *Error {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &Error{Code: remote.Code, Message: remote.Message, Data: remote.Data}
	}
	return &Error{Code: -1, Message: err.Error()}
}
