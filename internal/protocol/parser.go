package protocol

import (
	"bytes"
	"encoding/json"
)

// Encode serializes an outbound request.
func Encode(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// Decode parses one inbound frame. It returns a *MalformedFrameError when the
// data is not JSON, is not an object, or is neither a reply nor an event.
func Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &MalformedFrameError{Reason: "empty frame", Frame: data}
	}
	if trimmed[0] != '{' {
		return nil, &MalformedFrameError{Reason: "frame is not a JSON object", Frame: data}
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &MalformedFrameError{Reason: "invalid JSON", Frame: data, Err: err}
	}

	if env.ID == nil && env.Method == "" {
		return nil, &MalformedFrameError{Reason: "frame has neither id nor method", Frame: data}
	}
	if env.ID != nil && env.Result != nil && env.Error != nil {
		return nil, &MalformedFrameError{Reason: "reply carries both result and error", Frame: data}
	}

	return &env, nil
}

// DecodeParams unmarshals event params into v. A missing params object is
// treated as empty.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}
