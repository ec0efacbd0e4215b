package sub

import (
	"bytes"
	"encoding/json"
)

// Request is the partially unwrapped JSON request envelope:
//
//	{"rid":<int>,"op":"<name>","session":"<id>","args":[...],"map":{...}}
//
// Parsing is lenient: absent or malformed fields fall back to defaults so a
// broken envelope still yields a correlated error response.
type Request struct {
	Rid     int64          `json:"rid"`
	Op      string         `json:"op"`
	Session string         `json:"session"`
	Args    []any          `json:"args"`
	Map     map[string]any `json:"map"`
}

// ParseRequest decodes a request envelope, defaulting the rid to -1 when it
// cannot be read.
func ParseRequest(data []byte) *Request {
	req := &Request{Rid: -1}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(req); err != nil {
		return &Request{Rid: -1}
	}
	if req.Args == nil {
		req.Args = []any{}
	}
	if req.Map == nil {
		req.Map = map[string]any{}
	}
	return req
}

// Arg returns the positional argument at index, or nil.
func (r *Request) Arg(index int) any {
	if index < 0 || index >= len(r.Args) {
		return nil
	}
	return r.Args[index]
}

// StringArg returns the positional argument at index as a string.
func (r *Request) StringArg(index int) (string, bool) {
	s, ok := r.Arg(index).(string)
	return s, ok
}

// errorEnvelope is the error response shape:
//
//	{"error":"<message>","rid":<rid or null>,"session":"<id>","trace":"..."}
type errorEnvelope struct {
	Error   string `json:"error"`
	Rid     *int64 `json:"rid"`
	Session string `json:"session"`
	Trace   string `json:"trace,omitempty"`
}

func newErrorEnvelope(rid int64, session, message, trace string) errorEnvelope {
	env := errorEnvelope{Error: message, Session: session, Trace: trace}
	if rid >= 0 {
		env.Rid = &rid
	}
	return env
}
