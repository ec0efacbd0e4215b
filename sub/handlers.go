package sub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nickman/tsdblite/errors"
)

// handlerFunc processes one request and returns the response body. The
// dispatcher injects the rerid correlation field before writing.
type handlerFunc func(ch *Channel, req *Request) (map[string]any, error)

func (m *Manager) registerHandlers() {
	m.handlers = map[string]handlerFunc{
		"ping":  m.handlePing,
		"sub":   m.handleSub,
		"unsub": m.handleUnsub,
		"query": m.handleQuery,
	}
}

// HandleMessage processes one inbound request frame. Every request gets a
// correlated response or an explicit error envelope; handler failures never
// close the channel.
func (m *Manager) HandleMessage(ch *Channel, data []byte) {
	req := ParseRequest(data)

	op := strings.ToLower(strings.TrimSpace(req.Op))
	if op == "" {
		m.sendError(ch, req, "Request had no op code", "")
		return
	}

	handler, ok := m.handlers[op]
	if !ok {
		m.sendError(ch, req, fmt.Sprintf("Unrecognized op code: [%s]", req.Op), "")
		return
	}

	resp, err := handler(ch, req)
	if err != nil {
		m.sendError(ch, req, fmt.Sprintf("Failed to process request: [%s]", req.Op), err.Error())
		return
	}
	if resp == nil {
		return
	}

	resp["rerid"] = req.Rid
	if err := ch.Send(resp); err != nil {
		m.logger.Warn("response write failed", "op", op, "session", ch.Session(), "error", err)
	}
}

func (m *Manager) sendError(ch *Channel, req *Request, message, trace string) {
	env := newErrorEnvelope(req.Rid, req.Session, message, trace)
	if err := ch.Send(env); err != nil {
		m.logger.Warn("error envelope write failed", "session", ch.Session(), "error", err)
	}
}

func (m *Manager) handlePing(_ *Channel, _ *Request) (map[string]any, error) {
	return map[string]any{"response": "pong"}, nil
}

// handleSub subscribes the channel to a pattern. The pattern comes from
// args[0] or map.pattern; event kinds from the remaining string args or
// map.kinds.
func (m *Manager) handleSub(ch *Channel, req *Request) (map[string]any, error) {
	pattern, kinds, err := subArgs(req)
	if err != nil {
		return nil, err
	}

	s, err := m.Subscribe(ch, pattern, kinds)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"response": map[string]any{
			"sub":     strconv.FormatUint(s.ID(), 10),
			"matches": s.MatchCount(),
		},
	}, nil
}

func (m *Manager) handleUnsub(ch *Channel, req *Request) (map[string]any, error) {
	id, err := subIDArg(req)
	if err != nil {
		return nil, err
	}
	if err := m.Unsubscribe(ch, id); err != nil {
		return nil, err
	}
	return map[string]any{"response": "ok"}, nil
}

func (m *Manager) handleQuery(_ *Channel, req *Request) (map[string]any, error) {
	pattern, ok := req.StringArg(0)
	if !ok {
		if p, found := req.Map["pattern"].(string); found {
			pattern, ok = p, true
		}
	}
	if !ok || strings.TrimSpace(pattern) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidPattern, "Manager", "handleQuery", "reading pattern arg")
	}

	names, err := m.QueryMetrics(pattern)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return map[string]any{"response": names}, nil
}

// subArgs extracts the pattern and kind names from a sub request.
func subArgs(req *Request) (string, []string, error) {
	pattern, ok := req.StringArg(0)
	if !ok {
		if p, found := req.Map["pattern"].(string); found {
			pattern, ok = p, true
		}
	}
	if !ok || strings.TrimSpace(pattern) == "" {
		return "", nil, errors.WrapInvalid(errors.ErrInvalidPattern, "Manager", "subArgs", "reading pattern arg")
	}

	var kinds []string
	for i := 1; i < len(req.Args); i++ {
		if s, ok := req.Args[i].(string); ok {
			kinds = append(kinds, s)
		}
	}
	if raw, found := req.Map["kinds"].([]any); found {
		for _, k := range raw {
			if s, ok := k.(string); ok {
				kinds = append(kinds, s)
			}
		}
	}
	return pattern, kinds, nil
}

// subIDArg extracts the subscription id from an unsub request, accepting a
// number or a decimal string.
func subIDArg(req *Request) (uint64, error) {
	parse := func(v any) (uint64, bool) {
		switch n := v.(type) {
		case json.Number:
			if id, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
				return id, true
			}
		case string:
			if id, err := strconv.ParseUint(n, 10, 64); err == nil {
				return id, true
			}
		case float64:
			return uint64(n), true
		}
		return 0, false
	}

	if id, ok := parse(req.Arg(0)); ok {
		return id, nil
	}
	if id, ok := parse(req.Map["sub"]); ok {
		return id, nil
	}
	return 0, errors.WrapInvalid(errors.ErrNoSubscription, "Manager", "subIDArg", "reading subscription id")
}
