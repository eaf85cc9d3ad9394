package kiroframe

import (
	"encoding/json"
	"io"
	"log"

	"github.com/kirogateway/gateway/internal/protocol"
)

// EventStream wraps a Decoder, turning its raw Frames into the
// protocol.Event sequence the translator consumes: it owns the minimal
// running state (which content block is open, the next index to hand out,
// accumulated usage) needed to assign contiguous block indices and
// synthesize the message-level boundary events the Kiro wire format never
// sends explicitly.
//
// This stream is the only place that synthesizes a missing
// ContentBlockStop on an implicit block switch. The reverse translator
// does not: it only logs a content block index that is not contiguous.
type EventStream struct {
	dec *Decoder

	started bool
	done    bool
	pending []*protocol.Event

	hasOpen   bool
	openKind  protocol.BlockKind
	openKey   string
	openIndex int
	nextIndex int
	sawToolUse bool

	usage protocol.Usage
}

// NewEventStream constructs a stream over the raw upstream response body.
func NewEventStream(r io.Reader) *EventStream {
	return &EventStream{dec: NewDecoder(r)}
}

// Next returns the next semantic event, or io.EOF once MessageStop has been
// returned. A DecodeError from the underlying Decoder is returned as-is.
func (s *EventStream) Next() (*protocol.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.started {
			s.started = true
			s.pending = append(s.pending, &protocol.Event{Kind: protocol.MessageStart})
			continue
		}

		frame, err := s.dec.Next()
		if err == io.EOF {
			s.finish()
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.handleFrame(frame); err != nil {
			return nil, err
		}
	}
}

func (s *EventStream) handleFrame(f *Frame) error {
	switch f.MessageType() {
	case "exception", "error":
		code, message := parseErrorPayload(f.Payload)
		s.pending = append(s.pending, &protocol.Event{Kind: protocol.Error, ErrorCode: code, ErrorMessage: message})
		return nil
	}

	eventType := f.EventType()
	if eventType == "" {
		return nil
	}

	var payload map[string]any
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			log.Printf("⚠️ kiroframe: skipping malformed %s payload: %v", eventType, err)
			return nil
		}
	}

	switch eventType {
	case "assistantResponseEvent":
		s.handleAssistantResponse(payload)
	case "toolUseEvent":
		s.handleToolUse(payload)
	case "supplementaryWebLinksEvent", "usageEvent":
		s.accumulateUsage(payload)
	default:
		log.Printf("🤷 kiroframe: ignoring unknown event type %q", eventType)
	}
	return nil
}

func (s *EventStream) handleAssistantResponse(payload map[string]any) {
	body := payload
	if nested, ok := payload["assistantResponseEvent"].(map[string]any); ok {
		body = nested
	}
	if text := getString(body, "content"); text != "" {
		s.openBlock(protocol.BlockText, "", "", "")
		s.pending = append(s.pending, &protocol.Event{Kind: protocol.TextDelta, Index: s.openIndex, Text: text})
	}
	if raw, ok := body["toolUses"].([]any); ok {
		for _, item := range raw {
			tu, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id := getString(tu, "toolUseId")
			name := getString(tu, "name")
			s.openBlock(protocol.BlockToolUse, id, id, name)
			s.sawToolUse = true
			if input, ok := tu["input"]; ok {
				if j, err := json.Marshal(input); err == nil {
					s.pending = append(s.pending, &protocol.Event{Kind: protocol.ToolUseDelta, Index: s.openIndex, PartialJSON: string(j)})
				}
			}
			s.closeOpenBlock()
		}
	}
}

func (s *EventStream) handleToolUse(payload map[string]any) {
	id := getString(payload, "toolUseId")
	name := getString(payload, "name")
	s.openBlock(protocol.BlockToolUse, id, id, name)
	s.sawToolUse = true
	if chunk := getString(payload, "input"); chunk != "" {
		s.pending = append(s.pending, &protocol.Event{Kind: protocol.ToolUseDelta, Index: s.openIndex, PartialJSON: chunk})
	}
	if stop, _ := payload["stop"].(bool); stop {
		s.closeOpenBlock()
	}
}

func (s *EventStream) accumulateUsage(payload map[string]any) {
	body := payload
	if nested, ok := payload["supplementaryWebLinksEvent"].(map[string]any); ok {
		body = nested
	}
	if v, ok := body["inputTokens"].(float64); ok {
		s.usage.InputTokens = int64(v)
	}
	if v, ok := body["outputTokens"].(float64); ok {
		s.usage.OutputTokens = int64(v)
	}
}

// openBlock transitions the currently-open block, if any, to a different
// kind/key, synthesizing ContentBlockStop+ContentBlockStart. If the
// requested block is already open, it is a no-op.
func (s *EventStream) openBlock(kind protocol.BlockKind, key, toolUseID, toolName string) {
	if s.hasOpen && s.openKind == kind && s.openKey == key {
		return
	}
	s.closeOpenBlock()
	s.hasOpen = true
	s.openKind = kind
	s.openKey = key
	s.openIndex = s.nextIndex
	s.nextIndex++
	s.pending = append(s.pending, &protocol.Event{
		Kind:      protocol.ContentBlockStart,
		BlockKind: kind,
		Index:     s.openIndex,
		ToolUseID: toolUseID,
		ToolName:  toolName,
	})
}

func (s *EventStream) closeOpenBlock() {
	if !s.hasOpen {
		return
	}
	s.pending = append(s.pending, &protocol.Event{Kind: protocol.ContentBlockStop, Index: s.openIndex})
	s.hasOpen = false
}

func (s *EventStream) finish() {
	s.closeOpenBlock()
	stopReason := protocol.StopEndTurn
	if s.sawToolUse {
		stopReason = protocol.StopToolUse
	}
	s.pending = append(s.pending,
		&protocol.Event{Kind: protocol.MessageDelta, StopReason: stopReason, Usage: s.usage},
		&protocol.Event{Kind: protocol.MessageStop},
	)
	s.done = true
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func parseErrorPayload(payload []byte) (code, message string) {
	var body map[string]any
	if len(payload) == 0 {
		return "upstream_error", "upstream error"
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "upstream_error", string(payload)
	}
	code = getString(body, "reason")
	if code == "" {
		code = getString(body, "__type")
	}
	if code == "" {
		code = "upstream_error"
	}
	message = getString(body, "message")
	if message == "" {
		message = getString(body, "Message")
	}
	return code, message
}
