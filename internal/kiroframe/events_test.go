package kiroframe

import (
	"bytes"
	"io"
	"testing"

	"github.com/kirogateway/gateway/internal/protocol"
)

func drainEvents(t *testing.T, raw []byte) []*protocol.Event {
	t.Helper()
	stream := NewEventStream(bytes.NewReader(raw))
	var got []*protocol.Event
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			return got
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, ev)
	}
}

func TestEventStream_HappyPathTextOnly(t *testing.T) {
	var raw []byte
	raw = append(raw, buildFrame(t, "assistantResponseEvent", []byte(`{"content":"pong"}`))...)
	raw = append(raw, buildFrame(t, "supplementaryWebLinksEvent", []byte(`{"inputTokens":1,"outputTokens":1}`))...)

	events := drainEvents(t, raw)

	wantKinds := []protocol.Kind{
		protocol.MessageStart,
		protocol.ContentBlockStart,
		protocol.TextDelta,
		protocol.ContentBlockStop,
		protocol.MessageDelta,
		protocol.MessageStop,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event[%d].Kind = %v, want %v", i, events[i].Kind, k)
		}
	}
	if events[2].Text != "pong" {
		t.Errorf("TextDelta.Text = %q, want %q", events[2].Text, "pong")
	}
	md := events[4]
	if md.StopReason != protocol.StopEndTurn {
		t.Errorf("MessageDelta.StopReason = %q, want %q", md.StopReason, protocol.StopEndTurn)
	}
	if md.Usage.InputTokens != 1 || md.Usage.OutputTokens != 1 {
		t.Errorf("MessageDelta.Usage = %+v, want {1 1}", md.Usage)
	}
}

func TestEventStream_TextThenToolUse(t *testing.T) {
	var raw []byte
	raw = append(raw, buildFrame(t, "assistantResponseEvent", []byte(`{"content":"ok "}`))...)
	raw = append(raw, buildFrame(t, "toolUseEvent", []byte(`{"toolUseId":"t_1","name":"get_weather","input":"{\"ci"}`))...)
	raw = append(raw, buildFrame(t, "toolUseEvent", []byte(`{"toolUseId":"t_1","input":"ty\":\"Paris\"}","stop":true}`))...)

	events := drainEvents(t, raw)

	wantKinds := []protocol.Kind{
		protocol.MessageStart,
		protocol.ContentBlockStart, // text, index 0
		protocol.TextDelta,
		protocol.ContentBlockStop, // close text, index 0
		protocol.ContentBlockStart, // tool_use, index 1
		protocol.ToolUseDelta,
		protocol.ToolUseDelta,
		protocol.ContentBlockStop, // close tool_use, index 1
		protocol.MessageDelta,
		protocol.MessageStop,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event[%d].Kind = %v, want %v", i, events[i].Kind, k)
		}
	}

	if events[1].Index != 0 {
		t.Errorf("text ContentBlockStart.Index = %d, want 0", events[1].Index)
	}
	toolStart := events[4]
	if toolStart.Index != 1 || toolStart.ToolUseID != "t_1" || toolStart.ToolName != "get_weather" {
		t.Errorf("tool ContentBlockStart = %+v, want index 1, id t_1, name get_weather", toolStart)
	}
	if events[5].PartialJSON != `{"ci` {
		t.Errorf("first ToolUseDelta.PartialJSON = %q", events[5].PartialJSON)
	}
	if events[6].PartialJSON != `ty":"Paris"}` {
		t.Errorf("second ToolUseDelta.PartialJSON = %q", events[6].PartialJSON)
	}
	if events[8].StopReason != protocol.StopToolUse {
		t.Errorf("MessageDelta.StopReason = %q, want %q", events[8].StopReason, protocol.StopToolUse)
	}
}
