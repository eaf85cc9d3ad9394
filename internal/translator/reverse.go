package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/kirogateway/gateway/internal/protocol"
)

// Stream drives an SSE response from a semantic event source, in the
// teacher's handleClaudeStreaming idiom (manual "event: ...\ndata: ...\n\n"
// writes plus an explicit Flush after each one). anthropicModel is the
// model name the client asked for; message_start echoes it back verbatim
// per spec §4.5.
//
// next is called until it returns a nil event. flush is called after every
// write so the client sees bytes as they're produced. firstByteWritten, if
// non-nil, is set to true the moment the first SSE event is flushed — the
// Orchestrator uses it to decide whether a mid-stream failure is still
// retryable.
func Stream(w io.Writer, flush func(), anthropicModel string, next func() (*protocol.Event, error), firstByteWritten *bool) error {
	t := newReverseState(anthropicModel)

	for {
		evt, err := next()
		if err != nil {
			return err
		}
		if evt == nil {
			return nil
		}

		out, done := t.translate(evt)
		for _, se := range out {
			if err := writeSSE(w, se); err != nil {
				return err
			}
			flush()
			if firstByteWritten != nil {
				*firstByteWritten = true
			}
		}
		if done {
			return nil
		}
	}
}

// Collect drains a semantic event source into one non-streaming Response,
// per spec §4.5's "Translator buffers the full semantic stream" rule.
func Collect(anthropicModel string, next func() (*protocol.Event, error)) (*Response, error) {
	t := newReverseState(anthropicModel)
	var resp Response

	for {
		evt, err := next()
		if err != nil {
			return nil, err
		}
		if evt == nil {
			break
		}
		_, done := t.translate(evt)
		if done {
			break
		}
	}

	resp.ID = t.messageID
	resp.Type = "message"
	resp.Role = "assistant"
	resp.Model = anthropicModel
	resp.Content = t.blocks
	resp.StopReason = t.stopReason
	resp.Usage = t.usage
	return &resp, nil
}

// WriteStreamError writes a synthetic SSE "error" event in the same shape
// translate() produces for an upstream protocol.Error event. Callers use
// this to terminate a stream cleanly when a failure happens after the
// first byte has already reached the client, so the connection ends with
// a terminal event instead of just dropping.
func WriteStreamError(w io.Writer, flush func(), kind, message string) error {
	if err := writeSSE(w, StreamEvent{Type: "error", Delta: &StreamDelta{DeltaType: kind, Text: message}}); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

func writeSSE(w io.Writer, evt StreamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("translator: marshal sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// reverseState accumulates per-stream translation state: which block index
// is open, partial tool-use JSON per index (for the ContentBlockStop
// validation check), and the content-block slice for non-streaming mode.
type reverseState struct {
	model     string
	messageID string

	lastIndex int

	partialJSON map[int]string
	blocks      []ContentBlock
	indexOfSlot map[int]int

	stopReason string
	usage      Usage
}

func newReverseState(model string) *reverseState {
	return &reverseState{
		model:       model,
		lastIndex:   -1,
		partialJSON: make(map[int]string),
		indexOfSlot: make(map[int]int),
	}
}

func (t *reverseState) translate(evt *protocol.Event) ([]StreamEvent, bool) {
	switch evt.Kind {
	case protocol.MessageStart:
		t.messageID = "msg_" + uuid.NewString()
		msg := &Response{ID: t.messageID, Type: "message", Role: "assistant", Model: t.model, Content: []ContentBlock{}}
		return []StreamEvent{{Type: "message_start", Message: msg}}, false

	case protocol.ContentBlockStart:
		t.checkContiguous(evt.Index)
		block := ContentBlock{Type: blockTypeFor(evt.BlockKind)}
		if evt.BlockKind == protocol.BlockToolUse {
			block.ID = evt.ToolUseID
			block.Name = evt.ToolName
			block.Input = json.RawMessage("{}")
		}
		t.indexOfSlot[evt.Index] = len(t.blocks)
		t.blocks = append(t.blocks, block)
		idx := evt.Index
		return []StreamEvent{{Type: "content_block_start", Index: &idx, ContentBlock: &block}}, false

	case protocol.TextDelta:
		t.appendBlockText(evt.Index, evt.Text)
		idx := evt.Index
		return []StreamEvent{{Type: "content_block_delta", Index: &idx, Delta: &StreamDelta{DeltaType: "text_delta", Text: evt.Text}}}, false

	case protocol.ThinkingDelta:
		t.appendBlockThinking(evt.Index, evt.Text)
		idx := evt.Index
		return []StreamEvent{{Type: "content_block_delta", Index: &idx, Delta: &StreamDelta{DeltaType: "thinking_delta", Thinking: evt.Text}}}, false

	case protocol.ToolUseDelta:
		t.partialJSON[evt.Index] += evt.PartialJSON
		idx := evt.Index
		return []StreamEvent{{Type: "content_block_delta", Index: &idx, Delta: &StreamDelta{DeltaType: "input_json_delta", PartialJSON: evt.PartialJSON}}}, false

	case protocol.ContentBlockStop:
		t.closeBlock(evt.Index)
		idx := evt.Index
		return []StreamEvent{{Type: "content_block_stop", Index: &idx}}, false

	case protocol.MessageDelta:
		t.stopReason = string(evt.StopReason)
		t.usage = Usage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}
		return []StreamEvent{{Type: "message_delta", Delta: &StreamDelta{StopReason: string(evt.StopReason)}, Usage: &t.usage}}, false

	case protocol.MessageStop:
		return []StreamEvent{{Type: "message_stop"}}, true

	case protocol.Error:
		log.Printf("❌ translator: upstream error %s: %s", evt.ErrorCode, evt.ErrorMessage)
		return []StreamEvent{{Type: "error", Delta: &StreamDelta{DeltaType: evt.ErrorCode, Text: evt.ErrorMessage}}}, true

	default:
		return nil, false
	}
}

// checkContiguous logs a content block index that does not follow the
// previous one; it neither synthesizes a missing stop nor renumbers. The
// frame layer already assigns contiguous indices, so this should never
// fire; it exists in case that invariant is ever violated by an upstream
// change.
func (t *reverseState) checkContiguous(index int) {
	if index != t.lastIndex+1 {
		log.Printf("⚠️ translator: non-contiguous content block index %d after %d", index, t.lastIndex)
	}
	t.lastIndex = index
}

func (t *reverseState) appendBlockText(index int, text string) {
	if slot, ok := t.indexOfSlot[index]; ok && slot < len(t.blocks) {
		t.blocks[slot].Text += text
	}
}

func (t *reverseState) appendBlockThinking(index int, text string) {
	if slot, ok := t.indexOfSlot[index]; ok && slot < len(t.blocks) {
		t.blocks[slot].Thinking += text
	}
}

func (t *reverseState) closeBlock(index int) {
	frag, ok := t.partialJSON[index]
	if !ok {
		return
	}
	delete(t.partialJSON, index)
	if frag == "" {
		return
	}
	if !json.Valid([]byte(frag)) {
		log.Printf("⚠️ translator: tool_use block %d accumulated invalid JSON, leaving as empty object", index)
		return
	}
	if slot, ok := t.indexOfSlot[index]; ok && slot < len(t.blocks) {
		t.blocks[slot].Input = json.RawMessage(frag)
	}
}

func blockTypeFor(kind protocol.BlockKind) string {
	switch kind {
	case protocol.BlockThinking:
		return "thinking"
	case protocol.BlockToolUse:
		return "tool_use"
	default:
		return "text"
	}
}
