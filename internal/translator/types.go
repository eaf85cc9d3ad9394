// Package translator converts between the Anthropic /v1/messages wire
// format and the semantic protocol.Event stream decoded from Kiro, in both
// directions. The request/response struct shapes are grounded on the
// teacher's proxy/mappers/claude.go ClaudeRequest/ClaudeResponse family,
// widened to carry multi-block content, tool use, and thinking blocks.
package translator

import "encoding/json"

// Request is an inbound Anthropic /v1/messages request body.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      any       `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	TopK        *int      `json:"top_k,omitempty"`
	StopSeqs    []string  `json:"stop_sequences,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  any       `json:"tool_choice,omitempty"`
	Thinking    *Thinking `json:"thinking,omitempty"`
}

// Thinking is Request.Thinking's extended-reasoning budget block.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one entry in Request.Messages. Content is either a plain
// string or a []ContentBlock; callers should use Blocks() to normalize.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Blocks normalizes Message.Content into a []ContentBlock regardless of
// whether the client sent a bare string or a content-block array.
func (m Message) Blocks() ([]ContentBlock, error) {
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return []ContentBlock{{Type: "text", Text: asString}}, nil
	}
	var asBlocks []ContentBlock
	if err := json.Unmarshal(m.Content, &asBlocks); err != nil {
		return nil, err
	}
	return asBlocks, nil
}

// ContentBlock is one block of a Message's content array, or of a
// Response's content array. Only the fields relevant to its Type are set.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Tool is an entry in Request.Tools.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Response is the non-streaming /v1/messages response body.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage is Anthropic's token-accounting block.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// StreamEvent is one SSE `data:` payload for a streaming /v1/messages
// response; its Type picks which of the optional fields is populated.
type StreamEvent struct {
	Type         string         `json:"type"`
	Message      *Response      `json:"message,omitempty"`
	Index        *int           `json:"index,omitempty"`
	ContentBlock *ContentBlock  `json:"content_block,omitempty"`
	Delta        *StreamDelta   `json:"delta,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// StreamDelta carries the incremental payload of a content_block_delta or
// message_delta event; only the field matching DeltaType is populated.
type StreamDelta struct {
	DeltaType    string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// CountTokensRequest is the body of /v1/messages/count_tokens.
type CountTokensRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	System   any       `json:"system,omitempty"`
	Tools    []Tool    `json:"tools,omitempty"`
}

// CountTokensResponse is the body returned by /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int64 `json:"input_tokens"`
}
