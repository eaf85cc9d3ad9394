// Package protocol holds the semantic event vocabulary shared between the
// Kiro frame decoder and the Anthropic-facing translator, so neither package
// needs to import the other.
package protocol

// Kind tags the variant carried by an Event.
type Kind int

const (
	MessageStart Kind = iota
	ContentBlockStart
	TextDelta
	ThinkingDelta
	ToolUseDelta
	ContentBlockStop
	MessageDelta
	MessageStop
	Error
)

func (k Kind) String() string {
	switch k {
	case MessageStart:
		return "MessageStart"
	case ContentBlockStart:
		return "ContentBlockStart"
	case TextDelta:
		return "TextDelta"
	case ThinkingDelta:
		return "ThinkingDelta"
	case ToolUseDelta:
		return "ToolUseDelta"
	case ContentBlockStop:
		return "ContentBlockStop"
	case MessageDelta:
		return "MessageDelta"
	case MessageStop:
		return "MessageStop"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// BlockKind identifies the kind of a content block started by ContentBlockStart.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockThinking
	BlockToolUse
)

// StopReason mirrors the Anthropic stop_reason vocabulary.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage is the cumulative token accounting carried by MessageDelta.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Event is a single decoded, translator-facing unit of the upstream stream.
// It is a tagged union: only the fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// ContentBlockStart
	BlockKind  BlockKind
	Index      int
	ToolUseID  string
	ToolName   string

	// TextDelta / ThinkingDelta
	Text string

	// ToolUseDelta
	PartialJSON string

	// MessageDelta
	StopReason StopReason
	Usage      Usage

	// Error
	ErrorCode    string
	ErrorMessage string
}
