package translator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Metadata carries the machine/version fields spec §4.5 says to attach to
// every forwarded request, sourced from config with a per-credential
// machineId override.
type Metadata struct {
	KiroVersion   string
	MachineID     string
	SystemVersion string
	NodeVersion   string
}

// kiroPayload mirrors the Kiro CodeWhisperer-style wire request, grounded on
// the kiroExecutor.buildKiroPayload shape: a conversationState carrying
// history plus one currentMessage, with tools/tool-results attached to the
// current turn's userInputMessageContext.
type kiroPayload struct {
	ConversationState kiroConversationState `json:"conversationState"`
}

type kiroConversationState struct {
	ConversationID  string               `json:"conversationId"`
	History         []kiroHistoryMessage `json:"history"`
	CurrentMessage  kiroCurrentMessage   `json:"currentMessage"`
	ChatTriggerType string               `json:"chatTriggerType"`
}

type kiroCurrentMessage struct {
	UserInputMessage kiroUserInputMessage `json:"userInputMessage"`
}

type kiroHistoryMessage struct {
	UserInputMessage         *kiroUserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type kiroUserInputMessage struct {
	Content                 string                       `json:"content"`
	ModelID                 string                       `json:"modelId"`
	Origin                  string                       `json:"origin"`
	Thinking                *kiroThinkingConfig          `json:"thinking,omitempty"`
	UserInputMessageContext *kiroUserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type kiroUserInputMessageContext struct {
	ToolResults []kiroToolResult  `json:"toolResults,omitempty"`
	Tools       []kiroToolWrapper `json:"tools,omitempty"`
}

type kiroToolResult struct {
	ToolUseID string            `json:"toolUseId"`
	Content   []kiroTextContent `json:"content"`
	Status    string            `json:"status"`
}

type kiroTextContent struct {
	Text string `json:"text"`
}

type kiroToolWrapper struct {
	ToolSpecification kiroToolSpecification `json:"toolSpecification"`
}

type kiroToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema kiroInputSchema `json:"inputSchema"`
}

type kiroInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type kiroAssistantResponseMessage struct {
	Content  string        `json:"content"`
	ToolUses []kiroToolUse `json:"toolUses,omitempty"`
}

type kiroToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// kiroThinkingConfig mirrors the optional dedicated thinking field spec §4.5
// says passes through with a token budget.
type kiroThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budgetTokens,omitempty"`
}

// ForwardResult is a translated outbound Kiro request: a JSON body plus the
// headers the Orchestrator must set (profile ARN, machine fingerprint).
type ForwardResult struct {
	Body    []byte
	Headers map[string]string
}

const chatTriggerManual = "MANUAL"
const originValue = "AI_EDITOR"

// Forward translates an Anthropic /v1/messages request into a Kiro upstream
// request body and header set, per spec §4.5's Forward rules.
func Forward(req *Request, profileARN string, meta Metadata) (*ForwardResult, error) {
	modelID := ResolveModel(req.Model)

	systemText, err := systemText(req.System)
	if err != nil {
		return nil, fmt.Errorf("translator: system field: %w", err)
	}

	tools, err := buildTools(filterTools(req.Tools))
	if err != nil {
		return nil, err
	}

	var history []kiroHistoryMessage
	var current *kiroUserInputMessage
	var currentToolResults []kiroToolResult

	for i, msg := range req.Messages {
		blocks, err := msg.Blocks()
		if err != nil {
			return nil, fmt.Errorf("translator: message %d content: %w", i, err)
		}
		last := i == len(req.Messages)-1

		switch msg.Role {
		case "assistant":
			history = append(history, kiroHistoryMessage{AssistantResponseMessage: assistantMessage(blocks)})
		default: // user
			userMsg, toolResults := userMessage(blocks, modelID)
			if last {
				current = userMsg
				currentToolResults = toolResults
			} else {
				if len(toolResults) > 0 {
					userMsg.UserInputMessageContext = &kiroUserInputMessageContext{ToolResults: toolResults}
				}
				history = append(history, kiroHistoryMessage{UserInputMessage: userMsg})
			}
		}
	}

	if current == nil {
		current = &kiroUserInputMessage{ModelID: modelID, Origin: originValue}
	}
	if systemText != "" {
		current.Content = "--- SYSTEM PROMPT ---\n" + systemText + "\n--- END SYSTEM PROMPT ---\n\n" + current.Content
	}
	if len(tools) > 0 || len(currentToolResults) > 0 {
		current.UserInputMessageContext = &kiroUserInputMessageContext{Tools: tools, ToolResults: currentToolResults}
	}
	if req.Thinking != nil {
		current.Thinking = &kiroThinkingConfig{Type: req.Thinking.Type, BudgetTokens: req.Thinking.BudgetTokens}
	}
	if history == nil {
		history = []kiroHistoryMessage{}
	}

	payload := kiroPayload{
		ConversationState: kiroConversationState{
			ConversationID:  uuid.NewString(),
			History:         history,
			CurrentMessage:  kiroCurrentMessage{UserInputMessage: *current},
			ChatTriggerType: chatTriggerManual,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("translator: marshal kiro payload: %w", err)
	}

	headers := map[string]string{
		"x-kiro-version":        meta.KiroVersion,
		"x-kiro-system-version": meta.SystemVersion,
		"x-kiro-node-version":   meta.NodeVersion,
		"x-kiro-machine-id":     meta.MachineID,
	}
	if profileARN != "" {
		headers["x-kiro-profile-arn"] = profileARN
	}
	return &ForwardResult{Body: body, Headers: headers}, nil
}

// WithCredentialMachineID overrides Metadata.MachineID when the credential
// carries its own override, per spec §4.5.
func (m Metadata) WithCredentialMachineID(override string) Metadata {
	if override != "" {
		m.MachineID = override
	}
	return m
}

func systemText(system any) (string, error) {
	if system == nil {
		return "", nil
	}
	raw, err := json.Marshal(system)
	if err != nil {
		return "", err
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", err
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out, nil
}

func buildTools(tools []Tool) ([]kiroToolWrapper, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]kiroToolWrapper, 0, len(tools))
	for _, t := range tools {
		out = append(out, kiroToolWrapper{ToolSpecification: kiroToolSpecification{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: kiroInputSchema{JSON: t.InputSchema},
		}})
	}
	return out, nil
}

func userMessage(blocks []ContentBlock, modelID string) (*kiroUserInputMessage, []kiroToolResult) {
	var text string
	var toolResults []kiroToolResult
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_result":
			toolResults = append(toolResults, kiroToolResult{
				ToolUseID: b.ToolUseID,
				Content:   []kiroTextContent{{Text: toolResultText(b.Content)}},
				Status:    toolResultStatus(b.IsError),
			})
		}
	}
	return &kiroUserInputMessage{Content: text, ModelID: modelID, Origin: originValue}, toolResults
}

func assistantMessage(blocks []ContentBlock) *kiroAssistantResponseMessage {
	msg := &kiroAssistantResponseMessage{}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Content += b.Text
		case "tool_use":
			msg.ToolUses = append(msg.ToolUses, kiroToolUse{ToolUseID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return msg
}

func toolResultStatus(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

func toolResultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}
