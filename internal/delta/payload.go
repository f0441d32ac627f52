package delta

import "encoding/json"

// ChatPayload is the payload shape of an event="chat" push frame.
type ChatPayload struct {
	RunID        string       `json:"runId"`
	State        string       `json:"state"` // delta | final | error
	Message      *ChatMessage `json:"message"`
	ErrorMessage string       `json:"errorMessage"`
}

// ChatMessage carries the assistant message content for a chat frame.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentItem `json:"content"`
}

// ContentItem is one text or thinking content block. Text/Delta/Thinking
// are pointers so the normalizer can tell "absent" from "empty string".
type ContentItem struct {
	Type     string  `json:"type"` // text | thinking
	Text     *string `json:"text"`
	Delta    *string `json:"delta"`
	Thinking *string `json:"thinking"`
}

// AgentPayload is the payload shape of an event="agent.event" push frame.
type AgentPayload struct {
	RunID  string    `json:"runId"`
	Stream string    `json:"stream"` // assistant | thinking | tool | lifecycle
	Data   AgentData `json:"data"`
}

// AgentData is the agent.event stream's data object; the fields populated
// depend on Stream.
type AgentData struct {
	Phase string  `json:"phase"` // tool: start|update|result; lifecycle: start|end|error
	Text  *string `json:"text"`
	Delta *string `json:"delta"`

	ToolCallID    string          `json:"toolCallId"`
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args"`
	PartialResult json.RawMessage `json:"partialResult"`
	Result        json.RawMessage `json:"result"`
	IsError       bool            `json:"isError"`

	ErrorMessage string `json:"errorMessage"`
}

// HistoryMessage mirrors the minimal shape the chat.history fallback needs
// to extract the last errored assistant message.
type HistoryMessage struct {
	Role         string `json:"role"`
	StopReason   string `json:"stopReason"`
	ErrorMessage string `json:"errorMessage"`
}
