package domain

import "encoding/json"

// ToolContext is the per-invocation context handed to tool executors.
type ToolContext struct {
	UserID     string `json:"user_id,omitempty"`
	GuestID    string `json:"guest_id,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Principal returns the identity tools should attribute side effects to.
func (tc ToolContext) Principal() string {
	if tc.UserID != "" {
		return tc.UserID
	}
	if tc.GuestID != "" {
		return "guest:" + tc.GuestID
	}
	return ""
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
