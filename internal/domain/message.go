package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Chat is a conversation owned by a single principal.
type Chat struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn of a chat. A non-empty RunID means the parts are
// still being generated by that run.
type Message struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	RunID     string    `json:"run_id,omitempty"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InFlight reports whether the message is still owned by a run.
func (m Message) InFlight() bool {
	return m.RunID != ""
}

// Part is a single typed element of a message.
type Part struct {
	Type PartType `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// tool-invocation
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	// source-url, source-document, file, data
	SourceID  string          `json:"sourceId,omitempty"`
	URL       string          `json:"url,omitempty"`
	Title     string          `json:"title,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
	Filename  string          `json:"filename,omitempty"`
	DataType  string          `json:"dataType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// Validate checks the per-type field constraints of a persisted part.
func (p Part) Validate() error {
	switch p.Type {
	case PartTypeText, PartTypeReasoning:
		if p.Text == "" {
			return invalidPart(p, "text is required")
		}
	case PartTypeToolInvocation:
		if p.ToolCallID == "" || p.ToolName == "" {
			return invalidPart(p, "tool call id and tool name are required")
		}
		if len(p.Input) > 0 && !json.Valid(p.Input) {
			return invalidPart(p, "input is not valid JSON")
		}
		switch p.State {
		case ToolStateOutputAvailable:
			if len(p.Output) == 0 || p.ErrorText != "" {
				return invalidPart(p, "output-available requires output and no error text")
			}
			if !json.Valid(p.Output) {
				return invalidPart(p, "output is not valid JSON")
			}
		case ToolStateOutputError, ToolStateOutputDenied:
			if p.ErrorText == "" || len(p.Output) > 0 {
				return invalidPart(p, fmt.Sprintf("%s requires error text and no output", p.State))
			}
		default:
			return invalidPart(p, fmt.Sprintf("state %q is not settled", p.State))
		}
	case PartTypeSourceURL:
		if p.SourceID == "" || p.URL == "" {
			return invalidPart(p, "source id and url are required")
		}
	case PartTypeSourceDocument:
		if p.SourceID == "" || p.MediaType == "" || p.Title == "" {
			return invalidPart(p, "source id, media type and title are required")
		}
	case PartTypeFile:
		if p.MediaType == "" || p.URL == "" {
			return invalidPart(p, "media type and url are required")
		}
	case PartTypeData:
		if p.DataType == "" || len(p.Data) == 0 {
			return invalidPart(p, "data type and data are required")
		}
		if !json.Valid(p.Data) {
			return invalidPart(p, "data is not valid JSON")
		}
	default:
		return fmt.Errorf("%w: unknown part type %q", ErrInvalidInput, p.Type)
	}
	return nil
}

func invalidPart(p Part, reason string) error {
	return fmt.Errorf("%w: %s part: %s", ErrInvalidInput, p.Type, reason)
}

// ValidateParts validates every part, reporting the first failure.
func ValidateParts(parts []Part) error {
	for i, p := range parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// ModelMessage is a message in the shape the model consumes.
type ModelMessage struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// ModelMessages converts settled chat history into model input.
// Messages still owned by a run are skipped.
func ModelMessages(history []Message) []ModelMessage {
	out := make([]ModelMessage, 0, len(history))
	for _, m := range history {
		if m.InFlight() || len(m.Parts) == 0 {
			continue
		}
		out = append(out, ModelMessage{Role: m.Role, Parts: m.Parts})
	}
	return out
}
