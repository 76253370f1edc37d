package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// NewMockInvoker returns the offline model used in MOCK mode. It echoes
// the user, and asks for the menu tool when the user mentions the menu.
func NewMockInvoker() *ScriptedInvoker {
	return NewScriptedInvoker().WithFallback(func(_ int, req Request) Turn {
		return mockTurn(req)
	})
}

func mockTurn(req Request) Turn {
	if len(req.Messages) == 0 {
		return textTurn("[MOCK] This is a mock response from the model.")
	}
	last := req.Messages[len(req.Messages)-1]

	if last.Role == domain.RoleAssistant {
		for i := len(last.Parts) - 1; i >= 0; i-- {
			p := last.Parts[i]
			if p.Type != domain.PartTypeToolInvocation {
				continue
			}
			if p.State == domain.ToolStateOutputAvailable {
				return textTurn(fmt.Sprintf("[MOCK] %s returned %s", p.ToolName, truncate(compact(p.Output), 200)))
			}
			return textTurn(fmt.Sprintf("[MOCK] %s failed: %s", p.ToolName, p.ErrorText))
		}
	}

	text := joinText(last.Parts)
	if strings.Contains(strings.ToLower(text), "menu") && hasTool(req.Tools, "menu_lookup") {
		return Turn{
			Events: []Event{
				Text("[MOCK] Let me check the menu."),
				Call("call_"+uuid.New().String(), "menu_lookup", `{}`),
			},
			FinishReason: domain.FinishReasonToolCalls,
		}
	}
	if text == "" {
		return textTurn("[MOCK] This is a mock response from the model.")
	}
	return textTurn(fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(text, 100)))
}

func textTurn(s string) Turn {
	var events []Event
	for _, chunk := range splitIntoChunks(s, 10) {
		events = append(events, Text(chunk))
	}
	return Turn{Events: events, FinishReason: domain.FinishReasonStop}
}

func hasTool(specs []domain.ToolSpec, name string) bool {
	for _, s := range specs {
		if s.Name == name {
			return true
		}
	}
	return false
}

func compact(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

// splitIntoChunks splits a string into chunks of chunkSize runes.
func splitIntoChunks(s string, chunkSize int) []string {
	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += chunkSize {
		end := min(i+chunkSize, len(runes))
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
