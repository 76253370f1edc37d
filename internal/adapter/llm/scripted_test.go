package llm

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

func TestScriptedInvokerReplaysTurns(t *testing.T) {
	inv := NewScriptedInvoker(
		Turn{Events: []Event{Call("c1", "menu_lookup", `{}`)}, FinishReason: domain.FinishReasonToolCalls},
		Turn{Events: []Event{Text("done")}},
	)
	ctx := context.Background()

	s, err := inv.Invoke(ctx, Request{})
	require.NoError(t, err)
	events := drain(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, domain.FinishReasonToolCalls, s.FinishReason())

	s, err = inv.Invoke(ctx, Request{})
	require.NoError(t, err)
	drain(t, s)
	assert.Equal(t, domain.FinishReasonStop, s.FinishReason())

	_, err = inv.Invoke(ctx, Request{})
	assert.True(t, domain.IsFatal(err))
	assert.Len(t, inv.Requests(), 3)
}

func TestMockInvokerCallsMenuTool(t *testing.T) {
	inv := NewMockInvoker()
	ctx := context.Background()
	tools := []domain.ToolSpec{{Name: "menu_lookup"}}
	user := domain.ModelMessage{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("What is on the menu?")}}

	s, err := inv.Invoke(ctx, Request{Tools: tools, Messages: []domain.ModelMessage{user}})
	require.NoError(t, err)
	events := drain(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[1].Type)
	assert.Equal(t, domain.FinishReasonToolCalls, s.FinishReason())

	assistant := domain.ModelMessage{Role: domain.RoleAssistant, Parts: []domain.Part{{
		Type: domain.PartTypeToolInvocation, ToolCallID: events[1].ToolCall.ID, ToolName: "menu_lookup",
		State: domain.ToolStateOutputAvailable, Output: []byte(`{"items": []}`),
	}}}
	s, err = inv.Invoke(ctx, Request{Tools: tools, Messages: []domain.ModelMessage{user, assistant}})
	require.NoError(t, err)
	var text string
	for _, ev := range drain(t, s) {
		text += ev.Text
	}
	assert.Equal(t, `[MOCK] menu_lookup returned {"items":[]}`, text)
	assert.Equal(t, domain.FinishReasonStop, s.FinishReason())
}

func TestMockInvokerKeepsMultibyteTextIntact(t *testing.T) {
	inv := NewMockInvoker()
	message := strings.Repeat("今日のおすすめは何ですか", 10)
	user := domain.ModelMessage{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart(message)}}

	s, err := inv.Invoke(context.Background(), Request{Messages: []domain.ModelMessage{user}})
	require.NoError(t, err)
	var text string
	for _, ev := range drain(t, s) {
		assert.True(t, utf8.ValidString(ev.Text), "delta %q splits a rune", ev.Text)
		text += ev.Text
	}

	shown := string([]rune(message)[:100]) + "..."
	assert.Equal(t, fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", shown), text)
}
