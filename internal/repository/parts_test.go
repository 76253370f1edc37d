package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

func allKindsParts() []domain.Part {
	return []domain.Part{
		{Type: domain.PartTypeReasoning, Text: "the user wants the menu"},
		domain.TextPart("Let me check."),
		{Type: domain.PartTypeToolInvocation, ToolCallID: "call_1", ToolName: "menu_lookup", State: domain.ToolStateOutputAvailable, Input: json.RawMessage(`{"category":"pizza"}`), Output: json.RawMessage(`{"items":[{"id":"margherita"}]}`)},
		{Type: domain.PartTypeToolInvocation, ToolCallID: "call_2", ToolName: "order_place", State: domain.ToolStateOutputDenied, Input: json.RawMessage(`{}`), ErrorText: "guests cannot place orders"},
		domain.TextPart("Here it is."),
		{Type: domain.PartTypeSourceURL, SourceID: "src_1", URL: "https://example.com/menu", Title: "Menu"},
		{Type: domain.PartTypeSourceDocument, SourceID: "doc_1", MediaType: "application/pdf", Title: "Allergens", Filename: "allergens.pdf"},
		{Type: domain.PartTypeFile, MediaType: "image/png", URL: "https://example.com/pizza.png"},
		{Type: domain.PartTypeData, DataType: "cart", Data: json.RawMessage(`{"lines":2}`)},
		{Type: domain.PartTypeToolInvocation, ToolCallID: "call_3", ToolName: "cart_add", State: domain.ToolStateOutputError, ErrorText: "unknown item"},
	}
}

func TestFinalizeMessageRoundTripsEveryKindInOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedChat(t, store, "c1")

	_, err := store.CreateAssistantPlaceholder(ctx, "c1", "m1", "run_1")
	require.NoError(t, err)

	inflight, err := store.GetInFlightMessage(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, inflight)
	assert.Equal(t, "run_1", inflight.RunID)

	parts := allKindsParts()
	require.NoError(t, store.FinalizeMessage(ctx, "m1", parts))

	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Empty(t, msg.RunID)
	require.Len(t, msg.Parts, len(parts))
	for i := range parts {
		assert.Equal(t, parts[i].Type, msg.Parts[i].Type, "part %d", i)
		assert.Equal(t, parts[i].Text, msg.Parts[i].Text, "part %d", i)
		assert.Equal(t, parts[i].State, msg.Parts[i].State, "part %d", i)
		assert.Equal(t, parts[i].ErrorText, msg.Parts[i].ErrorText, "part %d", i)
		assert.Equal(t, parts[i].URL, msg.Parts[i].URL, "part %d", i)
		assert.Equal(t, string(parts[i].Output), string(msg.Parts[i].Output), "part %d", i)
		assert.Equal(t, string(parts[i].Data), string(msg.Parts[i].Data), "part %d", i)
	}

	inflight, err = store.GetInFlightMessage(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, inflight)
}

func TestFinalizeMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedChat(t, store, "c1")
	_, err := store.CreateAssistantPlaceholder(ctx, "c1", "m1", "run_1")
	require.NoError(t, err)

	parts := []domain.Part{domain.TextPart("hello")}
	require.NoError(t, store.FinalizeMessage(ctx, "m1", parts))
	require.NoError(t, store.FinalizeMessage(ctx, "m1", parts))

	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, msg.Parts, 1)

	err = store.FinalizeMessage(ctx, "missing", parts)
	assert.True(t, errors.Is(err, domain.ErrMessageNotFound))
}

func TestFinalizeMessageRejectsInvalidPartsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedChat(t, store, "c1")
	_, err := store.CreateAssistantPlaceholder(ctx, "c1", "m1", "run_1")
	require.NoError(t, err)

	parts := []domain.Part{
		domain.TextPart("fine"),
		{Type: domain.PartTypeToolInvocation, ToolCallID: "call_1", ToolName: "menu_lookup", State: domain.ToolStateOutputError, ErrorText: "x", Output: json.RawMessage(`1`)},
	}
	err = store.FinalizeMessage(ctx, "m1", parts)
	require.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)

	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "run_1", msg.RunID)
	assert.Empty(t, msg.Parts)
}

func TestLoadHistoryOrdersMessagesAndParts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedChat(t, store, "c1")

	require.NoError(t, store.CreateMessage(ctx, &domain.Message{MessageID: "m1", ChatID: "c1", Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("what's on the menu?")}}))
	_, err := store.CreateAssistantPlaceholder(ctx, "c1", "m2", "run_1")
	require.NoError(t, err)
	require.NoError(t, store.FinalizeMessage(ctx, "m2", allKindsParts()))
	require.NoError(t, store.CreateMessage(ctx, &domain.Message{MessageID: "m3", ChatID: "c1", Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("thanks")}}))

	history, err := store.LoadHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{history[0].MessageID, history[1].MessageID, history[2].MessageID})
	assert.Equal(t, domain.PartTypeReasoning, history[1].Parts[0].Type)
	assert.Equal(t, "Here it is.", history[1].Parts[4].Text)
	assert.Equal(t, "thanks", history[2].Parts[0].Text)
}

func TestPersistPartsThenClearRunID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedChat(t, store, "c1")
	_, err := store.CreateAssistantPlaceholder(ctx, "c1", "m1", "run_1")
	require.NoError(t, err)

	require.NoError(t, store.PersistMessageParts(ctx, "m1", []domain.Part{domain.TextPart("a")}))
	require.NoError(t, store.ClearRunID(ctx, "m1"))
	assert.True(t, errors.Is(store.ClearRunID(ctx, "missing"), domain.ErrMessageNotFound))
	assert.True(t, errors.Is(store.PersistMessageParts(ctx, "missing", []domain.Part{domain.TextPart("a")}), domain.ErrMessageNotFound))

	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, msg.InFlight())
	assert.Len(t, msg.Parts, 1)
}

func TestDeleteChatCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedChat(t, store, "c1")
	require.NoError(t, store.CreateMessage(ctx, &domain.Message{MessageID: "m1", ChatID: "c1", Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("hi")}}))

	require.NoError(t, store.DeleteChat(ctx, "c1"))
	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.True(t, errors.Is(store.DeleteChat(ctx, "c1"), domain.ErrChatNotFound))
}
