package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksOf(t *testing.T, payloads ...ChunkPayload) []Chunk {
	t.Helper()
	out := make([]Chunk, 0, len(payloads))
	for i, p := range payloads {
		c, err := NewChunk("run_1", int64(i), p)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestAssemblePartsMergesDeltasAndTools(t *testing.T) {
	chunks := chunksOf(t,
		ChunkPayload{Type: ChunkTypeStart, MessageID: "m1"},
		ChunkPayload{Type: ChunkTypeStartStep, Step: 1, Attempt: 1},
		ChunkPayload{Type: ChunkTypeTextDelta, ID: "t1", Delta: "Let me "},
		ChunkPayload{Type: ChunkTypeTextDelta, ID: "t1", Delta: "check."},
		ChunkPayload{Type: ChunkTypeToolCallStart, ToolCallID: "c1", ToolName: "menu_lookup", Input: json.RawMessage(`{}`)},
		ChunkPayload{Type: ChunkTypeToolCallResult, ToolCallID: "c1", ToolName: "menu_lookup", State: ToolStateOutputAvailable, Output: json.RawMessage(`{"items":[]}`)},
		ChunkPayload{Type: ChunkTypeFinishStep, Step: 1, FinishReason: FinishReasonToolCalls},
		ChunkPayload{Type: ChunkTypeStartStep, Step: 2, Attempt: 1},
		ChunkPayload{Type: ChunkTypeTextDelta, ID: "t2", Delta: "Nothing today."},
		ChunkPayload{Type: ChunkTypeSourceURL, SourceID: "s1", URL: "https://example.com/menu"},
		ChunkPayload{Type: ChunkTypeFinishStep, Step: 2, FinishReason: FinishReasonStop},
		ChunkPayload{Type: ChunkTypeFinish, FinishReason: FinishReasonStop},
	)

	parts := AssembleParts(chunks)
	require.Len(t, parts, 4)
	assert.Equal(t, "Let me check.", parts[0].Text)
	assert.Equal(t, ToolStateOutputAvailable, parts[1].State)
	assert.JSONEq(t, `{"items":[]}`, string(parts[1].Output))
	assert.Equal(t, "Nothing today.", parts[2].Text)
	assert.Equal(t, PartTypeSourceURL, parts[3].Type)
	assert.NoError(t, ValidateParts(parts))
}

func TestAssemblePartsDropsSupersededAttempt(t *testing.T) {
	chunks := chunksOf(t,
		ChunkPayload{Type: ChunkTypeStartStep, Step: 1, Attempt: 1},
		ChunkPayload{Type: ChunkTypeTextDelta, ID: "a", Delta: "partial"},
		ChunkPayload{Type: ChunkTypeStartStep, Step: 1, Attempt: 2},
		ChunkPayload{Type: ChunkTypeTextDelta, ID: "b", Delta: "complete answer"},
		ChunkPayload{Type: ChunkTypeFinishStep, Step: 1, FinishReason: FinishReasonStop},
	)

	parts := AssembleParts(chunks)
	require.Len(t, parts, 1)
	assert.Equal(t, "complete answer", parts[0].Text)
}

func TestAssemblePartsDropsRestartedStepWithSameAttempt(t *testing.T) {
	// A step restarted by a process that lost its attempt count.
	chunks := chunksOf(t,
		ChunkPayload{Type: ChunkTypeStartStep, Step: 1, Attempt: 1},
		ChunkPayload{Type: ChunkTypeTextDelta, ID: "t-1-1-0", Delta: "Hel"},
		ChunkPayload{Type: ChunkTypeStartStep, Step: 1, Attempt: 1},
		ChunkPayload{Type: ChunkTypeTextDelta, ID: "t-1-1-0", Delta: "Hello"},
		ChunkPayload{Type: ChunkTypeFinishStep, Step: 1, FinishReason: FinishReasonStop},
	)

	parts := AssembleParts(chunks)
	require.Len(t, parts, 1)
	assert.Equal(t, "Hello", parts[0].Text)
}

func TestChunkPayloadRoundTripKeepsBytes(t *testing.T) {
	c, err := NewChunk("run_1", 3, ChunkPayload{Type: ChunkTypeTextDelta, ID: "t", Delta: "hi"})
	require.NoError(t, err)
	p, err := c.Payload()
	require.NoError(t, err)
	again, err := NewChunk("run_1", 3, p)
	require.NoError(t, err)
	assert.Equal(t, string(c.Data), string(again.Data))
}
