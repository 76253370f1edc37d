package domain

import (
	"encoding/json"
	"time"
)

// Run is one durable execution of a workflow.
type Run struct {
	RunID       string          `json:"run_id"`
	Workflow    string          `json:"workflow"`
	Scope       string          `json:"scope,omitempty"`
	Status      RunStatus       `json:"status"`
	Input       json.RawMessage `json:"-"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Chunk is one entry of a run's append-only output log.
// Data holds the encoded ChunkPayload exactly as it was appended.
type Chunk struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      ChunkType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewChunk encodes payload into a chunk at the given position.
func NewChunk(runID string, seq int64, payload ChunkPayload) (Chunk, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		RunID:     runID,
		Seq:       seq,
		Type:      payload.Type,
		Data:      data,
		CreatedAt: time.Now(),
	}, nil
}

// Payload decodes the chunk data.
func (c Chunk) Payload() (ChunkPayload, error) {
	var p ChunkPayload
	if err := json.Unmarshal(c.Data, &p); err != nil {
		return ChunkPayload{}, err
	}
	return p, nil
}

// ChunkPayload is the tagged union of everything a run may emit.
// Type selects which of the remaining fields are meaningful.
type ChunkPayload struct {
	Type ChunkType `json:"type"`

	// start
	MessageID string `json:"messageId,omitempty"`

	// start-step, finish-step
	Step    int `json:"step,omitempty"`
	Attempt int `json:"attempt,omitempty"`

	// text-delta, reasoning-delta
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// tool-call-start, tool-call-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`

	// source-url, source-document, file, data
	SourceID  string          `json:"sourceId,omitempty"`
	URL       string          `json:"url,omitempty"`
	Title     string          `json:"title,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
	Filename  string          `json:"filename,omitempty"`
	DataType  string          `json:"dataType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// finish-step, finish
	FinishReason FinishReason `json:"finishReason,omitempty"`

	// tool-call-result, error
	ErrorText string `json:"errorText,omitempty"`
}

// ToolCallStartPayload announces a tool invocation.
func ToolCallStartPayload(call ToolCall) ChunkPayload {
	return ChunkPayload{
		Type:       ChunkTypeToolCallStart,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
	}
}

// ToolCallResultPayload carries the settled state of a tool part.
func ToolCallResultPayload(p Part) ChunkPayload {
	return ChunkPayload{
		Type:       ChunkTypeToolCallResult,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		State:      p.State,
		Output:     p.Output,
		ErrorText:  p.ErrorText,
	}
}

// PartPayload converts a source, file or data part into its chunk.
func PartPayload(p Part) (ChunkPayload, bool) {
	payload := ChunkPayload{
		SourceID:  p.SourceID,
		URL:       p.URL,
		Title:     p.Title,
		MediaType: p.MediaType,
		Filename:  p.Filename,
		DataType:  p.DataType,
		Data:      p.Data,
	}
	switch p.Type {
	case PartTypeSourceURL:
		payload.Type = ChunkTypeSourceURL
	case PartTypeSourceDocument:
		payload.Type = ChunkTypeSourceDocument
	case PartTypeFile:
		payload.Type = ChunkTypeFile
	case PartTypeData:
		payload.Type = ChunkTypeData
	default:
		return ChunkPayload{}, false
	}
	return payload, true
}
