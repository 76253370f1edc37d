// Package domain defines the core domain models for the chat service.
package domain

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType tags the variant of a message part.
type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeReasoning      PartType = "reasoning"
	PartTypeToolInvocation PartType = "tool-invocation"
	PartTypeSourceURL      PartType = "source-url"
	PartTypeSourceDocument PartType = "source-document"
	PartTypeFile           PartType = "file"
	PartTypeData           PartType = "data"
)

// ToolState is the lifecycle state of a tool invocation.
type ToolState string

const (
	ToolStateOutputAvailable ToolState = "output-available"
	ToolStateOutputError     ToolState = "output-error"
	ToolStateOutputDenied    ToolState = "output-denied"

	// ToolStateInputAvailable marks a call whose result has not arrived yet.
	// It only appears while a stream is being assembled and is never persisted.
	ToolStateInputAvailable ToolState = "input-available"
)

// Settled reports whether the state is one of the final tool states.
func (s ToolState) Settled() bool {
	switch s {
	case ToolStateOutputAvailable, ToolStateOutputError, ToolStateOutputDenied:
		return true
	}
	return false
}

// FinishReason explains why a model turn ended.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonToolCalls FinishReason = "tool-calls"
	FinishReasonLength    FinishReason = "length"
	FinishReasonError     FinishReason = "error"
)

// ChunkType is the discriminator of a stream chunk payload.
type ChunkType string

const (
	ChunkTypeStart          ChunkType = "start"
	ChunkTypeStartStep      ChunkType = "start-step"
	ChunkTypeTextDelta      ChunkType = "text-delta"
	ChunkTypeReasoningDelta ChunkType = "reasoning-delta"
	ChunkTypeToolCallStart  ChunkType = "tool-call-start"
	ChunkTypeToolCallResult ChunkType = "tool-call-result"
	ChunkTypeSourceURL      ChunkType = "source-url"
	ChunkTypeSourceDocument ChunkType = "source-document"
	ChunkTypeFile           ChunkType = "file"
	ChunkTypeData           ChunkType = "data"
	ChunkTypeFinishStep     ChunkType = "finish-step"
	ChunkTypeFinish         ChunkType = "finish"
	ChunkTypeError          ChunkType = "error"
)

// Terminal reports whether the chunk type ends a stream.
func (t ChunkType) Terminal() bool {
	return t == ChunkTypeFinish || t == ChunkTypeError
}
