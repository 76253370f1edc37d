package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedChat(t *testing.T, store *SQLiteStore, chatID string) {
	t.Helper()
	if err := store.CreateChat(context.Background(), &domain.Chat{ChatID: chatID, UserID: "u1"}); err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
}

func TestSQLiteStoreChat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	missing, err := store.GetChat(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil chat, got %+v, %v", missing, err)
	}

	seedChat(t, store, "c1")
	chat, err := store.GetChat(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if chat == nil || chat.UserID != "u1" {
		t.Fatalf("unexpected chat: %+v", chat)
	}
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run := &domain.Run{RunID: "run_1", Workflow: "chat", Scope: "c1", Status: domain.RunStatusRunning, Input: json.RawMessage(`{"a":1}`)}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	running, err := store.ListRunningRuns(ctx)
	if err != nil || len(running) != 1 {
		t.Fatalf("expected one running run, got %d (%v)", len(running), err)
	}
	if string(running[0].Input) != `{"a":1}` || running[0].Scope != "c1" {
		t.Fatalf("unexpected run: %+v", running[0])
	}

	if err := store.CompleteRun(ctx, "run_1", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if err := store.FailRun(ctx, "run_1", "late"); !errors.Is(err, domain.ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}
	if err := store.CompleteRun(ctx, "run_missing", nil); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusCompleted || got.CompletedAt == nil || string(got.Output) != `{"ok":true}` {
		t.Fatalf("unexpected run: %+v", got)
	}
}

func TestSQLiteStoreStepResults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.CreateRun(ctx, &domain.Run{RunID: "run_1", Workflow: "chat", Status: domain.RunStatusRunning}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if _, ok, err := store.GetStepResult(ctx, "run_1", 0); err != nil || ok {
		t.Fatalf("expected no step result, got ok=%v err=%v", ok, err)
	}
	if err := store.SaveStepResult(ctx, "run_1", 0, "agent.step", json.RawMessage(`"first"`)); err != nil {
		t.Fatalf("SaveStepResult failed: %v", err)
	}
	if err := store.SaveStepResult(ctx, "run_1", 0, "agent.step", json.RawMessage(`"second"`)); err != nil {
		t.Fatalf("SaveStepResult duplicate failed: %v", err)
	}
	out, ok, err := store.GetStepResult(ctx, "run_1", 0)
	if err != nil || !ok || string(out) != `"first"` {
		t.Fatalf("unexpected step result %s ok=%v err=%v", out, ok, err)
	}
}

func TestSQLiteStoreChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.CreateRun(ctx, &domain.Run{RunID: "run_1", Workflow: "chat", Status: domain.RunStatusRunning}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	seq, err := store.MaxChunkSeq(ctx, "run_1")
	if err != nil || seq != -1 {
		t.Fatalf("expected -1, got %d (%v)", seq, err)
	}

	for i := 0; i < 5; i++ {
		c, err := domain.NewChunk("run_1", int64(i), domain.ChunkPayload{Type: domain.ChunkTypeTextDelta, ID: "t", Delta: "x"})
		if err != nil {
			t.Fatalf("NewChunk failed: %v", err)
		}
		if err := store.AppendChunk(ctx, c); err != nil {
			t.Fatalf("AppendChunk failed: %v", err)
		}
	}
	dup, _ := domain.NewChunk("run_1", 2, domain.ChunkPayload{Type: domain.ChunkTypeFinish})
	if err := store.AppendChunk(ctx, dup); err == nil {
		t.Fatalf("expected duplicate seq to fail")
	}

	chunks, err := store.GetChunks(ctx, "run_1", 2, 2)
	if err != nil {
		t.Fatalf("GetChunks failed: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Seq != 2 || chunks[1].Seq != 3 {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	if chunks[0].Type != domain.ChunkTypeTextDelta {
		t.Fatalf("unexpected type %q", chunks[0].Type)
	}

	tail, err := store.GetChunks(ctx, "run_1", 10, 0)
	if err != nil || len(tail) != 0 {
		t.Fatalf("expected empty tail, got %d (%v)", len(tail), err)
	}
	if seq, _ := store.MaxChunkSeq(ctx, "run_1"); seq != 4 {
		t.Fatalf("expected max seq 4, got %d", seq)
	}
}
