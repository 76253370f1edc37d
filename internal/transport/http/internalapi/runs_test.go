package internalapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/tests/helpers"
)

type fakeRecoverer struct{ calls int }

func (f *fakeRecoverer) Recover(ctx context.Context) (int, error) {
	f.calls++
	return 2, nil
}

func TestGetRunChunksPages(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()
	if err := db.CreateRun(ctx, &domain.Run{RunID: "run_1", Workflow: "chat", Status: domain.RunStatusRunning}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	for seq := int64(0); seq < 3; seq++ {
		chunk, err := domain.NewChunk("run_1", seq, domain.ChunkPayload{Type: domain.ChunkTypeTextDelta, ID: "t", Delta: "x"})
		if err != nil {
			t.Fatalf("NewChunk failed: %v", err)
		}
		if err := db.AppendChunk(ctx, chunk); err != nil {
			t.Fatalf("AppendChunk failed: %v", err)
		}
	}
	h := NewHandler(db, &fakeRecoverer{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/internal/runs/run_1/chunks?from=1&limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run_1")
	if err := h.GetRunChunks(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Chunks  []domain.Chunk `json:"chunks"`
		Next    int64          `json:"next"`
		HasMore bool           `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Chunks) != 1 || resp.Chunks[0].Seq != 1 || resp.Next != 2 || !resp.HasMore {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetRunChunksNotFound(t *testing.T) {
	h := NewHandler(helpers.NewTestSQLiteStore(t), &fakeRecoverer{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/internal/runs/run_x/chunks", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run_x")
	if err := h.GetRunChunks(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRecoverRuns(t *testing.T) {
	recoverer := &fakeRecoverer{}
	h := NewHandler(helpers.NewTestSQLiteStore(t), recoverer)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/internal/runs/recover", nil)
	rec := httptest.NewRecorder()
	if err := h.RecoverRuns(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK || recoverer.calls != 1 {
		t.Fatalf("unexpected result: code=%d calls=%d", rec.Code, recoverer.calls)
	}
	if body := rec.Body.String(); body != "{\"recovered\":2}\n" {
		t.Fatalf("unexpected body: %q", body)
	}
}
