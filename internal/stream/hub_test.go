package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	store "github.com/xiaot623/gogo/foodchat/internal/repository"
	"github.com/xiaot623/gogo/foodchat/tests/helpers"
)

func newHub(t *testing.T) (*Hub, *store.SQLiteStore) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	return NewHub(db, db, WithPollInterval(5*time.Millisecond)), db
}

func createRun(t *testing.T, db *store.SQLiteStore, runID string) {
	t.Helper()
	require.NoError(t, db.CreateRun(context.Background(), &domain.Run{RunID: runID, Workflow: "test", Status: domain.RunStatusRunning}))
}

func delta(i int) domain.ChunkPayload {
	return domain.ChunkPayload{Type: domain.ChunkTypeTextDelta, ID: "t", Delta: fmt.Sprintf("%d ", i)}
}

func readAll(t *testing.T, r *Reader) []domain.Chunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []domain.Chunk
	for {
		c, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func assertDense(t *testing.T, chunks []domain.Chunk, from int64) {
	t.Helper()
	for i, c := range chunks {
		assert.Equal(t, from+int64(i), c.Seq)
	}
}

func TestLiveReadersSeeEveryChunkInOrder(t *testing.T) {
	hub, db := newHub(t)
	createRun(t, db, "run_1")
	s := hub.Open("run_1", 0)

	readers := []*Reader{hub.Reader("run_1", 0), hub.Reader("run_1", 0), hub.Reader("run_1", 0)}
	results := make([][]domain.Chunk, len(readers))
	var wg sync.WaitGroup
	for i, r := range readers {
		wg.Add(1)
		go func(i int, r *Reader) {
			defer wg.Done()
			results[i] = readAll(t, r)
		}(i, r)
	}

	for i := 0; i < 50; i++ {
		_, err := s.Write(context.Background(), delta(i))
		require.NoError(t, err)
	}
	s.Close()
	wg.Wait()

	for _, chunks := range results {
		require.Len(t, chunks, 50)
		assertDense(t, chunks, 0)
		assert.Equal(t, string(results[0][49].Data), string(chunks[49].Data))
	}
	assert.Nil(t, hub.Lookup("run_1"))
}

func TestReaderReplaysFromLogAfterRunEnds(t *testing.T) {
	hub, db := newHub(t)
	ctx := context.Background()
	createRun(t, db, "run_1")
	s := hub.Open("run_1", 0)

	var live []domain.Chunk
	for i := 0; i < 5; i++ {
		c, err := s.Write(ctx, delta(i))
		require.NoError(t, err)
		live = append(live, c)
	}
	require.NoError(t, db.CompleteRun(ctx, "run_1", nil))
	s.Close()

	replayed := readAll(t, hub.Reader("run_1", 2))
	require.Len(t, replayed, 3)
	assertDense(t, replayed, 2)
	for i, c := range replayed {
		assert.Equal(t, string(live[i+2].Data), string(c.Data))
	}

	assert.Empty(t, readAll(t, hub.Reader("run_1", 100)))
}

func TestReaderPollsRunOwnedElsewhere(t *testing.T) {
	hub, db := newHub(t)
	ctx := context.Background()
	createRun(t, db, "run_1")

	appendAt := func(seq int64) {
		c, err := domain.NewChunk("run_1", seq, delta(int(seq)))
		require.NoError(t, err)
		require.NoError(t, db.AppendChunk(ctx, c))
	}
	appendAt(0)
	appendAt(1)

	done := make(chan []domain.Chunk)
	go func() { done <- readAll(t, hub.Reader("run_1", 0)) }()

	time.Sleep(20 * time.Millisecond)
	appendAt(2)
	require.NoError(t, db.CompleteRun(ctx, "run_1", nil))

	select {
	case chunks := <-done:
		require.Len(t, chunks, 3)
		assertDense(t, chunks, 0)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestStreamOpenedMidRunReadsHistoryFromLog(t *testing.T) {
	hub, db := newHub(t)
	ctx := context.Background()
	createRun(t, db, "run_1")
	for seq := int64(0); seq < 3; seq++ {
		c, err := domain.NewChunk("run_1", seq, delta(int(seq)))
		require.NoError(t, err)
		require.NoError(t, db.AppendChunk(ctx, c))
	}

	s := hub.Open("run_1", 3)
	r := hub.Reader("run_1", 0)
	for i := 3; i < 5; i++ {
		_, err := s.Write(ctx, delta(i))
		require.NoError(t, err)
	}
	s.Close()

	chunks := readAll(t, r)
	require.Len(t, chunks, 5)
	assertDense(t, chunks, 0)
}

func TestReaderUnknownRun(t *testing.T) {
	hub, _ := newHub(t)
	_, err := hub.Reader("run_missing", 0).Next(context.Background())
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
}

func TestReaderHonoursContext(t *testing.T) {
	hub, db := newHub(t)
	createRun(t, db, "run_1")
	s := hub.Open("run_1", 0)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hub.Reader("run_1", 0).Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type flakyLog struct {
	Log
	fail bool
}

func (f *flakyLog) AppendChunk(ctx context.Context, c domain.Chunk) error {
	if f.fail {
		f.fail = false
		return errors.New("disk full")
	}
	return f.Log.AppendChunk(ctx, c)
}

func TestFailedAppendConsumesNoSequence(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	createRun(t, db, "run_1")
	log := &flakyLog{Log: db, fail: true}
	hub := NewHub(log, db)
	s := hub.Open("run_1", 0)

	_, err := s.Write(context.Background(), delta(0))
	require.Error(t, err)
	c, err := s.Write(context.Background(), delta(0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Seq)

	s.Close()
	_, err = s.Write(context.Background(), delta(1))
	assert.ErrorIs(t, err, ErrClosed)
}
