package store

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// AppendChunk appends a chunk to a run's log. Appending a sequence number
// that already exists fails.
func (s *SQLiteStore) AppendChunk(ctx context.Context, chunk domain.Chunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (run_id, seq, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		chunk.RunID, chunk.Seq, chunk.Type, string(chunk.Data), chunk.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append chunk %d: %w", chunk.Seq, err)
	}
	return nil
}

// GetChunks returns chunks with seq >= fromSeq in order. A limit <= 0
// returns everything.
func (s *SQLiteStore) GetChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.Chunk, error) {
	query := `SELECT run_id, seq, type, data, created_at FROM chunks WHERE run_id = ? AND seq >= ? ORDER BY seq ASC`
	args := []any{runID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var data string
		if err := rows.Scan(&c.RunID, &c.Seq, &c.Type, &data, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Data = []byte(data)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// MaxChunkSeq returns the highest sequence number of a run, or -1 when the
// run has no chunks.
func (s *SQLiteStore) MaxChunkSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) FROM chunks WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}
