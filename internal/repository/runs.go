package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

const runColumns = `run_id, workflow, scope, status, input, output, error, created_at, completed_at`

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow, scope, status, input, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Workflow, nullString(run.Scope), run.Status, nullStringBytes(run.Input), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil when the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun moves a running run to completed.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, output json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusCompleted, nullStringBytes(output), time.Now().UTC(), runID, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return s.checkTransition(ctx, res, runID)
}

// FailRun moves a running run to failed.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusFailed, errText, time.Now().UTC(), runID, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	return s.checkTransition(ctx, res, runID)
}

func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, runID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return domain.ErrRunNotFound
	}
	return domain.ErrRunTerminal
}

// ListRunningRuns returns every run that has not reached a terminal status.
func (s *SQLiteStore) ListRunningRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC`, domain.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*domain.Run, error) {
	var run domain.Run
	var scope, input, output, errText sql.NullString
	var completedAt sql.NullTime
	if err := scan(&run.RunID, &run.Workflow, &scope, &run.Status, &input, &output, &errText, &run.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Scope = scope.String
	run.Input = rawOrNil(input)
	run.Output = rawOrNil(output)
	run.Error = errText.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// SaveStepResult memoizes a step output. A result already recorded for the
// same step index is kept.
func (s *SQLiteStore) SaveStepResult(ctx context.Context, runID string, stepIndex int, name string, output json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (run_id, step_index, name, output, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_index) DO NOTHING`,
		runID, stepIndex, name, string(output), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	return nil
}

// GetStepResult returns the memoized output of a step, if any.
func (s *SQLiteStore) GetStepResult(ctx context.Context, runID string, stepIndex int) (json.RawMessage, bool, error) {
	var output string
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM step_results WHERE run_id = ? AND step_index = ?`,
		runID, stepIndex).Scan(&output)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(output), true, nil
}
