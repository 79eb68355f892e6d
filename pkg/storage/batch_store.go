package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/odvcencio/testpilot/pkg/multirun"
)

// SaveBatch upserts a batch and replaces its per-test rows.
func (s *Store) SaveBatch(state multirun.State) error {
	optionsJSON, err := json.Marshal(state.Options)
	if err != nil {
		return fmt.Errorf("marshal batch options: %w", err)
	}
	var finishedAt any
	if !state.FinishedAt.IsZero() {
		finishedAt = state.FinishedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO batches (batch_id, status, options_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at`,
		state.ID, string(state.Status), string(optionsJSON), state.StartedAt, finishedAt,
	); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM batch_tests WHERE batch_id = ?`, state.ID); err != nil {
		return fmt.Errorf("clear batch tests: %w", err)
	}
	for i, test := range state.Tests {
		if _, err := tx.Exec(`
			INSERT INTO batch_tests (batch_id, position, test_id, enabled, start_from_step,
			                         status, run_id, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			state.ID, i, test.TestID, boolToInt(test.Enabled), test.StartFromStep,
			string(test.Status), test.RunID, test.Duration.Milliseconds(), test.Error,
		); err != nil {
			return fmt.Errorf("insert batch test: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(newEvent(EventBatchSaved, "", state.ID, string(state.Status)))
	return nil
}

// GetBatch loads one batch with its tests.
func (s *Store) GetBatch(batchID string) (*multirun.State, error) {
	row := s.db.QueryRow(`
		SELECT batch_id, status, options_json, started_at, finished_at
		FROM batches WHERE batch_id = ?`, batchID)

	var state multirun.State
	var status, optionsJSON string
	var finishedAt sql.NullTime
	if err := row.Scan(&state.ID, &status, &optionsJSON, &state.StartedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	state.Status = multirun.Status(status)
	if finishedAt.Valid {
		state.FinishedAt = finishedAt.Time
	}
	if err := json.Unmarshal([]byte(optionsJSON), &state.Options); err != nil {
		return nil, fmt.Errorf("unmarshal batch options: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT test_id, enabled, start_from_step, status, run_id, duration_ms, error
		FROM batch_tests WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var test multirun.QueuedTest
		var enabled int
		var durationMs int64
		var testStatus string
		if err := rows.Scan(&test.TestID, &enabled, &test.StartFromStep, &testStatus, &test.RunID, &durationMs, &test.Error); err != nil {
			return nil, err
		}
		test.Enabled = enabled != 0
		test.Status = multirun.TestStatus(testStatus)
		test.Duration = time.Duration(durationMs) * time.Millisecond
		test.Order = len(state.Tests) + 1
		state.Tests = append(state.Tests, test)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	state.CurrentTestIndex = len(state.Tests) - 1
	return &state, nil
}

// ListBatches returns the most recently started batches.
func (s *Store) ListBatches(limit int) ([]multirun.State, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT batch_id FROM batches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]multirun.State, 0, len(ids))
	for _, id := range ids {
		state, err := s.GetBatch(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *state)
	}
	return out, nil
}
