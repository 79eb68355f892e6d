package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/session"
)

// SaveSession upserts the canonical session row and replaces its steps and
// chat in one transaction. It satisfies the core's persistence contract.
func (s *Store) SaveSession(sess *session.Session) error {
	optionsJSON, err := json.Marshal(sess.Options)
	if err != nil {
		return fmt.Errorf("marshal session options: %w", err)
	}
	var resultJSON any
	var message string
	if sess.Result != nil {
		raw, err := json.Marshal(sess.Result)
		if err != nil {
			return fmt.Errorf("marshal session result: %w", err)
		}
		resultJSON = string(raw)
		message = sess.Result.Message
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO sessions (session_id, kind, mode, status, goal, test_id, initial_url,
		                      options_json, result_json, message, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			result_json = excluded.result_json,
			message = excluded.message,
			updated_at = excluded.updated_at`,
		sess.ID, string(sess.Kind), string(sess.Options.Mode), string(sess.Status),
		sess.Options.Goal, sess.Options.TestID, sess.Options.InitialURL,
		string(optionsJSON), resultJSON, message, sess.StartedAt, sess.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM steps WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for _, step := range sess.Steps {
		if err := insertStep(tx, sess.ID, step); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM chat_messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	for _, msg := range sess.Chat {
		if _, err := tx.Exec(`
			INSERT INTO chat_messages (message_id, session_id, role, text, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			msg.ID, sess.ID, msg.Role, msg.Text, msg.Timestamp,
		); err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(newEvent(EventSessionSaved, sess.ID, sess.ID, string(sess.Status)))
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertStep(db execer, sessionID string, step session.StepRecord) error {
	actionJSON, err := json.Marshal(step.Action)
	if err != nil {
		return fmt.Errorf("marshal step action: %w", err)
	}
	if _, err := db.Exec(`
		INSERT INTO steps (session_id, seq, summary, action_json, failed, error, screenshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO UPDATE SET
			summary = excluded.summary,
			action_json = excluded.action_json,
			failed = excluded.failed,
			error = excluded.error,
			screenshot = excluded.screenshot`,
		sessionID, step.Seq, step.Summary, string(actionJSON),
		boolToInt(step.Failed), step.Error, step.Screenshot, step.Timestamp,
	); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// SaveStep upserts one step record as the loop records it.
func (s *Store) SaveStep(sessionID string, step session.StepRecord) error {
	if err := insertStep(retryExecer{s}, sessionID, step); err != nil {
		return err
	}
	s.notify(newEvent(EventStepSaved, sessionID, step.Seq, step.Summary))
	return nil
}

// retryExecer routes writes through the store's busy retry.
type retryExecer struct{ s *Store }

func (r retryExecer) Exec(query string, args ...any) (sql.Result, error) {
	return r.s.execRetry(query, args...)
}

// GetSession loads one session with its steps and chat.
func (s *Store) GetSession(sessionID string) (*session.Session, error) {
	row := s.db.QueryRow(`
		SELECT session_id, kind, status, options_json, result_json, started_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)

	var sess session.Session
	var kind, status, optionsJSON string
	var resultJSON sql.NullString
	if err := row.Scan(&sess.ID, &kind, &status, &optionsJSON, &resultJSON, &sess.StartedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.Kind = session.Kind(kind)
	sess.Status = session.Status(status)
	if err := json.Unmarshal([]byte(optionsJSON), &sess.Options); err != nil {
		return nil, fmt.Errorf("unmarshal session options: %w", err)
	}
	if resultJSON.Valid {
		var result session.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshal session result: %w", err)
		}
		sess.Result = &result
	}

	steps, err := s.loadSteps(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Steps = steps

	chat, err := s.loadChat(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Chat = chat
	return &sess, nil
}

func (s *Store) loadSteps(sessionID string) ([]session.StepRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, summary, action_json, failed, error, screenshot, created_at
		FROM steps WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []session.StepRecord
	for rows.Next() {
		var step session.StepRecord
		var actionJSON string
		var failed int
		if err := rows.Scan(&step.Seq, &step.Summary, &actionJSON, &failed, &step.Error, &step.Screenshot, &step.Timestamp); err != nil {
			return nil, err
		}
		step.Failed = failed != 0
		var action driver.Action
		if err := json.Unmarshal([]byte(actionJSON), &action); err != nil {
			return nil, fmt.Errorf("unmarshal step action: %w", err)
		}
		step.Action = action
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Store) loadChat(sessionID string) ([]session.ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT message_id, role, text, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at, message_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chat []session.ChatMessage
	for rows.Next() {
		var msg session.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Text, &msg.Timestamp); err != nil {
			return nil, err
		}
		chat = append(chat, msg)
	}
	return chat, rows.Err()
}

// SessionSummary is one row in a session listing.
type SessionSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Goal      string `json:"goal,omitempty"`
	TestID    string `json:"testId,omitempty"`
	Message   string `json:"message,omitempty"`
	StepCount int    `json:"stepCount"`
}

// ListSessions returns summaries of the most recently updated sessions.
func (s *Store) ListSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT s.session_id, s.kind, s.status, s.goal, s.test_id, s.message,
		       (SELECT COUNT(*) FROM steps WHERE steps.session_id = s.session_id)
		FROM sessions s ORDER BY s.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Kind, &sum.Status, &sum.Goal, &sum.TestID, &sum.Message, &sum.StepCount); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListOpenSessionIDs returns sessions the store believes are still live.
// After a process restart these are orphans.
func (s *Store) ListOpenSessionIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT session_id FROM sessions
		WHERE status NOT IN ('completed', 'failed', 'stopped')`)
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
	return ids, rows.Err()
}

// MarkSessionFailed forces a session row to failed with a message.
func (s *Store) MarkSessionFailed(sessionID, message string) error {
	result := session.Result{Status: "failed", Message: message}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	res, err := s.execRetry(`
		UPDATE sessions SET status = 'failed', message = ?, result_json = ?,
		updated_at = CURRENT_TIMESTAMP WHERE session_id = ?`,
		message, string(raw), sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.notify(newEvent(EventSessionSaved, sessionID, sessionID, "failed"))
	return nil
}

// DeleteSession removes a session and, via foreign keys, its steps and chat.
func (s *Store) DeleteSession(sessionID string) error {
	res, err := s.execRetry(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.notify(newEvent(EventSessionDeleted, sessionID, sessionID, nil))
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
