package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskforge/internal/llm"
)

// CreateSession starts a new, empty conversation for a task and returns its ID.
func (s *SQLiteStore) CreateSession(ctx context.Context, taskID, agentRole string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task_id, agent_role, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, taskID, agentRole, SessionActive, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// LoadSession returns a session with its messages in insertion order.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sess := &Session{}
	var created, updated, completed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, agent_role, status, created_at, updated_at, completed_at
		FROM sessions
		WHERE id = ?
	`, sessionID).Scan(&sess.ID, &sess.TaskID, &sess.AgentRole, &sess.Status, &created, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)
	sess.CompletedAt = fromNanos(completed)

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_name, tool_calls
		FROM messages
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	// Empty slice (not nil) when there is no history
	sess.Messages = []llm.Message{}
	for rows.Next() {
		var msg llm.Message
		var calls string
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.ToolName, &calls); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return sess, nil
}

// SaveSession replaces the whole conversation of a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sessionID string, messages []llm.Message) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	if err := touchSession(ctx, tx, sessionID, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for _, msg := range messages {
		if err := insertMessage(ctx, tx, sessionID, msg, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendMessage adds one message to the end of a session.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg llm.Message) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	if err := touchSession(ctx, tx, sessionID, now); err != nil {
		return err
	}
	if err := insertMessage(ctx, tx, sessionID, msg, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteSession marks a session finished with the given status.
func (s *SQLiteStore) CompleteSession(ctx context.Context, sessionID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, status, now, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string, now int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, sessionID string, msg llm.Message, now int64) error {
	calls := ""
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to encode tool calls: %w", err)
		}
		calls = string(data)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tool_name, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, msg.Role, msg.Content, msg.ToolName, calls, now)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}
