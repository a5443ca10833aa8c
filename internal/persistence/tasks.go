package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/taskforge/internal/scheduler"
)

const taskColumns = `id, parent_id, description, task_type, agent, status, priority, model, vram_required,
	depends_on, subtask_ids, context, result, error, session_id, iterations,
	created_at, started_at, completed_at`

// SaveTask upserts a snapshot of a task.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	dependsOn, err := marshalList(task.DependsOn)
	if err != nil {
		return err
	}
	subtasks, err := marshalList(task.SubtaskIDs)
	if err != nil {
		return err
	}
	taskCtx := "{}"
	if len(task.Context) > 0 {
		data, err := json.Marshal(task.Context)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		taskCtx = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			description = excluded.description,
			task_type = excluded.task_type,
			agent = excluded.agent,
			status = excluded.status,
			priority = excluded.priority,
			model = excluded.model,
			vram_required = excluded.vram_required,
			depends_on = excluded.depends_on,
			subtask_ids = excluded.subtask_ids,
			context = excluded.context,
			result = excluded.result,
			error = excluded.error,
			session_id = excluded.session_id,
			iterations = excluded.iterations,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`, task.ID, task.ParentID, task.Description, task.TaskType, task.AssignedAgent, task.Status.String(),
		task.Priority, task.ModelName, task.VRAMRequired, dependsOn, subtasks, taskCtx,
		task.Result, task.Error, task.SessionID, task.Iterations,
		toNanos(task.CreatedAt), toNanos(task.StartedAt), toNanos(task.CompletedAt), s.stamp())
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task snapshot by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns every stored task, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var status, dependsOn, subtasks, taskCtx string
	var created, started, completed int64

	err := row.Scan(&task.ID, &task.ParentID, &task.Description, &task.TaskType, &task.AssignedAgent,
		&status, &task.Priority, &task.ModelName, &task.VRAMRequired, &dependsOn, &subtasks, &taskCtx,
		&task.Result, &task.Error, &task.SessionID, &task.Iterations, &created, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	st, ok := scheduler.ParseTaskStatus(status)
	if !ok {
		return nil, fmt.Errorf("task %s has unknown status %q", task.ID, status)
	}
	task.Status = st
	if err := json.Unmarshal([]byte(dependsOn), &task.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(subtasks), &task.SubtaskIDs); err != nil {
		return nil, fmt.Errorf("failed to decode subtask_ids: %w", err)
	}
	task.Context = make(map[string]string)
	if err := json.Unmarshal([]byte(taskCtx), &task.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	task.CreatedAt = fromNanos(created)
	task.StartedAt = fromNanos(started)
	task.CompletedAt = fromNanos(completed)
	return task, nil
}

func marshalList(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode id list: %w", err)
	}
	return string(data), nil
}
