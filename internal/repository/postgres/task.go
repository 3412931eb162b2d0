package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
)

type taskRepository struct {
	BaseRepository
}

func NewTaskRepository(base BaseRepository) repository.TaskRepository {
	return &taskRepository{base}
}

func (r *taskRepository) Create(ctx context.Context, task *model.ScheduledTask) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ContextJSON == nil {
		return fmt.Errorf("task context_json cannot be nil")
	}

	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	task.Status = model.TaskStatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.ScheduledFor.IsZero() {
		task.ScheduledFor = now
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = model.DefaultMaxRetries
	}
	if task.Priority == "" {
		task.Priority = model.PriorityMedium
	}

	query := `
		INSERT INTO scheduled_tasks (
			id, task_type, agent_type, user_id, context_id, context_type,
			scheduled_for, priority, status, context_json, max_retries,
			retry_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13
		)
	`
	_, err := r.db.ExecContext(ctx, query,
		task.ID, task.TaskType, task.AgentType, task.UserID, task.ContextID, task.ContextType,
		task.ScheduledFor, task.Priority, task.Status, task.ContextJSON, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduled task: %w", err)
	}
	return nil
}

func (r *taskRepository) Get(ctx context.Context, id uuid.UUID) (*model.ScheduledTask, error) {
	query := `
		SELECT id, task_type, agent_type, user_id, context_id, context_type,
		       scheduled_for, priority, status, context_json, max_retries,
		       retry_count, last_error, claimed_at, completed_at, created_at, updated_at
		FROM scheduled_tasks
		WHERE id = $1
	`
	var task model.ScheduledTask
	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scheduled task: %w", err)
	}
	return &task, nil
}

// ClaimDue moves due pending tasks to claimed, skipping rows locked by a
// concurrent dispatcher, so any number of instances can poll the backlog.
func (r *taskRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledTask, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM scheduled_tasks
			WHERE status = 'pending' AND scheduled_for <= $1
			ORDER BY ` + priorityRank + `, scheduled_for ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_tasks t
		SET status = 'claimed', claimed_at = $1, updated_at = $1
		FROM due
		WHERE t.id = due.id
		RETURNING t.id, t.task_type, t.agent_type, t.user_id, t.context_id, t.context_type,
		          t.scheduled_for, t.priority, t.status, t.context_json, t.max_retries,
		          t.retry_count, t.last_error, t.claimed_at, t.completed_at, t.created_at, t.updated_at
	`
	rows, err := r.db.QueryxContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.ScheduledTask
	for rows.Next() {
		var task model.ScheduledTask
		if err := rows.StructScan(&task); err != nil {
			return nil, fmt.Errorf("failed to scan claimed task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed tasks: %w", err)
	}
	return tasks, nil
}

func (r *taskRepository) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE scheduled_tasks
		SET status = 'completed', completed_at = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return requireTaskRow(res, "complete", id)
}

func (r *taskRepository) RetryLater(ctx context.Context, id uuid.UUID, nextAt time.Time, retryCount int, errMsg string) error {
	query := `
		UPDATE scheduled_tasks
		SET status = 'pending', scheduled_for = $2, retry_count = $3,
		    last_error = $4, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`
	res, err := r.db.ExecContext(ctx, query, id, nextAt, retryCount, errMsg)
	if err != nil {
		return fmt.Errorf("failed to schedule task retry: %w", err)
	}
	return requireTaskRow(res, "retry", id)
}

func (r *taskRepository) FailPermanent(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE scheduled_tasks
		SET status = 'failed_permanent', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`
	res, err := r.db.ExecContext(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark task permanently failed: %w", err)
	}
	return requireTaskRow(res, "fail permanent", id)
}

// DeadLetter parks the task and writes the dead-letter record atomically;
// a dead-lettered task is never picked up by ClaimDue again.
func (r *taskRepository) DeadLetter(ctx context.Context, task *model.ScheduledTask, errMsg string) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		update := `
			UPDATE scheduled_tasks
			SET status = 'dead_lettered', last_error = $2, retry_count = $3, updated_at = NOW()
			WHERE id = $1 AND status = 'claimed'
		`
		res, err := tx.ExecContext(ctx, update, task.ID, errMsg, task.RetryCount)
		if err != nil {
			return fmt.Errorf("failed to dead-letter task: %w", err)
		}
		if err := requireTaskRow(res, "dead-letter", task.ID); err != nil {
			return err
		}

		insert := `
			INSERT INTO task_dead_letters (
				id, task_id, task_type, agent_type, context_json,
				error_message, retry_count, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`
		_, err = tx.ExecContext(ctx, insert,
			uuid.New(), task.ID, task.TaskType, task.AgentType, task.ContextJSON,
			errMsg, task.RetryCount,
		)
		if err != nil {
			return fmt.Errorf("failed to write dead-letter record: %w", err)
		}
		return nil
	})
}

func (r *taskRepository) ListDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterTask, error) {
	query := `
		SELECT id, task_id, task_type, agent_type, context_json,
		       error_message, retry_count, created_at
		FROM task_dead_letters
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	var letters []*model.DeadLetterTask
	if err := r.db.SelectContext(ctx, &letters, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

func (r *taskRepository) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM scheduled_tasks GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func requireTaskRow(res sql.Result, op string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: task %s not in expected state", op, id)
	}
	return nil
}
