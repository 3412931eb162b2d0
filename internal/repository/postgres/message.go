package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
)

type messageRepository struct {
	BaseRepository
}

func NewMessageRepository(base BaseRepository) repository.MessageRepository {
	return &messageRepository{base}
}

// priorityRank orders urgent before high before medium before low without
// relying on enum storage; the same expression is used by the task store.
const priorityRank = `CASE priority
		WHEN 'urgent' THEN 0
		WHEN 'high' THEN 1
		WHEN 'medium' THEN 2
		WHEN 'low' THEN 3
		ELSE 4 END`

func (r *messageRepository) Create(ctx context.Context, msg *model.OutboundMessage) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.MessageData == nil {
		return fmt.Errorf("message_data cannot be nil")
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	now := time.Now().UTC()
	msg.Status = model.MessageStatusQueued
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.ScheduledFor.IsZero() {
		msg.ScheduledFor = now
	}

	query := `
		INSERT INTO outbound_messages (
			id, user_id, conversation_id, topic, message_data, final_message,
			priority, status, scheduled_for, requires_fresh_context,
			reschedule_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12
		)
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.UserID, msg.ConversationID, msg.Topic, msg.MessageData, msg.FinalMessage,
		msg.Priority, msg.Status, msg.ScheduledFor, msg.RequiresFreshContext,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbound message: %w", err)
	}
	return nil
}

func (r *messageRepository) Get(ctx context.Context, id uuid.UUID) (*model.OutboundMessage, error) {
	query := `
		SELECT id, user_id, conversation_id, topic, message_data, final_message,
		       priority, status, scheduled_for, requires_fresh_context,
		       reschedule_count, last_error, attempting_at, sent_at, created_at, updated_at
		FROM outbound_messages
		WHERE id = $1
	`
	var msg model.OutboundMessage
	if err := r.db.GetContext(ctx, &msg, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outbound message: %w", err)
	}
	return &msg, nil
}

// ClaimDue selects due queued rows and flips them to attempting in one
// statement. The locking read skips rows a concurrent orchestrator already
// holds, so running multiple instances cannot double-deliver.
func (r *messageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboundMessage, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM outbound_messages
			WHERE status = 'queued' AND scheduled_for <= $1
			ORDER BY ` + priorityRank + `, scheduled_for ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbound_messages m
		SET status = 'attempting', attempting_at = $1, updated_at = $1
		FROM due
		WHERE m.id = due.id
		RETURNING m.id, m.user_id, m.conversation_id, m.topic, m.message_data, m.final_message,
		          m.priority, m.status, m.scheduled_for, m.requires_fresh_context,
		          m.reschedule_count, m.last_error, m.attempting_at, m.sent_at, m.created_at, m.updated_at
	`
	rows, err := r.db.QueryxContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.OutboundMessage
	for rows.Next() {
		var msg model.OutboundMessage
		if err := rows.StructScan(&msg); err != nil {
			return nil, fmt.Errorf("failed to scan claimed message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed messages: %w", err)
	}

	// The UPDATE ... RETURNING loses the CTE ordering; restore it so the
	// orchestrator spends budget on the highest-priority rows first.
	sortClaimed(msgs)
	return msgs, nil
}

func sortClaimed(msgs []*model.OutboundMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		return claimedLess(msgs[i], msgs[j])
	})
}

func claimedLess(a, b *model.OutboundMessage) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (r *messageRepository) Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, reason model.RescheduleReason) error {
	query := `
		UPDATE outbound_messages
		SET status = 'queued',
		    scheduled_for = $2,
		    reschedule_count = reschedule_count + 1,
		    last_error = $3,
		    attempting_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'attempting'
	`
	res, err := r.db.ExecContext(ctx, query, id, scheduledFor, string(reason))
	if err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return requireRow(res, "requeue", id)
}

func (r *messageRepository) SetFinalMessage(ctx context.Context, id uuid.UUID, finalMessage string) error {
	query := `
		UPDATE outbound_messages
		SET final_message = $2, updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, finalMessage)
	if err != nil {
		return fmt.Errorf("failed to set final message: %w", err)
	}
	return requireRow(res, "set final message", id)
}

// MarkSent transitions attempting -> sent. The guard on final_message keeps
// an unrendered row from ever reaching a terminal sent state.
func (r *messageRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE outbound_messages
		SET status = 'sent', sent_at = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'attempting' AND final_message IS NOT NULL
	`
	res, err := r.db.ExecContext(ctx, query, id, sentAt)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return requireRow(res, "mark sent", id)
}

func (r *messageRepository) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbound_messages
		SET status = 'superseded', updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'attempting')
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark message superseded: %w", err)
	}
	return requireRow(res, "mark superseded", id)
}

func (r *messageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE outbound_messages
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return requireRow(res, "mark failed", id)
}

// SupersedeQueuedForTopic is idempotent: already-superseded rows no longer
// match the queued filter, so running it twice affects zero extra rows.
func (r *messageRepository) SupersedeQueuedForTopic(ctx context.Context, userID uuid.UUID, topic string, exceptID uuid.UUID) (int64, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'superseded', updated_at = NOW()
		WHERE user_id = $1 AND topic = $2 AND status = 'queued' AND id <> $3
	`
	res, err := r.db.ExecContext(ctx, query, userID, topic, exceptID)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede queued messages: %w", err)
	}
	return res.RowsAffected()
}

func (r *messageRepository) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'queued', attempting_at = NULL,
		    last_error = 'requeued by reconciliation', updated_at = NOW()
		WHERE status = 'attempting' AND attempting_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck messages: %w", err)
	}
	return res.RowsAffected()
}

func (r *messageRepository) CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM outbound_messages GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status model.MessageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func requireRow(res sql.Result, op string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: message %s not in expected state", op, id)
	}
	return nil
}
