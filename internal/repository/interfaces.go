package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
)

// All repository interfaces in one file
type (
	// MessageRepository owns the outbound message queue. Status fields are
	// mutated only through these methods; producers insert and supersede,
	// the orchestrator does everything else.
	MessageRepository interface {
		Create(ctx context.Context, msg *model.OutboundMessage) error
		Get(ctx context.Context, id uuid.UUID) (*model.OutboundMessage, error)

		// ClaimDue atomically moves due queued messages to attempting and
		// returns them, priority first, oldest due first. Rows locked by a
		// concurrent claimer are skipped.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboundMessage, error)

		// Requeue reverts a claimed message to queued with a new schedule.
		Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, reason model.RescheduleReason) error

		SetFinalMessage(ctx context.Context, id uuid.UUID, finalMessage string) error
		MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
		MarkSuperseded(ctx context.Context, id uuid.UUID) error
		MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

		// SupersedeQueuedForTopic marks every still-queued message on the
		// same (user, topic) other than the given row as superseded.
		// Idempotent; returns the number of rows affected.
		SupersedeQueuedForTopic(ctx context.Context, userID uuid.UUID, topic string, exceptID uuid.UUID) (int64, error)

		// RequeueStuck reverts attempting rows older than the cutoff back to
		// queued; the reconciliation pass for crashed instances.
		RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error)

		CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error)
	}

	// BudgetRepository mutates send budgets through a single atomic
	// reserve statement; there is deliberately no separate increment.
	BudgetRepository interface {
		// Reserve attempts to consume one send slot. The upsert increments
		// both counters only while the policy still has capacity, in one
		// statement, so concurrent reservers cannot double-spend a slot.
		// Returns (nil, nil) when the budget is exhausted.
		Reserve(ctx context.Context, userID uuid.UUID, day string, now time.Time, policy model.RatePolicy) (*model.UserSendBudget, error)

		// Get returns the budget row for the given local day, or nil, with
		// the rolling-hour stats computed as of now.
		Get(ctx context.Context, userID uuid.UUID, day string, now time.Time) (*model.UserSendBudget, error)
	}

	// TaskRepository owns the scheduled task backlog and its dead letters.
	TaskRepository interface {
		Create(ctx context.Context, task *model.ScheduledTask) error
		Get(ctx context.Context, id uuid.UUID) (*model.ScheduledTask, error)

		// ClaimDue atomically claims up to limit due pending tasks,
		// skipping rows locked by concurrent dispatchers.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledTask, error)

		Complete(ctx context.Context, id uuid.UUID, at time.Time) error

		// RetryLater puts a claimed task back to pending with a backoff
		// schedule and an incremented retry count.
		RetryLater(ctx context.Context, id uuid.UUID, nextAt time.Time, retryCount int, errMsg string) error

		FailPermanent(ctx context.Context, id uuid.UUID, errMsg string) error

		// DeadLetter terminally parks the task and writes the durable
		// dead-letter record in the same transaction.
		DeadLetter(ctx context.Context, task *model.ScheduledTask, errMsg string) error

		ListDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterTask, error)
		CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
	}

	// UserRepository reads and maintains per-user scheduling settings.
	UserRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.UserSettings, error)
		Upsert(ctx context.Context, settings *model.UserSettings) error
		TouchInbound(ctx context.Context, id uuid.UUID, at time.Time) error
	}

	// OutboundRepository is the send-ready boundary the external transport
	// consumer polls.
	OutboundRepository interface {
		Create(ctx context.Context, send *model.OutboundSend) error
		CountUnpicked(ctx context.Context) (int, error)
	}
)
