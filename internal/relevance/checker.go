// Package relevance re-validates queued messages against conversation
// context that accumulated after they were enqueued. Only messages flagged
// requires_fresh_context go through it.
package relevance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/pkg/logger"
)

type Outcome string

const (
	OutcomeStillRelevant Outcome = "still_relevant"
	OutcomeSupersede     Outcome = "stale_supersede"
	OutcomeReschedule    Outcome = "stale_reschedule"
)

// Result is the verdict for one queued message.
type Result struct {
	Outcome       Outcome
	RescheduleFor time.Time // set when Outcome is OutcomeReschedule
	Rationale     string
	FailedOpen    bool // true when the verdict is a fallback, not a real determination
}

// ConversationTurn is one exchange in the transcript delta handed to the
// checker.
type ConversationTurn struct {
	Role string    `json:"role" db:"role"`
	Text string    `json:"text" db:"text"`
	At   time.Time `json:"at" db:"at"`
}

// Checker decides whether a queued message is still worth sending.
type Checker interface {
	CheckRelevance(ctx context.Context, msg *model.OutboundMessage, delta []ConversationTurn) (Result, error)
}

// TranscriptSource provides the conversation turns recorded since a
// message was enqueued.
type TranscriptSource interface {
	TurnsSince(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]ConversationTurn, error)
}

// FailOpenChecker wraps a Checker with the fail-open policy: a provider
// error or timeout yields still_relevant, because over-sending a slightly
// stale message is less harmful than silently losing a scheduled one. The
// fallback is logged as its own event so operators can audit it apart from
// genuine still_relevant verdicts.
type FailOpenChecker struct {
	inner  Checker
	logger *logger.Logger
}

func NewFailOpenChecker(inner Checker, l *logger.Logger) *FailOpenChecker {
	return &FailOpenChecker{inner: inner, logger: l}
}

func (c *FailOpenChecker) CheckRelevance(ctx context.Context, msg *model.OutboundMessage, delta []ConversationTurn) (Result, error) {
	result, err := c.inner.CheckRelevance(ctx, msg, delta)
	if err != nil {
		c.logger.Error(err, "relevance_fail_open",
			"message_id", msg.ID.String(),
			"user_id", msg.UserID.String(),
		)
		return Result{Outcome: OutcomeStillRelevant, FailedOpen: true}, nil
	}
	return result, nil
}
