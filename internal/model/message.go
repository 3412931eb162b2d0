package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MessagePriority string

const (
	PriorityUrgent MessagePriority = "urgent"
	PriorityHigh   MessagePriority = "high"
	PriorityMedium MessagePriority = "medium"
	PriorityLow    MessagePriority = "low"
)

// Rank maps a priority to its sort position, urgent first.
func (p MessagePriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

func (p MessagePriority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusQueued     MessageStatus = "queued"
	MessageStatusAttempting MessageStatus = "attempting"
	MessageStatusSent       MessageStatus = "sent"
	MessageStatusSuperseded MessageStatus = "superseded"
	MessageStatusFailed     MessageStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusSent || s == MessageStatusSuperseded || s == MessageStatusFailed
}

// MessageData is the structured payload a producer submits; the renderer
// turns it into final text keyed off Trigger.
type MessageData struct {
	Trigger        string          `json:"trigger"`
	EntityID       *uuid.UUID      `json:"entity_id,omitempty"`
	EntityType     string          `json:"entity_type,omitempty"`
	PromptContext  json.RawMessage `json:"prompt_context,omitempty"`
	SuggestedText  string          `json:"suggested_text,omitempty"`
}

type OutboundMessage struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	UserID               uuid.UUID       `json:"user_id" db:"user_id"`
	ConversationID       *uuid.UUID      `json:"conversation_id,omitempty" db:"conversation_id"`
	Topic                *string         `json:"topic,omitempty" db:"topic"`
	MessageData          json.RawMessage `json:"message_data" db:"message_data"`
	FinalMessage         *string         `json:"final_message,omitempty" db:"final_message"`
	Priority             MessagePriority `json:"priority" db:"priority"`
	Status               MessageStatus   `json:"status" db:"status"`
	ScheduledFor         time.Time       `json:"scheduled_for" db:"scheduled_for"`
	RequiresFreshContext bool            `json:"requires_fresh_context" db:"requires_fresh_context"`
	RescheduleCount      int             `json:"reschedule_count" db:"reschedule_count"`
	LastError            *string         `json:"last_error,omitempty" db:"last_error"`
	AttemptingAt         *time.Time      `json:"attempting_at,omitempty" db:"attempting_at"`
	SentAt               *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// EnqueueMessageRequest is what producers submit to queue an outbound
// message. ScheduledFor defaults to now; Priority defaults to medium.
type EnqueueMessageRequest struct {
	UserID               uuid.UUID       `json:"user_id" binding:"required"`
	ConversationID       *uuid.UUID      `json:"conversation_id,omitempty"`
	Topic                *string         `json:"topic,omitempty"`
	MessageData          MessageData     `json:"message_data" binding:"required"`
	Priority             MessagePriority `json:"priority,omitempty"`
	ScheduledFor         *time.Time      `json:"scheduled_for,omitempty"`
	RequiresFreshContext bool            `json:"requires_fresh_context,omitempty"`
}

// RescheduleReason records why a claimed message was put back in the queue.
type RescheduleReason string

const (
	RescheduleQuietHours  RescheduleReason = "quiet_hours"
	RescheduleRateLimited RescheduleReason = "rate_limited"
	RescheduleStale       RescheduleReason = "stale_content"
	RescheduleTransient   RescheduleReason = "transient_error"
)

// OutboundSend is a row on the send-ready boundary; the transport consumer
// polls this table and owns delivery from here on.
type OutboundSend struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	MessageID    uuid.UUID  `json:"message_id" db:"message_id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	Phone        string     `json:"phone" db:"phone"`
	FinalMessage string     `json:"final_message" db:"final_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	PickedUpAt   *time.Time `json:"picked_up_at,omitempty" db:"picked_up_at"`
}

// QueueCounts is the operational status snapshot exposed on /status.
type QueueCounts struct {
	Queued       int `json:"queued" db:"queued"`
	Attempting   int `json:"attempting" db:"attempting"`
	Pending      int `json:"pending" db:"pending"`
	Claimed      int `json:"claimed" db:"claimed"`
	DeadLettered int `json:"dead_lettered" db:"dead_lettered"`
}
