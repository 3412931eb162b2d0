package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusClaimed         TaskStatus = "claimed"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailedPermanent TaskStatus = "failed_permanent"
	TaskStatusDeadLettered    TaskStatus = "dead_lettered"
)

type TaskType string

const (
	TaskTypeAgentCheckin    TaskType = "agent_checkin"
	TaskTypeConversationSum TaskType = "conversation_summary"
	TaskTypeReengagement    TaskType = "user_reengagement"
	TaskTypePublishEvent    TaskType = "publish_event"
)

const DefaultMaxRetries = 3

type ScheduledTask struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	TaskType    TaskType        `json:"task_type" db:"task_type"`
	AgentType   string          `json:"agent_type" db:"agent_type"`
	UserID      *uuid.UUID      `json:"user_id,omitempty" db:"user_id"`
	ContextID   *uuid.UUID      `json:"context_id,omitempty" db:"context_id"`
	ContextType *string         `json:"context_type,omitempty" db:"context_type"`
	ScheduledFor time.Time      `json:"scheduled_for" db:"scheduled_for"`
	Priority    MessagePriority `json:"priority" db:"priority"`
	Status      TaskStatus      `json:"status" db:"status"`
	ContextJSON json.RawMessage `json:"context_json" db:"context_json"`
	MaxRetries  int             `json:"max_retries" db:"max_retries"`
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	LastError   *string         `json:"last_error,omitempty" db:"last_error"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Typed payloads, one per task type. Payloads are a closed set; anything
// outside it is parked by the dispatcher, never guessed at.

type AgentCheckinPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Reason string    `json:"reason"`
}

type ConversationSummaryPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	SinceTurn      int       `json:"since_turn,omitempty"`
}

type ReengagementPayload struct {
	UserID    uuid.UUID `json:"user_id"`
	DaysQuiet int       `json:"days_quiet"`
}

type PublishEventPayload struct {
	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// ErrUnknownTaskType marks a task type outside the closed payload set.
type ErrUnknownTaskType struct {
	TaskType TaskType
}

func (e *ErrUnknownTaskType) Error() string {
	return fmt.Sprintf("unknown task type: %s", e.TaskType)
}

// DecodeTaskPayload parses context_json into the variant for the task type.
// A malformed payload is a permanent failure for the row.
func DecodeTaskPayload(taskType TaskType, raw json.RawMessage) (interface{}, error) {
	switch taskType {
	case TaskTypeAgentCheckin:
		var p AgentCheckinPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		return &p, nil
	case TaskTypeConversationSum:
		var p ConversationSummaryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		return &p, nil
	case TaskTypeReengagement:
		var p ReengagementPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		return &p, nil
	case TaskTypePublishEvent:
		var p PublishEventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		return &p, nil
	default:
		return nil, &ErrUnknownTaskType{TaskType: taskType}
	}
}

// DeadLetterTask is the durable record of a task that exhausted its retries.
type DeadLetterTask struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TaskID       uuid.UUID       `json:"task_id" db:"task_id"`
	TaskType     TaskType        `json:"task_type" db:"task_type"`
	AgentType    string          `json:"agent_type" db:"agent_type"`
	ContextJSON  json.RawMessage `json:"context_json" db:"context_json"`
	ErrorMessage string          `json:"error_message" db:"error_message"`
	RetryCount   int             `json:"retry_count" db:"retry_count"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
