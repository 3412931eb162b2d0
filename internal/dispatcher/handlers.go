package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/textloop/textloop/internal/model"
	apperrors "github.com/textloop/textloop/pkg/errors"
	"github.com/textloop/textloop/pkg/messaging"
)

// MessageEnqueuer is the slice of the message service the built-in
// handlers need: they act as producers against the outbound queue.
type MessageEnqueuer interface {
	Enqueue(ctx context.Context, req *model.EnqueueMessageRequest) (*model.OutboundMessage, error)
}

// CheckinHandler turns an agent_checkin task into a queued outbound
// message; the orchestrator owns everything after that.
type CheckinHandler struct {
	messages MessageEnqueuer
}

func NewCheckinHandler(messages MessageEnqueuer) *CheckinHandler {
	return &CheckinHandler{messages: messages}
}

func (h *CheckinHandler) Handle(ctx context.Context, task *model.ScheduledTask, payload interface{}) error {
	p, ok := payload.(*model.AgentCheckinPayload)
	if !ok {
		return apperrors.Permanent("unexpected payload type for agent_checkin", nil)
	}

	topic := "checkin"
	_, err := h.messages.Enqueue(ctx, &model.EnqueueMessageRequest{
		UserID: p.UserID,
		Topic:  &topic,
		MessageData: model.MessageData{
			Trigger:       "checkin",
			SuggestedText: "",
			PromptContext: mustJSON(map[string]string{"reason": p.Reason}),
		},
		Priority:             model.PriorityMedium,
		RequiresFreshContext: true,
	})
	if err != nil {
		return fmt.Errorf("enqueue checkin message: %w", err)
	}
	return nil
}

// ReengagementHandler nudges a user who has gone quiet. The message is
// context-sensitive: if the user wrote back in the meantime, the relevance
// check supersedes it.
type ReengagementHandler struct {
	messages MessageEnqueuer
}

func NewReengagementHandler(messages MessageEnqueuer) *ReengagementHandler {
	return &ReengagementHandler{messages: messages}
}

func (h *ReengagementHandler) Handle(ctx context.Context, task *model.ScheduledTask, payload interface{}) error {
	p, ok := payload.(*model.ReengagementPayload)
	if !ok {
		return apperrors.Permanent("unexpected payload type for user_reengagement", nil)
	}

	topic := "reengagement"
	_, err := h.messages.Enqueue(ctx, &model.EnqueueMessageRequest{
		UserID: p.UserID,
		Topic:  &topic,
		MessageData: model.MessageData{
			Trigger:       "reengagement",
			PromptContext: mustJSON(map[string]int{"days_quiet": p.DaysQuiet}),
		},
		Priority:             model.PriorityLow,
		RequiresFreshContext: true,
	})
	if err != nil {
		return fmt.Errorf("enqueue reengagement message: %w", err)
	}
	return nil
}

// PublishEventHandler forwards a task payload onto the broker; the agent
// runtime consumes these to run its own work (summaries included).
type PublishEventHandler struct {
	broker messaging.Broker
}

func NewPublishEventHandler(broker messaging.Broker) *PublishEventHandler {
	return &PublishEventHandler{broker: broker}
}

func (h *PublishEventHandler) Handle(ctx context.Context, task *model.ScheduledTask, payload interface{}) error {
	p, ok := payload.(*model.PublishEventPayload)
	if !ok {
		return apperrors.Permanent("unexpected payload type for publish_event", nil)
	}
	if p.Channel == "" {
		return apperrors.Permanent("publish_event payload missing channel", nil)
	}

	err := h.broker.Publish(ctx, p.Channel, messaging.Message{
		Type:    string(task.TaskType),
		Payload: p.Event,
	})
	if err != nil {
		return apperrors.Retryable("publish event", err)
	}
	return nil
}

// SummaryHandler requests a conversation summary from the agent runtime by
// publishing on the events channel; the runtime writes the summary back
// through its own path.
type SummaryHandler struct {
	broker messaging.Broker
}

func NewSummaryHandler(broker messaging.Broker) *SummaryHandler {
	return &SummaryHandler{broker: broker}
}

func (h *SummaryHandler) Handle(ctx context.Context, task *model.ScheduledTask, payload interface{}) error {
	p, ok := payload.(*model.ConversationSummaryPayload)
	if !ok {
		return apperrors.Permanent("unexpected payload type for conversation_summary", nil)
	}

	err := h.broker.Publish(ctx, messaging.ChannelEvents, messaging.Message{
		Type: "summary_requested",
		Payload: map[string]interface{}{
			"conversation_id": p.ConversationID.String(),
			"since_turn":      p.SinceTurn,
			"requested_at":    time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return apperrors.Retryable("publish summary request", err)
	}
	return nil
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
