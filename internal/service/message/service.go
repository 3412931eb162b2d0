package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
	apperrors "github.com/textloop/textloop/pkg/errors"
	"github.com/textloop/textloop/pkg/logger"
)

type MessageServicer interface {
	Enqueue(ctx context.Context, req *model.EnqueueMessageRequest) (*model.OutboundMessage, error)
	Get(ctx context.Context, id uuid.UUID) (*model.OutboundMessage, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	QueueCounts(ctx context.Context) (map[model.MessageStatus]int, error)
}

type Service struct {
	repo   repository.MessageRepository
	logger *logger.Logger
}

func NewService(repo repository.MessageRepository, l *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: l,
	}
}

// Enqueue validates and inserts a new queued message. When the request
// carries a topic, any older still-queued message on the same (user, topic)
// is superseded so at most one queued message per topic survives.
func (s *Service) Enqueue(ctx context.Context, req *model.EnqueueMessageRequest) (*model.OutboundMessage, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req.MessageData)
	if err != nil {
		return nil, apperrors.NewBadRequest("invalid message data", err)
	}

	msg := &model.OutboundMessage{
		UserID:               req.UserID,
		ConversationID:       req.ConversationID,
		Topic:                req.Topic,
		MessageData:          data,
		Priority:             req.Priority,
		RequiresFreshContext: req.RequiresFreshContext,
	}
	if req.ScheduledFor != nil {
		msg.ScheduledFor = req.ScheduledFor.UTC()
	}
	if req.MessageData.SuggestedText != "" {
		text := req.MessageData.SuggestedText
		msg.FinalMessage = &text
	}

	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	if req.Topic != nil && *req.Topic != "" {
		superseded, err := s.repo.SupersedeQueuedForTopic(ctx, req.UserID, *req.Topic, msg.ID)
		if err != nil {
			// The new row is in; losing the supersession only risks a
			// duplicate topic message, which relevance checking also catches.
			s.logger.Error(err, "failed to supersede older topic messages",
				"message_id", msg.ID.String(),
				"topic", *req.Topic,
			)
		} else if superseded > 0 {
			s.logger.Info("superseded older queued messages",
				"message_id", msg.ID.String(),
				"topic", *req.Topic,
				"count", superseded,
			)
		}
	}

	return msg, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.OutboundMessage, error) {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return nil, apperrors.NewNotFound("message", nil)
	}
	return msg, nil
}

// Cancel supersedes a message that has not been attempted yet. A message
// already attempting, sent, or otherwise terminal cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return apperrors.NewNotFound("message", nil)
	}
	if msg.Status != model.MessageStatusQueued {
		return apperrors.NewBadRequest(fmt.Sprintf("message is %s, only queued messages can be cancelled", msg.Status), nil)
	}

	if err := s.repo.MarkSuperseded(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel message: %w", err)
	}
	return nil
}

func (s *Service) QueueCounts(ctx context.Context) (map[model.MessageStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *Service) validate(req *model.EnqueueMessageRequest) error {
	if req == nil {
		return apperrors.NewBadRequest("request is required", nil)
	}
	if req.UserID == uuid.Nil {
		return apperrors.NewBadRequest("user ID is required", nil)
	}
	if req.MessageData.Trigger == "" && req.MessageData.SuggestedText == "" {
		return apperrors.NewBadRequest("message data needs a trigger or suggested text", nil)
	}
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	}
	if !req.Priority.Valid() {
		return apperrors.NewBadRequest(fmt.Sprintf("invalid priority: %s", req.Priority), nil)
	}
	if req.ScheduledFor != nil && req.ScheduledFor.Before(time.Now().UTC().Add(-24*time.Hour)) {
		return apperrors.NewBadRequest("scheduled_for is too far in the past", nil)
	}
	return nil
}
