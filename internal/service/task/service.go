package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
	apperrors "github.com/textloop/textloop/pkg/errors"
)

// EnqueueTaskRequest is what producers submit to schedule background work.
type EnqueueTaskRequest struct {
	TaskType     model.TaskType        `json:"task_type" binding:"required"`
	AgentType    string                `json:"agent_type"`
	UserID       *uuid.UUID            `json:"user_id,omitempty"`
	ContextID    *uuid.UUID            `json:"context_id,omitempty"`
	ContextType  *string               `json:"context_type,omitempty"`
	ScheduledFor *time.Time            `json:"scheduled_for,omitempty"`
	Priority     model.MessagePriority `json:"priority,omitempty"`
	ContextJSON  json.RawMessage       `json:"context_json" binding:"required"`
	MaxRetries   int                   `json:"max_retries,omitempty"`
}

type TaskServicer interface {
	Enqueue(ctx context.Context, req *EnqueueTaskRequest) (*model.ScheduledTask, error)
	Get(ctx context.Context, id uuid.UUID) (*model.ScheduledTask, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterTask, error)
	StatusCounts(ctx context.Context) (map[model.TaskStatus]int, error)
}

type Service struct {
	repo repository.TaskRepository
}

func NewService(repo repository.TaskRepository) *Service {
	return &Service{repo: repo}
}

// Enqueue validates the payload against the task type's schema before the
// row is written, so corrupt payloads are rejected at the door instead of
// dead-lettered later.
func (s *Service) Enqueue(ctx context.Context, req *EnqueueTaskRequest) (*model.ScheduledTask, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	task := &model.ScheduledTask{
		TaskType:    req.TaskType,
		AgentType:   req.AgentType,
		UserID:      req.UserID,
		ContextID:   req.ContextID,
		ContextType: req.ContextType,
		Priority:    req.Priority,
		ContextJSON: req.ContextJSON,
		MaxRetries:  req.MaxRetries,
	}
	if req.ScheduledFor != nil {
		task.ScheduledFor = req.ScheduledFor.UTC()
	}

	if err := s.repo.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.ScheduledTask, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return nil, apperrors.NewNotFound("task", nil)
	}
	return task, nil
}

func (s *Service) ListDeadLetters(ctx context.Context, limit, offset int) ([]*model.DeadLetterTask, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListDeadLetters(ctx, limit, offset)
}

func (s *Service) StatusCounts(ctx context.Context) (map[model.TaskStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *Service) validate(req *EnqueueTaskRequest) error {
	if req == nil {
		return apperrors.NewBadRequest("request is required", nil)
	}
	if req.TaskType == "" {
		return apperrors.NewBadRequest("task type is required", nil)
	}
	if len(req.ContextJSON) == 0 {
		return apperrors.NewBadRequest("context_json is required", nil)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return apperrors.NewBadRequest(fmt.Sprintf("invalid priority: %s", req.Priority), nil)
	}

	// Unknown task types are accepted (forward compatibility; the
	// dispatcher parks them), but known types get their payload checked.
	if _, err := model.DecodeTaskPayload(req.TaskType, req.ContextJSON); err != nil {
		var unknown *model.ErrUnknownTaskType
		if !errors.As(err, &unknown) {
			return apperrors.NewBadRequest("context_json does not match task type", err)
		}
	}
	return nil
}
