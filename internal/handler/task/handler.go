package task

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	taskService "github.com/textloop/textloop/internal/service/task"
	apperrors "github.com/textloop/textloop/pkg/errors"
	"github.com/textloop/textloop/pkg/httputil"
)

type Handler struct {
	service taskService.TaskServicer
}

func NewHandler(service taskService.TaskServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	tasks := r.Group("/tasks")
	{
		tasks.POST("", h.Enqueue)
		tasks.GET("/:id", h.Get)
		tasks.GET("/dead-letters", h.ListDeadLetters)
	}
}

func (h *Handler) Enqueue(c *gin.Context) {
	var req taskService.EnqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest(err.Error(), err))
		return
	}

	task, err := h.service.Enqueue(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, task)
}

func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid task ID", err))
		return
	}

	task, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, task)
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	var page model.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest(err.Error(), err))
		return
	}
	if page.PageSize <= 0 {
		page.PageSize = 50
	}

	letters, err := h.service.ListDeadLetters(c.Request.Context(), page.PageSize, page.Offset())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, letters)
}
