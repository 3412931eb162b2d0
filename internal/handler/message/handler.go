package message

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	messageService "github.com/textloop/textloop/internal/service/message"
	apperrors "github.com/textloop/textloop/pkg/errors"
	"github.com/textloop/textloop/pkg/httputil"
)

type Handler struct {
	service messageService.MessageServicer
}

func NewHandler(service messageService.MessageServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	messages := r.Group("/messages")
	{
		messages.POST("", h.Enqueue)
		messages.GET("/:id", h.Get)
		messages.DELETE("/:id", h.Cancel)
	}
}

// Enqueue accepts a message from a producer. The response carries the
// stored row so callers can track or cancel it by ID.
func (h *Handler) Enqueue(c *gin.Context) {
	var req model.EnqueueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest(err.Error(), err))
		return
	}

	msg, err := h.service.Enqueue(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, msg)
}

func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid message ID", err))
		return
	}

	msg, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, msg)
}

func (h *Handler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid message ID", err))
		return
	}

	if err := h.service.Cancel(c.Request.Context(), id); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"cancelled": id})
}
