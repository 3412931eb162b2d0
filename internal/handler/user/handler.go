package user

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	userService "github.com/textloop/textloop/internal/service/user"
	apperrors "github.com/textloop/textloop/pkg/errors"
	"github.com/textloop/textloop/pkg/httputil"
)

type Handler struct {
	service userService.UserServicer
}

func NewHandler(service userService.UserServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	users := r.Group("/users/:id")
	{
		users.GET("/settings", h.GetSettings)
		users.PUT("/settings", h.UpsertSettings)
		users.POST("/inbound", h.RecordInbound)
	}
}

func (h *Handler) GetSettings(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid user ID", err))
		return
	}

	settings, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if settings == nil {
		httputil.RespondWithError(c, apperrors.NewNotFound("user settings", nil))
		return
	}
	httputil.RespondWithSuccess(c, settings)
}

type upsertSettingsRequest struct {
	Phone           string `json:"phone" binding:"required"`
	Timezone        string `json:"timezone"`
	QuietHoursStart string `json:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end"`
	MaxPerDay       *int   `json:"max_per_day,omitempty"`
	MaxPerHour      *int   `json:"max_per_hour,omitempty"`
}

func (h *Handler) UpsertSettings(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid user ID", err))
		return
	}

	var req upsertSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest(err.Error(), err))
		return
	}

	settings := &model.UserSettings{
		UserID:          id,
		Phone:           req.Phone,
		Timezone:        req.Timezone,
		QuietHoursStart: req.QuietHoursStart,
		QuietHoursEnd:   req.QuietHoursEnd,
		MaxPerDay:       req.MaxPerDay,
		MaxPerHour:      req.MaxPerHour,
	}
	if err := h.service.Upsert(c.Request.Context(), settings); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, settings)
}

type recordInboundRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// RecordInbound is called by the inbound webhook path whenever the user
// sends a message; it keeps the quiet-hours activity override accurate.
func (h *Handler) RecordInbound(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid user ID", err))
		return
	}

	var req recordInboundRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		httputil.RespondWithError(c, apperrors.NewBadRequest(err.Error(), err))
		return
	}

	at := time.Now().UTC()
	if req.At != nil {
		at = req.At.UTC()
	}
	if err := h.service.RecordInbound(c.Request.Context(), id, at); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"recorded_at": at})
}
