package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/textloop/textloop/internal/repository"
	"github.com/textloop/textloop/pkg/httputil"
)

type Handler struct {
	db       *sqlx.DB
	messages repository.MessageRepository
	tasks    repository.TaskRepository
	outbound repository.OutboundRepository
}

func NewHandler(
	db *sqlx.DB,
	messages repository.MessageRepository,
	tasks repository.TaskRepository,
	outbound repository.OutboundRepository,
) *Handler {
	return &Handler{
		db:       db,
		messages: messages,
		tasks:    tasks,
		outbound: outbound,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}
	r.GET("/status", h.Status)
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "DOWN",
			"reason": "Database connection failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// Status is the operational snapshot: queue depths per status, task backlog,
// dead letters, and sends the transport has not picked up yet.
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	messageCounts, err := h.messages.CountByStatus(ctx)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	taskCounts, err := h.tasks.CountByStatus(ctx)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	unpicked, err := h.outbound.CountUnpicked(ctx)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, gin.H{
		"messages":       messageCounts,
		"tasks":          taskCounts,
		"unpicked_sends": unpicked,
	})
}
