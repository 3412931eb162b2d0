// Package orchestrator runs the outbound message scheduling loop. It is a
// stateless poller: any number of instances may run at once, and all mutual
// exclusion lives in the message store's atomic claim.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/quiethours"
	"github.com/textloop/textloop/internal/ratelimit"
	"github.com/textloop/textloop/internal/relevance"
	"github.com/textloop/textloop/internal/render"
	"github.com/textloop/textloop/internal/repository"
	"github.com/textloop/textloop/pkg/logger"
	"github.com/textloop/textloop/pkg/messaging"
	"github.com/textloop/textloop/pkg/metrics"
)

type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	StuckAfter       time.Duration
	RelevanceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 10 * time.Minute
	}
	if c.RelevanceTimeout <= 0 {
		c.RelevanceTimeout = 10 * time.Second
	}
	return c
}

// UserDirectory resolves per-user scheduling settings; backed by the user
// service so repeated lookups within a tick hit its cache.
type UserDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*model.UserSettings, error)
}

type Orchestrator struct {
	messages    repository.MessageRepository
	outbound    repository.OutboundRepository
	users       UserDirectory
	limiter     *ratelimit.Limiter
	quiet       quiethours.Evaluator
	relevance   relevance.Checker
	transcripts relevance.TranscriptSource
	renderer    render.Renderer
	broker      messaging.Broker
	logger      *logger.Logger
	metrics     *metrics.Metrics
	config      Config
	now         func() time.Time
}

func New(
	messages repository.MessageRepository,
	outbound repository.OutboundRepository,
	users UserDirectory,
	limiter *ratelimit.Limiter,
	checker relevance.Checker,
	transcripts relevance.TranscriptSource,
	renderer render.Renderer,
	broker messaging.Broker,
	l *logger.Logger,
	m *metrics.Metrics,
	config Config,
) *Orchestrator {
	return &Orchestrator{
		messages:    messages,
		outbound:    outbound,
		users:       users,
		limiter:     limiter,
		quiet:       quiethours.NewEvaluator(),
		relevance:   checker,
		transcripts: transcripts,
		renderer:    renderer,
		broker:      broker,
		logger:      l,
		metrics:     m,
		config:      config.withDefaults(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) Start(ctx context.Context) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	o.logger.Info("starting orchestrator",
		"poll_interval", o.config.PollInterval.String(),
		"batch_size", o.config.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("shutting down orchestrator")
			return
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				o.logger.Error(err, "orchestrator tick failed")
			}
		}
	}
}

// Tick runs one scheduling pass: reconcile stuck rows, claim due messages,
// and drive each to its next state. One bad message never aborts the batch.
func (o *Orchestrator) Tick(ctx context.Context) error {
	timer := prometheus.NewTimer(o.metrics.TickDuration)
	defer timer.ObserveDuration()

	now := o.now()

	requeued, err := o.messages.RequeueStuck(ctx, now.Add(-o.config.StuckAfter))
	if err != nil {
		o.logger.Error(err, "reconciliation pass failed")
	} else if requeued > 0 {
		o.logger.Warn("requeued stuck messages", "count", requeued)
	}

	claimed, err := o.messages.ClaimDue(ctx, now, o.config.BatchSize)
	if err != nil {
		return fmt.Errorf("claim due messages: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	o.logger.Debug("claimed due messages", "count", len(claimed))

	for _, msg := range claimed {
		o.processOne(ctx, msg)
	}
	return nil
}

// processOne drives a single claimed message to sent, requeued, superseded,
// or failed. A panic or an ambiguous store failure leaves the row in
// attempting for the reconciliation pass to recover.
func (o *Orchestrator) processOne(ctx context.Context, msg *model.OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(fmt.Errorf("%v", r), "panic processing message",
				"message_id", msg.ID.String(),
			)
		}
	}()

	if err := o.process(ctx, msg); err != nil {
		o.logger.Error(err, "failed to process message",
			"message_id", msg.ID.String(),
			"user_id", msg.UserID.String(),
		)
	}
}

func (o *Orchestrator) process(ctx context.Context, msg *model.OutboundMessage) error {
	settings, err := o.users.Get(ctx, msg.UserID)
	if err != nil {
		return o.requeueTransient(ctx, msg, fmt.Errorf("load user settings: %w", err))
	}
	if settings == nil {
		o.metrics.MessagesFailed.Inc()
		return o.messages.MarkFailed(ctx, msg.ID, "user settings not found")
	}

	loc := settings.Location()
	window := quiethours.Window{Start: settings.QuietHoursStart, End: settings.QuietHoursEnd}
	now := o.now()

	// Freshness is re-checked on every attempt, not just the first: more
	// conversation may have happened while the message waited.
	if msg.RequiresFreshContext {
		done, err := o.checkRelevance(ctx, msg)
		if err != nil || done {
			return err
		}
	}

	if o.quiet.Suppressed(now.In(loc), window, settings.LastInboundAt) {
		next := quiethours.NextOpen(now.In(loc), window)
		o.metrics.MessagesRescheduled.WithLabelValues(string(model.RescheduleQuietHours)).Inc()
		o.logger.Info("quiet hours, rescheduling",
			"message_id", msg.ID.String(),
			"next_attempt", next.Format(time.RFC3339),
		)
		return o.messages.Requeue(ctx, msg.ID, next.UTC(), model.RescheduleQuietHours)
	}

	reservation, err := o.limiter.CheckAndReserve(ctx, msg.UserID, now, loc, settings.RatePolicy())
	if err != nil {
		// Never "allowed by default": a budget store error aborts the
		// attempt and the message is retried next tick.
		return o.requeueTransient(ctx, msg, fmt.Errorf("check send budget: %w", err))
	}
	if !reservation.Allowed {
		next := reservation.NextAllowedAt
		if quiethours.InWindow(next.In(loc), window) {
			next = quiethours.NextOpen(next.In(loc), window)
		}
		o.metrics.MessagesRescheduled.WithLabelValues(string(model.RescheduleRateLimited)).Inc()
		o.logger.Info("rate limited, rescheduling",
			"message_id", msg.ID.String(),
			"next_attempt", next.Format(time.RFC3339),
		)
		return o.messages.Requeue(ctx, msg.ID, next.UTC(), model.RescheduleRateLimited)
	}

	finalMessage, err := o.ensureRendered(ctx, msg)
	if err != nil {
		var renderErr *render.Error
		if errors.As(err, &renderErr) {
			o.metrics.MessagesFailed.Inc()
			return o.messages.MarkFailed(ctx, msg.ID, err.Error())
		}
		return o.requeueTransient(ctx, msg, err)
	}

	return o.deliver(ctx, msg, settings, finalMessage)
}

// checkRelevance runs step (a). Returns done=true when the message reached
// a state that ends this attempt.
func (o *Orchestrator) checkRelevance(ctx context.Context, msg *model.OutboundMessage) (bool, error) {
	delta := o.transcriptDelta(ctx, msg)

	checkCtx, cancel := context.WithTimeout(ctx, o.config.RelevanceTimeout)
	defer cancel()

	result, err := o.relevance.CheckRelevance(checkCtx, msg, delta)
	if err != nil {
		// The checker is expected to fail open; a hard error here means it
		// was wired without the fail-open wrapper. Stay safe anyway.
		o.logger.Error(err, "relevance_fail_open", "message_id", msg.ID.String())
		result = relevance.Result{Outcome: relevance.OutcomeStillRelevant, FailedOpen: true}
	}
	if result.FailedOpen {
		o.metrics.RelevanceFailOpen.Inc()
	}

	switch result.Outcome {
	case relevance.OutcomeSupersede:
		o.metrics.MessagesSuperseded.Inc()
		o.logger.Info("message stale, superseding",
			"message_id", msg.ID.String(),
			"rationale", result.Rationale,
		)
		return true, o.messages.MarkSuperseded(ctx, msg.ID)
	case relevance.OutcomeReschedule:
		o.metrics.MessagesRescheduled.WithLabelValues(string(model.RescheduleStale)).Inc()
		o.logger.Info("message stale, rescheduling",
			"message_id", msg.ID.String(),
			"next_attempt", result.RescheduleFor.Format(time.RFC3339),
		)
		return true, o.messages.Requeue(ctx, msg.ID, result.RescheduleFor, model.RescheduleStale)
	default:
		return false, nil
	}
}

func (o *Orchestrator) transcriptDelta(ctx context.Context, msg *model.OutboundMessage) []relevance.ConversationTurn {
	if msg.ConversationID == nil || o.transcripts == nil {
		return nil
	}
	delta, err := o.transcripts.TurnsSince(ctx, *msg.ConversationID, msg.CreatedAt)
	if err != nil {
		// Missing context degrades the check, it does not block the send.
		o.logger.Error(err, "failed to load transcript delta", "message_id", msg.ID.String())
		return nil
	}
	return delta
}

func (o *Orchestrator) ensureRendered(ctx context.Context, msg *model.OutboundMessage) (string, error) {
	if msg.FinalMessage != nil && *msg.FinalMessage != "" {
		return *msg.FinalMessage, nil
	}

	text, err := o.renderer.Render(ctx, msg)
	if err != nil {
		return "", err
	}
	if err := o.messages.SetFinalMessage(ctx, msg.ID, text); err != nil {
		return "", err
	}
	msg.FinalMessage = &text
	return text, nil
}

func (o *Orchestrator) deliver(ctx context.Context, msg *model.OutboundMessage, settings *model.UserSettings, finalMessage string) error {
	send := &model.OutboundSend{
		MessageID:    msg.ID,
		UserID:       msg.UserID,
		Phone:        settings.Phone,
		FinalMessage: finalMessage,
	}
	if err := o.outbound.Create(ctx, send); err != nil {
		return o.requeueTransient(ctx, msg, fmt.Errorf("write outbound send: %w", err))
	}

	if err := o.messages.MarkSent(ctx, msg.ID, o.now()); err != nil {
		// The send row exists but the status update failed: leave the row
		// attempting so reconciliation surfaces it instead of re-sending.
		return fmt.Errorf("mark sent: %w", err)
	}

	o.metrics.MessagesSent.Inc()
	o.logger.Info("message handed to transport",
		"message_id", msg.ID.String(),
		"user_id", msg.UserID.String(),
		"priority", string(msg.Priority),
	)

	if o.broker != nil {
		// Latency nudge only; the transport consumer polls outbound_sends.
		err := o.broker.Publish(ctx, messaging.ChannelSendReady, messaging.Message{
			Type:    "send_ready",
			Payload: map[string]string{"send_id": send.ID.String(), "user_id": msg.UserID.String()},
		})
		if err != nil {
			o.logger.Warn("send nudge publish failed", "error", err.Error())
		}
	}
	return nil
}

func (o *Orchestrator) requeueTransient(ctx context.Context, msg *model.OutboundMessage, cause error) error {
	next := o.now().Add(o.config.PollInterval)
	if err := o.messages.Requeue(ctx, msg.ID, next, model.RescheduleTransient); err != nil {
		return fmt.Errorf("requeue after %v: %w", cause, err)
	}
	o.metrics.MessagesRescheduled.WithLabelValues(string(model.RescheduleTransient)).Inc()
	return cause
}
