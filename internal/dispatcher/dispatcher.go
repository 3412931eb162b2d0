// Package dispatcher runs the background task claim/execute loop. Like the
// orchestrator it is a stateless poller safe to run at any instance count:
// the task store's skip-locked claim is the only coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
	apperrors "github.com/textloop/textloop/pkg/errors"
	"github.com/textloop/textloop/pkg/logger"
	"github.com/textloop/textloop/pkg/metrics"
)

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	return c
}

// AlertNotifier receives dead-letter notifications for operator review.
type AlertNotifier interface {
	NotifyDeadLetter(ctx context.Context, task *model.ScheduledTask, errMsg string) error
}

type Dispatcher struct {
	tasks    repository.TaskRepository
	registry *Registry
	alerts   AlertNotifier
	logger   *logger.Logger
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time
}

func New(
	tasks repository.TaskRepository,
	registry *Registry,
	alerts AlertNotifier,
	l *logger.Logger,
	m *metrics.Metrics,
	config Config,
) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		registry: registry,
		alerts:   alerts,
		logger:   l,
		metrics:  m,
		config:   config.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.logger.Info("starting dispatcher",
		"poll_interval", d.config.PollInterval.String(),
		"batch_size", d.config.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutting down dispatcher")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error(err, "dispatcher tick failed")
			}
		}
	}
}

// Tick claims one batch of due tasks and runs each to an outcome. Handler
// failures are expected; they never stop the batch.
func (d *Dispatcher) Tick(ctx context.Context) error {
	timer := prometheus.NewTimer(d.metrics.TickDuration)
	defer timer.ObserveDuration()

	claimed, err := d.tasks.ClaimDue(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		return fmt.Errorf("claim due tasks: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	d.logger.Debug("claimed due tasks", "count", len(claimed))

	for _, task := range claimed {
		d.processOne(ctx, task)
	}
	return nil
}

func (d *Dispatcher) processOne(ctx context.Context, task *model.ScheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(fmt.Errorf("%v", r), "panic in task handler",
				"task_id", task.ID.String(),
				"task_type", string(task.TaskType),
			)
			d.fail(ctx, task, fmt.Errorf("handler panic: %v", r))
		}
	}()

	payload, err := model.DecodeTaskPayload(task.TaskType, task.ContextJSON)
	if err != nil {
		var unknown *model.ErrUnknownTaskType
		if errors.As(err, &unknown) {
			// Parked: stays claimed for manual inspection, never dropped.
			d.logger.Warn("unknown task type, parking task",
				"task_id", task.ID.String(),
				"task_type", string(task.TaskType),
			)
			d.metrics.TasksProcessed.WithLabelValues(string(task.TaskType), "parked").Inc()
			return
		}
		// Corrupt payload: retrying cannot fix it.
		d.logger.Error(err, "corrupt task payload, dead-lettering",
			"task_id", task.ID.String(),
			"task_type", string(task.TaskType),
		)
		d.deadLetter(ctx, task, err.Error())
		return
	}

	handler, ok := d.registry.Lookup(task.TaskType)
	if !ok {
		d.logger.Warn("no handler registered, parking task",
			"task_id", task.ID.String(),
			"task_type", string(task.TaskType),
		)
		d.metrics.TasksProcessed.WithLabelValues(string(task.TaskType), "parked").Inc()
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, d.config.HandlerTimeout)
	defer cancel()

	timer := prometheus.NewTimer(d.metrics.TaskDuration.WithLabelValues(string(task.TaskType)))
	err = handler.Handle(handlerCtx, task, payload)
	timer.ObserveDuration()

	if err != nil {
		d.fail(ctx, task, err)
		return
	}

	if err := d.tasks.Complete(ctx, task.ID, d.now()); err != nil {
		d.logger.Error(err, "failed to mark task completed", "task_id", task.ID.String())
		return
	}
	d.metrics.TasksProcessed.WithLabelValues(string(task.TaskType), "completed").Inc()
	d.logger.Info("task completed",
		"task_id", task.ID.String(),
		"task_type", string(task.TaskType),
		"retry_count", task.RetryCount,
	)
}

func (d *Dispatcher) fail(ctx context.Context, task *model.ScheduledTask, cause error) {
	if apperrors.IsPermanent(cause) {
		d.logger.Error(cause, "task failed permanently",
			"task_id", task.ID.String(),
			"task_type", string(task.TaskType),
		)
		if err := d.tasks.FailPermanent(ctx, task.ID, cause.Error()); err != nil {
			d.logger.Error(err, "failed to mark task permanently failed", "task_id", task.ID.String())
		}
		d.metrics.TasksProcessed.WithLabelValues(string(task.TaskType), "failed_permanent").Inc()
		return
	}

	if task.RetryCount < task.MaxRetries {
		nextRetry := task.RetryCount + 1
		backoff := d.backoff(nextRetry)
		d.logger.Warn("task failed, scheduling retry",
			"task_id", task.ID.String(),
			"task_type", string(task.TaskType),
			"retry_count", nextRetry,
			"backoff", backoff.String(),
			"error", cause.Error(),
		)
		if err := d.tasks.RetryLater(ctx, task.ID, d.now().Add(backoff), nextRetry, cause.Error()); err != nil {
			d.logger.Error(err, "failed to schedule task retry", "task_id", task.ID.String())
			return
		}
		d.metrics.TasksRetried.WithLabelValues(string(task.TaskType)).Inc()
		return
	}

	// Count the final failed attempt so the dead-letter record reflects
	// total attempts, then park the task for good.
	task.RetryCount++
	d.logger.Error(cause, "task exhausted retries, dead-lettering",
		"task_id", task.ID.String(),
		"task_type", string(task.TaskType),
		"retry_count", task.RetryCount,
	)
	d.deadLetter(ctx, task, cause.Error())
}

func (d *Dispatcher) deadLetter(ctx context.Context, task *model.ScheduledTask, errMsg string) {
	if err := d.tasks.DeadLetter(ctx, task, errMsg); err != nil {
		d.logger.Error(err, "failed to dead-letter task", "task_id", task.ID.String())
		return
	}
	d.metrics.TasksDead.Inc()

	if d.alerts != nil {
		if err := d.alerts.NotifyDeadLetter(ctx, task, errMsg); err != nil {
			// Alerting is best-effort; the durable record already exists.
			d.logger.Warn("dead-letter alert failed",
				"task_id", task.ID.String(),
				"error", err.Error(),
			)
		}
	}
}

// backoff doubles per attempt from BaseBackoff, capped at MaxBackoff.
func (d *Dispatcher) backoff(retry int) time.Duration {
	backoff := d.config.BaseBackoff
	for i := 1; i < retry; i++ {
		backoff *= 2
		if backoff >= d.config.MaxBackoff {
			return d.config.MaxBackoff
		}
	}
	if backoff > d.config.MaxBackoff {
		backoff = d.config.MaxBackoff
	}
	return backoff
}
