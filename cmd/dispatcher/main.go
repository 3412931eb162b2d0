package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/textloop/textloop/internal/config"
	"github.com/textloop/textloop/internal/dispatcher"
	"github.com/textloop/textloop/internal/email"
	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository/postgres"
	messageService "github.com/textloop/textloop/internal/service/message"
	"github.com/textloop/textloop/pkg/logger"
	redisbroker "github.com/textloop/textloop/pkg/messaging/redis"
	"github.com/textloop/textloop/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	l := logger.NewLogger(&logger.Config{
		Level:      parseLevel(cfg.Logging.Level),
		TimeFormat: time.RFC3339,
		Pretty:     cfg.Logging.Pretty,
	})

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		l.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	base := postgres.NewBaseRepository(db)
	taskRepo := postgres.NewTaskRepository(base)
	messageRepo := postgres.NewMessageRepository(base)

	broker, err := redisbroker.NewRedisBroker(redisbroker.Config{URL: cfg.Redis.URL}, l.Zerolog())
	if err != nil {
		l.Fatal(err, "failed to connect to redis")
	}
	defer broker.Close()

	messageSvc := messageService.NewService(messageRepo, l)

	registry := dispatcher.NewRegistry()
	registry.Register(model.TaskTypeAgentCheckin, dispatcher.NewCheckinHandler(messageSvc))
	registry.Register(model.TaskTypeReengagement, dispatcher.NewReengagementHandler(messageSvc))
	registry.Register(model.TaskTypeConversationSum, dispatcher.NewSummaryHandler(broker))
	registry.Register(model.TaskTypePublishEvent, dispatcher.NewPublishEventHandler(broker))

	var alerts dispatcher.AlertNotifier
	if cfg.Email.Host != "" {
		alerts = email.NewService(email.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		})
	}

	d := dispatcher.New(
		taskRepo,
		registry,
		alerts,
		l,
		metrics.New("textloop_dispatcher"),
		dispatcher.Config{
			PollInterval:   cfg.Dispatcher.PollInterval,
			BatchSize:      cfg.Dispatcher.BatchSize,
			BaseBackoff:    cfg.Dispatcher.BaseBackoff,
			MaxBackoff:     cfg.Dispatcher.MaxBackoff,
			HandlerTimeout: cfg.Dispatcher.HandlerTimeout,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	l.Info("shutting down")
	cancel()

	// Start returns once the in-flight batch finishes.
	<-done
}

func parseLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
