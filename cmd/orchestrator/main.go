package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/textloop/textloop/internal/config"
	"github.com/textloop/textloop/internal/orchestrator"
	"github.com/textloop/textloop/internal/ratelimit"
	"github.com/textloop/textloop/internal/relevance"
	"github.com/textloop/textloop/internal/render"
	"github.com/textloop/textloop/internal/repository/postgres"
	userService "github.com/textloop/textloop/internal/service/user"
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
	messageRepo := postgres.NewMessageRepository(base)
	budgetRepo := postgres.NewBudgetRepository(base)
	userRepo := postgres.NewUserRepository(base)
	outboundRepo := postgres.NewOutboundRepository(base)
	transcripts := postgres.NewTranscriptSource(base)

	broker, err := redisbroker.NewRedisBroker(redisbroker.Config{URL: cfg.Redis.URL}, l.Zerolog())
	if err != nil {
		l.Fatal(err, "failed to connect to redis")
	}
	defer broker.Close()

	renderer, err := render.NewTemplateRenderer(render.DefaultTemplates())
	if err != nil {
		l.Fatal(err, "failed to build renderer")
	}

	checker := relevance.NewFailOpenChecker(
		relevance.NewLLMChecker(relevance.LLMConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		}),
		l,
	)

	orch := orchestrator.New(
		messageRepo,
		outboundRepo,
		userService.NewService(userRepo),
		ratelimit.NewLimiter(budgetRepo),
		checker,
		transcripts,
		renderer,
		broker,
		l,
		metrics.New("textloop_orchestrator"),
		orchestrator.Config{
			PollInterval:     cfg.Orchestrator.PollInterval,
			BatchSize:        cfg.Orchestrator.BatchSize,
			StuckAfter:       cfg.Orchestrator.StuckAfter,
			RelevanceTimeout: cfg.Orchestrator.RelevanceTimeout,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Start(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	l.Info("shutting down")
	cancel()

	// Start returns once the in-flight tick finishes.
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
