package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/textloop/textloop/internal/config"
	healthHandler "github.com/textloop/textloop/internal/handler/health"
	messageHandler "github.com/textloop/textloop/internal/handler/message"
	taskHandler "github.com/textloop/textloop/internal/handler/task"
	userHandler "github.com/textloop/textloop/internal/handler/user"
	"github.com/textloop/textloop/internal/middleware"
	"github.com/textloop/textloop/internal/repository/postgres"
	"github.com/textloop/textloop/internal/router"
	messageService "github.com/textloop/textloop/internal/service/message"
	taskService "github.com/textloop/textloop/internal/service/task"
	userService "github.com/textloop/textloop/internal/service/user"
	"github.com/textloop/textloop/pkg/auth"
	"github.com/textloop/textloop/pkg/logger"
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
	taskRepo := postgres.NewTaskRepository(base)
	userRepo := postgres.NewUserRepository(base)
	outboundRepo := postgres.NewOutboundRepository(base)

	messageSvc := messageService.NewService(messageRepo, l)
	taskSvc := taskService.NewService(taskRepo)
	userSvc := userService.NewService(userRepo)

	verifier := auth.NewTokenVerifier(cfg.JWT.Secret)
	authMiddleware := middleware.NewAuthMiddleware(verifier)

	r := router.NewRouter(
		authMiddleware,
		healthHandler.NewHandler(db, messageRepo, taskRepo, outboundRepo),
		messageHandler.NewHandler(messageSvc),
		taskHandler.NewHandler(taskSvc),
		userHandler.NewHandler(userSvc),
		l,
		router.Config{
			RateLimit:     rate.Limit(rateOrDefault(cfg.RateLimit.RequestsPerSecond)),
			RateBurst:     burstOrDefault(cfg.RateLimit.Burst),
			CORSConfig:    middleware.DefaultCORSConfig(),
			MetricsPrefix: "textloop_api",
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	go func() {
		l.Info("starting api server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	l.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		l.Fatal(err, "server forced to shutdown")
	}
	l.Info("server exited properly")
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

func rateOrDefault(rps float64) float64 {
	if rps <= 0 {
		return 100
	}
	return rps
}

func burstOrDefault(burst int) int {
	if burst <= 0 {
		return 200
	}
	return burst
}
