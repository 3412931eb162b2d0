// Package email sends operator notifications over SMTP. It is deliberately
// not a user-facing channel; users are reached over SMS only.
package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/textloop/textloop/internal/model"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Service delivers dead-letter alerts to the operator inbox. Delivery is
// best-effort; the durable dead-letter row is the source of truth.
type Service struct {
	dialer *gomail.Dialer
	config Config
}

func NewService(config Config) *Service {
	return &Service{
		dialer: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
		config: config,
	}
}

func (s *Service) NotifyDeadLetter(ctx context.Context, task *model.ScheduledTask, errMsg string) error {
	if len(s.config.To) == 0 {
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.config.From)
	m.SetHeader("To", s.config.To...)
	m.SetHeader("Subject", fmt.Sprintf("[textloop] task dead-lettered: %s", task.TaskType))
	m.SetBody("text/plain", fmt.Sprintf(
		"Task %s (%s) exhausted its retries and was dead-lettered.\n\n"+
			"Attempts: %d\nLast error: %s\n\nPayload:\n%s\n",
		task.ID, task.TaskType, task.RetryCount, errMsg, string(task.ContextJSON),
	))

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send dead-letter alert: %w", err)
	}
	return nil
}
