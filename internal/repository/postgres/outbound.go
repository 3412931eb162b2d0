package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
)

type outboundRepository struct {
	BaseRepository
}

func NewOutboundRepository(base BaseRepository) repository.OutboundRepository {
	return &outboundRepository{base}
}

func (r *outboundRepository) Create(ctx context.Context, send *model.OutboundSend) error {
	if send == nil {
		return fmt.Errorf("send cannot be nil")
	}
	if send.FinalMessage == "" {
		return fmt.Errorf("final_message cannot be empty")
	}

	if send.ID == uuid.Nil {
		send.ID = uuid.New()
	}
	send.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO outbound_sends (id, message_id, user_id, phone, final_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		send.ID, send.MessageID, send.UserID, send.Phone, send.FinalMessage, send.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbound send: %w", err)
	}
	return nil
}

func (r *outboundRepository) CountUnpicked(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbound_sends WHERE picked_up_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to count unpicked sends: %w", err)
	}
	return n, nil
}
