package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/relevance"
)

type transcriptSource struct {
	BaseRepository
}

// NewTranscriptSource reads conversation turns for the relevance checker.
// The conversation_turns table is written by the inbound/agent pipeline;
// this side only ever reads it.
func NewTranscriptSource(base BaseRepository) relevance.TranscriptSource {
	return &transcriptSource{base}
}

func (r *transcriptSource) TurnsSince(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]relevance.ConversationTurn, error) {
	query := `
		SELECT role, text, created_at AS at
		FROM conversation_turns
		WHERE conversation_id = $1 AND created_at > $2
		ORDER BY created_at ASC
		LIMIT 100
	`
	var turns []relevance.ConversationTurn
	if err := r.db.SelectContext(ctx, &turns, query, conversationID, since); err != nil {
		return nil, fmt.Errorf("failed to load conversation turns: %w", err)
	}
	return turns, nil
}
