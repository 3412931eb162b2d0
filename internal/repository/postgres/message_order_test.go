package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/textloop/textloop/internal/model"
)

func claimedMsg(priority model.MessagePriority, scheduledFor, createdAt time.Time) *model.OutboundMessage {
	return &model.OutboundMessage{
		ID:           uuid.New(),
		Priority:     priority,
		ScheduledFor: scheduledFor,
		CreatedAt:    createdAt,
	}
}

func TestSortClaimed_RestoresDispatchOrder(t *testing.T) {
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	urgent := claimedMsg(model.PriorityUrgent, base.Add(-time.Minute), base)
	high := claimedMsg(model.PriorityHigh, base.Add(-time.Hour), base)
	mediumOld := claimedMsg(model.PriorityMedium, base.Add(-time.Hour), base)
	mediumNew := claimedMsg(model.PriorityMedium, base.Add(-time.Minute), base)
	low := claimedMsg(model.PriorityLow, base.Add(-2*time.Hour), base)

	// Deliberately scrambled, the way UPDATE ... RETURNING hands rows back.
	msgs := []*model.OutboundMessage{low, mediumNew, urgent, mediumOld, high}
	sortClaimed(msgs)

	want := []*model.OutboundMessage{urgent, high, mediumOld, mediumNew, low}
	for i := range want {
		assert.Equal(t, want[i].ID, msgs[i].ID, "position %d", i)
	}
}

func TestSortClaimed_TieBreaksOnCreatedAt(t *testing.T) {
	due := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	first := claimedMsg(model.PriorityMedium, due, due.Add(-2*time.Hour))
	second := claimedMsg(model.PriorityMedium, due, due.Add(-time.Hour))

	msgs := []*model.OutboundMessage{second, first}
	sortClaimed(msgs)

	assert.Equal(t, first.ID, msgs[0].ID, "equal priority and due time fall back to insertion order")
	assert.Equal(t, second.ID, msgs[1].ID)
}
