package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDecodeTaskPayload(t *testing.T) {
	userID := uuid.New()

	payload, err := DecodeTaskPayload(TaskTypeAgentCheckin,
		json.RawMessage(`{"user_id":"`+userID.String()+`","reason":"weekly"}`))
	assert.NoError(t, err)
	checkin, ok := payload.(*AgentCheckinPayload)
	assert.True(t, ok)
	assert.Equal(t, userID, checkin.UserID)
	assert.Equal(t, "weekly", checkin.Reason)

	payload, err = DecodeTaskPayload(TaskTypePublishEvent,
		json.RawMessage(`{"channel":"events","event":{"kind":"ping"}}`))
	assert.NoError(t, err)
	publish, ok := payload.(*PublishEventPayload)
	assert.True(t, ok)
	assert.Equal(t, "events", publish.Channel)
}

func TestDecodeTaskPayload_UnknownType(t *testing.T) {
	_, err := DecodeTaskPayload(TaskType("made_up"), json.RawMessage(`{}`))

	var unknown *ErrUnknownTaskType
	assert.True(t, errors.As(err, &unknown))
	assert.Equal(t, TaskType("made_up"), unknown.TaskType)
}

func TestDecodeTaskPayload_Corrupt(t *testing.T) {
	_, err := DecodeTaskPayload(TaskTypeAgentCheckin, json.RawMessage(`{broken`))
	assert.Error(t, err)

	var unknown *ErrUnknownTaskType
	assert.False(t, errors.As(err, &unknown),
		"a corrupt payload on a known type is not an unknown-type error")
}

func TestMessageStatusTerminal(t *testing.T) {
	assert.True(t, MessageStatusSent.Terminal())
	assert.True(t, MessageStatusSuperseded.Terminal())
	assert.True(t, MessageStatusFailed.Terminal())
	assert.False(t, MessageStatusQueued.Terminal())
	assert.False(t, MessageStatusAttempting.Terminal())
}

func TestPriorityRank(t *testing.T) {
	assert.True(t, PriorityUrgent.Rank() < PriorityHigh.Rank())
	assert.True(t, PriorityHigh.Rank() < PriorityMedium.Rank())
	assert.True(t, PriorityMedium.Rank() < PriorityLow.Rank())
	assert.True(t, PriorityLow.Rank() < MessagePriority("bogus").Rank())
}

func TestRatePolicyDefaults(t *testing.T) {
	p := RatePolicy{}.WithDefaults()
	assert.Equal(t, DefaultMaxPerDay, p.MaxPerDay)
	assert.Equal(t, DefaultMaxPerHour, p.MaxPerHour)

	p = RatePolicy{MaxPerDay: 3, MaxPerHour: 1}.WithDefaults()
	assert.Equal(t, 3, p.MaxPerDay)
	assert.Equal(t, 1, p.MaxPerHour)
}
