package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/ratelimit"
	"github.com/textloop/textloop/internal/relevance"
	"github.com/textloop/textloop/internal/render"
	"github.com/textloop/textloop/pkg/logger"
	"github.com/textloop/textloop/pkg/metrics"
)

// Registered once per test binary; promauto panics on duplicates.
var testMetrics = metrics.New("orchestrator_test")

// --- Mocks ---

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Create(ctx context.Context, msg *model.OutboundMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepository) Get(ctx context.Context, id uuid.UUID) (*model.OutboundMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboundMessage), args.Error(1)
}

func (m *MockMessageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.OutboundMessage, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.OutboundMessage), args.Error(1)
}

func (m *MockMessageRepository) Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, reason model.RescheduleReason) error {
	args := m.Called(ctx, id, scheduledFor, reason)
	return args.Error(0)
}

func (m *MockMessageRepository) SetFinalMessage(ctx context.Context, id uuid.UUID, finalMessage string) error {
	args := m.Called(ctx, id, finalMessage)
	return args.Error(0)
}

func (m *MockMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	args := m.Called(ctx, id, sentAt)
	return args.Error(0)
}

func (m *MockMessageRepository) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

func (m *MockMessageRepository) SupersedeQueuedForTopic(ctx context.Context, userID uuid.UUID, topic string, exceptID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID, topic, exceptID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepository) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepository) CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[model.MessageStatus]int), args.Error(1)
}

type MockOutboundRepository struct {
	mock.Mock
}

func (m *MockOutboundRepository) Create(ctx context.Context, send *model.OutboundSend) error {
	args := m.Called(ctx, send)
	return args.Error(0)
}

func (m *MockOutboundRepository) CountUnpicked(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) Get(ctx context.Context, id uuid.UUID) (*model.UserSettings, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserSettings), args.Error(1)
}

type MockBudgetRepository struct {
	mock.Mock
}

func (m *MockBudgetRepository) Reserve(ctx context.Context, userID uuid.UUID, day string, now time.Time, policy model.RatePolicy) (*model.UserSendBudget, error) {
	args := m.Called(ctx, userID, day, now, policy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserSendBudget), args.Error(1)
}

func (m *MockBudgetRepository) Get(ctx context.Context, userID uuid.UUID, day string, now time.Time) (*model.UserSendBudget, error) {
	args := m.Called(ctx, userID, day, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserSendBudget), args.Error(1)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	args := m.Called(ctx, channel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan []byte), args.Error(1)
}

func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}

type stubChecker struct {
	result relevance.Result
	err    error
}

func (c stubChecker) CheckRelevance(ctx context.Context, msg *model.OutboundMessage, delta []relevance.ConversationTurn) (relevance.Result, error) {
	return c.result, c.err
}

// --- Fixtures ---

// testNow is mid-afternoon UTC, outside the default quiet window.
var testNow = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	messages *MockMessageRepository
	outbound *MockOutboundRepository
	users    *MockUserDirectory
	budgets  *MockBudgetRepository
	broker   *MockBroker
	orch     *Orchestrator
}

func newFixture(t *testing.T, checker relevance.Checker) *fixture {
	f := &fixture{
		messages: new(MockMessageRepository),
		outbound: new(MockOutboundRepository),
		users:    new(MockUserDirectory),
		budgets:  new(MockBudgetRepository),
		broker:   new(MockBroker),
	}
	renderer, err := render.NewTemplateRenderer(render.DefaultTemplates())
	assert.NoError(t, err)

	f.orch = New(
		f.messages,
		f.outbound,
		f.users,
		ratelimit.NewLimiter(f.budgets),
		checker,
		nil,
		renderer,
		f.broker,
		logger.Nop(),
		testMetrics,
		Config{},
	)
	f.orch.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) expectTickBoilerplate(msgs []*model.OutboundMessage) {
	f.messages.On("RequeueStuck", mock.Anything, testNow.Add(-10*time.Minute)).
		Return(int64(0), nil)
	f.messages.On("ClaimDue", mock.Anything, testNow, 50).Return(msgs, nil)
}

func queuedMessage(userID uuid.UUID, fresh bool) *model.OutboundMessage {
	return &model.OutboundMessage{
		ID:                   uuid.New(),
		UserID:               userID,
		MessageData:          json.RawMessage(`{"trigger":"checkin"}`),
		Priority:             model.PriorityMedium,
		Status:               model.MessageStatusAttempting,
		ScheduledFor:         testNow.Add(-time.Minute),
		RequiresFreshContext: fresh,
		CreatedAt:            testNow.Add(-time.Hour),
	}
}

func awakeSettings(userID uuid.UUID) *model.UserSettings {
	return &model.UserSettings{
		UserID:          userID,
		Phone:           "+15550001111",
		Timezone:        "UTC",
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "08:00",
	}
}

func allowedBudget() *model.UserSendBudget {
	return &model.UserSendBudget{DayCount: 1, HourCount: 1}
}

// --- Tests ---

func TestTick_SendsDueMessage(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	f := newFixture(t, stubChecker{})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.budgets.On("Reserve", mock.Anything, userID, "2025-06-10", testNow, mock.Anything).
		Return(allowedBudget(), nil)
	f.messages.On("SetFinalMessage", mock.Anything, msg.ID, mock.Anything).Return(nil)
	f.outbound.On("Create", mock.Anything, mock.MatchedBy(func(send *model.OutboundSend) bool {
		return send.MessageID == msg.ID && send.Phone == "+15550001111" && send.FinalMessage != ""
	})).Return(nil)
	f.messages.On("MarkSent", mock.Anything, msg.ID, testNow).Return(nil)
	f.broker.On("Publish", mock.Anything, "send_ready", mock.Anything).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
	f.outbound.AssertExpectations(t)
}

func TestTick_QuietHoursReschedules(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	f := newFixture(t, stubChecker{})

	settings := awakeSettings(userID)
	settings.QuietHoursStart = "14:00"
	settings.QuietHoursEnd = "16:00"

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(settings, nil)
	f.messages.On("Requeue", mock.Anything, msg.ID,
		time.Date(2025, 6, 10, 16, 0, 0, 0, time.UTC), model.RescheduleQuietHours).
		Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
	f.budgets.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTick_RecentInboundLiftsQuietHours(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	f := newFixture(t, stubChecker{})

	settings := awakeSettings(userID)
	settings.QuietHoursStart = "14:00"
	settings.QuietHoursEnd = "16:00"
	recent := testNow.Add(-5 * time.Minute)
	settings.LastInboundAt = &recent

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(settings, nil)
	f.budgets.On("Reserve", mock.Anything, userID, "2025-06-10", testNow, mock.Anything).
		Return(allowedBudget(), nil)
	f.messages.On("SetFinalMessage", mock.Anything, msg.ID, mock.Anything).Return(nil)
	f.outbound.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("MarkSent", mock.Anything, msg.ID, testNow).Return(nil)
	f.broker.On("Publish", mock.Anything, "send_ready", mock.Anything).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
}

func TestTick_RateLimitedReschedulesThroughQuietWindow(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	f := newFixture(t, stubChecker{})

	// Day budget exhausted: capacity returns at local midnight, which falls
	// inside the 22:00-08:00 quiet window, so the retry lands at 08:00.
	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.budgets.On("Reserve", mock.Anything, userID, "2025-06-10", testNow, mock.Anything).
		Return(nil, nil)
	f.budgets.On("Get", mock.Anything, userID, "2025-06-10", testNow).
		Return(&model.UserSendBudget{
			DayCount:  10,
			HourCount: 0,
		}, nil)
	f.messages.On("Requeue", mock.Anything, msg.ID,
		time.Date(2025, 6, 11, 8, 0, 0, 0, time.UTC), model.RescheduleRateLimited).
		Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
}

func TestTick_BudgetStoreErrorRequeuesTransient(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	f := newFixture(t, stubChecker{})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.budgets.On("Reserve", mock.Anything, userID, "2025-06-10", testNow, mock.Anything).
		Return(nil, errors.New("db down"))
	f.messages.On("Requeue", mock.Anything, msg.ID, mock.Anything, model.RescheduleTransient).
		Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
	f.outbound.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestTick_StaleMessageSuperseded(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, true)
	f := newFixture(t, stubChecker{result: relevance.Result{Outcome: relevance.OutcomeSupersede}})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.messages.On("MarkSuperseded", mock.Anything, msg.ID).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
	f.budgets.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTick_StaleMessageRescheduled(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, true)
	retryAt := testNow.Add(45 * time.Minute)
	f := newFixture(t, stubChecker{result: relevance.Result{
		Outcome:       relevance.OutcomeReschedule,
		RescheduleFor: retryAt,
	}})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.messages.On("Requeue", mock.Anything, msg.ID, retryAt, model.RescheduleStale).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
}

func TestTick_RelevanceFailureFailsOpen(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, true)
	f := newFixture(t, stubChecker{err: errors.New("provider down")})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.budgets.On("Reserve", mock.Anything, userID, "2025-06-10", testNow, mock.Anything).
		Return(allowedBudget(), nil)
	f.messages.On("SetFinalMessage", mock.Anything, msg.ID, mock.Anything).Return(nil)
	f.outbound.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("MarkSent", mock.Anything, msg.ID, testNow).Return(nil)
	f.broker.On("Publish", mock.Anything, "send_ready", mock.Anything).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
	f.outbound.AssertExpectations(t)
}

func TestTick_MissingUserFailsMessage(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	f := newFixture(t, stubChecker{})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(nil, nil)
	f.messages.On("MarkFailed", mock.Anything, msg.ID, "user settings not found").Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
}

func TestTick_UnknownTriggerFailsPermanently(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	msg.MessageData = json.RawMessage(`{"trigger":"nope"}`)
	f := newFixture(t, stubChecker{})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.budgets.On("Reserve", mock.Anything, userID, "2025-06-10", testNow, mock.Anything).
		Return(allowedBudget(), nil)
	f.messages.On("MarkFailed", mock.Anything, msg.ID, mock.Anything).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
	f.outbound.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestTick_PreRenderedMessageSkipsRenderer(t *testing.T) {
	userID := uuid.New()
	msg := queuedMessage(userID, false)
	text := "Already rendered."
	msg.FinalMessage = &text
	f := newFixture(t, stubChecker{})

	f.expectTickBoilerplate([]*model.OutboundMessage{msg})
	f.users.On("Get", mock.Anything, userID).Return(awakeSettings(userID), nil)
	f.budgets.On("Reserve", mock.Anything, userID, "2025-06-10", testNow, mock.Anything).
		Return(allowedBudget(), nil)
	f.outbound.On("Create", mock.Anything, mock.MatchedBy(func(send *model.OutboundSend) bool {
		return send.FinalMessage == text
	})).Return(nil)
	f.messages.On("MarkSent", mock.Anything, msg.ID, testNow).Return(nil)
	f.broker.On("Publish", mock.Anything, "send_ready", mock.Anything).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertNotCalled(t, "SetFinalMessage", mock.Anything, mock.Anything, mock.Anything)
	f.outbound.AssertExpectations(t)
}

func TestTick_BatchSurvivesOneBadMessage(t *testing.T) {
	badUser := uuid.New()
	goodUser := uuid.New()
	bad := queuedMessage(badUser, false)
	good := queuedMessage(goodUser, false)
	f := newFixture(t, stubChecker{})

	f.expectTickBoilerplate([]*model.OutboundMessage{bad, good})
	f.users.On("Get", mock.Anything, badUser).Return(nil, errors.New("db hiccup"))
	f.messages.On("Requeue", mock.Anything, bad.ID, mock.Anything, model.RescheduleTransient).
		Return(nil)

	f.users.On("Get", mock.Anything, goodUser).Return(awakeSettings(goodUser), nil)
	f.budgets.On("Reserve", mock.Anything, goodUser, "2025-06-10", testNow, mock.Anything).
		Return(allowedBudget(), nil)
	f.messages.On("SetFinalMessage", mock.Anything, good.ID, mock.Anything).Return(nil)
	f.outbound.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("MarkSent", mock.Anything, good.ID, testNow).Return(nil)
	f.broker.On("Publish", mock.Anything, "send_ready", mock.Anything).Return(nil)

	assert.NoError(t, f.orch.Tick(context.Background()))
	f.messages.AssertExpectations(t)
}
