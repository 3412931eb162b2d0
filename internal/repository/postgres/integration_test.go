//go:build integration

// Store-level tests against a real Postgres, exercising the properties the
// unit suites cannot: claim exclusivity and budget atomicity under
// concurrent connections. Point TEXTLOOP_TEST_DB_URL at a throwaway
// database and run with -tags integration.
package postgres

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textloop/textloop/internal/model"
)

const testSchema = `
DROP TABLE IF EXISTS outbound_messages;
DROP TABLE IF EXISTS scheduled_tasks;
DROP TABLE IF EXISTS task_dead_letters;
DROP TABLE IF EXISTS user_send_budgets;

CREATE TABLE outbound_messages (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	conversation_id uuid,
	topic text,
	message_data jsonb NOT NULL,
	final_message text,
	priority text NOT NULL,
	status text NOT NULL,
	scheduled_for timestamptz NOT NULL,
	requires_fresh_context boolean NOT NULL DEFAULT false,
	reschedule_count int NOT NULL DEFAULT 0,
	last_error text,
	attempting_at timestamptz,
	sent_at timestamptz,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE scheduled_tasks (
	id uuid PRIMARY KEY,
	task_type text NOT NULL,
	agent_type text NOT NULL DEFAULT '',
	user_id uuid,
	context_id uuid,
	context_type text,
	scheduled_for timestamptz NOT NULL,
	priority text NOT NULL,
	status text NOT NULL,
	context_json jsonb NOT NULL,
	max_retries int NOT NULL,
	retry_count int NOT NULL DEFAULT 0,
	last_error text,
	claimed_at timestamptz,
	completed_at timestamptz,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE task_dead_letters (
	id uuid PRIMARY KEY,
	task_id uuid NOT NULL,
	task_type text NOT NULL,
	agent_type text NOT NULL DEFAULT '',
	context_json jsonb NOT NULL,
	error_message text NOT NULL,
	retry_count int NOT NULL,
	created_at timestamptz NOT NULL
);

CREATE TABLE user_send_budgets (
	user_id uuid NOT NULL,
	day text NOT NULL,
	day_count int NOT NULL,
	recent_sends timestamptz[] NOT NULL DEFAULT '{}',
	last_message_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (user_id, day)
);
`

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEXTLOOP_TEST_DB_URL")
	if dsn == "" {
		t.Skip("TEXTLOOP_TEST_DB_URL not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func TestIntegrationBudgetReserve_ConcurrentReserversSpendExactlyCap(t *testing.T) {
	db := newTestDB(t)
	repo := NewBudgetRepository(NewBaseRepository(db))
	userID := uuid.New()
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	policy := model.RatePolicy{MaxPerDay: 100, MaxPerHour: 5}

	const reservers = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	outcomes := make(chan bool, reservers)

	for i := 0; i < reservers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			budget, err := repo.Reserve(context.Background(), userID, "2025-06-10", now, policy)
			assert.NoError(t, err)
			outcomes <- budget != nil
		}()
	}
	close(start)
	wg.Wait()
	close(outcomes)

	allowed := 0
	for ok := range outcomes {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "exactly the hourly cap may win, no matter how many race")
}

func TestIntegrationBudgetReserve_ConcurrentReserversDailyCap(t *testing.T) {
	db := newTestDB(t)
	repo := NewBudgetRepository(NewBaseRepository(db))
	userID := uuid.New()
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	policy := model.RatePolicy{MaxPerDay: 10, MaxPerHour: 100}

	const reservers = 25
	var wg sync.WaitGroup
	start := make(chan struct{})
	outcomes := make(chan bool, reservers)

	for i := 0; i < reservers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			budget, err := repo.Reserve(context.Background(), userID, "2025-06-10", now, policy)
			assert.NoError(t, err)
			outcomes <- budget != nil
		}()
	}
	close(start)
	wg.Wait()
	close(outcomes)

	allowed := 0
	for ok := range outcomes {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestIntegrationBudgetReserve_RollingWindow(t *testing.T) {
	db := newTestDB(t)
	repo := NewBudgetRepository(NewBaseRepository(db))
	userID := uuid.New()
	policy := model.RatePolicy{MaxPerDay: 100, MaxPerHour: 2}
	ctx := context.Background()
	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 10, h, m, 0, 0, time.UTC)
	}

	reserve := func(ts time.Time) bool {
		budget, err := repo.Reserve(ctx, userID, "2025-06-10", ts, policy)
		require.NoError(t, err)
		return budget != nil
	}

	assert.True(t, reserve(at(10, 0)))
	assert.True(t, reserve(at(10, 59)))

	// 10:00 has aged out of the hour ending 11:00, so a slot is free; at
	// 11:01 the trailing hour holds 10:59 and 11:00 and the cap is hit.
	// A fixed window anchored at 10:00 would have allowed both.
	assert.True(t, reserve(at(11, 0)))
	assert.False(t, reserve(at(11, 1)))

	budget, err := repo.Get(ctx, userID, "2025-06-10", at(11, 1))
	require.NoError(t, err)
	require.NotNil(t, budget)
	assert.Equal(t, 2, budget.HourCount)
	require.NotNil(t, budget.OldestInHour)
	assert.True(t, budget.OldestInHour.Equal(at(10, 59)),
		"capacity returns when the 10:59 send ages out")
}

func TestIntegrationBudgetReserve_WindowSpansMidnight(t *testing.T) {
	db := newTestDB(t)
	repo := NewBudgetRepository(NewBaseRepository(db))
	userID := uuid.New()
	policy := model.RatePolicy{MaxPerDay: 100, MaxPerHour: 2}
	ctx := context.Background()

	lateEvening := time.Date(2025, 6, 10, 23, 40, 0, 0, time.UTC)
	budget, err := repo.Reserve(ctx, userID, "2025-06-10", lateEvening, policy)
	require.NoError(t, err)
	require.NotNil(t, budget)
	budget, err = repo.Reserve(ctx, userID, "2025-06-10", lateEvening.Add(10*time.Minute), policy)
	require.NoError(t, err)
	require.NotNil(t, budget)

	// The day row rolls over at midnight but the trailing hour does not:
	// both evening sends still count at 00:10.
	afterMidnight := time.Date(2025, 6, 11, 0, 10, 0, 0, time.UTC)
	budget, err = repo.Reserve(ctx, userID, "2025-06-11", afterMidnight, policy)
	require.NoError(t, err)
	assert.Nil(t, budget, "hourly cap holds across the day boundary")
}

func queuedTestMessage(userID uuid.UUID, priority model.MessagePriority, scheduledFor time.Time) *model.OutboundMessage {
	return &model.OutboundMessage{
		UserID:       userID,
		MessageData:  json.RawMessage(`{"trigger":"checkin"}`),
		Priority:     priority,
		ScheduledFor: scheduledFor,
	}
}

func TestIntegrationClaimDueMessages_NoDoubleClaim(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(NewBaseRepository(db))
	ctx := context.Background()
	now := time.Now().UTC()

	const queued = 6
	for i := 0; i < queued; i++ {
		require.NoError(t, repo.Create(ctx, queuedTestMessage(uuid.New(), model.PriorityMedium, now.Add(-time.Minute))))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	claims := make(chan []*model.OutboundMessage, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			msgs, err := repo.ClaimDue(context.Background(), time.Now().UTC(), queued)
			assert.NoError(t, err)
			claims <- msgs
		}()
	}
	close(start)
	wg.Wait()
	close(claims)

	seen := make(map[uuid.UUID]int)
	total := 0
	for msgs := range claims {
		total += len(msgs)
		for _, m := range msgs {
			seen[m.ID]++
		}
	}
	assert.Equal(t, queued, total, "every due row is claimed by somebody")
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s claimed more than once", id)
	}

	second, err := repo.ClaimDue(ctx, time.Now().UTC(), queued)
	assert.NoError(t, err)
	assert.Empty(t, second, "a later claimer sees nothing left")
}

func TestIntegrationClaimDueMessages_PriorityOrder(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(NewBaseRepository(db))
	ctx := context.Background()
	now := time.Now().UTC()

	low := queuedTestMessage(uuid.New(), model.PriorityLow, now.Add(-3*time.Hour))
	urgent := queuedTestMessage(uuid.New(), model.PriorityUrgent, now.Add(-time.Minute))
	high := queuedTestMessage(uuid.New(), model.PriorityHigh, now.Add(-time.Hour))
	for _, m := range []*model.OutboundMessage{low, urgent, high} {
		require.NoError(t, repo.Create(ctx, m))
	}

	claimed, err := repo.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	// An older due time never outranks a higher priority.
	assert.Equal(t, urgent.ID, claimed[0].ID)
	assert.Equal(t, high.ID, claimed[1].ID)
	assert.Equal(t, low.ID, claimed[2].ID)
}

func TestIntegrationClaimDueTasks_NoDoubleClaim(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepository(NewBaseRepository(db))
	ctx := context.Background()
	now := time.Now().UTC()

	const pending = 5
	for i := 0; i < pending; i++ {
		require.NoError(t, repo.Create(ctx, &model.ScheduledTask{
			TaskType:     model.TaskTypePublishEvent,
			ContextJSON:  json.RawMessage(`{"channel":"events","event":{}}`),
			ScheduledFor: now.Add(-time.Minute),
		}))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	claims := make(chan []*model.ScheduledTask, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tasks, err := repo.ClaimDue(context.Background(), time.Now().UTC(), pending)
			assert.NoError(t, err)
			claims <- tasks
		}()
	}
	close(start)
	wg.Wait()
	close(claims)

	seen := make(map[uuid.UUID]int)
	total := 0
	for tasks := range claims {
		total += len(tasks)
		for _, task := range tasks {
			seen[task.ID]++
		}
	}
	assert.Equal(t, pending, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}
