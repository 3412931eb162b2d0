package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/internal/repository"
)

type budgetRepository struct {
	BaseRepository
}

func NewBudgetRepository(base BaseRepository) repository.BudgetRepository {
	return &budgetRepository{base}
}

// Reserve consumes one send slot with a single conditional upsert. The WHERE
// clause on the conflict branch makes over-budget updates affect zero rows,
// so two concurrent reservers racing for the last slot cannot both win: the
// row lock serializes them and the loser's condition re-evaluates to false.
//
// The hourly cap is a rolling 60-minute window measured back from now. Each
// reservation appends its timestamp to recent_sends and prunes entries that
// have aged out, so the guard counts actual sends in the trailing hour
// rather than a counter tied to a fixed window anchor. Sends recorded on the
// previous local day still count toward the window, which keeps the cap
// intact across the midnight row rollover; that day's row is immutable once
// reservations target the new day, so reading it without a lock is safe.
func (r *budgetRepository) Reserve(ctx context.Context, userID uuid.UUID, day string, now time.Time, policy model.RatePolicy) (*model.UserSendBudget, error) {
	policy = policy.WithDefaults()

	query := `
		INSERT INTO user_send_budgets AS b (
			user_id, day, day_count, recent_sends, last_message_at, updated_at
		)
		SELECT $1, $2, 1, ARRAY[$3::timestamptz], $3, $3
		WHERE (
			SELECT COUNT(*)
			FROM user_send_budgets p, unnest(p.recent_sends) AS t
			WHERE p.user_id = $1
			  AND p.day = to_char(to_date($2, 'YYYY-MM-DD') - 1, 'YYYY-MM-DD')
			  AND t > $3::timestamptz - interval '1 hour'
		) < $5
		ON CONFLICT (user_id, day) DO UPDATE SET
			day_count = b.day_count + 1,
			recent_sends = (
				SELECT COALESCE(array_agg(t ORDER BY t), '{}'::timestamptz[])
				FROM unnest(b.recent_sends) AS t
				WHERE t > $3::timestamptz - interval '1 hour'
			) || $3::timestamptz,
			last_message_at = $3,
			updated_at = $3
		WHERE b.day_count < $4
		  AND (
			SELECT COUNT(*) FROM unnest(b.recent_sends) AS t
			WHERE t > $3::timestamptz - interval '1 hour'
		  ) + (
			SELECT COUNT(*)
			FROM user_send_budgets p, unnest(p.recent_sends) AS t
			WHERE p.user_id = $1
			  AND p.day = to_char(to_date($2, 'YYYY-MM-DD') - 1, 'YYYY-MM-DD')
			  AND t > $3::timestamptz - interval '1 hour'
		  ) < $5
		RETURNING user_id, day, day_count,
		          cardinality(recent_sends) AS hour_count,
		          recent_sends[1] AS oldest_in_hour,
		          last_message_at, updated_at
	`
	var budget model.UserSendBudget
	err := r.db.GetContext(ctx, &budget, query,
		userID, day, now, policy.MaxPerDay, policy.MaxPerHour,
	)
	if err == sql.ErrNoRows {
		// Insert or conflict branch filtered out: the budget is exhausted.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve send budget: %w", err)
	}
	return &budget, nil
}

// Get returns the day's budget row with the trailing-hour stats computed at
// now: how many sends fall inside the rolling window and the oldest of them,
// which is when the next hourly slot opens (plus one hour). Previous-day
// sends inside the window are folded in.
func (r *budgetRepository) Get(ctx context.Context, userID uuid.UUID, day string, now time.Time) (*model.UserSendBudget, error) {
	query := `
		SELECT b.user_id, b.day, b.day_count,
		       (
			 (SELECT COUNT(*) FROM unnest(b.recent_sends) AS t
			  WHERE t > $3::timestamptz - interval '1 hour')
			 + (SELECT COUNT(*)
			    FROM user_send_budgets p, unnest(p.recent_sends) AS t
			    WHERE p.user_id = $1
			      AND p.day = to_char(to_date($2, 'YYYY-MM-DD') - 1, 'YYYY-MM-DD')
			      AND t > $3::timestamptz - interval '1 hour')
		       )::int AS hour_count,
		       LEAST(
			 (SELECT MIN(t) FROM unnest(b.recent_sends) AS t
			  WHERE t > $3::timestamptz - interval '1 hour'),
			 (SELECT MIN(t)
			  FROM user_send_budgets p, unnest(p.recent_sends) AS t
			  WHERE p.user_id = $1
			    AND p.day = to_char(to_date($2, 'YYYY-MM-DD') - 1, 'YYYY-MM-DD')
			    AND t > $3::timestamptz - interval '1 hour')
		       ) AS oldest_in_hour,
		       b.last_message_at, b.updated_at
		FROM user_send_budgets b
		WHERE b.user_id = $1 AND b.day = $2
	`
	var budget model.UserSendBudget
	if err := r.db.GetContext(ctx, &budget, query, userID, day, now); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get send budget: %w", err)
	}
	return &budget, nil
}
