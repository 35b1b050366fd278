package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
)

// dateFormat is the UTC calendar-day key used for the daily cap counter.
const dateFormat = "2006-01-02"

// DeliveryCounterStore tracks DF's per-subscriber daily delivery count
// (spec §4.4 step 5).
type DeliveryCounterStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDeliveryCounterStore wraps an already-migrated *sql.DB for the
// subscriptions database.
func NewDeliveryCounterStore(db *sql.DB, log zerolog.Logger) *DeliveryCounterStore {
	return &DeliveryCounterStore{db: db, log: log.With().Str("repo", "delivery_counters").Logger()}
}

// CountToday returns how many deliveries subscriberID has already had today (UTC).
func (s *DeliveryCounterStore) CountToday(ctx context.Context, subscriberID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM delivery_counters WHERE subscriber_id = ? AND day = ?
	`, subscriberID, now.UTC().Format(dateFormat)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to query daily delivery count")
	}
	return count, nil
}

// Increment bumps today's (UTC) counter for subscriberID by one.
func (s *DeliveryCounterStore) Increment(ctx context.Context, subscriberID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_counters (subscriber_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT (subscriber_id, day) DO UPDATE SET count = count + 1
	`, subscriberID, now.UTC().Format(dateFormat))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to increment daily delivery count")
	}
	return nil
}
