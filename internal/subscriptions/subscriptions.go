// Package subscriptions implements the Subscription Registry (SR):
// durable (subscriber, instrument) -> filter mappings and the subscriber
// identities that own them (spec §4.7).
package subscriptions

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// Registry is SR.
type Registry struct {
	db  *sql.DB
	log zerolog.Logger
}

// New wraps an already-migrated *sql.DB for the subscriptions database.
func New(db *sql.DB, log zerolog.Logger) *Registry {
	return &Registry{db: db, log: log.With().Str("component", "subscriptions").Logger()}
}

// ResolveSubscriber returns the Subscriber for (kind, platformIdentity),
// auto-provisioning one with defaulted preferences if this is the first
// time the identity is seen (spec §4.7's "Auto-provisioning").
func (r *Registry) ResolveSubscriber(ctx context.Context, kind domain.SubscriberKind, platformIdentity string, defaults domain.SubscriberPreferences) (domain.Subscriber, error) {
	sub, found, err := r.subscriberByIdentity(ctx, kind, platformIdentity)
	if err != nil {
		return domain.Subscriber{}, err
	}
	if found {
		return sub, nil
	}

	sub = domain.Subscriber{
		ID:               uuid.NewString(),
		Kind:             kind,
		PlatformIdentity: platformIdentity,
		Preferences:      defaults,
	}

	var cooldownSeconds sql.NullInt64
	if defaults.CooldownOverride != nil {
		cooldownSeconds = sql.NullInt64{Int64: int64(defaults.CooldownOverride.Seconds()), Valid: true}
	}
	var quietStart, quietEnd sql.NullInt64
	quietEnabled := 0
	if defaults.QuietHours != nil {
		quietStart = sql.NullInt64{Int64: int64(defaults.QuietHours.StartMinute), Valid: true}
		quietEnd = sql.NullInt64{Int64: int64(defaults.QuietHours.EndMinute), Valid: true}
		if defaults.QuietHours.Enabled {
			quietEnabled = 1
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscribers (
			id, kind, platform_identity, risk_level, trading_style,
			min_confidence, daily_cap, cooldown_override_seconds,
			quiet_hours_start_minute, quiet_hours_end_minute, quiet_hours_enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, string(kind), platformIdentity, defaults.RiskLevel, defaults.TradingStyle,
		defaults.MinConfidence, defaults.DailyCap, cooldownSeconds, quietStart, quietEnd, quietEnabled)
	if err != nil {
		return domain.Subscriber{}, apperr.Wrap(apperr.Internal, err, "failed to auto-provision subscriber")
	}
	return sub, nil
}

func (r *Registry) subscriberByIdentity(ctx context.Context, kind domain.SubscriberKind, platformIdentity string) (domain.Subscriber, bool, error) {
	return r.scanSubscriber(ctx, `
		SELECT id, kind, platform_identity, risk_level, trading_style,
			min_confidence, daily_cap, cooldown_override_seconds,
			quiet_hours_start_minute, quiet_hours_end_minute, quiet_hours_enabled
		FROM subscribers WHERE kind = ? AND platform_identity = ?
	`, string(kind), platformIdentity)
}

// GetSubscriber fetches a subscriber by ID, used by DF to load delivery
// preferences for a subscription it is about to evaluate.
func (r *Registry) GetSubscriber(ctx context.Context, id string) (domain.Subscriber, error) {
	sub, found, err := r.scanSubscriber(ctx, `
		SELECT id, kind, platform_identity, risk_level, trading_style,
			min_confidence, daily_cap, cooldown_override_seconds,
			quiet_hours_start_minute, quiet_hours_end_minute, quiet_hours_enabled
		FROM subscribers WHERE id = ?
	`, id)
	if err != nil {
		return domain.Subscriber{}, err
	}
	if !found {
		return domain.Subscriber{}, apperr.New(apperr.NotFound, "subscriber not found")
	}
	return sub, nil
}

func (r *Registry) scanSubscriber(ctx context.Context, query string, args ...interface{}) (domain.Subscriber, bool, error) {
	var sub domain.Subscriber
	var cooldownSeconds sql.NullInt64
	var quietStart, quietEnd sql.NullInt64
	var quietEnabled int

	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&sub.ID, (*string)(&sub.Kind), &sub.PlatformIdentity, &sub.Preferences.RiskLevel, &sub.Preferences.TradingStyle,
		&sub.Preferences.MinConfidence, &sub.Preferences.DailyCap, &cooldownSeconds,
		&quietStart, &quietEnd, &quietEnabled,
	)
	if err == sql.ErrNoRows {
		return domain.Subscriber{}, false, nil
	}
	if err != nil {
		return domain.Subscriber{}, false, apperr.Wrap(apperr.Internal, err, "failed to query subscriber")
	}

	if cooldownSeconds.Valid {
		d := time.Duration(cooldownSeconds.Int64) * time.Second
		sub.Preferences.CooldownOverride = &d
	}
	if quietStart.Valid && quietEnd.Valid {
		sub.Preferences.QuietHours = &domain.QuietHours{
			StartMinute: int(quietStart.Int64),
			EndMinute:   int(quietEnd.Int64),
			Enabled:     quietEnabled != 0,
		}
	}
	return sub, true, nil
}

// Subscribe upserts a (subscriber, instrument) -> filter mapping (spec
// §4.7's "subscribe is idempotent").
func (r *Registry) Subscribe(ctx context.Context, subscriberID string, inst domain.Instrument, filter domain.Filter) (domain.Subscription, error) {
	now := time.Now().UTC()
	actions := make([]string, len(filter.AllowedActions))
	for i, a := range filter.AllowedActions {
		actions[i] = string(a)
	}
	strongOnly := 0
	if filter.StrongOnly {
		strongOnly = 1
	}

	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, subscriber_id, pair, timeframe, allowed_actions, min_confidence, strong_only, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscriber_id, pair, timeframe) DO UPDATE SET
			allowed_actions = excluded.allowed_actions,
			min_confidence = excluded.min_confidence,
			strong_only = excluded.strong_only,
			updated_at = excluded.updated_at
	`, id, subscriberID, inst.Pair, string(inst.Timeframe), strings.Join(actions, ","), filter.MinConfidence, strongOnly,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return domain.Subscription{}, apperr.Wrap(apperr.Internal, err, "failed to upsert subscription")
	}

	return r.subscriptionByKey(ctx, subscriberID, inst)
}

func (r *Registry) subscriptionByKey(ctx context.Context, subscriberID string, inst domain.Instrument) (domain.Subscription, error) {
	var sub domain.Subscription
	var allowedCSV, createdAt, updatedAt string
	var strongOnly int

	err := r.db.QueryRowContext(ctx, `
		SELECT id, subscriber_id, pair, timeframe, allowed_actions, min_confidence, strong_only, created_at, updated_at
		FROM subscriptions WHERE subscriber_id = ? AND pair = ? AND timeframe = ?
	`, subscriberID, inst.Pair, string(inst.Timeframe)).Scan(
		&sub.ID, &sub.SubscriberID, &sub.Instrument.Pair, (*string)(&sub.Instrument.Timeframe),
		&allowedCSV, &sub.Filter.MinConfidence, &strongOnly, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Subscription{}, apperr.Wrap(apperr.Internal, err, "failed to query subscription")
	}

	sub.Filter.StrongOnly = strongOnly != 0
	sub.Filter.AllowedActions = parseActions(allowedCSV)

	parsedCreated, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return domain.Subscription{}, apperr.Wrap(apperr.Internal, err, "failed to parse created_at")
	}
	sub.CreatedAt = parsedCreated
	parsedUpdated, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return domain.Subscription{}, apperr.Wrap(apperr.Internal, err, "failed to parse updated_at")
	}
	sub.UpdatedAt = parsedUpdated

	return sub, nil
}

// Unsubscribe removes the subscription for (subscriberID, inst). If inst is
// nil, every subscription for the subscriber is removed (spec §4.7).
func (r *Registry) Unsubscribe(ctx context.Context, subscriberID string, inst *domain.Instrument) error {
	var err error
	if inst == nil {
		_, err = r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscriber_id = ?`, subscriberID)
	} else {
		_, err = r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscriber_id = ? AND pair = ? AND timeframe = ?`,
			subscriberID, inst.Pair, string(inst.Timeframe))
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to remove subscription(s)")
	}
	return nil
}

// List returns every subscription owned by subscriberID.
func (r *Registry) List(ctx context.Context, subscriberID string) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subscriber_id, pair, timeframe, allowed_actions, min_confidence, strong_only, created_at, updated_at
		FROM subscriptions WHERE subscriber_id = ?
		ORDER BY pair, timeframe
	`, subscriberID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to list subscriptions")
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var allowedCSV, createdAt, updatedAt string
		var strongOnly int
		if err := rows.Scan(&sub.ID, &sub.SubscriberID, &sub.Instrument.Pair, (*string)(&sub.Instrument.Timeframe),
			&allowedCSV, &sub.Filter.MinConfidence, &strongOnly, &createdAt, &updatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan subscription row")
		}
		sub.Filter.StrongOnly = strongOnly != 0
		sub.Filter.AllowedActions = parseActions(allowedCSV)
		parsedCreated, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to parse created_at")
		}
		sub.CreatedAt = parsedCreated
		parsedUpdated, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to parse updated_at")
		}
		sub.UpdatedAt = parsedUpdated
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "error iterating subscription rows")
	}
	return out, nil
}

// SubscribersFor returns every subscription across all subscribers for a
// given instrument, used by NB/DF to fan a signal out to its audience.
func (r *Registry) SubscribersFor(ctx context.Context, inst domain.Instrument) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subscriber_id, pair, timeframe, allowed_actions, min_confidence, strong_only, created_at, updated_at
		FROM subscriptions WHERE pair = ? AND timeframe = ?
	`, inst.Pair, string(inst.Timeframe))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to query subscribers for instrument")
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var allowedCSV, createdAt, updatedAt string
		var strongOnly int
		if err := rows.Scan(&sub.ID, &sub.SubscriberID, &sub.Instrument.Pair, (*string)(&sub.Instrument.Timeframe),
			&allowedCSV, &sub.Filter.MinConfidence, &strongOnly, &createdAt, &updatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan subscription row")
		}
		sub.Filter.StrongOnly = strongOnly != 0
		sub.Filter.AllowedActions = parseActions(allowedCSV)
		parsedCreated, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to parse created_at")
		}
		sub.CreatedAt = parsedCreated
		parsedUpdated, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to parse updated_at")
		}
		sub.UpdatedAt = parsedUpdated
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "error iterating subscription rows")
	}
	return out, nil
}

// DistinctInstruments returns every (pair, timeframe) with at least one
// subscription, in deterministic (pair, timeframe) order, used by SCH to
// discover the signal tick's working set (spec §4.5: "for each configured
// (pair, timeframe)").
func (r *Registry) DistinctInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT pair, timeframe FROM subscriptions ORDER BY pair, timeframe
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to query distinct subscribed instruments")
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var inst domain.Instrument
		if err := rows.Scan(&inst.Pair, (*string)(&inst.Timeframe)); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan distinct instrument row")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "error iterating distinct instrument rows")
	}
	return out, nil
}

func parseActions(csv string) []domain.Action {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]domain.Action, len(parts))
	for i, p := range parts {
		out[i] = domain.Action(p)
	}
	return out
}
