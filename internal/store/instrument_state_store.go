package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// InstrumentStateStore persists the change detector's per-instrument memory:
// the last signal seen and the last-notified timestamp per action.
type InstrumentStateStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewInstrumentStateStore wraps an already-migrated *sql.DB for the
// changestate database.
func NewInstrumentStateStore(db *sql.DB, log zerolog.Logger) *InstrumentStateStore {
	return &InstrumentStateStore{db: db, log: log.With().Str("repo", "instrument_state").Logger()}
}

// Get returns the current state for an instrument, or ok=false if CD has
// never seen a signal for it (the "prior = none" case of spec §4.3).
func (s *InstrumentStateStore) Get(ctx context.Context, inst domain.Instrument) (domain.InstrumentState, bool, error) {
	var lastChangeAt string
	var lastSignalID sql.NullString
	var notifiedJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT last_change_at, last_signal_id, last_notified_by_action
		FROM instrument_state WHERE pair = ? AND timeframe = ?
	`, inst.Pair, string(inst.Timeframe)).Scan(&lastChangeAt, &lastSignalID, &notifiedJSON)
	if err == sql.ErrNoRows {
		return domain.InstrumentState{}, false, nil
	}
	if err != nil {
		return domain.InstrumentState{}, false, apperr.Wrap(apperr.Internal, err, "failed to query instrument state")
	}

	parsedChange, err := time.Parse(time.RFC3339, lastChangeAt)
	if err != nil {
		return domain.InstrumentState{}, false, apperr.Wrap(apperr.Internal, err, "failed to parse last_change_at")
	}

	notified := map[domain.Action]time.Time{}
	var raw map[string]string
	if notifiedJSON != "" {
		if err := json.Unmarshal([]byte(notifiedJSON), &raw); err != nil {
			return domain.InstrumentState{}, false, apperr.Wrap(apperr.Internal, err, "failed to decode last_notified_by_action")
		}
		for action, ts := range raw {
			parsed, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return domain.InstrumentState{}, false, apperr.Wrap(apperr.Internal, err, "failed to parse notified timestamp")
			}
			notified[domain.Action(action)] = parsed
		}
	}

	state := domain.InstrumentState{
		Instrument:             inst,
		LastChangeAt:           parsedChange,
		LastNotifiedAtByAction: notified,
	}

	if lastSignalID.Valid {
		sig, err := (&SignalStore{db: s.db, log: s.log}).ByID(ctx, lastSignalID.String)
		if err != nil && apperr.KindOf(err) != apperr.NotFound {
			return domain.InstrumentState{}, false, err
		}
		if err == nil {
			state.LastSignal = &sig
		}
	}

	return state, true, nil
}

// UpdateLastSignal upserts the instrument's last-seen signal and change
// timestamp, preserving the existing last_notified_by_action map.
func (s *InstrumentStateStore) UpdateLastSignal(ctx context.Context, inst domain.Instrument, sig domain.Signal, changeAt time.Time) error {
	existing, ok, err := s.Get(ctx, inst)
	if err != nil {
		return err
	}
	notifiedJSON := "{}"
	if ok {
		encoded, err := encodeNotified(existing.LastNotifiedAtByAction)
		if err != nil {
			return err
		}
		notifiedJSON = encoded
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instrument_state (pair, timeframe, last_change_at, last_signal_id, last_notified_by_action)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (pair, timeframe) DO UPDATE SET
			last_change_at = excluded.last_change_at,
			last_signal_id = excluded.last_signal_id
	`, inst.Pair, string(inst.Timeframe), changeAt.UTC().Format(time.RFC3339), sig.ID, notifiedJSON)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to upsert instrument state")
	}
	return nil
}

// RecordNotified records, for DF's cooldown check, that instrument/action
// was just delivered at `when`. Upserts rather than requiring a prior
// instrument_state row, since DF may process a delivery for an instrument
// CD hasn't evaluated in this process's lifetime (e.g. after a restart).
func (s *InstrumentStateStore) RecordNotified(ctx context.Context, inst domain.Instrument, action domain.Action, when time.Time) error {
	existing, ok, err := s.Get(ctx, inst)
	if err != nil {
		return err
	}

	notified := existing.LastNotifiedAtByAction
	if notified == nil {
		notified = map[domain.Action]time.Time{}
	}
	notified[action] = when

	notifiedJSON, err := encodeNotified(notified)
	if err != nil {
		return err
	}

	lastChangeAt := when
	if ok {
		lastChangeAt = existing.LastChangeAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instrument_state (pair, timeframe, last_change_at, last_signal_id, last_notified_by_action)
		VALUES (?, ?, ?, NULL, ?)
		ON CONFLICT (pair, timeframe) DO UPDATE SET last_notified_by_action = excluded.last_notified_by_action
	`, inst.Pair, string(inst.Timeframe), lastChangeAt.UTC().Format(time.RFC3339), notifiedJSON)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to record notification timestamp")
	}
	return nil
}

// InsertChangeEvent appends a row to the signal_changes analytics table.
func (s *InstrumentStateStore) InsertChangeEvent(ctx context.Context, event domain.SignalChangeEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_changes (
			id, pair, timeframe, generated_at, reason,
			prior_action, new_action, strength, prior_confidence, new_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.Instrument.Pair, string(event.Instrument.Timeframe),
		event.GeneratedAt.UTC().Format(time.RFC3339), string(event.Reason),
		string(event.PriorAction), string(event.NewAction), string(event.Strength),
		event.PriorConfidence, event.NewConfidence,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to insert signal change event")
	}
	return nil
}

func encodeNotified(notified map[domain.Action]time.Time) (string, error) {
	raw := make(map[string]string, len(notified))
	for action, ts := range notified {
		raw[string(action)] = ts.UTC().Format(time.RFC3339)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "failed to encode last_notified_by_action")
	}
	return string(encoded), nil
}
