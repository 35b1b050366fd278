package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// SignalStore persists generated signals for audit and later inspection.
type SignalStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSignalStore wraps an already-migrated *sql.DB for the changestate database.
func NewSignalStore(db *sql.DB, log zerolog.Logger) *SignalStore {
	return &SignalStore{db: db, log: log.With().Str("repo", "signals").Logger()}
}

// Insert persists sig. Signal IDs are generated by SG, so this is always a
// fresh insert, never an upsert.
func (s *SignalStore) Insert(ctx context.Context, sig domain.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (
			id, pair, timeframe, generated_at, expires_at, model_version,
			technical_snapshot, action, strength, source, confidence,
			entry_price, stop_loss, take_profit, risk_reward_ratio, position_size_hint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sig.ID, sig.Instrument.Pair, string(sig.Instrument.Timeframe),
		sig.GeneratedAt.UTC().Format(time.RFC3339), sig.ExpiresAt.UTC().Format(time.RFC3339),
		sig.ModelVersion, sig.TechnicalSnapshot, string(sig.Action), string(sig.Strength),
		string(sig.Source), sig.Confidence, sig.EntryPrice, sig.StopLoss, sig.TakeProfit,
		sig.RiskRewardRatio, sig.PositionSizeHintPct,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to insert signal")
	}
	return nil
}

// Latest returns the most recently generated signal for an instrument, or
// ok=false if none exists yet.
func (s *SignalStore) Latest(ctx context.Context, inst domain.Instrument) (domain.Signal, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pair, timeframe, generated_at, expires_at, model_version,
			technical_snapshot, action, strength, source, confidence,
			entry_price, stop_loss, take_profit, risk_reward_ratio, position_size_hint
		FROM signals
		WHERE pair = ? AND timeframe = ?
		ORDER BY generated_at DESC
		LIMIT 1
	`, inst.Pair, string(inst.Timeframe))

	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return domain.Signal{}, false, nil
	}
	if err != nil {
		return domain.Signal{}, false, apperr.Wrap(apperr.Internal, err, "failed to query latest signal")
	}
	return sig, true, nil
}

// ByID fetches a single signal by its ID.
func (s *SignalStore) ByID(ctx context.Context, id string) (domain.Signal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pair, timeframe, generated_at, expires_at, model_version,
			technical_snapshot, action, strength, source, confidence,
			entry_price, stop_loss, take_profit, risk_reward_ratio, position_size_hint
		FROM signals WHERE id = ?
	`, id)

	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return domain.Signal{}, apperr.New(apperr.NotFound, "signal not found")
	}
	if err != nil {
		return domain.Signal{}, apperr.Wrap(apperr.Internal, err, "failed to query signal by id")
	}
	return sig, nil
}

func scanSignal(row *sql.Row) (domain.Signal, error) {
	var sig domain.Signal
	var tf, action, strength, source, generatedAt, expiresAt string
	var modelVersion sql.NullString

	if err := row.Scan(
		&sig.ID, &sig.Instrument.Pair, &tf, &generatedAt, &expiresAt, &modelVersion,
		&sig.TechnicalSnapshot, &action, &strength, &source, &sig.Confidence,
		&sig.EntryPrice, &sig.StopLoss, &sig.TakeProfit, &sig.RiskRewardRatio, &sig.PositionSizeHintPct,
	); err != nil {
		return domain.Signal{}, err
	}

	sig.Instrument.Timeframe = domain.Timeframe(tf)
	sig.Action = domain.Action(action)
	sig.Strength = domain.Strength(strength)
	sig.Source = domain.SignalSource(source)
	sig.ModelVersion = modelVersion.String

	parsedGen, err := time.Parse(time.RFC3339, generatedAt)
	if err != nil {
		return domain.Signal{}, err
	}
	sig.GeneratedAt = parsedGen

	parsedExp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return domain.Signal{}, err
	}
	sig.ExpiresAt = parsedExp

	return sig, nil
}
