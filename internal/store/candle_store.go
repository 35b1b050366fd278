// Package store implements the Market Data Store (MDS): the SQLite
// repository of OHLCV candles, upserted by (pair, timeframe, timestamp),
// that backs HHP, the signal generator,
// and the technical indicator pipeline.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// CandleStore persists candles keyed by (pair, timeframe, timestamp).
type CandleStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCandleStore wraps an already-migrated *sql.DB for the candles database.
func NewCandleStore(db *sql.DB, log zerolog.Logger) *CandleStore {
	return &CandleStore{db: db, log: log.With().Str("repo", "candles").Logger()}
}

// Upsert inserts a candle, overwriting any existing row for the same
// (pair, timeframe, timestamp) key. Source providers are allowed to
// re-report a bar (e.g. a closing-price revision); the latest write wins,
// per spec §3's primary-key uniqueness invariant.
func (s *CandleStore) Upsert(ctx context.Context, c domain.Candle) error {
	if err := c.ValidateOHLC(); err != nil {
		return apperr.Wrap(apperr.Validation, err, "candle failed OHLC invariant")
	}

	query := `
		INSERT INTO candles (pair, timeframe, timestamp, source, open, high, low, close, volume, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair, timeframe, timestamp) DO UPDATE SET
			source = excluded.source,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			fetched_at = excluded.fetched_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.Pair, string(c.Timeframe), c.Timestamp.UTC().Format(time.RFC3339),
		c.Source, c.Open, c.High, c.Low, c.Close, c.Volume,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to upsert candle")
	}
	return nil
}

// UpsertBatch upserts many candles within a single transaction, used by the
// collector's backfill path to avoid one transaction per bar.
func (s *CandleStore) UpsertBatch(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to begin candle batch transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (pair, timeframe, timestamp, source, open, high, low, close, volume, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair, timeframe, timestamp) DO UPDATE SET
			source = excluded.source,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			fetched_at = excluded.fetched_at
	`)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to prepare candle batch statement")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range candles {
		if err := c.ValidateOHLC(); err != nil {
			return apperr.Wrap(apperr.Validation, err, "candle failed OHLC invariant")
		}
		if _, err := stmt.ExecContext(ctx,
			c.Pair, string(c.Timeframe), c.Timestamp.UTC().Format(time.RFC3339),
			c.Source, c.Open, c.High, c.Low, c.Close, c.Volume, now,
		); err != nil {
			return apperr.Wrap(apperr.Internal, err, "failed to upsert candle in batch")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to commit candle batch")
	}
	return nil
}

// Latest returns the n most recent candles for an instrument, oldest first
// (the ordering TA indicator computation expects).
func (s *CandleStore) Latest(ctx context.Context, inst domain.Instrument, n int) ([]domain.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, timeframe, timestamp, source, open, high, low, close, volume
		FROM candles
		WHERE pair = ? AND timeframe = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, inst.Pair, string(inst.Timeframe), n)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to query latest candles")
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// Range returns candles for an instrument within [from, to], chronological order.
func (s *CandleStore) Range(ctx context.Context, inst domain.Instrument, from, to time.Time) ([]domain.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, timeframe, timestamp, source, open, high, low, close, volume
		FROM candles
		WHERE pair = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, inst.Pair, string(inst.Timeframe), from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to query candle range")
	}
	defer rows.Close()

	return scanCandles(rows)
}

// MostRecentTimestamp returns the timestamp of the newest stored candle for
// an instrument, used by the collector to compute the incremental-fetch
// window. Returns the zero Time and ok=false if no candles are stored yet.
func (s *CandleStore) MostRecentTimestamp(ctx context.Context, inst domain.Instrument) (time.Time, bool, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM candles WHERE pair = ? AND timeframe = ?
	`, inst.Pair, string(inst.Timeframe)).Scan(&ts)
	if err != nil {
		return time.Time{}, false, apperr.Wrap(apperr.Internal, err, "failed to query most recent candle timestamp")
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, false, nil
	}
	parsed, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, false, apperr.Wrap(apperr.Internal, err, "failed to parse stored candle timestamp")
	}
	return parsed, true, nil
}

func scanCandles(rows *sql.Rows) ([]domain.Candle, error) {
	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var tf string
		var ts string
		if err := rows.Scan(&c.Pair, &tf, &ts, &c.Source, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan candle row")
		}
		c.Timeframe = domain.Timeframe(tf)
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, fmt.Sprintf("failed to parse candle timestamp %q", ts))
		}
		c.Timestamp = parsed
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "error iterating candle rows")
	}
	return candles, nil
}
