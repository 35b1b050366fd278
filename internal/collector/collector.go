// Package collector implements the Data Collector (DC): incremental candle
// sync alongside the signal tick, plus a one-shot historical backfill,
// both drawing from UF's shared token bucket (spec §4.8).
package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/upstream"
)

// incrementalWindow is how many of the most recent candles DC re-fetches
// and upserts every signal tick (spec §4.8: "fetch the last 5 candles").
const incrementalWindow = 5

// backfillBatchSize is the max rows per MDS write during a backfill (spec
// §4.8: "upserting in batches (≤ 1000 rows per write)").
const backfillBatchSize = 1000

// Collector is DC.
type Collector struct {
	candles *store.CandleStore
	fetcher *upstream.Fetcher
	log     zerolog.Logger
}

// New builds DC over MDS and the shared UF fetcher.
func New(candles *store.CandleStore, fetcher *upstream.Fetcher, log zerolog.Logger) *Collector {
	return &Collector{candles: candles, fetcher: fetcher, log: log.With().Str("component", "collector").Logger()}
}

// SyncIncremental fetches the most recent candles for instrument from UF
// and idempotently upserts them into MDS. A single upstream failure is
// logged and treated as non-fatal; it just means this tick stays stale.
func (c *Collector) SyncIncremental(ctx context.Context, inst domain.Instrument) error {
	now := time.Now().UTC()
	from := now.Add(-time.Duration(incrementalWindow) * inst.Timeframe.Duration())

	candles, err := c.fetcher.FetchRange(ctx, inst, from, now)
	if err != nil {
		c.log.Debug().Err(err).Str("instrument", inst.Key()).Msg("incremental sync fetch failed")
		return nil
	}

	valid, skipped := filterValid(candles)
	if skipped > 0 {
		c.log.Warn().Str("instrument", inst.Key()).Int("skipped", skipped).Msg("dropped invalid candles during incremental sync")
	}
	if len(valid) == 0 {
		return nil
	}

	if err := c.candles.UpsertBatch(ctx, valid); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to upsert incremental candles")
	}
	return nil
}

// BackfillResult summarizes one backfill(instrument, days) run.
type BackfillResult struct {
	Inserted int
	Skipped  int
}

// Backfill paginates UF's range endpoint across [now-days, now] in
// timeframe-sized windows sized to stay within backfillBatchSize per write,
// dropping OHLC-invalid candles and counting them (spec §4.8).
func (c *Collector) Backfill(ctx context.Context, inst domain.Instrument, days int) (BackfillResult, error) {
	if days <= 0 {
		return BackfillResult{}, apperr.New(apperr.Validation, "backfill days must be positive")
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	windowDuration := inst.Timeframe.Duration() * backfillBatchSize
	if windowDuration <= 0 {
		return BackfillResult{}, apperr.New(apperr.Validation, "instrument timeframe has no duration")
	}

	var result BackfillResult
	for windowStart := start; windowStart.Before(end); windowStart = windowStart.Add(windowDuration) {
		windowEnd := windowStart.Add(windowDuration)
		if windowEnd.After(end) {
			windowEnd = end
		}

		candles, err := c.fetcher.FetchRange(ctx, inst, windowStart, windowEnd)
		if err != nil {
			return result, apperr.Wrap(apperr.Upstream, err, "backfill range fetch failed")
		}

		valid, skipped := filterValid(candles)
		result.Skipped += skipped
		if len(valid) == 0 {
			continue
		}

		if err := c.candles.UpsertBatch(ctx, valid); err != nil {
			return result, apperr.Wrap(apperr.Internal, err, "failed to upsert backfill batch")
		}
		result.Inserted += len(valid)
	}

	c.log.Info().Str("instrument", inst.Key()).Int("inserted", result.Inserted).Int("skipped", result.Skipped).Msg("backfill complete")
	return result, nil
}

// filterValid drops candles that violate the OHLC invariant, returning the
// survivors and a count of what was dropped.
func filterValid(candles []domain.Candle) ([]domain.Candle, int) {
	valid := make([]domain.Candle, 0, len(candles))
	skipped := 0
	for _, candle := range candles {
		if err := candle.ValidateOHLC(); err != nil {
			skipped++
			continue
		}
		valid = append(valid, candle)
	}
	return valid, skipped
}
