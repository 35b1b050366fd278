// Package hhp implements the Hybrid Historical Provider (HHP): the
// component every downstream consumer (TA, SG) calls for "N recent
// candles", composing MDS, UF, and CL per spec §4.1's algorithm.
package hhp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/cache"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/upstream"
)

// latestFetchDeadline bounds UF's concurrent "exactly 1 latest candle"
// call (spec §4.1 step 2: "hard timeout 1-2s").
const latestFetchDeadline = 2 * time.Second

// Result is HHP's response envelope: the candle series plus the
// freshness hints callers use to decide whether to proceed (spec §4.1).
type Result struct {
	Candles          []domain.Candle
	Stale            bool
	InsufficientData bool
}

// Provider is HHP.
type Provider struct {
	candles *store.CandleStore
	fetcher *upstream.Fetcher
	cache   cache.Cache
	log     zerolog.Logger
}

// New builds HHP from its three dependencies.
func New(candles *store.CandleStore, fetcher *upstream.Fetcher, c cache.Cache, log zerolog.Logger) *Provider {
	return &Provider{candles: candles, fetcher: fetcher, cache: c, log: log.With().Str("component", "hhp").Logger()}
}

func cacheKey(inst domain.Instrument, n int) string {
	return fmt.Sprintf("hist:%s:%d", inst.Key(), n)
}

// cacheTTL is one-third of the timeframe, capped at 30s (spec §4.1 step 5).
func cacheTTL(tf domain.Timeframe) time.Duration {
	third := tf.Duration() / 3
	if third > 30*time.Second {
		return 30 * time.Second
	}
	return third
}

// GetRecent returns the n most recent candles for instrument, ascending by
// timestamp, per spec §4.1's contract.
func (p *Provider) GetRecent(ctx context.Context, inst domain.Instrument, n int) (Result, error) {
	if n <= 0 {
		return Result{}, apperr.New(apperr.Validation, "n must be positive")
	}

	key := cacheKey(inst, n)
	if cached, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		var res Result
		if err := msgpack.Unmarshal(cached, &res); err == nil {
			return res, nil
		}
	}

	// Step 2: concurrently request UF's single latest candle with a hard
	// sub-deadline, independent of the caller's own deadline.
	type ufResult struct {
		candle domain.Candle
		err    error
	}
	ufCh := make(chan ufResult, 1)
	go func() {
		ufCtx, cancel := context.WithTimeout(ctx, latestFetchDeadline)
		defer cancel()
		c, err := p.fetcher.FetchLatest(ufCtx, inst)
		ufCh <- ufResult{candle: c, err: err}
	}()

	// Step 1, while UF is in flight: read the latest n-1 from MDS, newest
	// first internally but Latest already returns chronological order.
	mdsCandles, err := p.candles.Latest(ctx, inst, n-1)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, err, "MDS read failed, HHP has no data source")
	}

	var mdsMax time.Time
	if len(mdsCandles) > 0 {
		mdsMax = mdsCandles[len(mdsCandles)-1].Timestamp
	}

	stale := false
	candles := mdsCandles
	uf := <-ufCh
	if uf.err != nil {
		// Step: UF failure downgrades to MDS-only (non-fatal).
		p.log.Debug().Err(uf.err).Str("instrument", inst.Key()).Msg("UF latest-candle fetch failed, serving MDS-only")
		stale = true
	} else if err := uf.candle.ValidateOHLC(); err != nil {
		// Step 4: reject silently (log and drop) on invariant violation.
		p.log.Warn().Err(err).Str("instrument", inst.Key()).Msg("UF candle failed OHLC validation, dropping")
		stale = true
	} else if uf.candle.Timestamp.After(mdsMax) {
		candles = append(candles, uf.candle)
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.candles.Upsert(bgCtx, uf.candle); err != nil {
				p.log.Warn().Err(err).Str("instrument", inst.Key()).Msg("async MDS upsert of UF candle failed")
			}
		}()
	} else {
		stale = true
	}

	insufficient := len(candles) < n
	result := Result{Candles: candles, Stale: stale, InsufficientData: insufficient}

	if encoded, err := msgpack.Marshal(result); err == nil {
		if err := p.cache.Set(ctx, key, encoded, cacheTTL(inst.Timeframe)); err != nil {
			p.log.Debug().Err(err).Msg("failed to cache HHP result")
		}
	}

	return result, nil
}
