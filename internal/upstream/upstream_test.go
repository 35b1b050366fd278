package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

func TestFetcher_FetchLatest(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(quote{
			Timestamp: ts, Open: 1.10, High: 1.102, Low: 1.098, Close: 1.101, Volume: 500,
		})
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, APIKey: "test-key", DailyTokenBudget: 800}, zerolog.Nop())
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}

	candle, err := f.FetchLatest(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, ts, candle.Timestamp)
	assert.Equal(t, 1.101, candle.Close)
	assert.Equal(t, "upstream", candle.Source)
}

func TestFetcher_FetchLatest_UpstreamErrorSurfacesAsUpstreamKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, DailyTokenBudget: 800}, zerolog.Nop())
	f.http.RetryMax = 0 // fail fast instead of exercising the 3 retries in a unit test

	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	_, err := f.FetchLatest(context.Background(), inst)
	assert.Error(t, err)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
}

func TestFetcher_TokenBucketExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(quote{Timestamp: time.Now(), Close: 1.1})
	}))
	defer srv.Close()

	// Budget of 1 token/day means the bucket starts with burst=1 and refills
	// far too slowly for a second call to succeed within the 500ms wait budget.
	f := NewFetcher(Config{BaseURL: srv.URL, DailyTokenBudget: 1}, zerolog.Nop())
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}

	_, err := f.FetchLatest(context.Background(), inst)
	require.NoError(t, err)

	_, err = f.FetchLatest(context.Background(), inst)
	assert.Error(t, err)
}

func TestFetcher_FetchRange(t *testing.T) {
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]quote{
			{Timestamp: ts1, Open: 1.10, High: 1.11, Low: 1.09, Close: 1.105, Volume: 100},
			{Timestamp: ts2, Open: 1.105, High: 1.12, Low: 1.10, Close: 1.11, Volume: 120},
		})
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, DailyTokenBudget: 800}, zerolog.Nop())
	inst := domain.Instrument{Pair: "GBP/USD", Timeframe: domain.Timeframe1Day}

	candles, err := f.FetchRange(context.Background(), inst, ts1, ts2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, ts1, candles[0].Timestamp)
	assert.Equal(t, ts2, candles[1].Timestamp)
}
