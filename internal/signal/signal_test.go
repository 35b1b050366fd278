package signal

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

	"github.com/aristath/fxsignal/internal/cache"
	"github.com/aristath/fxsignal/internal/config"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/hhp"
	"github.com/aristath/fxsignal/internal/predictor"
	"github.com/aristath/fxsignal/internal/store"
	fxtesting "github.com/aristath/fxsignal/internal/testing"
	"github.com/aristath/fxsignal/internal/technical"
	"github.com/aristath/fxsignal/internal/upstream"
)

type predictorResponse struct {
	Direction    string  `json:"direction"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

func seedUptrend(t *testing.T, candleStore *store.CandleStore, inst domain.Instrument, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 1.10
	candles := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = domain.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Pair:      inst.Pair, Timeframe: inst.Timeframe, Source: "test",
			Open: price, High: price + 0.002, Low: price - 0.002, Close: price, Volume: 100,
		}
		price += 0.0008
	}
	require.NoError(t, candleStore.UpsertBatch(context.Background(), candles))
}

func newGenerator(t *testing.T, predictorHandler http.HandlerFunc) (*Generator, domain.Instrument, func()) {
	t.Helper()
	db, cleanup := fxtesting.NewTestDB(t, "candles")
	changeDB, changeCleanup := fxtesting.NewTestDB(t, "changestate")

	var predictorSrv *httptest.Server
	if predictorHandler != nil {
		predictorSrv = httptest.NewServer(predictorHandler)
	}
	predictorURL := ""
	if predictorSrv != nil {
		predictorURL = predictorSrv.URL
	}

	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	candleStore := store.NewCandleStore(db.Conn(), zerolog.Nop())
	seedUptrend(t, candleStore, inst, technical.Warmup+5)

	fetcher := upstream.NewFetcher(upstream.Config{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	h := hhp.New(candleStore, fetcher, cache.NewInMemory(), zerolog.Nop())
	pc := predictor.New(predictorURL, zerolog.Nop())
	signals := store.NewSignalStore(changeDB.Conn(), zerolog.Nop())

	g := New(h, pc, signals, config.DefaultTunables(), zerolog.Nop())

	teardown := func() {
		cleanup()
		changeCleanup()
		if predictorSrv != nil {
			predictorSrv.Close()
		}
	}
	return g, inst, teardown
}

func TestGenerate_HighConfidenceMLAcceptedAsStrongBuy(t *testing.T) {
	g, inst, teardown := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(predictorResponse{Direction: "long", Confidence: 0.82, ModelVersion: "v3"})
	})
	defer teardown()

	sig, err := g.Generate(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBuy, sig.Action)
	assert.Equal(t, domain.SourceML, sig.Source)
	assert.Equal(t, domain.StrengthStrong, sig.Strength)
	assert.Equal(t, "v3", sig.ModelVersion)
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
	assert.Less(t, sig.EntryPrice, sig.TakeProfit)
	assert.InDelta(t, 2.0, sig.RiskRewardRatio, 1e-9)
}

func TestGenerate_LowConfidenceMLFallsBackToTA(t *testing.T) {
	g, inst, teardown := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(predictorResponse{Direction: "short", Confidence: 0.4, ModelVersion: "v3"})
	})
	defer teardown()

	sig, err := g.Generate(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceTechnical, sig.Source)
	// The seeded series is a monotonic uptrend, so TA's vote is long/buy
	// regardless of the predictor's low-confidence short call.
	assert.Equal(t, domain.ActionBuy, sig.Action)
}

func TestGenerate_PredictorUnreachableFallsBackToTA(t *testing.T) {
	g, inst, teardown := newGenerator(t, nil)
	defer teardown()

	sig, err := g.Generate(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceTechnical, sig.Source)
	assert.Equal(t, domain.ActionBuy, sig.Action)
}
