package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fxsignal/internal/cache"
	"github.com/aristath/fxsignal/internal/changedetect"
	"github.com/aristath/fxsignal/internal/config"
	"github.com/aristath/fxsignal/internal/delivery"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/hhp"
	"github.com/aristath/fxsignal/internal/notify"
	"github.com/aristath/fxsignal/internal/position"
	"github.com/aristath/fxsignal/internal/predictor"
	"github.com/aristath/fxsignal/internal/signal"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/subscriptions"
	fxtesting "github.com/aristath/fxsignal/internal/testing"
	"github.com/aristath/fxsignal/internal/upstream"
)

// testServer bundles a real *Server over temp-file SQLite stores, the
// same store split cmd/server/main.go wires, so handler tests exercise the
// actual pipeline rather than mocks.
type testServer struct {
	srv       *Server
	candles   *store.CandleStore
	positions *store.PositionStore
	registry  *subscriptions.Registry
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithUpstream(t, "")
}

// newTestServerWithUpstream builds a test server whose Upstream Fetcher
// targets upstreamURL (typically an httptest.Server mocking the remote
// quote provider). An empty upstreamURL leaves UF unreachable, which is
// the desired behavior for tests asserting HHP's MDS-only fallback.
func newTestServerWithUpstream(t *testing.T, upstreamURL string) *testServer {
	t.Helper()
	log := zerolog.Nop()

	candlesDB, cleanup1 := fxtesting.NewTestDB(t, "candles")
	t.Cleanup(cleanup1)
	changestateDB, cleanup2 := fxtesting.NewTestDB(t, "changestate")
	t.Cleanup(cleanup2)
	subscriptionsDB, cleanup3 := fxtesting.NewTestDB(t, "subscriptions")
	t.Cleanup(cleanup3)
	positionsDB, cleanup4 := fxtesting.NewTestDB(t, "positions")
	t.Cleanup(cleanup4)

	candleStore := store.NewCandleStore(candlesDB.Conn(), log)
	signalStore := store.NewSignalStore(changestateDB.Conn(), log)
	stateStore := store.NewInstrumentStateStore(changestateDB.Conn(), log)
	counterStore := store.NewDeliveryCounterStore(subscriptionsDB.Conn(), log)
	positionStore := store.NewPositionStore(positionsDB.Conn(), log)
	registry := subscriptions.New(subscriptionsDB.Conn(), log)

	fetcher := upstream.NewFetcher(upstream.Config{BaseURL: upstreamURL, APIKey: "", DailyTokenBudget: 800}, log)
	hotCache := cache.NewInMemory()
	hhpProvider := hhp.New(candleStore, fetcher, hotCache, log)
	predictorClient := predictor.New("", log)
	generator := signal.New(hhpProvider, predictorClient, signalStore, config.Tunables{}, log)
	detector := changedetect.New(stateStore, config.Tunables{}, log)
	broker := notify.NewBroker(log)
	renderer := delivery.Renderer(signal.RenderChange)
	filter := delivery.New(registry, stateStore, counterStore, renderer, log)
	monitor := position.New(positionStore, hhpProvider, broker, log)

	srv := New(Config{
		Log:        log,
		Port:       0,
		DevMode:    true,
		Generator:  generator,
		Detector:   detector,
		Registry:   registry,
		Positions:  positionStore,
		Candles:    candleStore,
		HHP:        hhpProvider,
		Monitor:    monitor,
		Broker:     broker,
		Filter:     filter,
		Deliverers: map[domain.SubscriberKind]delivery.Deliverer{},
		Renderer:   renderer,
	})

	return &testServer{srv: srv, candles: candleStore, positions: positionStore, registry: registry}
}

// monotonicCandles builds a warmup-length run of plausible hourly candles
// for the given pair, trending gently upward.
func monotonicCandles(pair string, n int, start float64, step float64) []domain.Candle {
	out := make([]domain.Candle, n)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		open := price
		close := price + step
		high := close + 0.0005
		low := open - 0.0005
		out[i] = domain.Candle{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Pair:      pair, Timeframe: domain.Timeframe1Hour, Source: "test",
			Open: open, High: high, Low: low, Close: close, Volume: 100,
		}
		price = close
	}
	return out
}

// mockUpstream spins a tiny HTTP server standing in for the remote quote
// provider, serving a single quote one step past lastClose/lastTimestamp so
// HHP treats it as fresher than anything already in the candle store.
func mockUpstream(t *testing.T, lastTimestamp time.Time, lastClose, step float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close := lastClose + step
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"timestamp": lastTimestamp.Add(time.Hour).Format(time.RFC3339),
			"open":      lastClose,
			"high":      close + 0.0005,
			"low":       lastClose - 0.0005,
			"close":     close,
			"volume":    100,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	w := doRequest(ts.srv, "GET", "/health", nil, "")
	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}
