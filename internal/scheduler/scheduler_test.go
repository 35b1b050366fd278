package scheduler

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
	"github.com/aristath/fxsignal/internal/technical"
	"github.com/aristath/fxsignal/internal/upstream"
)

type recordingDeliverer struct {
	calls int
}

func (d *recordingDeliverer) Deliver(ctx context.Context, subscriber domain.Subscriber, rendered string) (delivery.Result, error) {
	d.calls++
	return delivery.Result{Outcome: delivery.OutcomeOK}, nil
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

func newTestScheduler(t *testing.T) (*Scheduler, *recordingDeliverer, domain.Instrument) {
	t.Helper()

	candlesDB, cleanup := fxtesting.NewTestDB(t, "candles")
	t.Cleanup(cleanup)
	changeDB, cleanup2 := fxtesting.NewTestDB(t, "changestate")
	t.Cleanup(cleanup2)
	subsDB, cleanup3 := fxtesting.NewTestDB(t, "subscriptions")
	t.Cleanup(cleanup3)
	positionsDB, cleanup4 := fxtesting.NewTestDB(t, "positions")
	t.Cleanup(cleanup4)

	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}

	predictorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct {
			Direction    string  `json:"direction"`
			Confidence   float64 `json:"confidence"`
			ModelVersion string  `json:"model_version"`
		}{Direction: "long", Confidence: 0.82, ModelVersion: "v1"})
	}))
	t.Cleanup(predictorSrv.Close)

	candleStore := store.NewCandleStore(candlesDB.Conn(), zerolog.Nop())
	seedUptrend(t, candleStore, inst, technical.Warmup+5)

	fetcher := upstream.NewFetcher(upstream.Config{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	h := hhp.New(candleStore, fetcher, cache.NewInMemory(), zerolog.Nop())
	pc := predictor.New(predictorSrv.URL, zerolog.Nop())
	signals := store.NewSignalStore(changeDB.Conn(), zerolog.Nop())
	tunables := config.DefaultTunables()

	generator := signal.New(h, pc, signals, tunables, zerolog.Nop())

	states := store.NewInstrumentStateStore(changeDB.Conn(), zerolog.Nop())
	detector := changedetect.New(states, tunables, zerolog.Nop())

	broker := notify.NewBroker(zerolog.Nop())

	registry := subscriptions.New(subsDB.Conn(), zerolog.Nop())
	counters := store.NewDeliveryCounterStore(subsDB.Conn(), zerolog.Nop())
	render := func(change domain.SignalChangeEvent, sig domain.Signal) string { return string(sig.Action) }
	filter := delivery.New(registry, states, counters, render, zerolog.Nop())

	sub, err := registry.ResolveSubscriber(context.Background(), domain.SubscriberChatDM, "telegram:42", domain.SubscriberPreferences{})
	require.NoError(t, err)
	_, err = registry.Subscribe(context.Background(), sub.ID, inst, domain.Filter{})
	require.NoError(t, err)

	d := &recordingDeliverer{}
	deliverers := map[domain.SubscriberKind]delivery.Deliverer{domain.SubscriberChatDM: d}

	positions := store.NewPositionStore(positionsDB.Conn(), zerolog.Nop())
	monitor := position.New(positions, h, broker, zerolog.Nop())

	sched := New(Config{SignalTick: SignalTick, PositionTick: PositionTick, WorkerPoolSize: 4},
		registry, generator, detector, broker, filter, deliverers, positions, monitor, zerolog.Nop())

	return sched, d, inst
}

func TestRunSignalTick_GeneratesAndDeliversFirstSignal(t *testing.T) {
	sched, d, _ := newTestScheduler(t)

	sched.runSignalTick()

	assert.Equal(t, 1, d.calls, "first signal for a subscribed instrument should be delivered")
}

func TestRunSignalTick_SkipsWhenAlreadyBusy(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	require.True(t, sched.signalBusy.TryLock())
	defer sched.signalBusy.Unlock()

	// runSignalTick should observe the lock held and return immediately
	// without blocking.
	done := make(chan struct{})
	go func() {
		sched.runSignalTick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runSignalTick did not return promptly when busy")
	}
}

func TestRunPositionTick_SkipsOnUnreachableUpstream(t *testing.T) {
	sched, _, inst := newTestScheduler(t)

	p := domain.Position{
		ID:           "pos-1",
		SubscriberID: "sub-1",
		Instrument:   inst,
		Side:         domain.SideLong,
		Status:       domain.StatusOpen,
		EntryPrice:   1.1000,
		StopLoss:     1.0950,
		TakeProfit:   1.1100,
		Size:         1.0,
		OpenedAt:     time.Now().UTC(),
	}
	require.NoError(t, sched.positions.Insert(context.Background(), p))

	sched.runPositionTick()

	reloaded, err := sched.positions.ByID(context.Background(), p.ID)
	require.NoError(t, err)
	// HHP's upstream is unreachable in this fixture, so PM falls back to
	// MDS-only with zero candles and logs rather than closing the position.
	assert.Equal(t, domain.StatusOpen, reloaded.Status)
}

func TestStartStop_RegistersCronEntriesAndDrains(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	require.NoError(t, sched.Start())
	sched.Stop()
}
