package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/subscriptions"
	fxtesting "github.com/aristath/fxsignal/internal/testing"
)

type recordingDeliverer struct {
	calls   int
	outcome Result
	err     error
}

func (d *recordingDeliverer) Deliver(ctx context.Context, subscriber domain.Subscriber, rendered string) (Result, error) {
	d.calls++
	return d.outcome, d.err
}

func newFilter(t *testing.T) (*Filter, *subscriptions.Registry) {
	t.Helper()
	subsDB, subsCleanup := fxtesting.NewTestDB(t, "subscriptions")
	t.Cleanup(subsCleanup)
	stateDB, stateCleanup := fxtesting.NewTestDB(t, "changestate")
	t.Cleanup(stateCleanup)

	registry := subscriptions.New(subsDB.Conn(), zerolog.Nop())
	states := store.NewInstrumentStateStore(stateDB.Conn(), zerolog.Nop())
	counters := store.NewDeliveryCounterStore(subsDB.Conn(), zerolog.Nop())

	render := func(change domain.SignalChangeEvent, sig domain.Signal) string { return string(sig.Action) }
	return New(registry, states, counters, render, zerolog.Nop()), registry
}

func seedSubscription(t *testing.T, registry *subscriptions.Registry, inst domain.Instrument, filter domain.Filter, prefs domain.SubscriberPreferences) domain.Subscriber {
	t.Helper()
	ctx := context.Background()
	sub, err := registry.ResolveSubscriber(ctx, domain.SubscriberChatDM, "telegram:1", prefs)
	require.NoError(t, err)
	_, err = registry.Subscribe(ctx, sub.ID, inst, filter)
	require.NoError(t, err)
	return sub
}

func seedFirstSignal(t *testing.T, states *store.InstrumentStateStore, sig domain.Signal) {
	t.Helper()
	require.NoError(t, states.UpdateLastSignal(context.Background(), sig.Instrument, sig, time.Now().UTC()))
}

func TestProcess_AcceptsAndDelivers(t *testing.T) {
	f, registry := newFilter(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	seedSubscription(t, registry, inst, domain.Filter{MinConfidence: 0.5, AllowedActions: []domain.Action{domain.ActionBuy}}, domain.SubscriberPreferences{})

	sig := domain.Signal{Instrument: inst, Action: domain.ActionBuy, Confidence: 0.8, Strength: domain.StrengthStrong}
	change := domain.SignalChangeEvent{Reason: domain.ReasonFirst, Instrument: inst}

	d := &recordingDeliverer{outcome: Result{Outcome: OutcomeOK}}
	err := f.Process(context.Background(), change, sig, map[domain.SubscriberKind]Deliverer{domain.SubscriberChatDM: d})
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)
}

func TestProcess_FilterRejectsLowConfidence(t *testing.T) {
	f, registry := newFilter(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	seedSubscription(t, registry, inst, domain.Filter{MinConfidence: 0.9}, domain.SubscriberPreferences{})

	sig := domain.Signal{Instrument: inst, Action: domain.ActionBuy, Confidence: 0.5, Strength: domain.StrengthModerate}
	change := domain.SignalChangeEvent{Reason: domain.ReasonFirst, Instrument: inst}

	d := &recordingDeliverer{outcome: Result{Outcome: OutcomeOK}}
	err := f.Process(context.Background(), change, sig, map[domain.SubscriberKind]Deliverer{domain.SubscriberChatDM: d})
	require.NoError(t, err)
	assert.Equal(t, 0, d.calls)
}

func TestProcess_CooldownDropsNonReversalRepeat(t *testing.T) {
	f, registry := newFilter(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	seedSubscription(t, registry, inst, domain.Filter{}, domain.SubscriberPreferences{})

	sig := domain.Signal{Instrument: inst, Action: domain.ActionBuy, Confidence: 0.8, Strength: domain.StrengthStrong}
	change := domain.SignalChangeEvent{Reason: domain.ReasonActionChange, Instrument: inst}

	d := &recordingDeliverer{outcome: Result{Outcome: OutcomeOK}}
	deliverers := map[domain.SubscriberKind]Deliverer{domain.SubscriberChatDM: d}

	require.NoError(t, f.Process(context.Background(), change, sig, deliverers))
	assert.Equal(t, 1, d.calls)

	// Same instrument/action again, not a reversal: cooldown should drop it.
	require.NoError(t, f.Process(context.Background(), change, sig, deliverers))
	assert.Equal(t, 1, d.calls, "second delivery within cooldown window must be dropped")
}

func TestProcess_ReversalBypassesCooldown(t *testing.T) {
	f, registry := newFilter(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	seedSubscription(t, registry, inst, domain.Filter{}, domain.SubscriberPreferences{})

	sig := domain.Signal{Instrument: inst, Action: domain.ActionBuy, Confidence: 0.8, Strength: domain.StrengthStrong}
	first := domain.SignalChangeEvent{Reason: domain.ReasonActionChange, Instrument: inst}
	reversal := domain.SignalChangeEvent{Reason: domain.ReasonReversal, Instrument: inst}

	d := &recordingDeliverer{outcome: Result{Outcome: OutcomeOK}}
	deliverers := map[domain.SubscriberKind]Deliverer{domain.SubscriberChatDM: d}

	require.NoError(t, f.Process(context.Background(), first, sig, deliverers))
	require.NoError(t, f.Process(context.Background(), reversal, sig, deliverers))
	assert.Equal(t, 2, d.calls)
}

func TestProcess_RetriesThenDropsOnPersistentFailure(t *testing.T) {
	f, registry := newFilter(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	seedSubscription(t, registry, inst, domain.Filter{}, domain.SubscriberPreferences{})

	sig := domain.Signal{Instrument: inst, Action: domain.ActionBuy, Confidence: 0.8, Strength: domain.StrengthStrong}
	change := domain.SignalChangeEvent{Reason: domain.ReasonFirst, Instrument: inst}

	d := &recordingDeliverer{outcome: Result{Outcome: OutcomeRetry, RetryAfter: time.Millisecond}}
	err := f.Process(context.Background(), change, sig, map[domain.SubscriberKind]Deliverer{domain.SubscriberChatDM: d})
	require.NoError(t, err)
	assert.Equal(t, 3, d.calls, "must attempt exactly 3 times before dropping")
}
