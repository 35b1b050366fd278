package changedetect

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fxsignal/internal/config"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/store"
	fxtesting "github.com/aristath/fxsignal/internal/testing"
)

func newDetector(t *testing.T) (*Detector, *store.SignalStore) {
	t.Helper()
	db, cleanup := fxtesting.NewTestDB(t, "changestate")
	t.Cleanup(cleanup)

	states := store.NewInstrumentStateStore(db.Conn(), zerolog.Nop())
	signals := store.NewSignalStore(db.Conn(), zerolog.Nop())
	return New(states, config.DefaultTunables(), zerolog.Nop()), signals
}

func baseSignal(inst domain.Instrument, action domain.Action, confidence float64) domain.Signal {
	return domain.Signal{
		ID:           "sig-" + string(action),
		GeneratedAt:  time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		Instrument:   inst,
		Action:       action,
		Strength:     domain.BinStrength(confidence),
		Source:       domain.SourceTechnical,
		Confidence:   confidence,
		EntryPrice:   1.10,
		StopLoss:     1.09,
		TakeProfit:   1.12,
		RiskRewardRatio: 2.0,
	}
}

func TestEvaluate_FirstSignalAlwaysEmits(t *testing.T) {
	d, signals := newDetector(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	sig := baseSignal(inst, domain.ActionBuy, 0.8)
	require.NoError(t, signals.Insert(context.Background(), sig))

	event, emitted, err := d.Evaluate(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, emitted)
	assert.Equal(t, domain.ReasonFirst, event.Reason)
}

func TestEvaluate_ReversalBypassesEverythingElse(t *testing.T) {
	d, signals := newDetector(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	ctx := context.Background()

	first := baseSignal(inst, domain.ActionBuy, 0.8)
	require.NoError(t, signals.Insert(ctx, first))
	_, _, err := d.Evaluate(ctx, first)
	require.NoError(t, err)

	second := baseSignal(inst, domain.ActionSell, 0.8)
	second.ID = "sig-second"
	require.NoError(t, signals.Insert(ctx, second))
	event, emitted, err := d.Evaluate(ctx, second)
	require.NoError(t, err)
	require.True(t, emitted)
	assert.Equal(t, domain.ReasonReversal, event.Reason)
	assert.True(t, event.IsReversal())
}

func TestEvaluate_SameActionBelowJumpThresholdDoesNotEmit(t *testing.T) {
	d, signals := newDetector(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	ctx := context.Background()

	first := baseSignal(inst, domain.ActionBuy, 0.8)
	require.NoError(t, signals.Insert(ctx, first))
	_, _, err := d.Evaluate(ctx, first)
	require.NoError(t, err)

	second := baseSignal(inst, domain.ActionBuy, 0.82)
	second.ID = "sig-second"
	require.NoError(t, signals.Insert(ctx, second))
	_, emitted, err := d.Evaluate(ctx, second)
	require.NoError(t, err)
	assert.False(t, emitted)
}

func TestEvaluate_ConfidenceJumpEmitsWhenStrengthModeratePlus(t *testing.T) {
	d, signals := newDetector(t)
	inst := domain.Instrument{Pair: "EUR/USD", Timeframe: domain.Timeframe1Hour}
	ctx := context.Background()

	first := baseSignal(inst, domain.ActionBuy, 0.62)
	require.NoError(t, signals.Insert(ctx, first))
	_, _, err := d.Evaluate(ctx, first)
	require.NoError(t, err)

	second := baseSignal(inst, domain.ActionBuy, 0.85)
	second.ID = "sig-second"
	require.NoError(t, signals.Insert(ctx, second))
	event, emitted, err := d.Evaluate(ctx, second)
	require.NoError(t, err)
	require.True(t, emitted)
	assert.Equal(t, domain.ReasonConfidenceJump, event.Reason)
}
