// Package signal implements the Signal Generator (SG): fuses PC and TA
// output into a canonical Signal with confidence, strength, SL/TP, R:R,
// and a position-size hint (spec §4.2).
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/config"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/hhp"
	"github.com/aristath/fxsignal/internal/predictor"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/technical"
)

// mlAcceptanceDefault is the minimum PC confidence to prefer ML over TA
// when Tunables aren't supplied (spec §4.2 step 3).
const mlAcceptanceDefault = 0.6

// Generator is SG.
type Generator struct {
	hhp       *hhp.Provider
	predictor *predictor.Client
	signals   *store.SignalStore
	tunables  config.Tunables
	log       zerolog.Logger
}

// New builds SG from its HHP and PC dependencies, the signal audit
// repository, and the tunable thresholds config.Tunables exposes.
func New(h *hhp.Provider, pc *predictor.Client, signals *store.SignalStore, tunables config.Tunables, log zerolog.Logger) *Generator {
	return &Generator{hhp: h, predictor: pc, signals: signals, tunables: tunables, log: log.With().Str("component", "signal").Logger()}
}

// ErrNoSignal is returned when SG has insufficient data or every source
// fails (spec §4.2's "NoSignal" sentinel).
var ErrNoSignal = apperr.New(apperr.Validation, "no signal: insufficient data or all sources failed")

// Generate runs the full SG procedure for instrument (spec §4.2 steps 1-9).
func (g *Generator) Generate(ctx context.Context, inst domain.Instrument) (domain.Signal, error) {
	n := technical.Warmup
	result, err := g.hhp.GetRecent(ctx, inst, n)
	if err != nil {
		return domain.Signal{}, apperr.Wrap(apperr.Internal, err, "HHP call failed")
	}
	if result.InsufficientData {
		return domain.Signal{}, ErrNoSignal
	}

	snapshot, err := technical.Compute(result.Candles)
	if err != nil {
		// TA's own guard (insufficient data / ATR=0) recovers locally to NoSignal.
		g.log.Debug().Err(err).Str("instrument", inst.Key()).Msg("TA guard tripped, no signal")
		return domain.Signal{}, ErrNoSignal
	}

	direction, confidence, source, modelVersion := g.fuse(ctx, inst, result.Candles, snapshot)
	action := domain.ActionFor(direction)

	entry := result.Candles[len(result.Candles)-1].Close
	now := time.Now().UTC()

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return domain.Signal{}, apperr.Wrap(apperr.Internal, err, "failed to marshal technical snapshot")
	}

	sig := domain.Signal{
		GeneratedAt:         now,
		ID:                  uuid.NewString(),
		ModelVersion:        modelVersion,
		TechnicalSnapshot:   snapshotJSON,
		Instrument:          inst,
		Action:              action,
		Strength:            domain.BinStrength(confidence),
		Source:              source,
		Confidence:          confidence,
		EntryPrice:          entry,
		PositionSizeHintPct: positionSizeHint(confidence),
	}
	sig.ExpiresAt = g.tunables.ExpiryFor(inst.Timeframe, now)

	g.applyGeometry(&sig, snapshot.ATR14)

	if err := sig.ValidateGeometry(); err != nil {
		return domain.Signal{}, apperr.Wrap(apperr.Internal, err, "signal geometry invariant violated")
	}

	if err := g.signals.Insert(ctx, sig); err != nil {
		return domain.Signal{}, apperr.Wrap(apperr.Internal, err, "failed to persist signal")
	}

	return sig, nil
}

// fuse implements step 3: prefer PC when it succeeds above the acceptance
// threshold, otherwise fall back to TA's majority vote.
func (g *Generator) fuse(ctx context.Context, inst domain.Instrument, candles []domain.Candle, snapshot technical.Snapshot) (domain.Direction, float64, domain.SignalSource, string) {
	threshold := g.tunables.MLAcceptanceConfidence
	if threshold == 0 {
		threshold = mlAcceptanceDefault
	}

	pred, err := g.predictor.Predict(ctx, inst, candles)
	if err != nil {
		g.log.Debug().Err(err).Str("instrument", inst.Key()).Msg("PC call failed, falling back to TA")
		return snapshot.VoteDirection, snapshot.VoteConfidence, domain.SourceTechnical, ""
	}
	if pred.Confidence < threshold {
		return snapshot.VoteDirection, snapshot.VoteConfidence, domain.SourceTechnical, ""
	}
	return pred.Direction, pred.Confidence, domain.SourceML, pred.ModelVersion
}

// applyGeometry derives SL/TP per step 5's deterministic formula and
// writes R:R, mutating sig in place.
func (g *Generator) applyGeometry(sig *domain.Signal, atr float64) {
	ksl := g.tunables.ATRStopLossMultiplier
	if ksl == 0 {
		ksl = 1.5
	}
	p := g.tunables.MinStopLossPct
	if p == 0 {
		p = 0.001
	}
	r := g.tunables.RiskRewardMultiplier
	if r == 0 {
		r = 2.0
	}

	if sig.Action == domain.ActionHold {
		sig.StopLoss = sig.EntryPrice
		sig.TakeProfit = sig.EntryPrice
		sig.RiskRewardRatio = 0
		return
	}

	slDistance := ksl * atr
	if floorDistance := p * sig.EntryPrice; floorDistance > slDistance {
		slDistance = floorDistance
	}
	tpDistance := r * slDistance

	switch sig.Action {
	case domain.ActionBuy:
		sig.StopLoss = sig.EntryPrice - slDistance
		sig.TakeProfit = sig.EntryPrice + tpDistance
	case domain.ActionSell:
		sig.StopLoss = sig.EntryPrice + slDistance
		sig.TakeProfit = sig.EntryPrice - tpDistance
	}
	sig.RiskRewardRatio = r
}

// positionSizeHint implements step 7: clamp(2*confidence, 0.25, 5.0)%.
func positionSizeHint(confidence float64) float64 {
	hint := 2 * confidence
	if hint < 0.25 {
		return 0.25
	}
	if hint > 5.0 {
		return 5.0
	}
	return hint
}

// RenderChange is DF's default Renderer: a plain-text summary of a change
// event and the signal that triggered it, suitable for a webhook body.
func RenderChange(change domain.SignalChangeEvent, sig domain.Signal) string {
	return fmt.Sprintf(
		"%s %s %s -> %s (confidence %.2f, strength %s) entry=%.5f sl=%.5f tp=%.5f r:r=%.2f",
		change.Instrument.String(), change.Reason, change.PriorAction, change.NewAction,
		sig.Confidence, sig.Strength, sig.EntryPrice, sig.StopLoss, sig.TakeProfit, sig.RiskRewardRatio,
	)
}
