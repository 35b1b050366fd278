// Package changedetect implements the Change Detector (CD): the
// per-instrument state machine deciding whether a newly generated signal
// is worth emitting downstream (spec §4.3).
package changedetect

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/config"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/store"
)

// Detector is CD.
type Detector struct {
	states   *store.InstrumentStateStore
	tunables config.Tunables
	log      zerolog.Logger
}

// New builds CD over the instrument-state repository.
func New(states *store.InstrumentStateStore, tunables config.Tunables, log zerolog.Logger) *Detector {
	return &Detector{states: states, tunables: tunables, log: log.With().Str("component", "changedetect").Logger()}
}

// Evaluate applies the transition table from spec §4.3 to a freshly
// generated signal, returning the emitted event (ok=true) or ok=false if
// the signal doesn't qualify. On emit, it updates persisted state and
// appends an analytics row.
func (d *Detector) Evaluate(ctx context.Context, sig domain.Signal) (domain.SignalChangeEvent, bool, error) {
	state, hasPrior, err := d.states.Get(ctx, sig.Instrument)
	if err != nil {
		return domain.SignalChangeEvent{}, false, apperr.Wrap(apperr.Internal, err, "failed to load instrument state")
	}

	var event domain.SignalChangeEvent
	var emit bool

	switch {
	case !hasPrior || state.LastSignal == nil:
		event = d.buildEvent(sig, domain.ReasonFirst, "", sig.Action, 0, sig.Confidence)
		emit = true
	case isReversal(state.LastSignal.Action, sig.Action):
		event = d.buildEvent(sig, domain.ReasonReversal, state.LastSignal.Action, sig.Action, state.LastSignal.Confidence, sig.Confidence)
		emit = true
	case state.LastSignal.Action != sig.Action:
		event = d.buildEvent(sig, domain.ReasonActionChange, state.LastSignal.Action, sig.Action, state.LastSignal.Confidence, sig.Confidence)
		emit = true
	case d.isConfidenceJump(state.LastSignal, sig):
		event = d.buildEvent(sig, domain.ReasonConfidenceJump, state.LastSignal.Action, sig.Action, state.LastSignal.Confidence, sig.Confidence)
		emit = true
	}

	if !emit {
		return domain.SignalChangeEvent{}, false, nil
	}

	if err := d.states.UpdateLastSignal(ctx, sig.Instrument, sig, event.GeneratedAt); err != nil {
		return domain.SignalChangeEvent{}, false, apperr.Wrap(apperr.Internal, err, "failed to update instrument state")
	}
	if err := d.states.InsertChangeEvent(ctx, event); err != nil {
		return domain.SignalChangeEvent{}, false, apperr.Wrap(apperr.Internal, err, "failed to persist change event")
	}

	return event, true, nil
}

// isReversal reports a direct buy<->sell flip, which downstream delivery
// bypasses cooldown for (spec §4.3, §4.4).
func isReversal(prior, next domain.Action) bool {
	return (prior == domain.ActionBuy && next == domain.ActionSell) ||
		(prior == domain.ActionSell && next == domain.ActionBuy)
}

// isConfidenceJump reports whether action is unchanged but confidence moved
// by at least the configured threshold while strength stayed at moderate+.
func (d *Detector) isConfidenceJump(prior *domain.Signal, next domain.Signal) bool {
	if prior.Action != next.Action {
		return false
	}
	delta := next.Confidence - prior.Confidence
	if delta < 0 {
		delta = -delta
	}
	threshold := d.tunables.ConfidenceJumpDelta
	if threshold == 0 {
		threshold = 0.15
	}
	return delta >= threshold && next.Strength.AtLeast(domain.StrengthModerate)
}

func (d *Detector) buildEvent(sig domain.Signal, reason domain.ChangeReason, priorAction, newAction domain.Action, priorConfidence, newConfidence float64) domain.SignalChangeEvent {
	return domain.SignalChangeEvent{
		GeneratedAt:     time.Now().UTC(),
		ID:              uuid.NewString(),
		Reason:          reason,
		Instrument:      sig.Instrument,
		PriorAction:     priorAction,
		NewAction:       newAction,
		Strength:        sig.Strength,
		PriorConfidence: priorConfidence,
		NewConfidence:   newConfidence,
	}
}
