// Package delivery implements the Delivery Filter (DF): the per-subscriber
// acceptance pipeline applied before a change event reaches a delivery
// adapter (spec §4.4).
package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/metrics"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/subscriptions"
)

// Outcome is a delivery adapter's verdict for one send attempt.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeRetry Outcome = "retry"
	OutcomeDrop  Outcome = "drop"
)

// Result is what a Deliverer returns for one attempt.
type Result struct {
	Outcome    Outcome
	RetryAfter time.Duration
}

// Deliverer is implemented once per subscriber kind (chat DM, chat channel,
// webhook) to actually send a rendered message (spec §4.4's "delivery contract").
type Deliverer interface {
	Deliver(ctx context.Context, subscriber domain.Subscriber, rendered string) (Result, error)
}

// Renderer turns a signal and its change event into the subscriber-facing
// message body. Kept as a narrow function type so callers can plug in
// platform-specific formatting without DF needing to know about it.
type Renderer func(domain.SignalChangeEvent, domain.Signal) string

// backoffSchedule is DF's fixed retry policy (spec §4.4: "up to 3 attempts,
// exponential backoff (1,2,4 s)").
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const defaultCooldown = 30 * time.Minute
const defaultDailyCap = 20

// Filter is DF.
type Filter struct {
	registry *subscriptions.Registry
	states   *store.InstrumentStateStore
	counters *store.DeliveryCounterStore
	render   Renderer
	log      zerolog.Logger
	metrics  *metrics.Registry
}

// New builds DF over its registry/state/counter dependencies and a message renderer.
func New(registry *subscriptions.Registry, states *store.InstrumentStateStore, counters *store.DeliveryCounterStore, render Renderer, log zerolog.Logger) *Filter {
	return &Filter{registry: registry, states: states, counters: counters, render: render, log: log.With().Str("component", "delivery").Logger()}
}

// SetMetrics attaches a metrics registry for delivery/cooldown counters. Nil-safe.
func (f *Filter) SetMetrics(m *metrics.Registry) {
	f.metrics = m
}

// Process runs every subscription on sig.Instrument through the acceptance
// pipeline (spec §4.4 steps 1-6), delivering via deliverers keyed by
// subscriber kind. Per-subscription failures are logged and skipped rather
// than aborting the whole fan-out.
func (f *Filter) Process(ctx context.Context, change domain.SignalChangeEvent, sig domain.Signal, deliverers map[domain.SubscriberKind]Deliverer) error {
	subs, err := f.registry.SubscribersFor(ctx, sig.Instrument)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to load subscriptions for instrument")
	}

	for _, subscription := range subs {
		if err := f.processOne(ctx, subscription, change, sig, deliverers); err != nil {
			f.log.Warn().Err(err).Str("subscriber_id", subscription.SubscriberID).Msg("delivery attempt failed")
		}
	}
	return nil
}

func (f *Filter) processOne(ctx context.Context, subscription domain.Subscription, change domain.SignalChangeEvent, sig domain.Signal, deliverers map[domain.SubscriberKind]Deliverer) error {
	subscriber, err := f.registry.GetSubscriber(ctx, subscription.SubscriberID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to load subscriber")
	}

	// Step 2: filter.
	if !subscription.Filter.Accepts(sig.Action, sig.Confidence, sig.Strength) {
		return nil
	}

	// Step 3: quiet hours.
	if subscriber.Preferences.QuietHours != nil {
		now := time.Now().UTC()
		minuteOfDay := now.Hour()*60 + now.Minute()
		if subscriber.Preferences.QuietHours.Contains(minuteOfDay) {
			return nil
		}
	}

	// Step 4: cooldown (bypassed on reversal).
	if !change.IsReversal() {
		cooldown := defaultCooldown
		if subscriber.Preferences.CooldownOverride != nil {
			cooldown = *subscriber.Preferences.CooldownOverride
		}
		state, ok, err := f.states.Get(ctx, sig.Instrument)
		if err != nil {
			return err
		}
		if ok {
			if last, seen := state.LastNotifiedAtByAction[sig.Action]; seen && time.Since(last) < cooldown {
				if f.metrics != nil {
					f.metrics.CooldownHits.Inc()
				}
				return nil
			}
		}
	}

	// Step 5: daily cap.
	dailyCap := defaultDailyCap
	if subscriber.Preferences.DailyCap > 0 {
		dailyCap = subscriber.Preferences.DailyCap
	}
	now := time.Now().UTC()
	count, err := f.counters.CountToday(ctx, subscriber.ID, now)
	if err != nil {
		return err
	}
	if count >= dailyCap {
		return nil
	}

	// Step 6: accept, record, deliver.
	if err := f.states.RecordNotified(ctx, sig.Instrument, sig.Action, now); err != nil {
		return err
	}
	if err := f.counters.Increment(ctx, subscriber.ID, now); err != nil {
		return err
	}

	deliverer, ok := deliverers[subscriber.Kind]
	if !ok {
		return apperr.New(apperr.Internal, "no deliverer registered for subscriber kind "+string(subscriber.Kind))
	}

	rendered := f.render(change, sig)
	return f.deliverWithRetry(ctx, deliverer, subscriber, rendered)
}

// deliverWithRetry implements the delivery contract's retry policy: up to
// 3 attempts with 1/2/4s backoff, logging and dropping on final failure.
func (f *Filter) deliverWithRetry(ctx context.Context, deliverer Deliverer, subscriber domain.Subscriber, rendered string) error {
	var lastErr error
	for attempt, backoff := range backoffSchedule {
		result, err := deliverer.Deliver(ctx, subscriber, rendered)
		if err != nil {
			lastErr = err
		} else {
			switch result.Outcome {
			case OutcomeOK:
				if f.metrics != nil {
					f.metrics.DeliveriesTotal.WithLabelValues(string(subscriber.Kind), string(OutcomeOK)).Inc()
				}
				return nil
			case OutcomeDrop:
				if f.metrics != nil {
					f.metrics.DeliveriesTotal.WithLabelValues(string(subscriber.Kind), string(OutcomeDrop)).Inc()
				}
				f.log.Info().Str("subscriber_id", subscriber.ID).Msg("delivery adapter dropped message")
				return nil
			case OutcomeRetry:
				lastErr = apperr.New(apperr.Upstream, "delivery adapter requested retry")
				if result.RetryAfter > 0 {
					backoff = result.RetryAfter
				}
			}
		}

		if attempt == len(backoffSchedule)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	if f.metrics != nil {
		f.metrics.DeliveriesTotal.WithLabelValues(string(subscriber.Kind), string(OutcomeRetry)).Inc()
	}
	f.log.Warn().Err(lastErr).Str("subscriber_id", subscriber.ID).Msg("delivery failed after all retries, dropping")
	return nil
}
