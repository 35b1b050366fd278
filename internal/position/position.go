// Package position implements the Position Monitor (PM): per-tick price
// checks against a position's SL/TP, watermark tracking, and the
// externally-triggered adjustment operations (spec §4.6).
package position

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/hhp"
	"github.com/aristath/fxsignal/internal/metrics"
	"github.com/aristath/fxsignal/internal/notify"
	"github.com/aristath/fxsignal/internal/store"
)

// Monitor is PM.
type Monitor struct {
	positions *store.PositionStore
	hhp       *hhp.Provider
	broker    *notify.Broker
	log       zerolog.Logger
	metrics   *metrics.Registry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// SetMetrics attaches a metrics registry for trigger counters. Nil-safe.
func (m *Monitor) SetMetrics(r *metrics.Registry) {
	m.metrics = r
}

// New builds PM over its position repository, HHP price source, and the
// notification broker it publishes PositionClosed events onto.
func New(positions *store.PositionStore, h *hhp.Provider, broker *notify.Broker, log zerolog.Logger) *Monitor {
	return &Monitor{
		positions: positions,
		hhp:       h,
		broker:    broker,
		log:       log.With().Str("component", "position").Logger(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-position mutex used to serialize Tick against
// concurrent adjustment operations (spec §4.6: "serialized per position via
// a per-position lock").
func (m *Monitor) lockFor(positionID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[positionID] = l
	}
	return l
}

// Tick runs one PM cycle for a single open position (spec §4.6 steps 1-5).
func (m *Monitor) Tick(ctx context.Context, p domain.Position) error {
	lock := m.lockFor(p.ID)
	lock.Lock()
	defer lock.Unlock()

	result, err := m.hhp.GetRecent(ctx, p.Instrument, 1)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "HHP call failed during position tick")
	}
	if len(result.Candles) == 0 {
		return apperr.New(apperr.Stale, "no candle available for position tick")
	}
	candle := result.Candles[len(result.Candles)-1]

	unrealizedPips := domain.PipsBetween(p.Instrument, p.Side, p.EntryPrice, candle.Close)
	unrealizedPct := unrealizedPips * p.Instrument.PipSize() / p.EntryPrice * 100

	high, low, err := m.positions.LatestWatermarks(ctx, p.ID, p.EntryPrice)
	if err != nil {
		return err
	}
	if candle.High > high {
		high = candle.High
	}
	if candle.Low < low {
		low = candle.Low
	}

	now := time.Now().UTC()
	slArmed, tpArmed, closeStatus, exitPrice := m.detectTrigger(p, candle)

	if err := m.positions.AppendMonitoringSample(ctx, domain.PositionMonitoringSample{
		ObservedAt:        now,
		PositionID:        p.ID,
		CurrentPrice:      candle.Close,
		UnrealizedPnLPips: unrealizedPips,
		UnrealizedPnLPct:  unrealizedPct,
		HighWatermark:     high,
		LowWatermark:      low,
		SLArmed:           slArmed,
		TPArmed:           tpArmed,
	}); err != nil {
		return err
	}

	if closeStatus == "" {
		return nil
	}

	return m.closePosition(ctx, p, closeStatus, exitPrice, now)
}

// detectTrigger checks the just-fetched candle's high/low (not only close)
// against the position's SL/TP per spec §4.6 step 4.
func (m *Monitor) detectTrigger(p domain.Position, candle domain.Candle) (slArmed, tpArmed bool, status domain.PositionStatus, exitPrice float64) {
	switch p.Side {
	case domain.SideLong:
		if candle.Low <= p.StopLoss {
			return true, false, domain.StatusClosedSL, p.StopLoss
		}
		if candle.High >= p.TakeProfit {
			return false, true, domain.StatusClosedTP, p.TakeProfit
		}
	case domain.SideShort:
		if candle.High >= p.StopLoss {
			return true, false, domain.StatusClosedSL, p.StopLoss
		}
		if candle.Low <= p.TakeProfit {
			return false, true, domain.StatusClosedTP, p.TakeProfit
		}
	}
	return false, false, "", 0
}

func (m *Monitor) closePosition(ctx context.Context, p domain.Position, status domain.PositionStatus, exitPrice float64, closedAt time.Time) error {
	realizedPips := domain.PipsBetween(p.Instrument, p.Side, p.EntryPrice, exitPrice)

	if err := m.positions.Close(ctx, p.ID, status, exitPrice, realizedPips, closedAt); err != nil {
		return err
	}

	p.Status = status
	p.ExitPrice = &exitPrice
	p.RealizedPnLPips = &realizedPips
	p.ClosedAt = &closedAt

	m.broker.Publish(ctx, notify.Envelope{
		EmittedAt:  closedAt,
		EventID:    p.ID,
		Instrument: p.Instrument,
		Reason:     notify.EventPositionClosed,
		Payload:    notify.PositionClosedData{Position: p},
	})

	if m.metrics != nil {
		m.metrics.PositionTriggers.WithLabelValues(string(status)).Inc()
	}

	m.log.Info().Str("position_id", p.ID).Str("status", string(status)).Float64("realized_pnl_pips", realizedPips).Msg("position closed")
	return nil
}

// MoveStopLoss implements the move_sl adjustment operation (spec §4.6),
// re-checking geometry invariants before persisting.
func (m *Monitor) MoveStopLoss(ctx context.Context, positionID string, newStopLoss float64) error {
	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.positions.ByID(ctx, positionID)
	if err != nil {
		return err
	}
	p.StopLoss = newStopLoss
	if err := p.ValidateGeometry(); err != nil {
		return apperr.Wrap(apperr.Validation, err, "stop loss move violates geometry invariant")
	}
	return m.positions.UpdateGeometry(ctx, positionID, p.StopLoss, p.TakeProfit)
}

// MoveTakeProfit implements the move_tp adjustment operation (spec §4.6).
func (m *Monitor) MoveTakeProfit(ctx context.Context, positionID string, newTakeProfit float64) error {
	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.positions.ByID(ctx, positionID)
	if err != nil {
		return err
	}
	p.TakeProfit = newTakeProfit
	if err := p.ValidateGeometry(); err != nil {
		return apperr.Wrap(apperr.Validation, err, "take profit move violates geometry invariant")
	}
	return m.positions.UpdateGeometry(ctx, positionID, p.StopLoss, p.TakeProfit)
}

// ClosePartial implements close_partial(pct): reduces the position's size
// by pct without closing it (spec §4.6).
func (m *Monitor) ClosePartial(ctx context.Context, positionID string, pct float64) error {
	if pct <= 0 || pct >= 1 {
		return apperr.New(apperr.Validation, "close_partial pct must be in (0, 1)")
	}

	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.positions.ByID(ctx, positionID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return apperr.New(apperr.Conflict, "cannot partially close a terminal position")
	}
	newSize := p.Size * (1 - pct)
	return m.positions.UpdateSize(ctx, positionID, newSize)
}

// CloseManual implements close_manual: closes the position at the supplied
// current price regardless of SL/TP state (spec §4.6).
func (m *Monitor) CloseManual(ctx context.Context, positionID string, currentPrice float64) error {
	lock := m.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.positions.ByID(ctx, positionID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return apperr.New(apperr.Conflict, "position already closed")
	}

	return m.closePosition(ctx, p, domain.StatusClosedManual, currentPrice, time.Now().UTC())
}
