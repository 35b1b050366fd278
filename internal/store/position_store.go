package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// PositionStore persists tracked positions and their monitoring samples.
type PositionStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionStore wraps an already-migrated *sql.DB for the positions database.
func NewPositionStore(db *sql.DB, log zerolog.Logger) *PositionStore {
	return &PositionStore{db: db, log: log.With().Str("repo", "positions").Logger()}
}

// Insert persists a freshly opened position.
func (s *PositionStore) Insert(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, subscriber_id, pair, timeframe, side, status, entry_price, stop_loss, take_profit, size, notes, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SubscriberID, p.Instrument.Pair, string(p.Instrument.Timeframe), string(p.Side), string(p.Status),
		p.EntryPrice, p.StopLoss, p.TakeProfit, p.Size, p.Notes, p.OpenedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to insert position")
	}
	return nil
}

// ListOpen returns every position with status = 'open'.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscriber_id, pair, timeframe, side, status, entry_price, stop_loss, take_profit, size, notes, opened_at, closed_at, exit_price, realized_pnl_pips
		FROM positions WHERE status = 'open'
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to list open positions")
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ByID fetches a single position.
func (s *PositionStore) ByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subscriber_id, pair, timeframe, side, status, entry_price, stop_loss, take_profit, size, notes, opened_at, closed_at, exit_price, realized_pnl_pips
		FROM positions WHERE id = ?
	`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return domain.Position{}, apperr.New(apperr.NotFound, "position not found")
	}
	if err != nil {
		return domain.Position{}, apperr.Wrap(apperr.Internal, err, "failed to query position")
	}
	return p, nil
}

// UpdateGeometry persists a revised SL/TP pair for an open position
// (spec §4.6's move_sl/move_tp adjustment operations).
func (s *PositionStore) UpdateGeometry(ctx context.Context, id string, stopLoss, takeProfit float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE positions SET stop_loss = ?, take_profit = ? WHERE id = ?`, stopLoss, takeProfit, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to update position geometry")
	}
	return nil
}

// UpdateSize persists a revised position size (spec §4.6's close_partial).
func (s *PositionStore) UpdateSize(ctx context.Context, id string, size float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE positions SET size = ? WHERE id = ?`, size, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to update position size")
	}
	return nil
}

// Close marks a position terminal, persisting its exit and realized P&L
// (spec §4.6 step 5).
func (s *PositionStore) Close(ctx context.Context, id string, status domain.PositionStatus, exitPrice, realizedPnLPips float64, closedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = ?, exit_price = ?, realized_pnl_pips = ?, closed_at = ?
		WHERE id = ?
	`, string(status), exitPrice, realizedPnLPips, closedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to close position")
	}
	return nil
}

// AppendMonitoringSample records one PM tick's observation.
func (s *PositionStore) AppendMonitoringSample(ctx context.Context, sample domain.PositionMonitoringSample) error {
	slArmed, tpArmed := 0, 0
	if sample.SLArmed {
		slArmed = 1
	}
	if sample.TPArmed {
		tpArmed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_monitoring (position_id, observed_at, current_price, unrealized_pnl_pips, unrealized_pnl_pct, high_watermark, low_watermark, sl_armed, tp_armed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (position_id, observed_at) DO UPDATE SET
			current_price = excluded.current_price,
			unrealized_pnl_pips = excluded.unrealized_pnl_pips,
			unrealized_pnl_pct = excluded.unrealized_pnl_pct,
			high_watermark = excluded.high_watermark,
			low_watermark = excluded.low_watermark,
			sl_armed = excluded.sl_armed,
			tp_armed = excluded.tp_armed
	`, sample.PositionID, sample.ObservedAt.UTC().Format(time.RFC3339), sample.CurrentPrice, sample.UnrealizedPnLPips,
		sample.UnrealizedPnLPct, sample.HighWatermark, sample.LowWatermark, slArmed, tpArmed)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to append position monitoring sample")
	}
	return nil
}

// LatestWatermarks returns the most recent high/low watermarks recorded for
// a position, or the position's entry price for both if none exist yet.
func (s *PositionStore) LatestWatermarks(ctx context.Context, positionID string, entryPrice float64) (high, low float64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT high_watermark, low_watermark FROM position_monitoring
		WHERE position_id = ? ORDER BY observed_at DESC LIMIT 1
	`, positionID)
	if scanErr := row.Scan(&high, &low); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return entryPrice, entryPrice, nil
		}
		return 0, 0, apperr.Wrap(apperr.Internal, scanErr, "failed to query latest watermarks")
	}
	return high, low, nil
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan position row")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "error iterating position rows")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row *sql.Row) (domain.Position, error) {
	return scanPositionRow(row)
}

func scanPositionRow(s scanner) (domain.Position, error) {
	var p domain.Position
	var tf, side, status, openedAt string
	var closedAt sql.NullString
	var exitPrice, realizedPnLPips sql.NullFloat64

	if err := s.Scan(&p.ID, &p.SubscriberID, &p.Instrument.Pair, &tf, &side, &status,
		&p.EntryPrice, &p.StopLoss, &p.TakeProfit, &p.Size, &p.Notes, &openedAt, &closedAt, &exitPrice, &realizedPnLPips); err != nil {
		return domain.Position{}, err
	}

	p.Instrument.Timeframe = domain.Timeframe(tf)
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)

	parsedOpened, err := time.Parse(time.RFC3339, openedAt)
	if err != nil {
		return domain.Position{}, err
	}
	p.OpenedAt = parsedOpened

	if closedAt.Valid {
		parsedClosed, err := time.Parse(time.RFC3339, closedAt.String)
		if err != nil {
			return domain.Position{}, err
		}
		p.ClosedAt = &parsedClosed
	}
	if exitPrice.Valid {
		v := exitPrice.Float64
		p.ExitPrice = &v
	}
	if realizedPnLPips.Valid {
		v := realizedPnLPips.Float64
		p.RealizedPnLPips = &v
	}
	return p, nil
}
