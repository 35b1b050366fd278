package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

type openPositionRequest struct {
	Pair       string  `json:"pair"`
	Timeframe  string  `json:"timeframe"`
	Side       string  `json:"side"`
	Notes      string  `json:"notes"`
	Entry      float64 `json:"entry"`
	SL         float64 `json:"sl"`
	TP         float64 `json:"tp"`
	Size       float64 `json:"size"`
}

// handlePositionOpen implements POST /positions/open (spec §6.1 position.open()).
func (s *Server) handlePositionOpen(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	identity, _ := identityFromContext(r.Context())
	p := domain.Position{
		ID:           uuid.NewString(),
		SubscriberID: identity.Subject,
		Instrument:   domain.Instrument{Pair: req.Pair, Timeframe: domain.Timeframe(req.Timeframe)},
		Side:         domain.PositionSide(req.Side),
		Status:       domain.StatusOpen,
		EntryPrice:   req.Entry,
		StopLoss:     req.SL,
		TakeProfit:   req.TP,
		Size:         req.Size,
		Notes:        req.Notes,
		OpenedAt:     time.Now().UTC(),
	}
	if err := p.ValidateGeometry(); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, err, "position geometry invalid"))
		return
	}
	if err := s.cfg.Positions.Insert(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": p.ID})
}

type closePositionRequest struct {
	PositionID string  `json:"position_id"`
	Notes      string  `json:"notes"`
	ExitPrice  float64 `json:"exit_price"`
	Pct        float64 `json:"pct"`
}

// handlePositionClose implements POST /positions/close (spec §6.1
// position.close()). pct defaults to 100; below 100 it reduces the size via
// ClosePartial, at 100 it closes the position via CloseManual.
func (s *Server) handlePositionClose(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Pct <= 0 {
		req.Pct = 100
	}

	if req.Pct < 100 {
		if err := s.cfg.Monitor.ClosePartial(r.Context(), req.PositionID, req.Pct/100); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "partially_closed"})
		return
	}

	if err := s.cfg.Monitor.CloseManual(r.Context(), req.PositionID, req.ExitPrice); err != nil {
		writeError(w, err)
		return
	}

	p, err := s.cfg.Positions.ByID(r.Context(), req.PositionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type adjustPositionRequest struct {
	MoveSL *float64 `json:"move_sl,omitempty"`
	MoveTP *float64 `json:"move_tp,omitempty"`
}

// handlePositionAdjust implements PUT /positions/:id/adjust, dispatching to
// PM's move_sl/move_tp operations (spec §4.6).
func (s *Server) handlePositionAdjust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req adjustPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MoveSL == nil && req.MoveTP == nil {
		writeError(w, apperr.New(apperr.Validation, "adjust requires move_sl or move_tp"))
		return
	}
	if req.MoveSL != nil {
		if err := s.cfg.Monitor.MoveStopLoss(r.Context(), id, *req.MoveSL); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.MoveTP != nil {
		if err := s.cfg.Monitor.MoveTakeProfit(r.Context(), id, *req.MoveTP); err != nil {
			writeError(w, err)
			return
		}
	}
	p, err := s.cfg.Positions.ByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePositionGet implements GET /positions/:id.
func (s *Server) handlePositionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.cfg.Positions.ByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePositionsForUser implements GET /positions/user/:id (spec §6.1
// position.list(): open positions with their current unrealized P&L, re-run
// through HHP's latest price rather than the last persisted sample).
func (s *Server) handlePositionsForUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	open, err := s.cfg.Positions.ListOpen(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type withPnL struct {
		domain.Position
		UnrealizedPnLPips float64 `json:"unrealized_pnl_pips"`
	}
	out := make([]withPnL, 0, len(open))
	for _, p := range open {
		if p.SubscriberID != userID {
			continue
		}
		item := withPnL{Position: p}
		if result, err := s.cfg.HHP.GetRecent(r.Context(), p.Instrument, 1); err == nil && len(result.Candles) > 0 {
			candle := result.Candles[len(result.Candles)-1]
			item.UnrealizedPnLPips = domain.PipsBetween(p.Instrument, p.Side, p.EntryPrice, candle.Close)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}
