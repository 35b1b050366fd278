package server

import (
	"net/http"
	"strconv"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// parseInstrument resolves pair/timeframe/period query params to an
// Instrument, applying §6.1's "explicit timeframe overrides period" rule.
func parseInstrument(r *http.Request) (domain.Instrument, error) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		return domain.Instrument{}, apperr.New(apperr.Validation, "pair is required")
	}

	if tf := r.URL.Query().Get("timeframe"); tf != "" {
		timeframe := domain.Timeframe(tf)
		if !timeframe.Valid() {
			return domain.Instrument{}, apperr.New(apperr.Validation, "unknown timeframe "+tf)
		}
		return domain.Instrument{Pair: pair, Timeframe: timeframe}, nil
	}

	if period := r.URL.Query().Get("period"); period != "" {
		timeframe, ok := domain.Period(period).DefaultTimeframe()
		if !ok {
			return domain.Instrument{}, apperr.New(apperr.Validation, "unknown period "+period)
		}
		return domain.Instrument{Pair: pair, Timeframe: timeframe}, nil
	}

	return domain.Instrument{}, apperr.New(apperr.Validation, "timeframe or period is required")
}

// handleGetSignal implements GET /trading/signal (spec §6.1 signal(), §6.2).
func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	inst, err := parseInstrument(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sig, err := s.cfg.Generator.Generate(r.Context(), inst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

type analyzeRequest struct {
	Instruments []struct {
		Pair      string `json:"pair"`
		Timeframe string `json:"timeframe"`
	} `json:"instruments"`
}

// handleAnalyzeBatch implements POST /trading/analyze: runs Generate for
// every instrument in the batch, collecting per-instrument errors rather
// than failing the whole request (spec §6.2).
func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	type result struct {
		Signal *domain.Signal `json:"signal,omitempty"`
		Error  string         `json:"error,omitempty"`
		Pair   string         `json:"pair"`
	}
	results := make([]result, 0, len(req.Instruments))
	for _, item := range req.Instruments {
		inst := domain.Instrument{Pair: item.Pair, Timeframe: domain.Timeframe(item.Timeframe)}
		sig, err := s.cfg.Generator.Generate(r.Context(), inst)
		if err != nil {
			results = append(results, result{Pair: item.Pair, Error: err.Error()})
			continue
		}
		results = append(results, result{Pair: item.Pair, Signal: &sig})
	}
	writeJSON(w, http.StatusOK, results)
}

// handleMarketRealtime implements GET /market/realtime/:pair, returning the
// single most recent candle HHP would hand to SG.
func (s *Server) handleMarketRealtime(w http.ResponseWriter, r *http.Request) {
	inst, err := parseInstrument(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.cfg.HHP.GetRecent(r.Context(), inst, 1)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(result.Candles) == 0 {
		writeError(w, apperr.New(apperr.Stale, "no candle available"))
		return
	}
	writeJSON(w, http.StatusOK, result.Candles[len(result.Candles)-1])
}

// handleMarketHistory implements GET /market/history/:pair?timeframe=…&limit=….
func (s *Server) handleMarketHistory(w http.ResponseWriter, r *http.Request) {
	inst, err := parseInstrument(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	result, err := s.cfg.HHP.GetRecent(r.Context(), inst, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Candles)
}

type bulkIngestRequest struct {
	Candles []domain.Candle `json:"candles"`
}

// handleMarketBulkIngest implements POST /market/data/bulk, the API-key-only
// internal ingest path (spec §6.2). Idempotent via MDS's upsert semantics
// (spec §8: "posting the same candle batch twice yields identical state").
func (s *Server) handleMarketBulkIngest(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	if identity.Kind != identityAPIKey {
		writeError(w, apperr.New(apperr.Forbidden, "bulk ingest requires an API key"))
		return
	}

	var req bulkIngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	valid := make([]domain.Candle, 0, len(req.Candles))
	skipped := 0
	for _, c := range req.Candles {
		if err := c.ValidateOHLC(); err != nil {
			skipped++
			continue
		}
		valid = append(valid, c)
	}

	if len(valid) > 0 {
		if err := s.cfg.Candles.UpsertBatch(r.Context(), valid); err != nil {
			writeError(w, apperr.Wrap(apperr.Internal, err, "bulk ingest upsert failed"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": len(valid), "skipped": skipped})
}
