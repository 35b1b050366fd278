// Package technical implements the Technical Analysis component (TA):
// indicator computation over a candle series and the majority-vote
// fallback direction SG falls back to when PC is unavailable or
// low-confidence (spec §4.2 step 2).
package technical

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

// Warmup is the minimum candle count TA accepts, above what its slowest
// indicator (EMA50, 50 closes) needs, used by SG to size its HHP request
// (spec §4.2 step 1: "n = max(60, indicator warmup)").
const Warmup = 60

// Snapshot is the indicator set computed for one SG tick, persisted
// alongside the Signal as its technical_snapshot for later inspection.
type Snapshot struct {
	RSI14        float64 `json:"rsi14"`
	SMA20        float64 `json:"sma20"`
	EMA50        float64 `json:"ema50"`
	MACDLine     float64 `json:"macd_line"`
	MACDSignal   float64 `json:"macd_signal"`
	MACDHist     float64 `json:"macd_hist"`
	ATR14        float64 `json:"atr14"`
	ADX14        float64 `json:"adx14"`
	BBUpper      float64 `json:"bb_upper"`
	BBMiddle     float64 `json:"bb_middle"`
	BBLower      float64 `json:"bb_lower"`
	VoteDirection domain.Direction `json:"vote_direction"`
	VoteConfidence float64 `json:"vote_confidence"`
}

// Compute runs the full indicator set over candles and derives the
// majority-vote fallback direction (spec §4.2 step 2). candles must be
// ascending by timestamp and at least Warmup long.
func Compute(candles []domain.Candle) (Snapshot, error) {
	if len(candles) < Warmup {
		return Snapshot{}, apperr.New(apperr.Validation, "not enough candles for technical analysis")
	}

	closes := closesOf(candles)
	highs := highsOf(candles)
	lows := lowsOf(candles)

	rsi := lastValid(talib.Rsi(closes, 14))
	sma20 := lastValid(talib.Sma(closes, 20))
	ema50 := lastValid(talib.Ema(closes, 50))
	macdLine, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)
	atr14 := lastValid(talib.Atr(highs, lows, closes, 14))
	adx14 := lastValid(talib.Adx(highs, lows, closes, 14))
	bbUpper, bbMiddle, bbLower := talib.BBands(closes, 20, 2, 2, talib.SMA)

	if atr14 == 0 {
		// ATR=0 is SG's "arithmetic invariant violation" guard (spec §4.2
		// step 5/§7): a flat series can't produce a meaningful SL distance.
		return Snapshot{}, apperr.New(apperr.Validation, "ATR is zero, cannot derive signal geometry")
	}

	direction, confidence := vote(rsi, closes[len(closes)-1], sma20, lastValid(macdHist))

	return Snapshot{
		RSI14:          rsi,
		SMA20:          sma20,
		EMA50:          ema50,
		MACDLine:       lastValid(macdLine),
		MACDSignal:     lastValid(macdSignal),
		MACDHist:       lastValid(macdHist),
		ATR14:          atr14,
		ADX14:          adx14,
		BBUpper:        lastValid(bbUpper),
		BBMiddle:       lastValid(bbMiddle),
		BBLower:        lastValid(bbLower),
		VoteDirection:  direction,
		VoteConfidence: confidence,
	}, nil
}

// vote implements §4.2 step 2's fixed three-vote rule: RSI overbought/
// oversold, close-vs-SMA20, and MACD histogram sign each cast one vote.
func vote(rsi, close, sma20, macdHist float64) (domain.Direction, float64) {
	votes := []domain.Direction{}

	switch {
	case rsi < 30:
		votes = append(votes, domain.DirectionLong)
	case rsi > 70:
		votes = append(votes, domain.DirectionShort)
	default:
		votes = append(votes, domain.DirectionNeutral)
	}

	switch {
	case close > sma20:
		votes = append(votes, domain.DirectionLong)
	case close < sma20:
		votes = append(votes, domain.DirectionShort)
	default:
		votes = append(votes, domain.DirectionNeutral)
	}

	switch {
	case macdHist > 0:
		votes = append(votes, domain.DirectionLong)
	case macdHist < 0:
		votes = append(votes, domain.DirectionShort)
	default:
		votes = append(votes, domain.DirectionNeutral)
	}

	return tally(votes)
}

// tally picks the majority direction and the fraction of votes it won.
// Votes are encoded as {-1, 0, 1} and reduced with gonum's Mode. When all
// three votes differ there is no majority: Mode breaks the tie toward the
// lowest value, so the result is short with confidence 1/3.
func tally(votes []domain.Direction) (domain.Direction, float64) {
	encoded := make([]float64, len(votes))
	for i, v := range votes {
		switch v {
		case domain.DirectionLong:
			encoded[i] = 1
		case domain.DirectionShort:
			encoded[i] = -1
		default:
			encoded[i] = 0
		}
	}

	modeVal, count := stat.Mode(encoded, nil)
	confidence := count / float64(len(votes))

	switch {
	case modeVal > 0:
		return domain.DirectionLong, confidence
	case modeVal < 0:
		return domain.DirectionShort, confidence
	default:
		return domain.DirectionNeutral, confidence
	}
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}

func closesOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func highsOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

func lowsOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
