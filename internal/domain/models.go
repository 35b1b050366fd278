// Package domain provides the core entities of the signal monitoring system:
// candles, instruments, signals, change events, subscriptions and positions.
// The package is deliberately free of infrastructure dependencies (no SQL, no
// HTTP) so it can be shared by every component in internal/.
package domain

import (
	"fmt"
	"time"
)

// Timeframe is a candle granularity.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
	Timeframe30Min Timeframe = "30min"
	Timeframe1Hour Timeframe = "1h"
	Timeframe4Hour Timeframe = "4h"
	Timeframe1Day  Timeframe = "1d"
	Timeframe1Week Timeframe = "1w"
	Timeframe1Mon  Timeframe = "1M"
)

// Duration returns the wall-clock span of one candle for the timeframe.
// Months are approximated as 30 days, which is adequate for expiry/TTL math
// (nothing in this system requires calendar-accurate month arithmetic).
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe1Min:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe30Min:
		return 30 * time.Minute
	case Timeframe1Hour:
		return time.Hour
	case Timeframe4Hour:
		return 4 * time.Hour
	case Timeframe1Day:
		return 24 * time.Hour
	case Timeframe1Week:
		return 7 * 24 * time.Hour
	case Timeframe1Mon:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the timeframe is one of the known granularities.
func (t Timeframe) Valid() bool {
	return t.Duration() > 0
}

// Period is the coarse horizon a subscriber-facing command may pass instead
// of an explicit timeframe (spec §6.1). Explicit Timeframe always overrides.
type Period string

const (
	PeriodIntraday Period = "intraday"
	PeriodSwing    Period = "swing"
	PeriodPosition Period = "position"
	PeriodLongTerm Period = "longterm"
)

// DefaultTimeframe maps a Period to its default Timeframe.
func (p Period) DefaultTimeframe() (Timeframe, bool) {
	switch p {
	case PeriodIntraday:
		return Timeframe15Min, true
	case PeriodSwing:
		return Timeframe1Hour, true
	case PeriodPosition:
		return Timeframe1Day, true
	case PeriodLongTerm:
		return Timeframe1Week, true
	default:
		return "", false
	}
}

// Instrument identifies a (pair, timeframe) series, e.g. EUR/USD@1h.
type Instrument struct {
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
}

// Key returns a canonical string identifier suitable for map keys and cache keys.
func (i Instrument) Key() string {
	return fmt.Sprintf("%s:%s", i.Pair, i.Timeframe)
}

func (i Instrument) String() string { return i.Key() }

// IsJPYQuoted reports whether the instrument's quote currency is JPY, which
// uses a 0.01 pip size instead of the default 0.0001 (spec §3).
func (i Instrument) IsJPYQuoted() bool {
	return len(i.Pair) >= 3 && i.Pair[len(i.Pair)-3:] == "JPY"
}

// PipSize returns the pip size for the instrument per spec §3.
func (i Instrument) PipSize() float64 {
	if i.IsJPYQuoted() {
		return 0.01
	}
	return 0.0001
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	Source    string    `json:"source"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Instrument returns the (pair, timeframe) key of the candle.
func (c Candle) Instrument() Instrument {
	return Instrument{Pair: c.Pair, Timeframe: c.Timeframe}
}

// ValidateOHLC checks the candle integrity invariant from spec §3:
// low <= min(open,close) <= max(open,close) <= high, volume >= 0.
func (c Candle) ValidateOHLC() error {
	minOC := c.Open
	if c.Close < minOC {
		minOC = c.Close
	}
	maxOC := c.Open
	if c.Close > maxOC {
		maxOC = c.Close
	}
	if !(c.Low <= minOC && minOC <= maxOC && maxOC <= c.High) {
		return fmt.Errorf("candle %s@%s %s: OHLC invariant violated (o=%.5f h=%.5f l=%.5f c=%.5f)",
			c.Pair, c.Timeframe, c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s@%s %s: negative volume %.5f", c.Pair, c.Timeframe, c.Timestamp.Format(time.RFC3339), c.Volume)
	}
	return nil
}

// Direction is the predictor's (or TA's) directional call.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// Action is the user-facing recommendation derived from a Direction.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// ActionFor maps a Direction to its Action per spec §4.2 step 4.
func ActionFor(d Direction) Action {
	switch d {
	case DirectionLong:
		return ActionBuy
	case DirectionShort:
		return ActionSell
	default:
		return ActionHold
	}
}

// Prediction is the ephemeral result of a call to the predictor client (PC).
type Prediction struct {
	Instrument   Instrument `json:"instrument"`
	ModelVersion string     `json:"model_version"`
	Direction    Direction  `json:"direction"`
	Confidence   float64    `json:"confidence"`
	Stage1Prob   *float64   `json:"stage1_prob,omitempty"`
	Stage2Prob   *float64   `json:"stage2_prob,omitempty"`
}

// Strength bins a confidence value per spec §3's GLOSSARY.
type Strength string

const (
	StrengthWeak       Strength = "weak"
	StrengthModerate   Strength = "moderate"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very_strong"
)

// strengthOrder gives a total order over Strength for ">="-style comparisons.
var strengthOrder = map[Strength]int{
	StrengthWeak:       0,
	StrengthModerate:   1,
	StrengthStrong:     2,
	StrengthVeryStrong: 3,
}

// AtLeast reports whether s is at least as strong as other.
func (s Strength) AtLeast(other Strength) bool {
	return strengthOrder[s] >= strengthOrder[other]
}

// BinStrength applies the strength thresholds from spec §4.2 step 6.
func BinStrength(confidence float64) Strength {
	switch {
	case confidence >= 0.85:
		return StrengthVeryStrong
	case confidence >= 0.75:
		return StrengthStrong
	case confidence >= 0.60:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// SignalSource records which pipeline produced a Signal.
type SignalSource string

const (
	SourceML        SignalSource = "ml"
	SourceTechnical SignalSource = "technical"
	SourceFused     SignalSource = "fused"
)

// Signal is the canonical trading recommendation produced by the signal
// generator (SG), per spec §3.
type Signal struct {
	GeneratedAt         time.Time    `json:"generated_at"`
	ExpiresAt           time.Time    `json:"expires_at"`
	ID                  string       `json:"id"`
	ModelVersion        string       `json:"model_version,omitempty"`
	TechnicalSnapshot   []byte       `json:"-"`
	Instrument          Instrument   `json:"instrument"`
	Action              Action       `json:"action"`
	Strength            Strength     `json:"strength"`
	Source              SignalSource `json:"source"`
	Confidence          float64      `json:"confidence"`
	EntryPrice          float64      `json:"entry_price"`
	StopLoss            float64      `json:"stop_loss"`
	TakeProfit          float64      `json:"take_profit"`
	RiskRewardRatio     float64      `json:"risk_reward_ratio"`
	PositionSizeHintPct float64      `json:"position_size_hint"`
}

// ValidateGeometry checks the SL/TP invariants from spec §3 and §8:
//
//	buy:  stop_loss < entry_price < take_profit
//	sell: take_profit < entry_price < stop_loss
//	hold: SL = TP = entry, R:R = 0
func (s Signal) ValidateGeometry() error {
	switch s.Action {
	case ActionBuy:
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.TakeProfit) {
			return fmt.Errorf("buy signal geometry violated: sl=%.5f entry=%.5f tp=%.5f", s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
		if s.RiskRewardRatio < 0.5 {
			return fmt.Errorf("buy signal risk:reward below minimum: %.3f", s.RiskRewardRatio)
		}
	case ActionSell:
		if !(s.TakeProfit < s.EntryPrice && s.EntryPrice < s.StopLoss) {
			return fmt.Errorf("sell signal geometry violated: tp=%.5f entry=%.5f sl=%.5f", s.TakeProfit, s.EntryPrice, s.StopLoss)
		}
		if s.RiskRewardRatio < 0.5 {
			return fmt.Errorf("sell signal risk:reward below minimum: %.3f", s.RiskRewardRatio)
		}
	case ActionHold:
		if s.StopLoss != s.EntryPrice || s.TakeProfit != s.EntryPrice {
			return fmt.Errorf("hold signal must have sl=tp=entry, got sl=%.5f tp=%.5f entry=%.5f", s.StopLoss, s.TakeProfit, s.EntryPrice)
		}
		if s.RiskRewardRatio != 0 {
			return fmt.Errorf("hold signal risk:reward must be 0, got %.3f", s.RiskRewardRatio)
		}
	}
	return nil
}

// ChangeReason classifies why the change detector emitted an event (spec §4.3).
type ChangeReason string

const (
	ReasonFirst          ChangeReason = "first"
	ReasonActionChange   ChangeReason = "action_change"
	ReasonReversal       ChangeReason = "reversal"
	ReasonConfidenceJump ChangeReason = "confidence_jump"
)

// InstrumentState is the change detector's per-instrument memory (spec §3).
type InstrumentState struct {
	LastChangeAt time.Time
	LastSignal   *Signal
	Instrument   Instrument
	// LastNotifiedAtByAction tracks, per action, the last time DF accepted a
	// delivery for this instrument — keyed by Action.
	LastNotifiedAtByAction map[Action]time.Time
}

// SignalChangeEvent is emitted by CD on a qualifying transition (spec §3/§4.3).
type SignalChangeEvent struct {
	GeneratedAt    time.Time    `json:"generated_at"`
	ID             string       `json:"id"`
	Reason         ChangeReason `json:"reason"`
	Instrument     Instrument   `json:"instrument"`
	PriorAction    Action       `json:"prior_action"`
	NewAction      Action       `json:"new_action"`
	Strength       Strength     `json:"strength"`
	PriorConfidence float64     `json:"prior_confidence"`
	NewConfidence   float64     `json:"new_confidence"`
}

// IsReversal reports whether the transition bypasses cooldown per spec §4.3/§4.4.
func (e SignalChangeEvent) IsReversal() bool { return e.Reason == ReasonReversal }

// SubscriberKind is the delivery-platform family of a Subscriber.
type SubscriberKind string

const (
	SubscriberChatDM      SubscriberKind = "chat_dm"
	SubscriberChatChannel SubscriberKind = "chat_channel"
	SubscriberWebhook     SubscriberKind = "webhook"
)

// QuietHours is a daily window during which DF drops deliveries.
type QuietHours struct {
	// StartMinute/EndMinute are minutes-since-midnight. DF compares them
	// against the current UTC time of day; subscribers carry no time zone.
	// A window that wraps midnight (Start > End) is supported.
	StartMinute int
	EndMinute   int
	Enabled     bool
}

// Contains reports whether the given time of day (minutes since midnight)
// falls inside the quiet window.
func (q QuietHours) Contains(minuteOfDay int) bool {
	if !q.Enabled {
		return false
	}
	if q.StartMinute <= q.EndMinute {
		return minuteOfDay >= q.StartMinute && minuteOfDay < q.EndMinute
	}
	// Wraps midnight, e.g. 22:00-06:00.
	return minuteOfDay >= q.StartMinute || minuteOfDay < q.EndMinute
}

// SubscriberPreferences are the per-subscriber defaults/overrides (spec §3).
type SubscriberPreferences struct {
	CooldownOverride *time.Duration
	QuietHours       *QuietHours
	RiskLevel        string
	TradingStyle     string
	MinConfidence    float64
	DailyCap         int
}

// Subscriber is a delivery-platform identity (spec §3).
type Subscriber struct {
	ID              string
	Kind            SubscriberKind
	PlatformIdentity string
	Preferences     SubscriberPreferences
}

// Filter is the per-subscription acceptance criteria applied by DF (spec §4.4).
type Filter struct {
	AllowedActions []Action
	MinConfidence  float64
	StrongOnly     bool
}

// Accepts reports whether a signal/event passes this filter (spec §4.4 step 2).
func (f Filter) Accepts(action Action, confidence float64, strength Strength) bool {
	if confidence < f.MinConfidence {
		return false
	}
	if len(f.AllowedActions) > 0 {
		ok := false
		for _, a := range f.AllowedActions {
			if a == action {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.StrongOnly && !strength.AtLeast(StrengthStrong) {
		return false
	}
	return true
}

// Subscription is a durable (subscriber, instrument) -> filter mapping (spec §3).
type Subscription struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ID           string
	SubscriberID string
	Instrument   Instrument
	Filter       Filter
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// PositionStatus is the lifecycle state of a Position (spec §3).
type PositionStatus string

const (
	StatusOpen         PositionStatus = "open"
	StatusClosedTP     PositionStatus = "closed_tp"
	StatusClosedSL     PositionStatus = "closed_sl"
	StatusClosedManual PositionStatus = "closed_manual"
)

// IsTerminal reports whether the status represents a closed position.
func (s PositionStatus) IsTerminal() bool { return s != StatusOpen }

// Position is a tracked open (or closed) trade (spec §3).
type Position struct {
	OpenedAt         time.Time
	ClosedAt         *time.Time
	ExitPrice         *float64
	RealizedPnLPips   *float64
	ID               string
	SubscriberID     string
	Notes            string
	Instrument       Instrument
	Side             PositionSide
	Status           PositionStatus
	EntryPrice       float64
	StopLoss         float64
	TakeProfit       float64
	Size             float64
}

// ValidateGeometry re-checks SL/TP ordering per spec §3/§4.6 (used before and
// after adjustment operations).
func (p Position) ValidateGeometry() error {
	switch p.Side {
	case SideLong:
		if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
			return fmt.Errorf("long position geometry violated: sl=%.5f entry=%.5f tp=%.5f", p.StopLoss, p.EntryPrice, p.TakeProfit)
		}
	case SideShort:
		if !(p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss) {
			return fmt.Errorf("short position geometry violated: tp=%.5f entry=%.5f sl=%.5f", p.TakeProfit, p.EntryPrice, p.StopLoss)
		}
	}
	return nil
}

// PositionMonitoringSample is one observation in a position's monitoring
// time series (spec §3).
type PositionMonitoringSample struct {
	ObservedAt        time.Time
	PositionID        string
	CurrentPrice      float64
	UnrealizedPnLPips float64
	UnrealizedPnLPct  float64
	HighWatermark     float64
	LowWatermark      float64
	SLArmed           bool
	TPArmed           bool
}

// PipsBetween computes the signed pip distance from `from` to `to` for the
// given instrument and side, per spec §3/§8 ("pnl_pips signs agree with side
// and price direction").
func PipsBetween(instrument Instrument, side PositionSide, from, to float64) float64 {
	diff := to - from
	if side == SideShort {
		diff = -diff
	}
	return diff / instrument.PipSize()
}
