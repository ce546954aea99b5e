package risk

import (
	"live_agent/pkg/telemetry"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TradingBreakerSnapshot is the persisted form of the trading breaker.
type TradingBreakerSnapshot struct {
	StartingEquity    decimal.Decimal `json:"starting_equity"`
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	Tripped           bool            `json:"tripped"`
	Day               string          `json:"day"`
}

// TradingBreaker halts trading on equity health: it trips when the daily
// drawdown from starting equity reaches maxDailyDrawdownPct or the
// consecutive-loss streak reaches maxConsecutiveLosses. It resets at the
// UTC day boundary.
type TradingBreaker struct {
	mu sync.Mutex

	maxDailyDrawdownPct  decimal.Decimal
	maxConsecutiveLosses int

	startingEquity    decimal.Decimal
	peakEquity        decimal.Decimal
	consecutiveLosses int
	tripped           bool
	day               string // UTC date of the current trading day

	now func() time.Time
}

// NewTradingBreaker creates an untripped breaker.
func NewTradingBreaker(maxDailyDrawdownPct float64, maxConsecutiveLosses int) *TradingBreaker {
	return &TradingBreaker{
		maxDailyDrawdownPct:  decimal.NewFromFloat(maxDailyDrawdownPct),
		maxConsecutiveLosses: maxConsecutiveLosses,
		now:                  time.Now,
	}
}

// SetStartingEquity fixes the start-of-day equity reference.
func (b *TradingBreaker) SetStartingEquity(equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.startingEquity = equity
	b.peakEquity = equity
	b.day = b.utcDayLocked()
}

// StartingEquity returns the current start-of-day reference.
func (b *TradingBreaker) StartingEquity() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startingEquity
}

// UpdateEquity records the latest equity and, when tradePnL is non-nil,
// the outcome of a closed trade. It trips the breaker when either limit
// is reached.
func (b *TradingBreaker) UpdateEquity(equity decimal.Decimal, tradePnL *decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked(equity)

	if equity.GreaterThan(b.peakEquity) {
		b.peakEquity = equity
	}

	if tradePnL != nil {
		if tradePnL.IsNegative() {
			b.consecutiveLosses++
		} else {
			b.consecutiveLosses = 0
		}
	}

	if b.tripped {
		return
	}

	if b.maxConsecutiveLosses > 0 && b.consecutiveLosses >= b.maxConsecutiveLosses {
		b.tripLocked()
		return
	}

	if b.startingEquity.IsPositive() {
		drawdownPct := b.startingEquity.Sub(equity).
			Div(b.startingEquity).
			Mul(decimal.NewFromInt(100))
		if drawdownPct.GreaterThanOrEqual(b.maxDailyDrawdownPct) {
			b.tripLocked()
		}
	}
}

// IsTripped reports whether the breaker is tripped, applying the UTC-day
// auto reset first.
func (b *TradingBreaker) IsTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped && b.utcDayLocked() != b.day {
		b.resetLocked(b.peakEquity)
	}
	return b.tripped
}

// Reset clears the tripped state and the loss streak.
func (b *TradingBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked(b.startingEquity)
}

// DrawdownPct returns the current drawdown from starting equity in percent.
func (b *TradingBreaker) DrawdownPct(equity decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.startingEquity.IsPositive() {
		return decimal.Zero
	}
	return b.startingEquity.Sub(equity).Div(b.startingEquity).Mul(decimal.NewFromInt(100))
}

// Snapshot returns the persisted form of the breaker.
func (b *TradingBreaker) Snapshot() TradingBreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return TradingBreakerSnapshot{
		StartingEquity:    b.startingEquity,
		PeakEquity:        b.peakEquity,
		ConsecutiveLosses: b.consecutiveLosses,
		Tripped:           b.tripped,
		Day:               b.day,
	}
}

// Restore applies a persisted snapshot.
func (b *TradingBreaker) Restore(snap TradingBreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snap.Day == "" {
		return
	}
	b.startingEquity = snap.StartingEquity
	b.peakEquity = snap.PeakEquity
	b.consecutiveLosses = snap.ConsecutiveLosses
	b.tripped = snap.Tripped
	b.day = snap.Day
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("trading", b.tripped)
}

func (b *TradingBreaker) rolloverLocked(equity decimal.Decimal) {
	today := b.utcDayLocked()
	if b.day == "" {
		b.day = today
		return
	}
	if today != b.day {
		b.resetLocked(equity)
	}
}

func (b *TradingBreaker) resetLocked(equity decimal.Decimal) {
	b.tripped = false
	b.consecutiveLosses = 0
	b.startingEquity = equity
	b.peakEquity = equity
	b.day = b.utcDayLocked()
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("trading", false)
}

func (b *TradingBreaker) tripLocked() {
	b.tripped = true
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("trading", true)
}

func (b *TradingBreaker) utcDayLocked() string {
	return b.now().UTC().Format("2006-01-02")
}
