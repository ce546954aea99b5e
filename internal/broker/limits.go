package broker

import (
	"live_agent/pkg/apperrors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// KillSwitchEnv is the out-of-band halt signal. The file form lives in
// the state directory as kill.txt.
const (
	KillSwitchEnv  = "LA_KILL_SWITCH"
	KillSwitchFile = "kill.txt"
)

// KillSwitchEngaged reports whether the env var or kill file is set.
// stateDir may be empty, in which case only the env var is checked.
func KillSwitchEngaged(stateDir string) bool {
	if strings.EqualFold(os.Getenv(KillSwitchEnv), "TRUE") {
		return true
	}
	if stateDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(stateDir, KillSwitchFile))
	return err == nil
}

// limitGuard enforces the order-side safety gates: sliding-window rate
// limit, notional cap, and per-symbol position cap.
type limitGuard struct {
	mu sync.Mutex

	maxOrdersPerMinute int
	orderTimestamps    []time.Time

	maxNotionalUSD decimal.Decimal
	maxPerSymbol   map[string]decimal.Decimal

	now func() time.Time
}

func newLimitGuard(maxOrdersPerMinute int, maxNotionalUSD decimal.Decimal, maxPerSymbol map[string]decimal.Decimal) *limitGuard {
	return &limitGuard{
		maxOrdersPerMinute: maxOrdersPerMinute,
		maxNotionalUSD:     maxNotionalUSD,
		maxPerSymbol:       maxPerSymbol,
		now:                time.Now,
	}
}

// checkRate enforces the orders-per-minute window and, on success,
// records the order timestamp.
func (g *limitGuard) checkRate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-time.Minute)

	kept := g.orderTimestamps[:0]
	for _, ts := range g.orderTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.orderTimestamps = kept

	if len(g.orderTimestamps) >= g.maxOrdersPerMinute {
		return apperrors.ErrRateLimitExceeded
	}

	g.orderTimestamps = append(g.orderTimestamps, now)
	return nil
}

// checkNotional rejects orders whose notional exceeds the USD cap.
func (g *limitGuard) checkNotional(qty, price decimal.Decimal) error {
	if g.maxNotionalUSD.IsPositive() && qty.Mul(price).GreaterThan(g.maxNotionalUSD) {
		return apperrors.ErrNotionalCapExceeded
	}
	return nil
}

// checkPositionCap rejects orders that would push the combined position
// above the per-symbol cap.
func (g *limitGuard) checkPositionCap(symbol string, current, add decimal.Decimal) error {
	cap, ok := g.maxPerSymbol[symbol]
	if !ok || !cap.IsPositive() {
		return nil
	}
	if current.Add(add).GreaterThan(cap) {
		return apperrors.ErrPositionCapExceeded
	}
	return nil
}
