// Package strategy holds the built-in strategies. Real signal generation
// lives outside this runtime; implementations of core.Strategy plug in
// through the coordinator.
package strategy

import "live_agent/internal/core"

// Hold never trades. It is the default for data-plane soak runs and for
// sessions that only manage a restored position to exit.
type Hold struct{}

// NewHold returns the no-trade strategy.
func NewHold() *Hold { return &Hold{} }

// OnCandle always declines to act.
func (*Hold) OnCandle(candles []core.Candle, tick *core.Tick) *core.Order { return nil }
