package risk

import (
	"errors"
	"testing"
	"time"

	"live_agent/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorBreakerOpensAtThreshold(t *testing.T) {
	b := NewErrorBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowRequest())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())
}

func TestErrorBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	b := NewErrorBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())

	// After the reset timeout a single probe is allowed
	now = now.Add(61 * time.Second)
	assert.True(t, b.AllowRequest())
	assert.Equal(t, StateHalfOpen, b.State())

	// Probe success closes the breaker and clears the counter
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowRequest())
}

func TestErrorBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	b := NewErrorBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(61 * time.Second)
	require.True(t, b.AllowRequest())
	require.Equal(t, StateHalfOpen, b.State())

	// Failure in HALF_OPEN re-opens with a fresh timestamp
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())

	now = now.Add(61 * time.Second)
	assert.True(t, b.AllowRequest())
}

func TestErrorBreakerCallFailsFast(t *testing.T) {
	b := NewErrorBreaker(1, time.Hour)

	sentinel := errors.New("venue down")
	err := b.Call(func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err = b.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke the call")
}

func TestErrorBreakerSnapshotRoundTrip(t *testing.T) {
	b := NewErrorBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	snap := b.Snapshot()

	b2 := NewErrorBreaker(3, time.Minute)
	b2.Restore(snap)
	assert.Equal(t, StateClosed, b2.State())
	assert.Equal(t, 2, b2.Snapshot().Failures)
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestTradingBreakerDrawdownTrip(t *testing.T) {
	b := NewTradingBreaker(5, 100)
	b.SetStartingEquity(d("10000"))

	b.UpdateEquity(d("9600"), nil) // -4%
	assert.False(t, b.IsTripped())

	b.UpdateEquity(d("9500"), nil) // -5%, at the limit
	assert.True(t, b.IsTripped())
}

func TestTradingBreakerConsecutiveLosses(t *testing.T) {
	b := NewTradingBreaker(50, 3)
	b.SetStartingEquity(d("10000"))

	loss := d("-10")
	win := d("5")

	b.UpdateEquity(d("9990"), &loss)
	b.UpdateEquity(d("9980"), &loss)
	assert.False(t, b.IsTripped())

	// A win resets the streak
	b.UpdateEquity(d("9985"), &win)
	b.UpdateEquity(d("9975"), &loss)
	b.UpdateEquity(d("9965"), &loss)
	assert.False(t, b.IsTripped())

	b.UpdateEquity(d("9955"), &loss)
	assert.True(t, b.IsTripped())
}

func TestTradingBreakerUTCDayReset(t *testing.T) {
	now := time.Date(2026, 1, 2, 23, 50, 0, 0, time.UTC)
	b := NewTradingBreaker(5, 2)
	b.now = func() time.Time { return now }

	b.SetStartingEquity(d("10000"))
	loss := d("-100")
	b.UpdateEquity(d("9900"), &loss)
	b.UpdateEquity(d("9800"), &loss)
	require.True(t, b.IsTripped())

	// Next UTC day the breaker resets itself
	now = now.Add(20 * time.Minute)
	assert.False(t, b.IsTripped())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveLosses)
}

func TestTradingBreakerManualReset(t *testing.T) {
	b := NewTradingBreaker(5, 1)
	b.SetStartingEquity(d("10000"))

	loss := d("-1")
	b.UpdateEquity(d("9999"), &loss)
	require.True(t, b.IsTripped())

	b.Reset()
	assert.False(t, b.IsTripped())
}

func TestTradingBreakerSnapshotRoundTrip(t *testing.T) {
	b := NewTradingBreaker(5, 3)
	b.SetStartingEquity(d("10000"))
	loss := d("-50")
	b.UpdateEquity(d("9950"), &loss)

	snap := b.Snapshot()
	assert.True(t, snap.StartingEquity.Equal(d("10000")))
	assert.Equal(t, 1, snap.ConsecutiveLosses)

	b2 := NewTradingBreaker(5, 3)
	b2.Restore(snap)
	assert.True(t, b2.StartingEquity().Equal(d("10000")))
	assert.False(t, b2.IsTripped())
}

func TestDrawdownPct(t *testing.T) {
	b := NewTradingBreaker(5, 3)
	b.SetStartingEquity(d("10000"))

	assert.True(t, b.DrawdownPct(d("9000")).Equal(d("10")))
	assert.True(t, b.DrawdownPct(d("10000")).Equal(d("0")))
}
