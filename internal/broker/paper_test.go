package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"live_agent/internal/core"
	"live_agent/internal/state"
	"live_agent/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                  {}
func (nopLogger) Info(string, ...interface{})                   {}
func (nopLogger) Warn(string, ...interface{})                   {}
func (nopLogger) Error(string, ...interface{})                  {}
func (nopLogger) Fatal(string, ...interface{})                  {}
func (n nopLogger) WithField(string, interface{}) core.ILogger  { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testConfig(stateDir string) Config {
	return Config{
		Symbol:             "BTCUSD",
		TakerFeeBps:        0,
		MakerFeeBps:        0,
		SlippageBps:        0,
		VolumeCapRatio:     0.10,
		MaxOrdersPerMinute: 60,
		StartingEquity:     d("10000"),
		StateDir:           stateDir,
	}
}

func newTestBroker(t *testing.T, cfg Config) (*Paper, *state.Manager) {
	t.Helper()
	mgr, err := state.NewManager(filepath.Join(cfg.StateDir, "paper_state.json"), nopLogger{})
	require.NoError(t, err)
	return NewPaper(cfg, mgr, nil, nil, nopLogger{}), mgr
}

func bar(o, h, l, c, v string) core.Candle {
	return core.Candle{
		TS:     "2026-01-02T00:00:00Z",
		Open:   d(o),
		High:   d(h),
		Low:    d(l),
		Close:  d(c),
		Volume: d(v),
	}
}

func marketOrder(id string, side core.Side, qty, sl, tp string) *core.Order {
	return &core.Order{
		Go:            true,
		Side:          side,
		EntryType:     core.EntryMarket,
		Qty:           d(qty),
		SL:            d(sl),
		TP:            d(tp),
		ClientOrderID: id,
	}
}

func TestMarketOrderFullFill(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))

	res := p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "100"), marketOrder("o1", core.SideLong, "1", "98", "0"))
	require.Len(t, res.Fills, 1)
	assert.False(t, res.Fills[0].Partial)
	assert.True(t, res.Fills[0].Qty.Equal(d("1")))
	assert.True(t, res.Fills[0].Price.Equal(d("100")))

	pos := p.Position()
	require.NotNil(t, pos)
	assert.Equal(t, core.SideLong, pos.Side)
	assert.True(t, pos.Qty.Equal(d("1")))
	assert.True(t, pos.Entry.Equal(d("100")))
	assert.True(t, pos.InitialSL.Equal(d("98")))
}

func TestSlippageAndFees(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SlippageBps = 5
	cfg.TakerFeeBps = 6
	p, _ := newTestBroker(t, cfg)

	res := p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "100"), marketOrder("o1", core.SideLong, "1", "90", "0"))
	require.Len(t, res.Fills, 1)

	// Long entries pay up: 100 * (1 + 0.0005)
	assert.True(t, res.Fills[0].Price.Equal(d("100.05")), "got %s", res.Fills[0].Price)
	// Taker fee on filled notional: 100.05 * 0.0006
	assert.True(t, res.Fills[0].Fees.Equal(d("0.06003")), "got %s", res.Fills[0].Fees)
}

func TestVolumeCapPartialFill(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))

	// 10% of volume 5 = 0.5 available, order wants 1
	res := p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "5"), marketOrder("o1", core.SideLong, "1", "90", "0"))
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Partial)
	assert.True(t, res.Fills[0].Qty.Equal(d("0.5")))

	wos := p.WorkingOrders()
	require.Len(t, wos, 1)
	assert.True(t, wos[0].Remaining.Equal(d("0.5")))

	// Next bar has capacity for the remainder
	res = p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "10"), nil)
	require.Len(t, res.Fills, 1)
	assert.False(t, res.Fills[0].Partial)
	assert.True(t, res.Fills[0].Qty.Equal(d("0.5")))
	assert.Empty(t, p.WorkingOrders())

	pos := p.Position()
	require.NotNil(t, pos)
	assert.True(t, pos.Qty.Equal(d("1")))
	assert.Len(t, pos.Lots, 2)
}

func TestNotionalCapRejects(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxPositionSizeUSD = d("900")
	p, _ := newTestBroker(t, cfg)

	res := p.OnCandle(context.Background(), bar("90500", "90600", "90400", "90500", "100"), marketOrder("o1", core.SideLong, "0.01", "89000", "0"))
	assert.Empty(t, res.Fills)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], apperrors.ErrNotionalCapExceeded)
	assert.Nil(t, p.Position())
}

func TestPerSymbolPositionCap(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxPositionPerSymbol = map[string]decimal.Decimal{"BTCUSD": d("1")}
	p, _ := newTestBroker(t, cfg)

	res := p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "100"), marketOrder("o1", core.SideLong, "0.8", "90", "0"))
	require.Len(t, res.Fills, 1)

	res = p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "100"), marketOrder("o2", core.SideLong, "0.5", "90", "0"))
	assert.Empty(t, res.Fills)
	require.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Errors[0], apperrors.ErrPositionCapExceeded)
}

func TestRateLimitSlidingWindow(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxOrdersPerMinute = 2
	p, _ := newTestBroker(t, cfg)

	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	p.guard.now = func() time.Time { return base }

	c := bar("100", "101", "99.5", "100", "1000")
	res := p.OnCandle(context.Background(), c, marketOrder("o1", core.SideLong, "0.1", "90", "0"))
	require.Len(t, res.Fills, 1)
	res = p.OnCandle(context.Background(), c, marketOrder("o2", core.SideLong, "0.1", "90", "0"))
	require.Len(t, res.Fills, 1)

	res = p.OnCandle(context.Background(), c, marketOrder("o3", core.SideLong, "0.1", "90", "0"))
	assert.Empty(t, res.Fills)
	require.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Errors[0], apperrors.ErrRateLimitExceeded)

	// Window slides: 61s later the oldest entries expire
	p.guard.now = func() time.Time { return base.Add(61 * time.Second) }
	res = p.OnCandle(context.Background(), c, marketOrder("o4", core.SideLong, "0.1", "90", "0"))
	require.Len(t, res.Fills, 1)
}

func TestKillSwitchFileBlocksOrders(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestBroker(t, testConfig(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, KillSwitchFile), []byte("halt"), 0o644))

	res := p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "100"), marketOrder("o1", core.SideLong, "1", "90", "0"))
	assert.Empty(t, res.Fills)
	require.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Errors[0], apperrors.ErrKillSwitchActive)

	require.NoError(t, os.Remove(filepath.Join(dir, KillSwitchFile)))
	res = p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "100"), marketOrder("o1", core.SideLong, "1", "90", "0"))
	require.Len(t, res.Fills, 1)
}

func TestKillSwitchEnvCaseInsensitive(t *testing.T) {
	t.Setenv(KillSwitchEnv, "true")
	assert.True(t, KillSwitchEngaged(""))
	t.Setenv(KillSwitchEnv, "TRUE")
	assert.True(t, KillSwitchEngaged(""))
	t.Setenv(KillSwitchEnv, "false")
	assert.False(t, KillSwitchEngaged(""))
}

func TestDuplicateOrderReturnsRememberedFill(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	c := bar("100", "101", "99.5", "100", "1000")

	res := p.OnCandle(context.Background(), c, marketOrder("o1", core.SideLong, "1", "90", "0"))
	require.Len(t, res.Fills, 1)
	first := res.Fills[0]

	res = p.OnCandle(context.Background(), c, marketOrder("o1", core.SideLong, "1", "90", "0"))
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Qty.Equal(first.Qty))
	assert.True(t, res.Fills[0].Price.Equal(first.Price))

	// No double fill reached the position
	pos := p.Position()
	require.NotNil(t, pos)
	assert.True(t, pos.Qty.Equal(d("1")))
	assert.Len(t, pos.Lots, 1)
}

func TestReserveOrderID(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))

	assert.True(t, p.ReserveOrderID("o1"))
	assert.False(t, p.ReserveOrderID("o1"), "in-flight id must not be reservable")
	p.ReleaseOrderID("o1")
	assert.True(t, p.ReserveOrderID("o1"))
	p.ReleaseOrderID("o1")

	// Once processed, the id stays burned
	p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "1000"), marketOrder("o2", core.SideLong, "1", "90", "0"))
	assert.False(t, p.ReserveOrderID("o2"))
}

func TestStopLossWinsOverTakeProfit(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))

	p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "104"))
	require.NotNil(t, p.Position())

	// Bar touches both levels; the conservative fill is the stop
	res := p.OnCandle(context.Background(), bar("100", "105", "97", "99", "1000"), nil)
	require.Len(t, res.Exits, 1)
	assert.Equal(t, core.ExitSL, res.Exits[0].Reason)
	assert.True(t, res.Exits[0].Price.Equal(d("98")))
	assert.Nil(t, p.Position())
	assert.True(t, p.Equity().Equal(d("9998")))
}

func TestTakeProfitExit(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))

	p.OnCandle(context.Background(), bar("100", "101", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "104"))
	res := p.OnCandle(context.Background(), bar("100", "105", "99", "104", "1000"), nil)
	require.Len(t, res.Exits, 1)
	assert.Equal(t, core.ExitTP, res.Exits[0].Reason)
	assert.True(t, p.Equity().Equal(d("10004")))
}

func TestShortStopLoss(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))

	p.OnCandle(context.Background(), bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideShort, "1", "102", "95"))
	res := p.OnCandle(context.Background(), bar("100", "103", "99", "101", "1000"), nil)
	require.Len(t, res.Exits, 1)
	assert.Equal(t, core.ExitSL, res.Exits[0].Reason)
	assert.True(t, p.Equity().Equal(d("9998")))
}

func TestTrailingStopLifecycle(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	// Entry 100, SL 98 -> R = 2, activation at +1 (0.5R), distance 3 (1.5R)
	p.OnCandle(ctx, bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "0"))
	pos := p.Position()
	require.NotNil(t, pos)
	assert.False(t, pos.TrailActive)

	// Close at 101 activates the trail at 101 - 3 = 98
	p.OnCandle(ctx, bar("100", "101.5", "100", "101", "1000"), nil)
	pos = p.Position()
	assert.True(t, pos.TrailActive)
	assert.True(t, pos.TrailStop.Equal(d("98")), "got %s", pos.TrailStop)

	// Close at 105 ratchets the trail to 102
	p.OnCandle(ctx, bar("101", "105", "100.5", "105", "1000"), nil)
	pos = p.Position()
	assert.True(t, pos.TrailStop.Equal(d("102")))

	// The trail never moves backwards
	p.OnCandle(ctx, bar("105", "105", "102.5", "103", "1000"), nil)
	pos = p.Position()
	assert.True(t, pos.TrailStop.Equal(d("102")))

	// A dip through 102 triggers the TRAIL exit
	res := p.OnCandle(ctx, bar("103", "103", "101.5", "102.5", "1000"), nil)
	require.Len(t, res.Exits, 1)
	assert.Equal(t, core.ExitTrail, res.Exits[0].Reason)
	assert.True(t, res.Exits[0].Price.Equal(d("102")))
	assert.True(t, p.Equity().Equal(d("10002")))
}

func TestTickExitUsesBidForLong(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	p.OnCandle(ctx, bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "0"))

	// Last above the stop, but the bid is through it
	res := p.OnTick(ctx, core.Tick{Symbol: "BTCUSD", Last: d("98.5"), Bid: d("97.9"), Ask: d("98.6")})
	require.Len(t, res.Exits, 1)
	assert.Equal(t, core.ExitSL, res.Exits[0].Reason)
}

func TestTickZeroLastRejected(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	p.OnCandle(ctx, bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "0"))
	res := p.OnTick(ctx, core.Tick{Symbol: "BTCUSD", Last: decimal.Zero})
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], apperrors.ErrInvalidPrice)
	assert.NotNil(t, p.Position())
}

func TestLimitOrderWaitsForTouch(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	order := &core.Order{
		Go:            true,
		Side:          core.SideLong,
		EntryType:     core.EntryLimit,
		Entry:         d("95"),
		SL:            d("93"),
		Qty:           d("1"),
		ClientOrderID: "l1",
	}

	// Bar never trades down to 95: order parks as working
	res := p.OnCandle(ctx, bar("100", "101", "98", "100", "1000"), order)
	assert.Empty(t, res.Fills)
	require.Len(t, p.WorkingOrders(), 1)

	// Touch bar fills at the limit price
	res = p.OnCandle(ctx, bar("98", "99", "94.5", "96", "1000"), nil)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Price.Equal(d("95")))
	assert.Empty(t, p.WorkingOrders())
}

func TestInversePnL(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.IsInverse = true
	p, _ := newTestBroker(t, cfg)
	ctx := context.Background()

	p.OnCandle(ctx, bar("50000", "50100", "49900", "50000", "1000"), marketOrder("o1", core.SideLong, "1", "48000", "0"))

	// notional * (1/entry - 1/exit) = 50000 * (1/50000 - 1/51000)
	pnl, _ := p.UnrealizedPnL(d("51000")).Float64()
	assert.InDelta(t, 0.0196078, pnl, 0.000001)

	exits := p.CloseAll(ctx, d("51000"))
	require.Len(t, exits, 1)
	got, _ := exits[0].PnL.Float64()
	assert.InDelta(t, 0.0196078, got, 0.000001)
}

func TestCloseAllForceCloseNoSlippage(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SlippageBps = 10
	p, _ := newTestBroker(t, cfg)
	ctx := context.Background()

	p.OnCandle(ctx, bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "90", "0"))

	exits := p.CloseAll(ctx, d("101"))
	require.Len(t, exits, 1)
	assert.Equal(t, core.ExitForceClose, exits[0].Reason)
	assert.True(t, exits[0].Price.Equal(d("101")), "force close fills at the given price, got %s", exits[0].Price)
	assert.Nil(t, p.Position())

	// Idempotent: nothing left to close
	assert.Empty(t, p.CloseAll(ctx, d("101")))
}

func TestStateRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	statePath := filepath.Join(dir, "paper_state.json")

	mgr, err := state.NewManager(statePath, nopLogger{})
	require.NoError(t, err)
	p := NewPaper(cfg, mgr, nil, nil, nopLogger{})

	p.OnCandle(context.Background(), bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "104"))
	require.NoError(t, p.SaveState())

	// A fresh broker over the same file picks up where we left off
	mgr2, err := state.NewManager(statePath, nopLogger{})
	require.NoError(t, err)
	p2 := NewPaper(cfg, mgr2, nil, nil, nopLogger{})

	pos := p2.Position()
	require.NotNil(t, pos)
	assert.Equal(t, core.SideLong, pos.Side)
	assert.True(t, pos.Entry.Equal(d("100")))
	assert.True(t, pos.SL.Equal(d("98")))
	assert.True(t, p2.Equity().Equal(d("10000")))

	// Processed ids survive the restart; the remembered fill does not,
	// so the duplicate is rejected outright
	res := p2.OnCandle(context.Background(), bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "104"))
	pos = p2.Position()
	assert.True(t, pos.Qty.Equal(d("1")), "duplicate after restart must not double the position")
	assert.Empty(t, res.Fills)
	require.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Errors[0], apperrors.ErrDuplicateOrder)
}

func TestTradeCallbackFeedsPnL(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	var gotPnL, gotEquity []decimal.Decimal
	p.SetTradeCallback(func(equity, pnl decimal.Decimal) {
		gotEquity = append(gotEquity, equity)
		gotPnL = append(gotPnL, pnl)
	})

	p.OnCandle(ctx, bar("100", "100.5", "99.5", "100", "1000"), marketOrder("o1", core.SideLong, "1", "98", "0"))
	p.OnCandle(ctx, bar("100", "100", "97", "98", "1000"), nil)

	require.Len(t, gotPnL, 1)
	assert.True(t, gotPnL[0].Equal(d("-2")))
	assert.True(t, gotEquity[0].Equal(d("9998")))
}

func TestCancelWorkingOrders(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	order := &core.Order{
		Go: true, Side: core.SideLong, EntryType: core.EntryLimit,
		Entry: d("95"), SL: d("93"), Qty: d("1"), ClientOrderID: "l1",
	}
	p.OnCandle(ctx, bar("100", "101", "98", "100", "1000"), order)
	require.Len(t, p.WorkingOrders(), 1)

	assert.Equal(t, 1, p.CancelWorkingOrders())
	assert.Empty(t, p.WorkingOrders())
}

func TestApplyFundingLongDebited(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	p.OnCandle(ctx, bar("100", "101", "99", "100", "1000"), marketOrder("o1", core.SideLong, "1", "90", "0"))

	// charge = rate * notional = 0.0001 * 100
	charge := p.ApplyFunding(ctx, d("0.0001"))
	assert.True(t, charge.Equal(d("0.01")), "got %s", charge)
	assert.True(t, p.Equity().Equal(d("9999.99")), "got %s", p.Equity())
}

func TestApplyFundingShortCredited(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))
	ctx := context.Background()

	p.OnCandle(ctx, bar("100", "101", "99", "100", "1000"), marketOrder("o1", core.SideShort, "1", "110", "0"))

	// Positive rates pay shorts
	charge := p.ApplyFunding(ctx, d("0.0001"))
	assert.True(t, charge.Equal(d("-0.01")), "got %s", charge)
	assert.True(t, p.Equity().Equal(d("10000.01")), "got %s", p.Equity())
}

func TestApplyFundingFlatIsNoop(t *testing.T) {
	p, _ := newTestBroker(t, testConfig(t.TempDir()))

	charge := p.ApplyFunding(context.Background(), d("0.0001"))
	assert.True(t, charge.IsZero())
	assert.True(t, p.Equity().Equal(d("10000")))
}

func TestApplyFundingPersists(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, mgr := newTestBroker(t, cfg)
	ctx := context.Background()

	p.OnCandle(ctx, bar("100", "101", "99", "100", "1000"), marketOrder("o1", core.SideLong, "1", "90", "0"))
	p.ApplyFunding(ctx, d("0.0001"))

	p2 := NewPaper(cfg, mgr, nil, nil, nopLogger{})
	assert.True(t, p2.Equity().Equal(d("9999.99")), "got %s", p2.Equity())
}
