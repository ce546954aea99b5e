// Package session implements the concurrent session runtime: the
// supervised set of tasks that drive one trading session from startup
// through orderly shutdown.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"live_agent/internal/broker"
	"live_agent/internal/config"
	"live_agent/internal/core"
	"live_agent/internal/events"
	"live_agent/internal/risk"
	"live_agent/internal/state"
	"live_agent/pkg/concurrency"
	"live_agent/pkg/retry"
	"live_agent/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Reason names why the session stopped. The first requested reason wins.
type Reason string

const (
	ReasonDurationLimit  Reason = "duration_limit"
	ReasonKillSwitch     Reason = "kill_switch"
	ReasonStaleData      Reason = "stale_data"
	ReasonCircuitBreaker Reason = "circuit_breaker"
	ReasonWatchdogFrozen Reason = "watchdog_frozen"
	ReasonErrorBudget    Reason = "error_budget"
	ReasonMemoryLimit    Reason = "memory_limit"
	ReasonTaskFailed     Reason = "task_failed"
	ReasonStreamEnded    Reason = "stream_ended"
	ReasonSignal         Reason = "signal"
)

// ExitCode maps the shutdown reason to the process exit code.
func (r Reason) ExitCode() int {
	switch r {
	case ReasonDurationLimit, ReasonStreamEnded, ReasonSignal:
		return 0
	case ReasonKillSwitch:
		return 99
	default:
		return 1
	}
}

const (
	keyErrorBreaker   = "error_breaker"
	keyTradingBreaker = "trading_breaker"

	pendingFillWait   = 2 * time.Second
	brokerStopTimeout = 5 * time.Second
	execQueueCapacity = 64
)

// execItem carries one accepted order from the data loop to execution.
type execItem struct {
	order   core.Order
	candle  core.Candle
	latency time.Duration
}

// Coordinator owns the session lifecycle: it builds the broker and its
// stores, supervises the task set, and runs the shutdown drain.
type Coordinator struct {
	cfg       *config.Config
	sessionID string
	provider  core.Provider
	strategy  core.Strategy
	logger    core.ILogger

	broker         core.Broker
	store          *state.Manager // unified_state.json: breakers + session metadata
	eventLog       *events.Log
	errorBreaker   *risk.ErrorBreaker
	tradingBreaker *risk.TradingBreaker
	pool           *concurrency.WorkerPool
	watchdog       *hardwareWatchdog

	execQueue chan execItem
	pending   atomic.Int64 // orders enqueued but not yet through the broker

	candleMu sync.Mutex
	candles  []core.Candle

	latestTick atomic.Pointer[core.Tick]
	lastClose  atomic.Pointer[decimal.Decimal]

	start       time.Time
	lastDataNS  atomic.Int64 // monotonic nanos since start
	heartbeatNS atomic.Int64

	errorCount atomic.Int32

	shutdownOnce sync.Once
	reason       Reason
	shutdownCh   chan struct{}
	cancelTasks  context.CancelFunc

	now func() time.Time // wall clock, swappable in tests
}

// New builds the coordinator and all broker-side state, restoring any
// persisted session. Config must already be validated.
func New(cfg *config.Config, provider core.Provider, strategy core.Strategy, logger core.ILogger) (*Coordinator, error) {
	for _, dir := range []string{cfg.Session.StateDir, cfg.Session.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := state.NewManager(filepath.Join(cfg.Session.StateDir, "unified_state.json"), logger)
	if err != nil {
		return nil, err
	}
	brokerStore, err := state.NewManager(filepath.Join(cfg.Session.StateDir, "paper_state.json"), logger)
	if err != nil {
		return nil, err
	}
	eventLog, err := events.NewLog(cfg.Session.StateDir, logger)
	if err != nil {
		return nil, err
	}

	var hist *state.HistoryStore
	if cfg.Broker.HistoryDBPath != "" {
		hist, err = state.NewHistoryStore(cfg.Broker.HistoryDBPath)
		if err != nil {
			logger.Warn("History store unavailable, continuing without audit trail", "error", err)
		}
	}

	maxPerSymbol := make(map[string]decimal.Decimal, len(cfg.Broker.MaxPositionPerSymbol))
	for sym, v := range cfg.Broker.MaxPositionPerSymbol {
		maxPerSymbol[sym] = decimal.NewFromFloat(v)
	}

	paper := broker.NewPaper(broker.Config{
		Symbol:               cfg.Session.Symbol,
		TakerFeeBps:          cfg.Broker.TakerFeeBps,
		MakerFeeBps:          cfg.Broker.MakerFeeBps,
		SlippageBps:          cfg.Broker.SlippageBps,
		IsInverse:            cfg.Broker.IsInverse,
		VolumeCapRatio:       cfg.Broker.VolumeCapRatio,
		MaxOrdersPerMinute:   cfg.Broker.MaxOrdersPerMinute,
		MaxPositionSizeUSD:   decimal.NewFromFloat(cfg.Broker.MaxPositionSizeUSD),
		MaxPositionPerSymbol: maxPerSymbol,
		TrailMult:            cfg.Broker.TrailMult,
		TrailActivateR:       cfg.Broker.TrailActivateR,
		StartingEquity:       decimal.NewFromFloat(cfg.Session.StartingBalance),
		StateDir:             cfg.Session.StateDir,
	}, brokerStore, eventLog, hist, logger)

	c := &Coordinator{
		cfg:            cfg,
		sessionID:      uuid.NewString(),
		provider:       provider,
		strategy:       strategy,
		logger:         logger.WithField("component", "coordinator"),
		broker:         paper,
		store:          store,
		eventLog:       eventLog,
		errorBreaker:   risk.NewErrorBreaker(cfg.Risk.MaxFailures, time.Duration(cfg.Risk.ResetTimeoutSec)*time.Second),
		tradingBreaker: risk.NewTradingBreaker(cfg.Risk.MaxDailyDrawdownPct, cfg.Risk.MaxConsecutiveLosses),
		execQueue:      make(chan execItem, execQueueCapacity),
		shutdownCh:     make(chan struct{}),
		now:            time.Now,
	}

	c.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "session",
		MaxWorkers: 4,
	}, logger)

	c.restoreBreakers()

	paper.SetTradeCallback(func(equity, pnl decimal.Decimal) {
		c.tradingBreaker.UpdateEquity(equity, &pnl)
	})

	c.watchdog = newHardwareWatchdog(c, logger)
	return c, nil
}

// restoreBreakers loads persisted breaker snapshots and applies the stale
// drawdown reset guard: a flat book carrying yesterday's drawdown must
// not trip the breaker at startup.
func (c *Coordinator) restoreBreakers() {
	var ebs risk.ErrorBreakerSnapshot
	if c.store.Get(keyErrorBreaker, &ebs) {
		c.errorBreaker.Restore(ebs)
	}
	var tbs risk.TradingBreakerSnapshot
	if c.store.Get(keyTradingBreaker, &tbs) {
		c.tradingBreaker.Restore(tbs)
	}

	equity := c.broker.Equity()
	if !c.tradingBreaker.StartingEquity().IsPositive() {
		c.tradingBreaker.SetStartingEquity(equity)
		return
	}

	if c.broker.Position() == nil {
		dd := c.tradingBreaker.DrawdownPct(equity)
		if dd.GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.Risk.MaxDailyDrawdownPct)) {
			c.logger.Warn("Stale drawdown with no open exposure, resetting reference equity",
				"drawdown_pct", dd, "equity", equity)
			c.tradingBreaker.SetStartingEquity(equity)
			c.tradingBreaker.Reset()
		}
	}
}

// Run drives the session: history seed, task supervision, shutdown drain.
// It returns the shutdown reason; map it to an exit code with ExitCode.
func (c *Coordinator) Run(ctx context.Context) (Reason, error) {
	c.start = time.Now()
	c.lastDataNS.Store(0)

	c.logger.Info("Session starting",
		"session_id", c.sessionID,
		"symbol", c.cfg.Session.Symbol,
		"mode", c.cfg.Session.ExecutionMode,
		"duration_min", c.cfg.Session.DurationMin,
		"dry_run", c.cfg.Session.DryRun)

	go c.watchdog.run()

	c.seedHistory(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancelTasks = cancel
	g, taskCtx := errgroup.WithContext(runCtx)

	c.spawn(g, taskCtx, "market_data", c.marketDataTask)
	c.spawn(g, taskCtx, "execution", c.executionTask)
	c.spawn(g, taskCtx, "watchdog_tick", c.watchdogTickTask)
	c.spawn(g, taskCtx, "heartbeat", c.heartbeatTask)
	c.spawn(g, taskCtx, "stale_data", c.staleDataTask)
	c.spawn(g, taskCtx, "timer", c.timerTask)
	c.spawn(g, taskCtx, "kill_switch", c.killSwitchTask)
	c.spawn(g, taskCtx, "funding", c.fundingTask)
	c.spawn(g, taskCtx, "checkpoint", c.checkpointTask)

	select {
	case <-ctx.Done():
		c.requestShutdown(ReasonSignal)
	case <-c.shutdownCh:
	}

	c.drain(g)
	return c.reason, nil
}

// spawn wraps a task with panic containment. An escaped panic or error
// requests shutdown with reason task_failed.
func (c *Coordinator) spawn(g *errgroup.Group, ctx context.Context, name string, task func(ctx context.Context) error) {
	log := c.logger.WithField("task", name)
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Task panicked", "panic", r)
				telemetry.GetGlobalMetrics().TaskErrorsTotal.Add(context.Background(), 1)
				c.requestShutdown(ReasonTaskFailed)
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
		}()
		if err := task(ctx); err != nil && ctx.Err() == nil {
			log.Error("Task failed", "error", err)
			telemetry.GetGlobalMetrics().TaskErrorsTotal.Add(context.Background(), 1)
			c.requestShutdown(ReasonTaskFailed)
			return err
		}
		return nil
	})
}

// seedHistory fetches the warmup candles, retrying up to 5 times 10 s
// apart. The session starts degraded rather than failing.
func (c *Coordinator) seedHistory(ctx context.Context) {
	if c.cfg.Session.MinHistoryBars <= 0 {
		return
	}

	var seed []core.Candle
	err := retry.Do(ctx, retry.SeedPolicy, retry.Always, func() error {
		var err error
		seed, err = c.provider.History(ctx, c.cfg.Session.MinHistoryBars)
		return err
	})
	if err != nil {
		c.logger.Warn("History seed failed, starting with empty buffer", "error", err)
		return
	}

	c.candleMu.Lock()
	c.candles = append(c.candles, seed...)
	c.trimCandlesLocked()
	c.candleMu.Unlock()
	c.logger.Info("History seeded", "bars", len(seed))
}

// requestShutdown records the first shutdown reason and wakes Run.
func (c *Coordinator) requestShutdown(reason Reason) {
	c.shutdownOnce.Do(func() {
		c.reason = reason
		c.logger.Info("Shutdown requested", "reason", reason)
		close(c.shutdownCh)
	})
}

// ShutdownRequested reports whether a shutdown reason has been recorded.
func (c *Coordinator) ShutdownRequested() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}

// drain runs the ordered shutdown sequence.
func (c *Coordinator) drain(g *errgroup.Group) {
	log := c.logger.WithField("phase", "drain")

	if err := c.eventLog.Append(events.EventSessionStopped, map[string]interface{}{
		"session_id": c.sessionID,
		"reason":     string(c.reason),
	}); err != nil {
		log.Error("Failed to append SessionStopped event", "error", err)
	}

	if n := c.broker.CancelWorkingOrders(); n > 0 {
		log.Info("Cancelled working orders", "count", n)
	}

	// Bounded wait for orders already handed to execution
	deadline := time.Now().Add(pendingFillWait)
	for c.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	// Anything still queued survives to disk as a working order
	if drained := c.drainQueue(); drained > 0 {
		log.Info("Drained execution queue into working orders", "count", drained)
	}

	c.cancelTasks()
	if err := g.Wait(); err != nil {
		log.Warn("Task group finished with error", "error", err)
	}

	// The data task may have enqueued between the first sweep and task
	// cancellation; sweep again now that no producer is running.
	if late := c.drainQueue(); late > 0 {
		log.Info("Drained late orders into working orders", "count", late)
	}

	if pos := c.broker.Position(); pos != nil {
		price := c.lastPrice()
		if price.IsPositive() {
			exits := c.broker.CloseAll(context.Background(), price)
			log.Info("Force-closed open position", "price", price, "exits", len(exits))
		} else {
			log.Error("Open position could not be force-closed: no reference price")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), brokerStopTimeout)
	defer cancel()
	if err := c.broker.Shutdown(stopCtx); err != nil {
		log.Error("Broker shutdown failed", "error", err)
	}

	if err := c.saveCheckpoint(); err != nil {
		log.Error("Final checkpoint failed", "error", err)
	}
	c.pool.Stop()

	log.Info("Session stopped",
		"session_id", c.sessionID,
		"reason", c.reason,
		"equity", c.broker.Equity(),
		"realized_pnl", c.broker.RealizedPnL(),
		"working_orders", len(c.broker.WorkingOrders()),
		"errors", c.errorCount.Load())
}

// drainQueue moves every order still in the execution queue into broker
// working orders and returns the count moved.
func (c *Coordinator) drainQueue() int {
	drained := 0
	for {
		select {
		case item := <-c.execQueue:
			c.broker.AddWorkingOrder(core.WorkingOrder{
				Order:     item.order,
				Remaining: item.order.Qty,
				CreatedAt: time.Now(),
			})
			c.pending.Add(-1)
			drained++
		default:
			return drained
		}
	}
}

// lastPrice returns the latest tick's last, falling back to the last
// candle close.
func (c *Coordinator) lastPrice() decimal.Decimal {
	if tick := c.latestTick.Load(); tick != nil && tick.Last.IsPositive() {
		return tick.Last
	}
	if cl := c.lastClose.Load(); cl != nil {
		return *cl
	}
	return decimal.Zero
}

// saveCheckpoint persists the breaker snapshots and the broker state.
func (c *Coordinator) saveCheckpoint() error {
	if err := c.store.Set(keyErrorBreaker, c.errorBreaker.Snapshot()); err != nil {
		return err
	}
	if err := c.store.Set(keyTradingBreaker, c.tradingBreaker.Snapshot()); err != nil {
		return err
	}
	if err := c.store.Save(); err != nil {
		return err
	}
	return c.broker.SaveState()
}

func (c *Coordinator) trimCandlesLocked() {
	max := c.cfg.Session.MaxCandleBuffer
	if max > 0 && len(c.candles) > max {
		c.candles = c.candles[len(c.candles)-max:]
	}
}

// monotonicNS is nanoseconds since session start on the monotonic clock.
func (c *Coordinator) monotonicNS() int64 {
	return int64(time.Since(c.start))
}
