package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"live_agent/internal/broker"
	"live_agent/internal/core"
	"live_agent/internal/events"
	"live_agent/internal/risk"
	"live_agent/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	tickInterval       = 50 * time.Millisecond
	heartbeatInterval  = 1 * time.Second
	staleCheckInterval = 1 * time.Second
	killSwitchInterval = 500 * time.Millisecond
	fundingInterval    = 20 * time.Second
	checkpointInterval = 60 * time.Second
	execPollTimeout    = 1 * time.Second

	// AsyncHeartbeat event cadence in beats
	heartbeatEventEvery = 60
)

// marketDataTask fans in the provider stream: ticks update latest_tick,
// candles feed the buffer and the strategy. It is the only writer of
// latest_tick and last_data_ts.
func (c *Coordinator) marketDataTask(ctx context.Context) error {
	log := c.logger.WithField("task", "market_data")

	ch, err := c.provider.Listen(ctx)
	if err != nil {
		return fmt.Errorf("provider listen failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				log.Info("Market data stream ended")
				c.requestShutdown(ReasonStreamEnded)
				return nil
			}
			switch {
			case ev.Tick != nil:
				c.handleTick(log, *ev.Tick)
			case ev.Candle != nil:
				c.handleCandle(ctx, log, *ev.Candle)
			}
		}
	}
}

func (c *Coordinator) handleTick(log core.ILogger, tick core.Tick) {
	if !tick.Last.IsPositive() {
		log.Debug("Dropping invalid tick", "last", tick.Last)
		return
	}
	t := tick
	c.latestTick.Store(&t)
	c.lastDataNS.Store(c.monotonicNS())
}

func (c *Coordinator) handleCandle(ctx context.Context, log core.ILogger, candle core.Candle) {
	c.candleMu.Lock()
	c.candles = append(c.candles, candle)
	c.trimCandlesLocked()
	snapshot := append([]core.Candle(nil), c.candles...)
	c.candleMu.Unlock()

	closePrice := candle.Close
	c.lastClose.Store(&closePrice)
	c.lastDataNS.Store(c.monotonicNS())

	// Strategy evaluation runs on the pool; waiting preserves candle
	// order while keeping indicator math off this loop.
	var order *core.Order
	c.pool.SubmitAndWait(func() {
		order = c.strategy.OnCandle(snapshot, c.latestTick.Load())
	})

	if order == nil || !order.Go {
		return
	}

	item := execItem{
		order:   *order,
		candle:  candle,
		latency: time.Duration(c.cfg.Session.ExecutionLatencyMS) * time.Millisecond,
	}
	select {
	case c.execQueue <- item:
		c.pending.Add(1)
		telemetry.GetGlobalMetrics().SetQueueDepth(c.cfg.Session.Symbol, int64(len(c.execQueue)))
	default:
		log.Warn("Execution queue full, dropping order", "client_order_id", order.ClientOrderID)
		telemetry.GetGlobalMetrics().RejectsTotal.Add(ctx, 1)
	}
}

// executionTask consumes the order queue with a 1 s poll so shutdown is
// always observed. Broker rejections are logged but do not count against
// the error budget; task-level failures do.
func (c *Coordinator) executionTask(ctx context.Context) error {
	log := c.logger.WithField("task", "execution")

	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-c.execQueue:
			c.executeOne(ctx, log, item)
			telemetry.GetGlobalMetrics().SetQueueDepth(c.cfg.Session.Symbol, int64(len(c.execQueue)))
		case <-time.After(execPollTimeout):
		}
	}
}

func (c *Coordinator) executeOne(ctx context.Context, log core.ILogger, item execItem) {
	defer c.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Execution failed", "panic", r, "client_order_id", item.order.ClientOrderID)
			c.noteExecutionError(fmt.Sprintf("panic: %v", r))
		}
	}()

	if !c.broker.ReserveOrderID(item.order.ClientOrderID) {
		log.Warn("Order id already in flight or processed, skipping",
			"client_order_id", item.order.ClientOrderID)
		return
	}
	defer c.broker.ReleaseOrderID(item.order.ClientOrderID)

	// Simulated venue latency, skipped in dry runs
	if item.latency > 0 && !c.cfg.Session.DryRun {
		select {
		case <-ctx.Done():
			return
		case <-time.After(item.latency):
		}
	}

	started := time.Now()
	res := c.broker.OnCandle(ctx, item.candle, &item.order)
	telemetry.GetGlobalMetrics().ExecLatency.Record(ctx,
		float64(time.Since(started).Milliseconds())+float64(item.latency.Milliseconds()))

	for _, err := range res.Errors {
		log.Warn("Broker rejected order",
			"client_order_id", item.order.ClientOrderID, "error", err)
	}
	for _, fill := range res.Fills {
		log.Info("Order executed",
			"client_order_id", fill.ClientOrderID, "qty", fill.Qty, "price", fill.Price)
	}

	c.checkBreakers()
}

// noteExecutionError counts a task-level failure against the session
// error budget.
func (c *Coordinator) noteExecutionError(detail string) {
	n := c.errorCount.Add(1)
	telemetry.GetGlobalMetrics().TaskErrorsTotal.Add(context.Background(), 1)
	if err := c.eventLog.Append(events.EventExecutionTaskError, map[string]interface{}{
		"detail": detail,
		"count":  n,
	}); err != nil {
		c.logger.Error("Failed to append ExecutionTaskError event", "error", err)
	}
	if int(n) >= c.cfg.Risk.MaxErrorsPerSession {
		c.requestShutdown(ReasonErrorBudget)
	}
}

// checkBreakers requests shutdown when either breaker is open.
func (c *Coordinator) checkBreakers() {
	if c.tradingBreaker.IsTripped() {
		c.requestShutdown(ReasonCircuitBreaker)
		return
	}
	if c.errorBreaker.State() == risk.StateOpen {
		c.requestShutdown(ReasonCircuitBreaker)
	}
}

// watchdogTickTask drives intra-candle exits off the latest tick.
func (c *Coordinator) watchdogTickTask(ctx context.Context) error {
	log := c.logger.WithField("task", "watchdog_tick")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick := c.latestTick.Load()
			if tick == nil || c.broker.Position() == nil {
				continue
			}
			res := c.broker.OnTick(ctx, *tick)
			for _, exit := range res.Exits {
				log.Info("Tick exit", "reason", exit.Reason, "price", exit.Price, "pnl", exit.PnL)
			}
			if len(res.Exits) > 0 {
				c.checkBreakers()
			}
		}
	}
}

// heartbeatFile is the liveness record written next to the logs.
type heartbeatFile struct {
	UnixTS        float64 `json:"unix_ts"`
	LastUpdatedTS float64 `json:"last_updated_ts"`
	Price         float64 `json:"price"`
	Equity        float64 `json:"equity"`
	PositionSide  string  `json:"position_side"`
}

// heartbeatTask stamps the monotonic liveness timestamp every second and
// mirrors it to <logs>/heartbeat.json for external monitors.
func (c *Coordinator) heartbeatTask(ctx context.Context) error {
	log := c.logger.WithField("task", "heartbeat")
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	path := filepath.Join(c.cfg.Session.LogsDir, "heartbeat.json")
	beats := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.heartbeatNS.Store(c.monotonicNS())
			beats++

			side := "FLAT"
			if pos := c.broker.Position(); pos != nil {
				side = string(pos.Side)
			}
			price, _ := c.lastPrice().Float64()
			equity, _ := c.broker.Equity().Float64()

			hb := heartbeatFile{
				UnixTS:        float64(time.Now().UnixNano()) / 1e9,
				LastUpdatedTS: float64(c.heartbeatNS.Load()) / 1e9,
				Price:         price,
				Equity:        equity,
				PositionSide:  side,
			}
			raw, err := json.Marshal(hb)
			if err == nil {
				err = os.WriteFile(path, raw, 0o644)
			}
			if err != nil {
				log.Warn("Failed to write heartbeat file", "error", err)
			}

			if beats%heartbeatEventEvery == 0 {
				if err := c.eventLog.Append(events.EventAsyncHeartbeat, map[string]interface{}{
					"beat":          beats,
					"equity":        equity,
					"price":         price,
					"position_side": side,
				}); err != nil {
					log.Warn("Failed to append AsyncHeartbeat event", "error", err)
				}
			}
		}
	}
}

// staleDataTask requests shutdown when no candle or tick has arrived
// within stale_timeout.
func (c *Coordinator) staleDataTask(ctx context.Context) error {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	timeout := time.Duration(c.cfg.Session.StaleTimeoutSec) * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			age := time.Duration(c.monotonicNS() - c.lastDataNS.Load())
			if age > timeout {
				c.logger.Error("Market data is stale", "age", age, "timeout", timeout)
				c.requestShutdown(ReasonStaleData)
				return nil
			}
		}
	}
}

// timerTask ends the session at the configured duration.
func (c *Coordinator) timerTask(ctx context.Context) error {
	timer := time.NewTimer(time.Duration(c.cfg.Session.DurationMin) * time.Minute)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		c.requestShutdown(ReasonDurationLimit)
		return nil
	}
}

// killSwitchTask polls the out-of-band halt signal. The kill file is
// removed once observed so the next session starts clean.
func (c *Coordinator) killSwitchTask(ctx context.Context) error {
	ticker := time.NewTicker(killSwitchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !broker.KillSwitchEngaged(c.cfg.Session.StateDir) {
				continue
			}
			c.logger.Warn("Kill switch engaged")
			if err := os.Remove(filepath.Join(c.cfg.Session.StateDir, broker.KillSwitchFile)); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("Failed to remove kill file", "error", err)
			}
			c.requestShutdown(ReasonKillSwitch)
			return nil
		}
	}
}

// fundingTask settles funding at the UTC 00:00/08:00/16:00 boundaries,
// at most once per boundary. The provider call runs through the error
// breaker.
func (c *Coordinator) fundingTask(ctx context.Context) error {
	log := c.logger.WithField("task", "funding")
	ticker := time.NewTicker(fundingInterval)
	defer ticker.Stop()

	lastBoundary := ""

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lastBoundary = c.settleFunding(ctx, log, lastBoundary)
		}
	}
}

// fundingBoundary reports whether t falls on a UTC 00:00/08:00/16:00
// settlement window and returns the boundary key.
func fundingBoundary(t time.Time) (string, bool) {
	t = t.UTC()
	if t.Minute() != 0 || t.Hour()%8 != 0 {
		return "", false
	}
	return t.Format("2006-01-02T15"), true
}

// settleFunding applies at most one funding charge per boundary and
// returns the boundary consumed. A failed rate fetch still consumes the
// boundary; the charge is treated as zero rather than retried into the
// next window.
func (c *Coordinator) settleFunding(ctx context.Context, log core.ILogger, lastBoundary string) string {
	boundary, due := fundingBoundary(c.now())
	if !due || boundary == lastBoundary {
		return lastBoundary
	}

	if c.broker.Position() == nil {
		return boundary
	}

	var rate decimal.Decimal
	err := c.errorBreaker.Call(func() error {
		var err error
		rate, err = c.provider.FundingRate(ctx)
		return err
	})
	if err != nil {
		log.Warn("Funding rate unavailable, treating as zero", "error", err)
		return boundary
	}

	charge := c.broker.ApplyFunding(ctx, rate)
	if err := c.eventLog.Append(events.EventFunding, map[string]interface{}{
		"boundary": boundary,
		"rate":     rate.String(),
		"charge":   charge.String(),
	}); err != nil {
		log.Error("Failed to append Funding event", "error", err)
	}
	return boundary
}

// checkpointTask snapshots breakers and broker state every minute,
// offloaded to the pool so disk writes stay off the task loop.
func (c *Coordinator) checkpointTask(ctx context.Context) error {
	log := c.logger.WithField("task", "checkpoint")
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pool.SubmitAndWait(func() {
				if err := c.saveCheckpoint(); err != nil {
					log.Error("Checkpoint failed", "error", err)
					if apErr := c.eventLog.Append(events.EventCheckpointError, map[string]interface{}{
						"error": err.Error(),
					}); apErr != nil {
						log.Error("Failed to append CheckpointError event", "error", apErr)
					}
				}
			})
		}
	}
}
