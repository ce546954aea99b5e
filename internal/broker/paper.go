// Package broker implements the paper broker: the position state machine
// with simulated fills, SL/TP/trailing exits, safety gates, and atomic
// persistence.
package broker

import (
	"context"
	"fmt"
	"live_agent/internal/core"
	"live_agent/internal/events"
	"live_agent/internal/state"
	"live_agent/pkg/apperrors"
	"live_agent/pkg/telemetry"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	processedIDCapacity = 1024
	orderHistoryCap     = 256
	stateKey            = "session"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Config holds the fill simulation and safety gate parameters.
type Config struct {
	Symbol               string
	TakerFeeBps          float64
	MakerFeeBps          float64
	SlippageBps          float64
	IsInverse            bool
	VolumeCapRatio       float64 // max share of bar volume a market order can absorb
	MaxOrdersPerMinute   int
	MaxPositionSizeUSD   decimal.Decimal
	MaxPositionPerSymbol map[string]decimal.Decimal
	TrailMult            float64
	TrailActivateR       float64
	StartingEquity       decimal.Decimal
	StateDir             string
}

// sessionState is the persisted broker snapshot.
type sessionState struct {
	StartingEquity    decimal.Decimal     `json:"starting_equity"`
	CurrentEquity     decimal.Decimal     `json:"current_equity"`
	RealizedPnL       decimal.Decimal     `json:"realized_pnl"`
	Pos               *core.Position      `json:"pos"`
	WorkingOrders     []core.WorkingOrder `json:"working_orders"`
	ProcessedOrderIDs []string            `json:"processed_order_ids"`
	OrderHistory      []core.Fill         `json:"order_history"`
}

// Paper is the canonical paper broker. All mutations are serialized on an
// internal lock; atomicity is per call.
type Paper struct {
	mu sync.Mutex

	cfg    Config
	logger core.ILogger
	store  *state.Manager
	events *events.Log
	hist   *state.HistoryStore // optional audit trail

	pos            *core.Position
	workingOrders  []core.WorkingOrder
	startingEquity decimal.Decimal
	currentEquity  decimal.Decimal
	realizedPnL    decimal.Decimal
	orderHistory   []core.Fill

	// idempotency: an id is in exactly one of inFlight or processed
	// between dequeue and completion
	inFlight  map[string]struct{}
	processed map[string]int64
	procSeq   int64
	results   map[string]core.Fill // remembered outcome per processed id

	guard *limitGuard

	// onTrade is invoked with post-trade equity and the realized PnL of
	// every closed trade; the coordinator wires it to the trading
	// circuit breaker. Called under the broker lock, so it must not
	// call back into the broker.
	onTrade func(equity, pnl decimal.Decimal)

	now func() time.Time
}

// NewPaper constructs the broker and restores any persisted state.
func NewPaper(cfg Config, store *state.Manager, eventLog *events.Log, hist *state.HistoryStore, logger core.ILogger) *Paper {
	if cfg.VolumeCapRatio <= 0 {
		cfg.VolumeCapRatio = 0.10
	}
	if cfg.TrailMult <= 0 {
		cfg.TrailMult = 1.5
	}
	if cfg.TrailActivateR <= 0 {
		cfg.TrailActivateR = 0.5
	}

	p := &Paper{
		cfg:            cfg,
		logger:         logger.WithField("component", "paper_broker"),
		store:          store,
		events:         eventLog,
		hist:           hist,
		startingEquity: cfg.StartingEquity,
		currentEquity:  cfg.StartingEquity,
		inFlight:       make(map[string]struct{}),
		processed:      make(map[string]int64),
		results:        make(map[string]core.Fill),
		guard:          newLimitGuard(cfg.MaxOrdersPerMinute, cfg.MaxPositionSizeUSD, cfg.MaxPositionPerSymbol),
		now:            time.Now,
	}

	p.restore()
	return p
}

func (p *Paper) restore() {
	var snap sessionState
	if !p.store.Get(stateKey, &snap) {
		return
	}

	if snap.StartingEquity.IsPositive() {
		p.startingEquity = snap.StartingEquity
	}
	if snap.CurrentEquity.IsPositive() {
		p.currentEquity = snap.CurrentEquity
	}
	p.realizedPnL = snap.RealizedPnL
	p.pos = snap.Pos
	p.workingOrders = snap.WorkingOrders
	p.orderHistory = snap.OrderHistory
	for _, id := range snap.ProcessedOrderIDs {
		p.procSeq++
		p.processed[id] = p.procSeq
	}

	p.logger.Info("Restored broker state",
		"equity", p.currentEquity,
		"has_position", p.pos != nil,
		"working_orders", len(p.workingOrders),
		"processed_ids", len(p.processed))
}

// OnCandle is the primary loop entry: fills working orders, submits the
// optional new order, and evaluates exits against the bar.
func (p *Paper) OnCandle(ctx context.Context, candle core.Candle, order *core.Order) core.BrokerResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res core.BrokerResult
	dirty := false

	// Bar capacity shared by working orders and the incoming order
	capacity := candle.Volume.Mul(decimal.NewFromFloat(p.cfg.VolumeCapRatio))

	if p.fillWorkingOrdersLocked(candle, &capacity, &res) {
		dirty = true
	}

	if order != nil && order.Go {
		if p.submitLocked(candle, *order, &capacity, &res) {
			dirty = true
		}
	}

	if p.pos != nil {
		p.pos.BarsOpen++
		if p.checkCandleExitsLocked(candle, &res) {
			dirty = true
		}
		dirty = true // bars_open changed
	}

	if dirty {
		if err := p.saveLocked(); err != nil {
			p.logger.Error("Failed to persist broker state", "error", err)
			res.Errors = append(res.Errors, err)
		}
	}

	p.updateGauges(candle.Close)
	return res
}

// OnTick runs intra-candle SL/TP/trail checks against the latest tick.
func (p *Paper) OnTick(ctx context.Context, tick core.Tick) core.BrokerResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res core.BrokerResult
	if p.pos == nil {
		return res
	}
	if !tick.Last.IsPositive() {
		res.Errors = append(res.Errors, apperrors.ErrInvalidPrice)
		return res
	}

	// Side-aware trigger price: exits of a LONG sell into the bid, exits
	// of a SHORT buy from the ask.
	price := tick.Last
	if p.pos.Side == core.SideLong && tick.Bid.IsPositive() {
		price = tick.Bid
	} else if p.pos.Side == core.SideShort && tick.Ask.IsPositive() {
		price = tick.Ask
	}

	if exit, ok := p.tickExitLocked(price); ok {
		res.Exits = append(res.Exits, exit)
		if err := p.saveLocked(); err != nil {
			p.logger.Error("Failed to persist broker state", "error", err)
			res.Errors = append(res.Errors, err)
		}
	}

	p.updateGauges(tick.Last)
	return res
}

// submitLocked runs the gate sequence and fills what the bar allows.
// Returns true when broker state changed.
func (p *Paper) submitLocked(candle core.Candle, order core.Order, capacity *decimal.Decimal, res *core.BrokerResult) bool {
	reject := func(err error) bool {
		telemetry.GetGlobalMetrics().RejectsTotal.Add(context.Background(), 1)
		res.Errors = append(res.Errors, err)
		return false
	}

	// 1. Kill switch
	if KillSwitchEngaged(p.cfg.StateDir) {
		return reject(apperrors.ErrKillSwitchActive)
	}

	// 2. Idempotency
	if order.ClientOrderID == "" {
		return reject(fmt.Errorf("%w: missing client_order_id", apperrors.ErrOrderRejected))
	}
	if _, done := p.processed[order.ClientOrderID]; done {
		if fill, ok := p.results[order.ClientOrderID]; ok {
			res.Fills = append(res.Fills, fill)
		} else {
			res.Errors = append(res.Errors, apperrors.ErrDuplicateOrder)
		}
		return false
	}

	refPrice := candle.Close
	if !refPrice.IsPositive() || !order.Qty.IsPositive() {
		return reject(apperrors.ErrInvalidPrice)
	}

	// Opposite-side entries while a position is open are not supported;
	// the strategy must exit first.
	if p.pos != nil && p.pos.Side != order.Side {
		return reject(fmt.Errorf("%w: position already open on %s side", apperrors.ErrOrderRejected, p.pos.Side))
	}

	// 3. Rate limit
	if err := p.guard.checkRate(); err != nil {
		return reject(err)
	}

	// 4. Notional cap
	if err := p.guard.checkNotional(order.Qty, refPrice); err != nil {
		return reject(err)
	}

	// 5. Per-symbol position cap
	var current decimal.Decimal
	if p.pos != nil {
		current = p.pos.Qty
	}
	if err := p.guard.checkPositionCap(p.cfg.Symbol, current, order.Qty); err != nil {
		return reject(err)
	}

	// Limit orders fill only when the bar touched the entry price
	if order.EntryType == core.EntryLimit {
		if candle.Low.GreaterThan(order.Entry) || candle.High.LessThan(order.Entry) {
			p.workingOrders = append(p.workingOrders, core.WorkingOrder{
				Order:     order,
				Remaining: order.Qty,
				CreatedAt: p.now(),
			})
			p.markProcessedLocked(order.ClientOrderID, nil)
			return true
		}
		refPrice = order.Entry
	}

	// 6. Volume capacity
	fillQty := order.Qty
	partial := false
	if capacity.LessThanOrEqual(decimal.Zero) {
		res.Errors = append(res.Errors, apperrors.ErrInsufficientVolume)
		p.workingOrders = append(p.workingOrders, core.WorkingOrder{
			Order:     order,
			Remaining: order.Qty,
			CreatedAt: p.now(),
		})
		p.markProcessedLocked(order.ClientOrderID, nil)
		return true
	}
	if fillQty.GreaterThan(*capacity) {
		fillQty = *capacity
		partial = true
	}
	*capacity = capacity.Sub(fillQty)

	fill := p.applyFillLocked(order, fillQty, refPrice, partial)
	res.Fills = append(res.Fills, fill)

	if partial {
		p.workingOrders = append(p.workingOrders, core.WorkingOrder{
			Order:     order,
			Remaining: order.Qty.Sub(fillQty),
			CreatedAt: p.now(),
		})
	}

	p.markProcessedLocked(order.ClientOrderID, &fill)
	return true
}

// fillWorkingOrdersLocked fills the head of the working-order queue
// against the bar's remaining capacity.
func (p *Paper) fillWorkingOrdersLocked(candle core.Candle, capacity *decimal.Decimal, res *core.BrokerResult) bool {
	if len(p.workingOrders) == 0 {
		return false
	}

	dirty := false
	remaining := p.workingOrders[:0]
	for i := range p.workingOrders {
		wo := p.workingOrders[i]

		if capacity.LessThanOrEqual(decimal.Zero) {
			remaining = append(remaining, wo)
			continue
		}

		refPrice := candle.Close
		if wo.Order.EntryType == core.EntryLimit {
			if candle.Low.GreaterThan(wo.Order.Entry) || candle.High.LessThan(wo.Order.Entry) {
				remaining = append(remaining, wo)
				continue
			}
			refPrice = wo.Order.Entry
		}

		fillQty := wo.Remaining
		if fillQty.GreaterThan(*capacity) {
			fillQty = *capacity
		}
		*capacity = capacity.Sub(fillQty)

		partial := fillQty.LessThan(wo.Remaining)
		fill := p.applyFillLocked(wo.Order, fillQty, refPrice, partial)
		res.Fills = append(res.Fills, fill)
		dirty = true

		if partial {
			wo.Remaining = wo.Remaining.Sub(fillQty)
			remaining = append(remaining, wo)
		}
	}
	p.workingOrders = remaining
	return dirty
}

// applyFillLocked applies slippage and fees, appends the lot, and updates
// the weighted-average entry.
func (p *Paper) applyFillLocked(order core.Order, qty, refPrice decimal.Decimal, partial bool) core.Fill {
	slip := decimal.NewFromFloat(p.cfg.SlippageBps).Div(bpsDivisor)
	var price decimal.Decimal
	if order.Side == core.SideLong {
		price = refPrice.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = refPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	feeBps := p.cfg.TakerFeeBps
	if order.EntryType == core.EntryLimit {
		feeBps = p.cfg.MakerFeeBps
	}
	fees := qty.Mul(price).Mul(decimal.NewFromFloat(feeBps)).Div(bpsDivisor)

	if p.pos == nil {
		p.pos = &core.Position{
			Side:      order.Side,
			SL:        order.SL,
			TP:        order.TP,
			InitialSL: order.SL,
			OpenedAt:  p.now(),
		}
	}

	p.pos.Lots = append(p.pos.Lots, core.Lot{Qty: qty, Price: price, Fees: fees})
	p.pos.EntryFees = p.pos.EntryFees.Add(fees)

	// Weighted-average entry over all lots
	var totalQty, weighted decimal.Decimal
	for _, lot := range p.pos.Lots {
		totalQty = totalQty.Add(lot.Qty)
		weighted = weighted.Add(lot.Qty.Mul(lot.Price))
	}
	p.pos.Qty = totalQty
	p.pos.Entry = weighted.Div(totalQty)

	fill := core.Fill{
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Qty:           qty,
		Price:         price,
		Fees:          fees,
		Partial:       partial,
		TS:            p.now(),
	}

	p.orderHistory = append(p.orderHistory, fill)
	if len(p.orderHistory) > orderHistoryCap {
		p.orderHistory = p.orderHistory[len(p.orderHistory)-orderHistoryCap:]
	}

	p.emitFill(fill)
	return fill
}

func (p *Paper) emitFill(fill core.Fill) {
	telemetry.GetGlobalMetrics().FillsTotal.Add(context.Background(), 1)
	if p.events != nil {
		err := p.events.Append(events.EventFill, map[string]interface{}{
			"client_order_id": fill.ClientOrderID,
			"side":            string(fill.Side),
			"qty":             fill.Qty.String(),
			"price":           fill.Price.String(),
			"fees":            fill.Fees.String(),
			"partial":         fill.Partial,
		})
		if err != nil {
			p.logger.Error("Failed to append Fill event", "error", err)
		}
	}
	if p.hist != nil {
		if err := p.hist.RecordFill(context.Background(), fill); err != nil {
			p.logger.Warn("Failed to record fill in history store", "error", err)
		}
	}
	p.logger.Info("Fill",
		"client_order_id", fill.ClientOrderID,
		"side", fill.Side,
		"qty", fill.Qty,
		"price", fill.Price,
		"partial", fill.Partial)
}

// checkCandleExitsLocked evaluates SL, TP, and trail against the bar.
// Conservative policy: when a bar touches both SL and TP, SL wins.
func (p *Paper) checkCandleExitsLocked(candle core.Candle, res *core.BrokerResult) bool {
	pos := p.pos

	if pos.Side == core.SideLong {
		if pos.SL.IsPositive() && candle.Low.LessThanOrEqual(pos.SL) {
			res.Exits = append(res.Exits, p.closePositionLocked(p.slipAgainst(pos.SL), core.ExitSL))
			return true
		}
		if pos.TrailActive && candle.Low.LessThanOrEqual(pos.TrailStop) {
			res.Exits = append(res.Exits, p.closePositionLocked(p.slipAgainst(pos.TrailStop), core.ExitTrail))
			return true
		}
		if pos.TP.IsPositive() && candle.High.GreaterThanOrEqual(pos.TP) {
			res.Exits = append(res.Exits, p.closePositionLocked(p.slipAgainst(pos.TP), core.ExitTP))
			return true
		}
	} else {
		if pos.SL.IsPositive() && candle.High.GreaterThanOrEqual(pos.SL) {
			res.Exits = append(res.Exits, p.closePositionLocked(p.slipAgainst(pos.SL), core.ExitSL))
			return true
		}
		if pos.TrailActive && candle.High.GreaterThanOrEqual(pos.TrailStop) {
			res.Exits = append(res.Exits, p.closePositionLocked(p.slipAgainst(pos.TrailStop), core.ExitTrail))
			return true
		}
		if pos.TP.IsPositive() && candle.Low.LessThanOrEqual(pos.TP) {
			res.Exits = append(res.Exits, p.closePositionLocked(p.slipAgainst(pos.TP), core.ExitTP))
			return true
		}
	}

	p.updateTrailLocked(candle.Close)
	return false
}

// tickExitLocked applies the same trigger ladder to a single tick price.
func (p *Paper) tickExitLocked(price decimal.Decimal) (core.ExitRecord, bool) {
	pos := p.pos

	if pos.Side == core.SideLong {
		if pos.SL.IsPositive() && price.LessThanOrEqual(pos.SL) {
			return p.closePositionLocked(p.slipAgainst(pos.SL), core.ExitSL), true
		}
		if pos.TrailActive && price.LessThanOrEqual(pos.TrailStop) {
			return p.closePositionLocked(p.slipAgainst(pos.TrailStop), core.ExitTrail), true
		}
		if pos.TP.IsPositive() && price.GreaterThanOrEqual(pos.TP) {
			return p.closePositionLocked(p.slipAgainst(pos.TP), core.ExitTP), true
		}
	} else {
		if pos.SL.IsPositive() && price.GreaterThanOrEqual(pos.SL) {
			return p.closePositionLocked(p.slipAgainst(pos.SL), core.ExitSL), true
		}
		if pos.TrailActive && price.GreaterThanOrEqual(pos.TrailStop) {
			return p.closePositionLocked(p.slipAgainst(pos.TrailStop), core.ExitTrail), true
		}
		if pos.TP.IsPositive() && price.LessThanOrEqual(pos.TP) {
			return p.closePositionLocked(p.slipAgainst(pos.TP), core.ExitTP), true
		}
	}

	p.updateTrailLocked(price)
	return core.ExitRecord{}, false
}

// updateTrailLocked activates the trail at >= trailActivateR of R
// unrealized and moves the stop monotonically in the favorable direction.
func (p *Paper) updateTrailLocked(price decimal.Decimal) {
	pos := p.pos
	r := pos.Entry.Sub(pos.InitialSL).Abs()
	if !r.IsPositive() {
		return
	}

	dist := r.Mul(decimal.NewFromFloat(p.cfg.TrailMult))
	activate := r.Mul(decimal.NewFromFloat(p.cfg.TrailActivateR))

	if pos.Side == core.SideLong {
		unrealized := price.Sub(pos.Entry)
		if !pos.TrailActive && unrealized.GreaterThanOrEqual(activate) {
			pos.TrailActive = true
			pos.TrailStop = price.Sub(dist)
			p.logger.Info("Trailing stop activated", "trail_stop", pos.TrailStop)
			return
		}
		if pos.TrailActive {
			candidate := price.Sub(dist)
			if candidate.GreaterThan(pos.TrailStop) {
				pos.TrailStop = candidate
			}
		}
	} else {
		unrealized := pos.Entry.Sub(price)
		if !pos.TrailActive && unrealized.GreaterThanOrEqual(activate) {
			pos.TrailActive = true
			pos.TrailStop = price.Add(dist)
			p.logger.Info("Trailing stop activated", "trail_stop", pos.TrailStop)
			return
		}
		if pos.TrailActive {
			candidate := price.Add(dist)
			if candidate.LessThan(pos.TrailStop) {
				pos.TrailStop = candidate
			}
		}
	}
}

// slipAgainst applies adverse slippage to an exit price.
func (p *Paper) slipAgainst(price decimal.Decimal) decimal.Decimal {
	slip := decimal.NewFromFloat(p.cfg.SlippageBps).Div(bpsDivisor)
	if p.pos.Side == core.SideLong {
		return price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	return price.Mul(decimal.NewFromInt(1).Add(slip))
}

// closePositionLocked closes every lot at the exit price, realizes PnL
// net of entry and exit fees, and destroys the position.
func (p *Paper) closePositionLocked(exitPrice decimal.Decimal, reason core.ExitReason) core.ExitRecord {
	pos := p.pos

	var gross decimal.Decimal
	for _, lot := range pos.Lots {
		gross = gross.Add(p.lotPnL(lot, exitPrice, pos.Side))
	}

	exitFees := pos.Qty.Mul(exitPrice).Mul(decimal.NewFromFloat(p.cfg.TakerFeeBps)).Div(bpsDivisor)
	pnl := gross.Sub(pos.EntryFees).Sub(exitFees)

	p.currentEquity = p.currentEquity.Add(pnl)
	p.realizedPnL = p.realizedPnL.Add(pnl)

	exit := core.ExitRecord{
		Reason: reason,
		Side:   pos.Side,
		Qty:    pos.Qty,
		Price:  exitPrice,
		PnL:    pnl,
		Fees:   pos.EntryFees.Add(exitFees),
		TS:     p.now(),
	}

	p.pos = nil
	p.emitExit(exit)

	if p.onTrade != nil {
		p.onTrade(p.currentEquity, pnl)
	}
	return exit
}

// lotPnL computes a single lot's gross PnL at the exit price.
func (p *Paper) lotPnL(lot core.Lot, exitPrice decimal.Decimal, side core.Side) decimal.Decimal {
	if p.cfg.IsInverse {
		// Inverse contract: PnL in base currency
		notional := lot.Qty.Mul(lot.Price)
		diff := decimal.NewFromInt(1).DivRound(lot.Price, 16).
			Sub(decimal.NewFromInt(1).DivRound(exitPrice, 16))
		pnl := notional.Mul(diff)
		if side == core.SideShort {
			pnl = pnl.Neg()
		}
		return pnl
	}

	diff := exitPrice.Sub(lot.Price)
	if side == core.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(lot.Qty)
}

func (p *Paper) emitExit(exit core.ExitRecord) {
	m := telemetry.GetGlobalMetrics()
	m.ExitsTotal.Add(context.Background(), 1)
	pnl, _ := exit.PnL.Float64()
	m.PnLRealizedTotal.Add(context.Background(), pnl)

	if p.events != nil {
		err := p.events.Append(events.EventExit, map[string]interface{}{
			"reason": string(exit.Reason),
			"side":   string(exit.Side),
			"qty":    exit.Qty.String(),
			"price":  exit.Price.String(),
			"pnl":    exit.PnL.String(),
			"fees":   exit.Fees.String(),
		})
		if err != nil {
			p.logger.Error("Failed to append Exit event", "error", err)
		}
	}
	if p.hist != nil {
		if err := p.hist.RecordExit(context.Background(), exit); err != nil {
			p.logger.Warn("Failed to record exit in history store", "error", err)
		}
	}
	p.logger.Info("Exit",
		"reason", exit.Reason,
		"side", exit.Side,
		"qty", exit.Qty,
		"price", exit.Price,
		"pnl", exit.PnL)
}

// markProcessedLocked records a completed client order id in the bounded
// LRU and remembers its fill for duplicate submissions.
func (p *Paper) markProcessedLocked(id string, fill *core.Fill) {
	if len(p.processed) >= processedIDCapacity {
		seqs := make([]int64, 0, len(p.processed))
		for _, s := range p.processed {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		cutoff := seqs[len(seqs)/2]
		for k, s := range p.processed {
			if s < cutoff {
				delete(p.processed, k)
				delete(p.results, k)
			}
		}
	}
	p.procSeq++
	p.processed[id] = p.procSeq
	if fill != nil {
		p.results[id] = *fill
	}
}

// ReserveOrderID claims a client order id before execution. It fails when
// the id is already in flight or already processed.
func (p *Paper) ReserveOrderID(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inFlight[id]; ok {
		return false
	}
	if _, ok := p.processed[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

// ReleaseOrderID releases an in-flight reservation after execution.
func (p *Paper) ReleaseOrderID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

// UnrealizedPnL computes open PnL at the given price.
func (p *Paper) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pos == nil || !price.IsPositive() {
		return decimal.Zero
	}

	var pnl decimal.Decimal
	for _, lot := range p.pos.Lots {
		pnl = pnl.Add(p.lotPnL(lot, price, p.pos.Side))
	}
	return pnl
}

// CloseAll force-closes any open position at the given price, reason
// FORCE_CLOSE, without slippage.
func (p *Paper) CloseAll(ctx context.Context, price decimal.Decimal) []core.ExitRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pos == nil || !price.IsPositive() {
		return nil
	}

	exit := p.closePositionLocked(price, core.ExitForceClose)
	if err := p.saveLocked(); err != nil {
		p.logger.Error("Failed to persist broker state after force close", "error", err)
	}
	return []core.ExitRecord{exit}
}

// ApplyFunding charges rate * notional against equity for the open
// position and returns the charge (zero when flat). Positive rates cost
// longs and pay shorts.
func (p *Paper) ApplyFunding(ctx context.Context, rate decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pos == nil || rate.IsZero() {
		return decimal.Zero
	}

	charge := rate.Mul(p.pos.Notional())
	if p.pos.Side == core.SideShort {
		charge = charge.Neg()
	}
	p.currentEquity = p.currentEquity.Sub(charge)

	if err := p.saveLocked(); err != nil {
		p.logger.Error("Failed to persist broker state after funding", "error", err)
	}
	p.logger.Info("Funding applied", "rate", rate, "charge", charge)
	return charge
}

// Position returns a copy of the open position, or nil.
func (p *Paper) Position() *core.Position {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pos == nil {
		return nil
	}
	cp := *p.pos
	cp.Lots = append([]core.Lot(nil), p.pos.Lots...)
	return &cp
}

// Equity returns the current equity.
func (p *Paper) Equity() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentEquity
}

// RealizedPnL returns the cumulative realized PnL.
func (p *Paper) RealizedPnL() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realizedPnL
}

// SetTradeCallback wires the closed-trade PnL stream (used by the
// trading circuit breaker).
func (p *Paper) SetTradeCallback(fn func(equity, pnl decimal.Decimal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrade = fn
}

// WorkingOrders returns a copy of the working-order queue.
func (p *Paper) WorkingOrders() []core.WorkingOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.WorkingOrder(nil), p.workingOrders...)
}

// AddWorkingOrder appends a working order; the shutdown drain uses this
// to preserve undelivered queue entries.
func (p *Paper) AddWorkingOrder(wo core.WorkingOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workingOrders = append(p.workingOrders, wo)
}

// CancelWorkingOrders drops all working orders and returns the count.
func (p *Paper) CancelWorkingOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workingOrders)
	p.workingOrders = nil
	return n
}

// SaveState persists the broker snapshot.
func (p *Paper) SaveState() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

func (p *Paper) saveLocked() error {
	ids := make([]string, 0, len(p.processed))
	type entry struct {
		id  string
		seq int64
	}
	entries := make([]entry, 0, len(p.processed))
	for id, seq := range p.processed {
		entries = append(entries, entry{id, seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		ids = append(ids, e.id)
	}

	snap := sessionState{
		StartingEquity:    p.startingEquity,
		CurrentEquity:     p.currentEquity,
		RealizedPnL:       p.realizedPnL,
		Pos:               p.pos,
		WorkingOrders:     p.workingOrders,
		ProcessedOrderIDs: ids,
		OrderHistory:      p.orderHistory,
	}

	if err := p.store.Set(stateKey, snap); err != nil {
		return err
	}
	return p.store.Save()
}

// Shutdown cancels working orders and persists final state.
func (p *Paper) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.workingOrders); n > 0 {
		p.logger.Info("Cancelling working orders on shutdown", "count", n)
	}
	// Working orders survive to disk so they can be inspected after the
	// session; they are not re-armed automatically.
	err := p.saveLocked()

	if p.hist != nil {
		if closeErr := p.hist.Close(); closeErr != nil {
			p.logger.Warn("Failed to close history store", "error", closeErr)
		}
	}
	return err
}

func (p *Paper) updateGauges(price decimal.Decimal) {
	m := telemetry.GetGlobalMetrics()
	eq, _ := p.currentEquity.Float64()
	m.SetEquity(p.cfg.Symbol, eq)

	if p.pos != nil {
		var pnl decimal.Decimal
		for _, lot := range p.pos.Lots {
			pnl = pnl.Add(p.lotPnL(lot, price, p.pos.Side))
		}
		u, _ := pnl.Float64()
		m.SetUnrealizedPnL(p.cfg.Symbol, u)
		q, _ := p.pos.Qty.Float64()
		m.SetPositionSize(p.cfg.Symbol, q)
	} else {
		m.SetUnrealizedPnL(p.cfg.Symbol, 0)
		m.SetPositionSize(p.cfg.Symbol, 0)
	}
}
