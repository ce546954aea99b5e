// Package core defines the shared types and interfaces of the session runtime.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position or order.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// EntryType distinguishes market from limit entries.
type EntryType string

const (
	EntryMarket EntryType = "market"
	EntryLimit  EntryType = "limit"
)

// ExitReason names why a position was closed.
type ExitReason string

const (
	ExitSL         ExitReason = "SL"
	ExitTP         ExitReason = "TP"
	ExitTrail      ExitReason = "TRAIL"
	ExitEOD        ExitReason = "EOD"
	ExitForceClose ExitReason = "FORCE_CLOSE"
)

// Candle is one OHLCV bar. Immutable once emitted by a provider.
type Candle struct {
	TS     string          `json:"ts"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Tick is a best bid/ask/last snapshot. Last == 0 is invalid and must be
// dropped by the ingestion path before it reaches the broker or strategy.
type Tick struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	TS     string          `json:"ts"`
}

// MarketEvent carries exactly one of Candle or Tick through the data stream.
type MarketEvent struct {
	Candle *Candle `json:"candle,omitempty"`
	Tick   *Tick   `json:"tick,omitempty"`
}

// Order is the strategy's instruction to the broker. ClientOrderID is
// required; duplicates in flight or already processed are rejected.
type Order struct {
	Go            bool            `json:"go"`
	Side          Side            `json:"side"`
	EntryType     EntryType       `json:"entry_type"`
	Entry         decimal.Decimal `json:"entry"`
	SL            decimal.Decimal `json:"sl"`
	TP            decimal.Decimal `json:"tp"`
	Qty           decimal.Decimal `json:"qty"`
	ClientOrderID string          `json:"client_order_id"`
	Equity        decimal.Decimal `json:"equity"`
	RiskPct       float64         `json:"risk_pct"`
	RRMin         float64         `json:"rr_min"`
	LotStep       decimal.Decimal `json:"lot_step"`
	MinNotional   decimal.Decimal `json:"min_notional"`
	Setup         map[string]any  `json:"setup,omitempty"`
}

// Lot is a single fill contributing to the open position, kept in FIFO
// order for averaging and exit accounting.
type Lot struct {
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
	Fees  decimal.Decimal `json:"fees"`
}

// Position is the broker-owned open exposure. At most one per broker.
type Position struct {
	Side        Side            `json:"side"`
	Entry       decimal.Decimal `json:"entry"`
	Qty         decimal.Decimal `json:"qty"`
	SL          decimal.Decimal `json:"sl"`
	TP          decimal.Decimal `json:"tp"`
	InitialSL   decimal.Decimal `json:"initial_sl"`
	OpenedAt    time.Time       `json:"opened_at"`
	EntryFees   decimal.Decimal `json:"entry_fees"`
	BarsOpen    int             `json:"bars_open"`
	TrailActive bool            `json:"trail_active"`
	TrailStop   decimal.Decimal `json:"trail_stop"`
	Lots        []Lot           `json:"lots"`
}

// Notional returns qty * entry.
func (p *Position) Notional() decimal.Decimal {
	return p.Qty.Mul(p.Entry)
}

// WorkingOrder is the unfilled remainder of a submitted order, filled
// head-of-line on subsequent candles.
type WorkingOrder struct {
	Order     Order           `json:"order"`
	Remaining decimal.Decimal `json:"remaining"`
	CreatedAt time.Time       `json:"created_at"`
}

// Fill records one (possibly partial) execution.
type Fill struct {
	ClientOrderID string          `json:"client_order_id"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fees          decimal.Decimal `json:"fees"`
	Partial       bool            `json:"partial"`
	TS            time.Time       `json:"ts"`
}

// ExitRecord records a position close.
type ExitRecord struct {
	Reason ExitReason      `json:"reason"`
	Side   Side            `json:"side"`
	Qty    decimal.Decimal `json:"qty"`
	Price  decimal.Decimal `json:"price"`
	PnL    decimal.Decimal `json:"pnl"`
	Fees   decimal.Decimal `json:"fees"`
	TS     time.Time       `json:"ts"`
}

// BrokerResult aggregates the outcome of one broker call. Errors are
// non-fatal rejections (rate limit, caps, kill switch, duplicates).
type BrokerResult struct {
	Fills  []Fill
	Exits  []ExitRecord
	Errors []error
}

// InstrumentInfo describes exchange contract constraints for a symbol.
type InstrumentInfo struct {
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

// FundingRate is a venue funding rate snapshot.
type FundingRate struct {
	Symbol string          `json:"symbol"`
	Rate   decimal.Decimal `json:"rate"`
	TS     time.Time       `json:"ts"`
}
