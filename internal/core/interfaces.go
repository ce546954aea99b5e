package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging interface used across components.
// Fields are variadic key/value pairs.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Provider supplies market data for one instrument. Listen yields candles
// and ticks in the venue's order until ctx is cancelled; the channel is
// closed when the stream ends.
type Provider interface {
	Listen(ctx context.Context) (<-chan MarketEvent, error)
	History(ctx context.Context, n int) ([]Candle, error)
	FundingRate(ctx context.Context) (decimal.Decimal, error)
	FetchInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error)
}

// Strategy turns the candle buffer and the latest tick into an optional
// order. Returning nil or an order with Go == false means no action.
type Strategy interface {
	OnCandle(candles []Candle, tick *Tick) *Order
}

// Broker manages the position lifecycle against incoming candles and
// ticks. Implementations serialize mutations internally; atomicity is
// per call.
type Broker interface {
	OnCandle(ctx context.Context, candle Candle, order *Order) BrokerResult
	OnTick(ctx context.Context, tick Tick) BrokerResult
	UnrealizedPnL(price decimal.Decimal) decimal.Decimal
	CloseAll(ctx context.Context, price decimal.Decimal) []ExitRecord
	ApplyFunding(ctx context.Context, rate decimal.Decimal) decimal.Decimal
	Position() *Position
	Equity() decimal.Decimal
	RealizedPnL() decimal.Decimal
	WorkingOrders() []WorkingOrder
	AddWorkingOrder(wo WorkingOrder)
	CancelWorkingOrders() int
	ReserveOrderID(id string) bool
	ReleaseOrderID(id string)
	SaveState() error
	Shutdown(ctx context.Context) error
}
