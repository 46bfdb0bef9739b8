// Package exchange defines the Exchange Client (C2) contract: a Broker
// interface the rest of the bot programs against, plus the concrete Bybit
// REST implementation, a websocket push feed, and a paper broker for dry
// runs.
//
// Grounded on the teacher's broker.go (the Broker-interface / normalized-
// order-type pattern) and original_source/signal-dca-bot/bybit_engine.py
// (the actual perpetual-futures operations this domain needs, which the
// teacher's spot-broker interface does not have: hedge-mode position
// indices, leverage/margin setup, DCA/TP ladders, trailing stops).
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the side of an order or position.
type OrderSide string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

// PositionSide is the logical trade direction, independent of the
// hedge-mode positionIdx plumbing.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OrderType distinguishes limit vs market at the venue.
type OrderType string

const (
	OrderLimit  OrderType = "Limit"
	OrderMarket OrderType = "Market"
)

// PlacedOrder is the normalized result of placing or querying an order.
// Money/qty fields use decimal.Decimal per SPEC_FULL.md §11's
// shopspring/decimal wiring — float64 drift is unacceptable for position
// and PnL accounting.
type PlacedOrder struct {
	OrderID     string
	OrderLinkID string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ReduceOnly  bool
	Status      string // "New", "Filled", "PartiallyFilled", "Cancelled", "Rejected"
	CreatedAt   time.Time
}

// Fill is one execution event from the fill/position push feed or a poll.
type Fill struct {
	Symbol      string
	OrderID     string
	OrderLinkID string
	Side        OrderSide
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ExecTime    time.Time
	ClosedPnL   decimal.Decimal // non-zero only for reduce-only fills
}

// Position is the exchange's current view of an open position for a symbol
// (and, in hedge mode, a side).
type Position struct {
	Symbol       string
	Side         PositionSide
	PositionIdx  int // 0 = one-way, 1 = hedge-long, 2 = hedge-short
	Size         decimal.Decimal
	AvgPrice     decimal.Decimal
	Leverage     decimal.Decimal
	UnrealizedPL decimal.Decimal
	MarkPrice    decimal.Decimal
}

// ExFilters holds venue precision/limits for a symbol. Grounded on
// bybit_engine.py::get_instrument_info + _tick_precision (step/tick sizes
// arrive as scientific-notation decimal strings and must be converted to a
// rounding precision).
type ExFilters struct {
	MinQty    decimal.Decimal
	MaxQty    decimal.Decimal
	QtyStep   decimal.Decimal
	TickSize  decimal.Decimal
	MinPrice  decimal.Decimal
	MinNotional decimal.Decimal
}

// Candle is OHLC market data, oldest-to-newest when returned from a broker.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// TradingStopParams configures the venue's attached stop-loss / trailing
// stop for a position. Grounded on bybit_engine.py::set_trading_stop.
type TradingStopParams struct {
	StopLoss      decimal.Decimal // zero means "do not set"
	TrailingStop  decimal.Decimal // distance, zero means "do not set"
	ActivePrice   decimal.Decimal // trailing-stop activation price, zero means immediate
	PositionIdx   int
}

// Broker is the minimal surface the orchestrator and trade manager need to
// operate against a perpetual-futures venue. One implementation talks to
// Bybit over REST (bybit.go), one is an in-memory dry-run simulator
// (paper.go).
type Broker interface {
	Name() string

	// Account / symbol setup.
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	DetectPositionMode(ctx context.Context, symbol string) (hedgeMode bool, err error)
	SetupSymbol(ctx context.Context, symbol string, leverage decimal.Decimal) error
	GetInstrumentInfo(ctx context.Context, symbol string) (ExFilters, error)

	// Market data.
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]Candle, error)

	// Order lifecycle.
	OpenTrade(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty, limitPrice decimal.Decimal, useLimit bool) (*PlacedOrder, error)
	PlaceDCAOrder(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty, price decimal.Decimal) (*PlacedOrder, error)
	PlaceTPOrder(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty, price decimal.Decimal) (*PlacedOrder, error)
	AmendOrderPrice(ctx context.Context, symbol, orderID string, newPrice decimal.Decimal) error
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]PlacedOrder, error)
	CheckOrderFilled(ctx context.Context, symbol, orderID string) (bool, error)

	// Position management.
	GetPosition(ctx context.Context, symbol string, side PositionSide) (*Position, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	SetTradingStop(ctx context.Context, symbol string, params TradingStopParams) error
	ClosePartial(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty decimal.Decimal) (*PlacedOrder, error)
	CloseFull(ctx context.Context, symbol string, side PositionSide, orderLinkID string) (*PlacedOrder, error)

	// Closed PnL reconciliation.
	GetClosedPnL(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
}
