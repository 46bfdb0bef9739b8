package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperBroker simulates perpetual-futures execution in memory for dry runs.
// Grounded on the teacher's broker_paper.go: orders fill immediately at the
// order's own price (market orders, which carry no price, at the last price
// seeded via SetPrice), with no slippage model, generalized from the teacher's
// single-price spot simulator to per-symbol prices and positions since this
// domain runs many symbols concurrently.
type PaperBroker struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	positions map[string]*Position // key: symbol+"|"+side
	equity    decimal.Decimal
	filters   ExFilters
}

func NewPaperBroker(startEquity decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]*Position),
		equity:    startEquity,
		filters: ExFilters{
			MinQty:   decimal.NewFromFloat(0.001),
			MaxQty:   decimal.NewFromInt(100000),
			QtyStep:  decimal.NewFromFloat(0.001),
			TickSize: decimal.NewFromFloat(0.01),
			MinPrice: decimal.NewFromFloat(0.01),
		},
	}
}

func (p *PaperBroker) Name() string { return "paper" }

// SetPrice lets a test or the price-monitor's dry-run feed drive the
// simulated mark price for a symbol.
func (p *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func posKey(symbol string, side PositionSide) string { return symbol + "|" + string(side) }

func (p *PaperBroker) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

func (p *PaperBroker) DetectPositionMode(ctx context.Context, symbol string) (bool, error) {
	return false, nil // paper mode always simulates one-way
}

func (p *PaperBroker) SetupSymbol(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	return nil
}

func (p *PaperBroker) GetInstrumentInfo(ctx context.Context, symbol string) (ExFilters, error) {
	return p.filters, nil
}

func (p *PaperBroker) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper: no price seeded for %s", symbol)
	}
	return price, nil
}

func (p *PaperBroker) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]Candle, error) {
	return nil, fmt.Errorf("paper broker has no candle history; seed zones externally")
}

func (p *PaperBroker) fillOrder(symbol string, side PositionSide, orderLinkID string, qty, price decimal.Decimal, reduceOnly bool) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if price.IsZero() {
		price = p.prices[symbol]
	}

	key := posKey(symbol, side)
	pos := p.positions[key]
	if reduceOnly {
		if pos == nil || pos.Size.IsZero() {
			return nil, fmt.Errorf("paper: reduceOnly fill with no open position for %s", key)
		}
		closeQty := decimal.Min(qty, pos.Size)
		pos.Size = pos.Size.Sub(closeQty)
		if pos.Size.IsZero() {
			delete(p.positions, key)
		}
	} else {
		if pos == nil {
			pos = &Position{Symbol: symbol, Side: side, AvgPrice: price, Size: qty}
			p.positions[key] = pos
		} else {
			totalNotional := pos.AvgPrice.Mul(pos.Size).Add(price.Mul(qty))
			pos.Size = pos.Size.Add(qty)
			pos.AvgPrice = totalNotional.Div(pos.Size)
		}
	}

	return &PlacedOrder{
		OrderID:     uuid.New().String(),
		OrderLinkID: orderLinkID,
		Symbol:      symbol,
		Side:        sideStr(side),
		Type:        OrderMarket,
		Price:       price,
		Qty:         qty,
		ReduceOnly:  reduceOnly,
		Status:      "Filled",
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (p *PaperBroker) OpenTrade(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty, limitPrice decimal.Decimal, useLimit bool) (*PlacedOrder, error) {
	price := limitPrice
	if !useLimit {
		price = decimal.Zero
	}
	return p.fillOrder(symbol, side, orderLinkID, qty, price, false)
}

func (p *PaperBroker) PlaceDCAOrder(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty, price decimal.Decimal) (*PlacedOrder, error) {
	return p.fillOrder(symbol, side, orderLinkID, qty, price, false)
}

func (p *PaperBroker) PlaceTPOrder(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty, price decimal.Decimal) (*PlacedOrder, error) {
	return p.fillOrder(symbol, side, orderLinkID, qty, price, true)
}

func (p *PaperBroker) AmendOrderPrice(ctx context.Context, symbol, orderID string, newPrice decimal.Decimal) error {
	return nil // paper mode has no resting orders to amend
}

func (p *PaperBroker) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (p *PaperBroker) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (p *PaperBroker) GetOpenOrders(ctx context.Context, symbol string) ([]PlacedOrder, error) {
	return nil, nil
}

func (p *PaperBroker) CheckOrderFilled(ctx context.Context, symbol, orderID string) (bool, error) {
	return true, nil // paper fills instantly
}

func (p *PaperBroker) GetPosition(ctx context.Context, symbol string, side PositionSide) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[posKey(symbol, side)], nil
}

func (p *PaperBroker) GetAllPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperBroker) SetTradingStop(ctx context.Context, symbol string, params TradingStopParams) error {
	return nil // paper mode has no venue-side stop; stops are accepted and never triggered
}

func (p *PaperBroker) ClosePartial(ctx context.Context, symbol string, side PositionSide, orderLinkID string, qty decimal.Decimal) (*PlacedOrder, error) {
	return p.fillOrder(symbol, side, orderLinkID, qty, decimal.Zero, true)
}

func (p *PaperBroker) CloseFull(ctx context.Context, symbol string, side PositionSide, orderLinkID string) (*PlacedOrder, error) {
	p.mu.Lock()
	pos := p.positions[posKey(symbol, side)]
	p.mu.Unlock()
	if pos == nil || pos.Size.IsZero() {
		return nil, fmt.Errorf("paper: close_full skipped, no position for %s", symbol)
	}
	return p.fillOrder(symbol, side, orderLinkID, pos.Size, decimal.Zero, true)
}

func (p *PaperBroker) GetClosedPnL(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	return nil, nil // paper mode keeps no closed-PnL records; callers fall back to their own estimate
}
