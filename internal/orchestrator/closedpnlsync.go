package orchestrator

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/metrics"
	"github.com/chidi150c/signaldca/internal/store"
	"github.com/chidi150c/signaldca/internal/trade"
)

// closedPnlSyncTick implements spec.md §4.5.6: import exchange closes the
// bot itself did not drive (manual closes, liquidations) by aggregating
// closed_pnl fills within a 60s window per (symbol, side) and persisting
// anything not already accounted for.
func (o *Orchestrator) closedPnlSyncTick(ctx context.Context) {
	for _, symbol := range o.watchedSymbols() {
		fills, err := o.broker.GetClosedPnL(ctx, symbol, o.startTime)
		if err != nil {
			metrics.IncExchangeError("closed-pnl-sync")
			continue
		}
		for _, group := range aggregateFills(fills, time.Minute) {
			o.importAggregatedClose(symbol, group)
		}
	}
}

// watchedSymbols returns the union of actively tracked symbols and
// symbols with a zone cache entry, so closes on recently-traded symbols
// are still picked up after the Trade itself has closed locally.
func (o *Orchestrator) watchedSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range o.trades.ActiveTrades() {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	if zones, err := o.st.AllZones(); err == nil {
		for _, z := range zones {
			if !seen[z.Symbol] {
				seen[z.Symbol] = true
				out = append(out, z.Symbol)
			}
		}
	}
	return out
}

type fillGroup struct {
	symbol      string
	side        exchange.OrderSide
	qty         decimal.Decimal
	entryPrice  decimal.Decimal
	exitPrice   decimal.Decimal
	realizedPnL decimal.Decimal
	openedAt    time.Time
	closedAt    time.Time
}

// aggregateFills folds multiple execution fills of one logical close into
// one record, grouped by (symbol, side) within the given window.
func aggregateFills(fills []exchange.Fill, window time.Duration) []fillGroup {
	sort.Slice(fills, func(i, j int) bool { return fills[i].ExecTime.Before(fills[j].ExecTime) })

	var groups []fillGroup
	for _, f := range fills {
		placed := false
		for i := range groups {
			g := &groups[i]
			if g.symbol == f.Symbol && g.side == f.Side && f.ExecTime.Sub(g.closedAt) <= window {
				g.qty = g.qty.Add(f.Qty)
				g.realizedPnL = g.realizedPnL.Add(f.ClosedPnL)
				g.exitPrice = f.Price
				g.closedAt = f.ExecTime
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, fillGroup{
				symbol: f.Symbol, side: f.Side, qty: f.Qty,
				entryPrice: f.Price, exitPrice: f.Price, realizedPnL: f.ClosedPnL,
				openedAt: f.ExecTime, closedAt: f.ExecTime,
			})
		}
	}
	return groups
}

// importAggregatedClose skips groups already covered by a tracked Trade
// or an existing closed_trades record, and otherwise journals the rest
// with reason "Exchange sync".
func (o *Orchestrator) importAggregatedClose(symbol string, g fillGroup) {
	side := sideFromOrderSide(g.side)
	for _, t := range o.trades.ActiveTrades() {
		if t.Symbol == symbol && t.Side == side {
			return // actively tracked position; price-monitor owns this close
		}
	}

	recent, err := o.st.GetRecentTrades(200)
	if err != nil {
		log.Printf("[CLOSED-PNL-SYNC] %s recent-trades lookup failed: %v", symbol, err)
		return
	}
	for _, row := range recent {
		if row.Symbol != symbol || row.Side != string(side) {
			continue
		}
		if row.OpenedAt.Equal(g.openedAt) || row.ClosedAt.Equal(g.closedAt) {
			return
		}
		if !row.OpenedAt.After(g.closedAt) && !row.ClosedAt.Before(g.openedAt) {
			return // the record's window falls inside an existing trade's lifetime
		}
	}

	entryF, _ := g.entryPrice.Float64()
	exitF, _ := g.exitPrice.Float64()
	qtyF, _ := g.qty.Float64()
	pnlF, _ := g.realizedPnL.Float64()

	if err := o.st.SaveClosedTrade(store.ClosedTradeRow{
		TradeID:     trade.NewTradeID(symbol) + "_sync",
		Symbol:      symbol,
		Side:        string(side),
		EntryPrice:  entryF,
		AvgPrice:    entryF,
		ClosePrice:  exitF,
		TotalQty:    qtyF,
		RealizedPnL: pnlF,
		CloseReason: "Exchange sync",
		OpenedAt:    g.openedAt,
		ClosedAt:    g.closedAt,
	}); err != nil {
		log.Printf("[CLOSED-PNL-SYNC] %s journal write failed: %v", symbol, err)
		return
	}
	metrics.ClosedPnLSynced.Inc()
}

func sideFromOrderSide(s exchange.OrderSide) trade.Side {
	if s == exchange.SideSell {
		return trade.SideLong // a sell fill closes a long position
	}
	return trade.SideShort
}
