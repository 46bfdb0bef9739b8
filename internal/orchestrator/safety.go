package orchestrator

import (
	"context"
	"log"

	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/metrics"
	"github.com/chidi150c/signaldca/internal/trade"
)

// safetyTick implements spec.md §4.5.4's steady-state safety loop: for
// every active, non-PENDING, non-CLOSED trade, verify a stop exists on the
// exchange and re-issue it if not.
func (o *Orchestrator) safetyTick(ctx context.Context) {
	for _, t := range o.trades.ActiveTrades() {
		if t.Status == trade.StatusClosed || t.Status == trade.StatusPending {
			continue
		}
		o.ensureStopArmed(ctx, t)
	}
}

func (o *Orchestrator) ensureStopArmed(ctx context.Context, t *trade.Trade) {
	pos, err := o.broker.GetPosition(ctx, t.Symbol, positionSide(t.Side))
	if err != nil {
		metrics.IncExchangeError("safety")
		return
	}
	if pos == nil || !pos.Size.IsPositive() {
		return // price-monitor's vanished-position detector owns this case
	}

	stop := t.HardSLPrice
	if stop.IsZero() {
		entryF, _ := t.AvgPrice.Float64()
		stop = decimalFromFloat(safetyStopPrice(entryF, o.cfg.SafetySLPct, t.Side))
	}
	if err := o.broker.SetTradingStop(ctx, t.Symbol, exchange.TradingStopParams{StopLoss: stop}); err != nil {
		log.Printf("[SAFETY] CRITICAL: %s SL re-arm unverified: %v", t.Symbol, err)
		return
	}
	metrics.SafetyRearms.Inc()
}

// runStartupRecovery is the one-shot reconciliation that runs before the
// steady-state loops start, per spec.md §4.5.4.
func (o *Orchestrator) runStartupRecovery(ctx context.Context) {
	n, err := o.trades.LoadPersistedTrades()
	if err != nil {
		log.Printf("[RECOVERY] failed to load persisted trades: %v", err)
		return
	}
	log.Printf("[RECOVERY] loaded %d persisted trades", n)

	tracked := make(map[string]bool)
	for _, t := range o.trades.ActiveTrades() {
		tracked[t.Symbol] = true
		o.recoverTrade(ctx, t)
	}

	positions, err := o.broker.GetAllPositions(ctx)
	if err != nil {
		log.Printf("[RECOVERY] failed to list exchange positions: %v", err)
		return
	}
	for _, p := range positions {
		if !p.Size.IsPositive() {
			continue
		}
		if !tracked[p.Symbol] {
			log.Printf("[RECOVERY] orphan position detected: %s %s qty=%s (no automated close)", p.Symbol, p.Side, p.Size)
		}
	}
}

func (o *Orchestrator) recoverTrade(ctx context.Context, t *trade.Trade) {
	pos, err := o.broker.GetPosition(ctx, t.Symbol, positionSide(t.Side))
	if err != nil {
		log.Printf("[RECOVERY] %s position lookup failed: %v", t.Symbol, err)
		return
	}

	if pos == nil || !pos.Size.IsPositive() {
		mark, merr := o.broker.GetTickerPrice(ctx, t.Symbol)
		pnl := t.RealizedPnL
		if merr == nil {
			remaining := t.RemainingQty()
			if t.Side == trade.SideLong {
				pnl = pnl.Add(mark.Sub(t.AvgPrice).Mul(remaining))
			} else {
				pnl = pnl.Add(t.AvgPrice.Sub(mark).Mul(remaining))
			}
		}
		_ = o.trades.Close(t, t.AvgPrice, pnl, "Closed during downtime")
		return
	}

	t.TotalQty = pos.Size
	t.AvgPrice = pos.AvgPrice

	o.replayTPFillsDuringDowntime(ctx, t)
	o.replayDCAFillsDuringDowntime(ctx, t)

	if t.HardSLPrice.IsPositive() {
		o.setSL(ctx, t, t.HardSLPrice)
	}
	o.trades.Touch(t)
}

// replayTPFillsDuringDowntime checks known TP order ids for fills that
// happened while the process was down, applying the SL-ladder transition
// for the highest-filled TP observed.
func (o *Orchestrator) replayTPFillsDuringDowntime(ctx context.Context, t *trade.Trade) {
	highest := -1
	for i := range t.TPOrderIDs {
		if t.TPFilled[i] || t.TPOrderIDs[i] == "" {
			continue
		}
		filled, err := o.broker.CheckOrderFilled(ctx, t.Symbol, t.TPOrderIDs[i])
		if err != nil || !filled {
			continue
		}
		o.trades.RecordTPFill(t, i, t.TPCloseQtys[i], t.TPPrices[i])
		highest = i
	}
	if highest >= 0 {
		o.applySLLadder(ctx, t, highest)
	}
}

// replayDCAFillsDuringDowntime checks known DCA order ids for fills that
// happened while the process was down.
func (o *Orchestrator) replayDCAFillsDuringDowntime(ctx context.Context, t *trade.Trade) {
	for i := 1; i < len(t.DCALevels); i++ {
		lvl := &t.DCALevels[i]
		if lvl.Filled || lvl.ExchangeOrderID == "" {
			continue
		}
		filled, err := o.broker.CheckOrderFilled(ctx, t.Symbol, lvl.ExchangeOrderID)
		if err != nil || !filled {
			continue
		}
		o.trades.FillDCA(t, i, lvl.Price)
	}
}
