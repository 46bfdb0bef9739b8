package orchestrator

import (
	"context"
	"log"

	"github.com/chidi150c/signaldca/internal/idtag"
	"github.com/chidi150c/signaldca/internal/signal"
	"github.com/chidi150c/signaldca/internal/trade"
)

// handleMessage is the single dispatch point for text arriving from the
// messaging channel (spec.md §4.5.7): try each recognized signal shape in
// turn and act on the first match. Grounded on
// original_source/signal-dca-bot/telegram_listener.py's on_signal /
// on_close / on_tp_hit / on_trend_switch dispatch chain.
func (o *Orchestrator) handleMessage(ctx context.Context, text string) {
	if sym, ok := signal.ParseClose(text); ok {
		o.handleCloseSignal(ctx, sym)
		return
	}
	if sym, direction, ok := signal.ParseTrendSwitch(text); ok {
		o.handleTrendSwitch(ctx, sym, direction)
		return
	}
	if sym, tpIndex, ok := signal.ParseTPHit(text); ok {
		o.handleTPHitNotification(ctx, sym, tpIndex)
		return
	}
	if sig, ok := signal.Parse(text, o.cfg.Leverage); ok {
		accepted, reason := o.EnqueueSignal(sig)
		if !accepted {
			log.Printf("[MESSAGING] signal for %s rejected: %s", sig.Symbol, reason)
		}
		return
	}
	log.Printf("[MESSAGING] unrecognized message, ignored: %q", text)
}

// handleCloseSignal implements spec.md §4.5.7's close-signal handler: the
// channel telling the bot to exit a position out of band cancels every
// resting order for the symbol and force-closes whatever remains.
func (o *Orchestrator) handleCloseSignal(ctx context.Context, symbol string) {
	for _, t := range o.trades.ActiveTrades() {
		if t.Symbol != symbol || t.Status == trade.StatusClosed {
			continue
		}
		o.forceCloseTrade(ctx, t, "Close signal")
	}
}

// handleTrendSwitch persists the new trend marker and closes every active
// trade on that symbol positioned against the new trend, per spec.md
// §4.5.7 and the trend-alignment filter in admission.go.
func (o *Orchestrator) handleTrendSwitch(ctx context.Context, symbol, direction string) {
	if err := o.st.SetTrendMarker(symbol, direction); err != nil {
		log.Printf("[MESSAGING] trend marker write failed for %s: %v", symbol, err)
		return
	}

	var aligned trade.Side
	switch direction {
	case "up":
		aligned = trade.SideLong
	case "down":
		aligned = trade.SideShort
	default:
		return
	}
	losingSide := oppositeSide(aligned)

	for _, t := range o.trades.ActiveTrades() {
		if t.Symbol != symbol || t.Status == trade.StatusClosed || t.Side != losingSide {
			continue
		}
		o.forceCloseTrade(ctx, t, "Trend switch")
	}
}

// handleTPHitNotification implements spec.md §4.5.7's guard against the
// channel announcing a TP hit for a trade whose entry never filled: a
// PENDING trade has no position to take profit on, so the bot cancels the
// stale entry order instead of waiting for it to fill into a dead signal.
func (o *Orchestrator) handleTPHitNotification(ctx context.Context, symbol string, tpIndex int) {
	for _, t := range o.trades.ActiveTrades() {
		if t.Symbol != symbol || t.Status != trade.StatusPending {
			continue
		}
		if len(t.DCALevels) == 0 || t.DCALevels[0].ExchangeOrderID == "" {
			continue
		}
		if err := o.broker.CancelOrder(ctx, symbol, t.DCALevels[0].ExchangeOrderID); err != nil {
			log.Printf("[MESSAGING] %s entry cancel failed: %v", symbol, err)
		}
		_ = o.trades.Close(t, t.SignalEntry, decimalZero(), "TP already hit (unfilled)")
	}
}

// forceCloseTrade is the shared cancel-everything-and-exit path used by
// both the close-signal and trend-switch handlers.
func (o *Orchestrator) forceCloseTrade(ctx context.Context, t *trade.Trade, reason string) {
	if err := o.broker.CancelAllOrders(ctx, t.Symbol); err != nil {
		log.Printf("[MESSAGING] %s cancel-all failed: %v", t.Symbol, err)
	}
	linkID := idtag.Build(t.TradeID, idtag.TagClose)
	if _, err := o.broker.CloseFull(ctx, t.Symbol, positionSide(t.Side), linkID); err != nil {
		log.Printf("[MESSAGING] %s force-close failed: %v", t.Symbol, err)
	}
	pnl := o.authoritativePnL(ctx, t)
	_ = o.trades.Close(t, t.AvgPrice, pnl, reason)
}
