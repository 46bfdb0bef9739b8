package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/idtag"
	"github.com/chidi150c/signaldca/internal/metrics"
	"github.com/chidi150c/signaldca/internal/trade"
)

// priceMonitorTick is the primary reconcile loop, spec.md §4.5.2. It walks
// every non-CLOSED Trade once per tick, in the priority order PENDING → TP
// fills → DCA fills → position-vanished, per SPEC_FULL.md §5's ordering
// guarantee within a trade.
func (o *Orchestrator) priceMonitorTick(ctx context.Context) {
	for _, t := range o.prioritizedActiveTrades() {
		if t.Status == trade.StatusClosed {
			continue
		}
		o.reconcileTrade(ctx, t)
		o.interTradeDelay()
	}
}

// prioritizedActiveTrades puts trades whose symbol the push feed flagged
// since the last drain first, so a fill notified over the websocket gets
// reconciled within this tick instead of waiting its turn in map order.
func (o *Orchestrator) prioritizedActiveTrades() []*trade.Trade {
	all := o.trades.ActiveTrades()
	if o.pushFeed == nil {
		return all
	}
	dirty := make(map[string]bool)
	for _, s := range o.pushFeed.DrainDirty() {
		dirty[s] = true
	}
	if len(dirty) == 0 {
		return all
	}
	out := make([]*trade.Trade, 0, len(all))
	for _, t := range all {
		if dirty[t.Symbol] {
			out = append(out, t)
		}
	}
	for _, t := range all {
		if !dirty[t.Symbol] {
			out = append(out, t)
		}
	}
	return out
}

func (o *Orchestrator) reconcileTrade(ctx context.Context, t *trade.Trade) {
	if t.Status == trade.StatusPending {
		o.reconcilePending(ctx, t)
		return
	}

	if t.ScaleInPending {
		o.reconcileScaleIn(ctx, t)
	}

	o.reconcileTPFills(ctx, t)
	o.reconcileDCAFills(ctx, t)
	o.reconcileQuickTrail(ctx, t)
	o.reconcilePositionVanished(ctx, t)
}

// reconcilePending handles the PENDING → OPEN transition and the E1
// timeout / batch-cap rules.
func (o *Orchestrator) reconcilePending(ctx context.Context, t *trade.Trade) {
	entryOrderID := t.DCALevels[0].ExchangeOrderID
	filled, err := o.broker.CheckOrderFilled(ctx, t.Symbol, entryOrderID)
	if err != nil {
		metrics.IncExchangeError("price-monitor")
		log.Printf("[PRICE-MONITOR] %s order-status check failed: %v", t.Symbol, err)
		return
	}

	if !filled {
		ageMin := time.Since(t.OpenedAt).Minutes()
		if ageMin >= float64(o.cfg.E1TimeoutMinutes) {
			_ = o.broker.CancelOrder(ctx, t.Symbol, entryOrderID)
			_ = o.trades.Close(t, decimalZero(), decimalZero(), "E1 timeout")
		}
		return
	}

	o.transitionPendingToOpen(ctx, t)
	o.enforceBatchCap(ctx, t.BatchID)
}

func (o *Orchestrator) transitionPendingToOpen(ctx context.Context, t *trade.Trade) {
	actualQty := t.DCALevels[0].Qty
	actualPrice := t.DCALevels[0].Price
	if pos, err := o.broker.GetPosition(ctx, t.Symbol, positionSide(t.Side)); err == nil && pos != nil && pos.Size.IsPositive() {
		actualQty = pos.Size
		actualPrice = pos.AvgPrice
	}

	t.Status = trade.StatusOpen
	t.TotalQty = actualQty
	t.AvgPrice = actualPrice
	t.TotalMargin = actualQty.Mul(actualPrice).Div(decimalFromInt(t.Leverage))
	t.DCALevels[0].Filled = true
	t.DCALevels[0].Qty = actualQty
	t.DCALevels[0].Price = actualPrice

	for i := 1; i < len(t.DCALevels); i++ {
		lvl := &t.DCALevels[i]
		linkID := idtag.Build(t.TradeID, idtag.DCA(i))
		order, err := o.broker.PlaceDCAOrder(ctx, t.Symbol, positionSide(t.Side), linkID, lvl.Qty, lvl.Price)
		if err != nil {
			log.Printf("[PRICE-MONITOR] %s DCA%d placement failed: %v", t.Symbol, i, err)
			continue
		}
		lvl.ExchangeOrderID = order.OrderID
	}

	o.trades.SetupSignalTPs(t)
	o.trades.Consolidate(t, o.minQty(ctx, t.Symbol))
	o.placeTPs(ctx, t, "signal")

	entryF, _ := t.DCALevels[0].Price.Float64()
	safetySL := safetyStopPrice(entryF, o.cfg.SafetySLPct, t.Side)
	if err := o.broker.SetTradingStop(ctx, t.Symbol, exchange.TradingStopParams{StopLoss: decimalFromFloat(safetySL)}); err != nil {
		log.Printf("[PRICE-MONITOR] %s safety SL placement failed: %v", t.Symbol, err)
	}

	o.trades.Touch(t)
}

// placeTPs places reduce-only TP orders for every currently-unfilled TP
// slot, tagging them by set ("signal" -> TPk, "dca" -> DTPk).
func (o *Orchestrator) placeTPs(ctx context.Context, t *trade.Trade, set string) {
	for i := range t.TPPrices {
		if t.TPFilled[i] {
			continue
		}
		var tag idtag.Tag
		if set == "dca" {
			tag = idtag.DTP(i + 1)
		} else {
			tag = idtag.TP(i + 1)
		}
		linkID := idtag.Build(t.TradeID, tag)
		order, err := o.broker.PlaceTPOrder(ctx, t.Symbol, positionSide(t.Side), linkID, t.TPCloseQtys[i], t.TPPrices[i])
		if err != nil {
			log.Printf("[PRICE-MONITOR] %s %s placement failed: %v", t.Symbol, tag, err)
			continue
		}
		t.TPOrderIDs[i] = order.OrderID
	}
}

// enforceBatchCap counts trades in batchID that have left PENDING; once
// that count reaches max_fills_per_batch, every still-PENDING sibling is
// cancelled and closed with reason "Batch cap".
func (o *Orchestrator) enforceBatchCap(ctx context.Context, batchID string) {
	if batchID == "" || o.cfg.MaxFillsPerBatch <= 0 {
		return
	}
	filled := 0
	var pendingSiblings []*trade.Trade
	for _, t := range o.trades.ActiveTrades() {
		if t.BatchID != batchID {
			continue
		}
		if t.Status == trade.StatusPending {
			pendingSiblings = append(pendingSiblings, t)
		} else {
			filled++
		}
	}
	if filled < o.cfg.MaxFillsPerBatch {
		return
	}
	for _, sib := range pendingSiblings {
		_ = o.broker.CancelOrder(ctx, sib.Symbol, sib.DCALevels[0].ExchangeOrderID)
		_ = o.trades.Close(sib, decimalZero(), decimalZero(), "Batch cap")
		metrics.BatchCapCancellations.Inc()
	}
}

// reconcileScaleIn implements spec.md §4.5.5's scale-in completion
// procedure: exchange position is truth, downstream TPs are recalculated,
// SL moves to the exact new avg_price with no buffer.
func (o *Orchestrator) reconcileScaleIn(ctx context.Context, t *trade.Trade) {
	filled, err := o.broker.CheckOrderFilled(ctx, t.Symbol, t.ScaleInOrderID)
	if err != nil || !filled {
		return
	}

	pos, err := o.broker.GetPosition(ctx, t.Symbol, positionSide(t.Side))
	if err != nil || pos == nil {
		log.Printf("[PRICE-MONITOR] %s scale-in position lookup failed: %v", t.Symbol, err)
		return
	}

	delta := pos.Size.Sub(t.RemainingQty())
	o.trades.FillScaleIn(t, pos.AvgPrice, delta, t.ScaleInMargin)
	t.TotalQty = pos.Size.Add(t.TotalTPClosedQty)
	t.AvgPrice = pos.AvgPrice
	t.ScaleInPending = false

	for i := 2; i < len(t.TPOrderIDs); i++ {
		if t.TPOrderIDs[i] != "" && !t.TPFilled[i] {
			_ = o.broker.CancelOrder(ctx, t.Symbol, t.TPOrderIDs[i])
			t.TPOrderIDs[i] = ""
		}
	}

	o.trades.RecalcTPsAfterScaleIn(t)
	o.placeTPs(ctx, t, tpSetFor(t))

	avgF, _ := t.AvgPrice.Float64()
	_ = o.broker.SetTradingStop(ctx, t.Symbol, exchange.TradingStopParams{StopLoss: decimalFromFloat(avgF)})
	o.trades.Touch(t)
}

func tpSetFor(t *trade.Trade) string {
	if t.CurrentDCA > 0 {
		return "dca"
	}
	return "signal"
}

// reconcileTPFills checks every unfilled TP slot with a known order id and
// applies the SL-ladder transition for whichever mode (signal-target or
// avg-based) is currently active, per spec.md §4.5.2.
func (o *Orchestrator) reconcileTPFills(ctx context.Context, t *trade.Trade) {
	for i := range t.TPOrderIDs {
		if t.TPFilled[i] || t.TPOrderIDs[i] == "" {
			continue
		}
		filled, err := o.broker.CheckOrderFilled(ctx, t.Symbol, t.TPOrderIDs[i])
		if err != nil || !filled {
			continue
		}
		fillPrice := t.TPPrices[i]
		o.trades.RecordTPFill(t, i, t.TPCloseQtys[i], fillPrice)
		metrics.IncTPFill(tpSetFor(t), i+1)
		o.applySLLadder(ctx, t, i)
		o.trades.Touch(t)
	}
}

// applySLLadder implements the two SL-ladder variants of spec.md §4.5.2.
func (o *Orchestrator) applySLLadder(ctx context.Context, t *trade.Trade, tpIdx int) {
	lastIdx := len(t.TPPrices) - 1
	if tpSetFor(t) == "dca" {
		switch tpIdx {
		case 0:
			o.setSL(ctx, t, bufferPrice(t.AvgPrice, o.cfg.DCABEBufferPct, t.Side))
		case lastIdx:
			o.setTrailing(ctx, t, o.cfg.DCATrailCallbackPct, t.TPPrices[0])
		}
		return
	}

	switch tpIdx {
	case 0:
		entryF, _ := t.SignalEntry.Float64()
		be := entryF * (1 + bufferSign(t.Side)*o.cfg.BEBufferPct/100)
		o.setSL(ctx, t, decimalFromFloat(be))
		o.cancelUnfilledDCAs(ctx, t)
	case 1:
		if o.cfg.ScaleInEnabled && t.CurrentDCA == 0 && !t.ScaleInPending && !t.ScaleInFilled {
			o.initiateScaleIn(ctx, t, t.TPPrices[1])
		}
	case 2:
		if t.ScaleInPending || t.ScaleInFilled {
			o.setSL(ctx, t, t.TPPrices[1])
		} else {
			o.setSL(ctx, t, t.TPPrices[0])
		}
	case lastIdx:
		o.setTrailing(ctx, t, o.cfg.TrailingCallbackPct, t.TPPrices[max(0, lastIdx-1)])
	}
}

func bufferSign(side trade.Side) float64 {
	if side == trade.SideShort {
		return -1
	}
	return 1
}

func bufferPrice(base decimal.Decimal, bufferPct float64, side trade.Side) decimal.Decimal {
	f, _ := base.Float64()
	return decimalFromFloat(f * (1 + bufferSign(side)*bufferPct/100))
}

func (o *Orchestrator) setSL(ctx context.Context, t *trade.Trade, price decimal.Decimal) {
	if err := o.broker.SetTradingStop(ctx, t.Symbol, exchange.TradingStopParams{StopLoss: price}); err != nil {
		log.Printf("[PRICE-MONITOR] %s SL move failed: %v", t.Symbol, err)
	}
}

func (o *Orchestrator) setTrailing(ctx context.Context, t *trade.Trade, callbackPct float64, floor decimal.Decimal) {
	priceF, err := o.broker.GetTickerPrice(ctx, t.Symbol)
	if err != nil {
		return
	}
	distance := priceF.Mul(decimalFromFloat(callbackPct / 100))
	if err := o.broker.SetTradingStop(ctx, t.Symbol, exchange.TradingStopParams{TrailingStop: distance, StopLoss: floor}); err != nil {
		log.Printf("[PRICE-MONITOR] %s trailing stop failed: %v", t.Symbol, err)
	}
}

func (o *Orchestrator) cancelUnfilledDCAs(ctx context.Context, t *trade.Trade) {
	for i := 1; i < len(t.DCALevels); i++ {
		lvl := &t.DCALevels[i]
		if lvl.Filled || lvl.ExchangeOrderID == "" {
			continue
		}
		_ = o.broker.CancelOrder(ctx, t.Symbol, lvl.ExchangeOrderID)
	}
}

func (o *Orchestrator) initiateScaleIn(ctx context.Context, t *trade.Trade, atPrice decimal.Decimal) {
	e1 := t.DCALevels[0]
	linkID := idtag.Build(t.TradeID, idtag.TagSI)
	order, err := o.broker.PlaceDCAOrder(ctx, t.Symbol, positionSide(t.Side), linkID, e1.Qty, atPrice)
	if err != nil {
		log.Printf("[PRICE-MONITOR] %s scale-in placement failed: %v", t.Symbol, err)
		return
	}
	t.ScaleInPending = true
	t.ScaleInOrderID = order.OrderID
	t.ScaleInPrice = atPrice
	t.ScaleInQty = e1.Qty
	t.ScaleInMargin = e1.Margin
}

// reconcileDCAFills checks every unfilled DCA slot (index >= 1) with a
// known order id, and on fill runs the avg-based TP transition (I6).
func (o *Orchestrator) reconcileDCAFills(ctx context.Context, t *trade.Trade) {
	for i := 1; i < len(t.DCALevels); i++ {
		lvl := &t.DCALevels[i]
		if lvl.Filled || lvl.ExchangeOrderID == "" {
			continue
		}
		filled, err := o.broker.CheckOrderFilled(ctx, t.Symbol, lvl.ExchangeOrderID)
		if err != nil || !filled {
			continue
		}

		o.cancelUnfilledSignalTPs(ctx, t)
		o.trades.FillDCA(t, i, lvl.Price)
		metrics.IncDCAFill(i)
		o.trades.SetupDCATPs(t)
		o.trades.Consolidate(t, o.minQty(ctx, t.Symbol))
		o.placeTPs(ctx, t, "dca")

		if err := o.broker.SetTradingStop(ctx, t.Symbol, exchange.TradingStopParams{StopLoss: t.HardSLPrice}); err != nil {
			log.Printf("[PRICE-MONITOR] %s hard SL placement failed: %v", t.Symbol, err)
		}
		o.trades.Touch(t)
		return // only one DCA level fills per tick; re-enter next tick for the rest
	}
}

func (o *Orchestrator) cancelUnfilledSignalTPs(ctx context.Context, t *trade.Trade) {
	for i := range t.TPOrderIDs {
		if t.TPFilled[i] || t.TPOrderIDs[i] == "" {
			continue
		}
		_ = o.broker.CancelOrder(ctx, t.Symbol, t.TPOrderIDs[i])
		t.TPOrderIDs[i] = ""
	}
}

// reconcileQuickTrail implements the once-per-trade DCA quick-trail:
// tighten SL once price has moved favorably by quick_trail_trigger_pct
// from avg_price while still pre-TP.
func (o *Orchestrator) reconcileQuickTrail(ctx context.Context, t *trade.Trade) {
	if t.Status != trade.StatusDCAActive || t.TPsHit != 0 || t.QuickTrailActive {
		return
	}
	mark, err := o.broker.GetTickerPrice(ctx, t.Symbol)
	if err != nil {
		return
	}
	avgF, _ := t.AvgPrice.Float64()
	markF, _ := mark.Float64()
	movedPct := (markF - avgF) / avgF * 100
	if t.Side == trade.SideShort {
		movedPct = -movedPct
	}
	if movedPct < o.cfg.DCAQuickTrailTriggerPct {
		return
	}
	sl := bufferPrice(t.AvgPrice, o.cfg.DCAQuickTrailBufferPct, t.Side)
	o.setSL(ctx, t, sl)
	t.QuickTrailActive = true
	o.trades.Touch(t)
}

// reconcilePositionVanished is the authoritative-close detector: if the
// exchange reports zero size for a trade not in {CLOSED, PENDING}, the
// exchange already closed it (SL, trailing stop, or a manual action).
func (o *Orchestrator) reconcilePositionVanished(ctx context.Context, t *trade.Trade) {
	pos, err := o.broker.GetPosition(ctx, t.Symbol, positionSide(t.Side))
	if err != nil {
		metrics.IncExchangeError("price-monitor")
		return
	}
	if pos != nil && pos.Size.IsPositive() {
		return
	}

	_ = o.broker.CancelAllOrders(ctx, t.Symbol)
	if pos2, err := o.broker.GetPosition(ctx, t.Symbol, positionSide(t.Side)); err == nil && pos2 != nil && pos2.Size.IsPositive() {
		linkID := idtag.Build(t.TradeID, idtag.TagClose)
		_, _ = o.broker.CloseFull(ctx, t.Symbol, positionSide(t.Side), linkID)
	}

	time.Sleep(time.Second)

	pnl := o.authoritativePnL(ctx, t)
	reason := closeReasonFromState(t)
	_ = o.trades.Close(t, t.AvgPrice, pnl, reason)
}

// authoritativePnL sums closed_pnl records matching (symbol, side) since
// the trade's opened_at, falling back to a mark-price estimate if the
// exchange has not yet surfaced the closed_pnl record. Querying since
// opened_at means the sum already covers every TP leg closed during the
// trade's life (the same fills RecordTPFill folded into t.RealizedPnL),
// so it is the grand total on its own — adding t.RealizedPnL on top
// would double-count those legs.
func (o *Orchestrator) authoritativePnL(ctx context.Context, t *trade.Trade) decimal.Decimal {
	fills, err := o.broker.GetClosedPnL(ctx, t.Symbol, t.OpenedAt)
	if err == nil && len(fills) > 0 {
		sum := decimal.Zero
		matched := false
		for _, f := range fills {
			if matchesSide(f.Side, t.Side) {
				sum = sum.Add(f.ClosedPnL)
				matched = true
			}
		}
		if matched {
			return sum
		}
	}
	mark, err := o.broker.GetTickerPrice(ctx, t.Symbol)
	if err != nil {
		return t.RealizedPnL
	}
	remaining := t.RemainingQty()
	var estPnl decimal.Decimal
	if t.Side == trade.SideLong {
		estPnl = mark.Sub(t.AvgPrice).Mul(remaining)
	} else {
		estPnl = t.AvgPrice.Sub(mark).Mul(remaining)
	}
	return t.RealizedPnL.Add(estPnl)
}

func matchesSide(fillSide exchange.OrderSide, tradeSide trade.Side) bool {
	if tradeSide == trade.SideLong {
		return fillSide == exchange.SideSell // a long position is closed by a sell fill
	}
	return fillSide == exchange.SideBuy
}

func closeReasonFromState(t *trade.Trade) string {
	if t.QuickTrailActive || t.TPsHit >= len(t.TPPrices) && len(t.TPPrices) > 0 {
		return "Trailing stop"
	}
	if t.TPsHit > 0 {
		return fmt.Sprintf("SL (at TP%d level)", t.TPsHit)
	}
	return "SL hit"
}

// minQty returns the exchange's minimum order quantity for a symbol,
// falling back to a fixed 0.001 (o.fallbackMinQty) on a lookup error.
func (o *Orchestrator) minQty(ctx context.Context, symbol string) decimal.Decimal {
	filters, err := o.broker.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		return o.fallbackMinQty
	}
	return filters.MinQty
}

func safetyStopPrice(entry, pct float64, side trade.Side) float64 {
	if side == trade.SideShort {
		return entry * (1 + pct/100)
	}
	return entry * (1 - pct/100)
}

