package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chidi150c/signaldca/internal/idtag"
	"github.com/chidi150c/signaldca/internal/metrics"
	"github.com/chidi150c/signaldca/internal/signal"
	"github.com/chidi150c/signaldca/internal/trade"
	"github.com/chidi150c/signaldca/internal/zone"
)

// admissionBuffer implements spec.md §4.5.1: a debounced batch buffer
// with a single-armed timer that any new arrival re-schedules. Grounded
// on trade_manager.py's add_signal_to_batch/flush_batch pair.
type admissionBuffer struct {
	mu      sync.Mutex
	window  time.Duration
	order   []string
	pending map[string]signal.Signal
	timer   *time.Timer
	flush   func(ctx context.Context, signals []signal.Signal)
}

func newAdmissionBuffer(window time.Duration, flush func(ctx context.Context, signals []signal.Signal)) *admissionBuffer {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &admissionBuffer{window: window, pending: make(map[string]signal.Signal), flush: flush}
}

// add appends a signal to the buffer, rejecting a duplicate symbol
// already buffered, and (re)arms the debounce timer.
func (b *admissionBuffer) add(sig signal.Signal) (accepted bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.pending[sig.Symbol]; dup {
		return false, "duplicate signal already buffered for " + sig.Symbol
	}
	b.pending[sig.Symbol] = sig
	b.order = append(b.order, sig.Symbol)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.window, b.fire)
	return true, "buffered"
}

func (b *admissionBuffer) fire() {
	snapshot, order := b.snapshotAndClear()
	if len(order) == 0 {
		return
	}
	b.flush(context.Background(), orderedSignals(snapshot, order))
}

// forceFlush triggers an immediate flush without waiting for the timer,
// for the HTTP POST /flush endpoint.
func (b *admissionBuffer) forceFlush() {
	snapshot, order := b.snapshotAndClear()
	if len(order) == 0 {
		return
	}
	b.flush(context.Background(), orderedSignals(snapshot, order))
}

func (b *admissionBuffer) snapshotAndClear() (map[string]signal.Signal, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	snapshot := b.pending
	order := b.order
	b.pending = make(map[string]signal.Signal)
	b.order = nil
	return snapshot, order
}

func orderedSignals(snapshot map[string]signal.Signal, order []string) []signal.Signal {
	out := make([]signal.Signal, 0, len(order))
	for _, sym := range order {
		out = append(out, snapshot[sym])
	}
	return out
}

// flushBatch runs the pre-filter and create-and-place sequence of
// spec.md §4.5.1. Pre-filter order is arrival order; no priority sorting.
func (o *Orchestrator) flushBatch(ctx context.Context, signals []signal.Signal) {
	freeSlots := o.cfg.MaxSimultaneousTrades - o.trades.ActiveCount()
	if freeSlots <= 0 {
		log.Printf("[ADMISSION] batch of %d dropped: no free slots", len(signals))
		return
	}

	survivors := make([]signal.Signal, 0, len(signals))
	for _, sig := range signals {
		if ok, reason := o.trades.CanOpenTrade(sig.Symbol); !ok {
			log.Printf("[ADMISSION] %s rejected: %s", sig.Symbol, reason)
			continue
		}
		if !o.trendAligned(sig) {
			log.Printf("[ADMISSION] %s rejected: trend filter", sig.Symbol)
			continue
		}
		if !o.zoneAligned(sig) {
			log.Printf("[ADMISSION] %s rejected: zone filter", sig.Symbol)
			continue
		}
		survivors = append(survivors, sig)
		if len(survivors) >= freeSlots {
			break
		}
	}
	if len(survivors) == 0 {
		return
	}

	batchID := time.Now().UTC().Format("20060102150405.000000")
	for _, sig := range survivors {
		o.createAndPlace(ctx, sig, batchID)
		o.interTradeDelay()
	}
}

// trendAligned applies the trend filter: if a trend marker exists for the
// symbol, admit only signals whose side matches it.
func (o *Orchestrator) trendAligned(sig signal.Signal) bool {
	if !o.cfg.TrendFilterEnabled {
		return true
	}
	trend, ok, err := o.st.GetTrendMarker(sig.Symbol)
	if err != nil || !ok || trend == "" {
		return true
	}
	switch trend {
	case "up":
		return sig.Side == signal.SideLong
	case "down":
		return sig.Side == signal.SideShort
	default:
		return true
	}
}

// zoneAligned applies the zone filter: reject shorts already below S1,
// reject longs already above R1.
func (o *Orchestrator) zoneAligned(sig signal.Signal) bool {
	if !o.cfg.ZoneFilterEnabled {
		return true
	}
	z, ok := o.zones.Get(sig.Symbol)
	if !ok {
		return true
	}
	entry, _ := sig.EntryPrice.Float64()
	if sig.Side == signal.SideShort && z.S1 > 0 && entry <= z.S1 {
		return false
	}
	if sig.Side == signal.SideLong && z.R1 > 0 && entry >= z.R1 {
		return false
	}
	return true
}

// createAndPlace reads equity, builds the Trade, snaps DCA levels to the
// zone cache, instructs the exchange to place the entry, and persists.
func (o *Orchestrator) createAndPlace(ctx context.Context, sig signal.Signal, batchID string) {
	eq := o.equity(ctx)
	if !eq.IsPositive() {
		log.Printf("[ADMISSION] %s skipped: equity unavailable", sig.Symbol)
		return
	}

	leverage := o.cfg.Leverage
	symCfg := o.cfg.ForSymbol(sig.Symbol)
	if symCfg.Leverage > 0 {
		leverage = symCfg.Leverage
	}
	if sig.SignalLeverage > 0 && sig.SignalLeverage < leverage {
		leverage = sig.SignalLeverage
	}

	if err := o.broker.SetupSymbol(ctx, sig.Symbol, decimalFromInt(leverage)); err != nil {
		log.Printf("[ADMISSION] %s SetupSymbol failed: %v", sig.Symbol, err)
	}

	t := o.trades.Create(sig, eq, leverage)
	t.BatchID = batchID

	if o.cfg.ZoneSnapEnabled {
		o.snapDCALevels(t)
	}
	o.trades.Touch(t)

	entryPrice := t.DCALevels[0].Price
	linkID := idtag.Build(t.TradeID, idtag.TagE1)
	order, err := o.broker.OpenTrade(ctx, t.Symbol, positionSide(t.Side), linkID, t.DCALevels[0].Qty, entryPrice, o.cfg.E1LimitOrder)
	if err != nil {
		log.Printf("[ADMISSION] %s entry placement failed: %v", t.Symbol, err)
		_ = o.trades.Close(t, decimalZero(), decimalZero(), "entry placement failed")
		return
	}
	t.DCALevels[0].ExchangeOrderID = order.OrderID
	o.trades.Touch(t)
	metrics.IncTradeOpened(string(t.Side))
}

// snapDCALevels re-derives each unfilled DCA level's price from the
// current zone cache, per spec.md §4.3's snapping contract. A level moves
// only when its price changes by more than ZoneAmendThreshold percent; a
// level whose DCA order is already on the exchange is amended there first.
func (o *Orchestrator) snapDCALevels(t *trade.Trade) {
	z, haveZone := o.zones.Get(t.Symbol)
	spacing := o.cfg.DCASpacingPct
	filled := make([]bool, len(t.DCALevels))
	for i, d := range t.DCALevels {
		filled[i] = d.Filled
	}
	entry, _ := t.DCALevels[0].Price.Float64()
	levels := zone.SnapDCALevels(entry, spacing, z, haveZone, string(t.Side), o.cfg.ZoneSnapMinPct, o.cfg.ZoneLimitBufferPct, filled)
	threshold := decimalFromFloat(o.cfg.ZoneAmendThreshold / 100)
	for i := 1; i < len(levels) && i < len(t.DCALevels); i++ {
		lvl := &t.DCALevels[i]
		if lvl.Filled {
			continue
		}
		newPrice := decimalFromFloat(levels[i].Price)
		if lvl.Price.IsPositive() && newPrice.Sub(lvl.Price).Abs().Div(lvl.Price).LessThanOrEqual(threshold) {
			continue
		}
		if lvl.ExchangeOrderID != "" {
			if err := o.broker.AmendOrderPrice(context.Background(), t.Symbol, lvl.ExchangeOrderID, newPrice); err != nil {
				log.Printf("[ZONE] %s DCA%d amend failed: %v", t.Symbol, i, err)
				continue
			}
		}
		lvl.Price = newPrice
		if levels[i].Source == "zone" {
			metrics.IncZoneSnap(t.Symbol)
		}
	}
}
