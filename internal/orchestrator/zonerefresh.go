package orchestrator

import (
	"context"
	"log"

	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/zone"
)

// zoneRefreshTick implements spec.md §4.5.3: for every symbol held by an
// active trade, derive a swing-zone snapshot from recent candles when no
// fresh external zone already exists, and re-snap that symbol's trades if
// the update actually changed anything.
func (o *Orchestrator) zoneRefreshTick(ctx context.Context) {
	symbols := o.activeSymbols()
	for _, symbol := range symbols {
		if existing, ok := o.zones.Get(symbol); ok && existing.Source == zone.SourceExternal {
			continue
		}

		candles, err := o.broker.GetKlines(ctx, symbol, o.cfg.ZoneCandleInterval, o.cfg.ZoneCandleCount)
		if err != nil {
			log.Printf("[ZONE-REFRESH] %s candle fetch failed: %v", symbol, err)
			continue
		}
		derived, ok := zone.CalcSwingZones(toZoneCandles(candles), 5)
		if !ok {
			continue
		}
		derived.Symbol = symbol

		changed, applied, err := o.zones.UpdateFromDerived(derived)
		if err != nil {
			log.Printf("[ZONE-REFRESH] %s zone update failed: %v", symbol, err)
			continue
		}
		if applied && changed {
			o.resnapTradesForSymbol(symbol)
		}
	}
}

func (o *Orchestrator) activeSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range o.trades.ActiveTrades() {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out
}

func (o *Orchestrator) resnapTradesForSymbol(symbol string) {
	for _, t := range o.trades.ActiveTrades() {
		if t.Symbol != symbol {
			continue
		}
		o.snapDCALevels(t)
		o.trades.Touch(t)
	}
}

func toZoneCandles(candles []exchange.Candle) []zone.Candle {
	out := make([]zone.Candle, 0, len(candles))
	for _, c := range candles {
		open, _ := c.Open.Float64()
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		closeP, _ := c.Close.Float64()
		out = append(out, zone.Candle{Time: c.Time, Open: open, High: high, Low: low, Close: closeP})
	}
	return out
}
