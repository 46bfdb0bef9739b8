// Package orchestrator is the Orchestrator (C5): the admission buffer, the
// four long-running reconcile loops, and the messaging-channel event
// handlers that together drive every Trade from proposal to close.
//
// Grounded on the teacher's live.go: a ticker-plus-select-plus-ctx.Done()
// loop per concern, logging and continuing past per-tick errors rather
// than halting (spec.md §7's error-propagation policy: "errors never
// cross loop boundaries"). Unlike the teacher, which runs one loop for
// one market, this orchestrator's loops iterate the whole Trade set each
// tick, pacing exchange calls with a small inter-trade delay per
// SPEC_FULL.md §5's backpressure note.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/signaldca/internal/config"
	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/messaging"
	"github.com/chidi150c/signaldca/internal/metrics"
	"github.com/chidi150c/signaldca/internal/signal"
	"github.com/chidi150c/signaldca/internal/store"
	"github.com/chidi150c/signaldca/internal/trade"
	"github.com/chidi150c/signaldca/internal/zone"
)

// Orchestrator wires C1-C4 and C6 together and owns the cooperative loop
// schedule described in spec.md §4.5 and §5.
type Orchestrator struct {
	cfg     config.Config
	broker  exchange.Broker
	zones   *zone.Manager
	trades  *trade.Manager
	st      store.Store
	msgClient messaging.Client

	admission      *admissionBuffer
	fallbackMinQty decimal.Decimal
	pushFeed       *exchange.PushFeed

	startTime time.Time
}

// New constructs an Orchestrator. The messaging Client may be nil if only
// the HTTP surface delivers signals.
func New(cfg config.Config, broker exchange.Broker, zones *zone.Manager, trades *trade.Manager, st store.Store, msgClient messaging.Client) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		broker:    broker,
		zones:     zones,
		trades:    trades,
		st:        st,
		msgClient: msgClient,
		startTime: time.Now().UTC(),
		fallbackMinQty: decimal.NewFromFloat(0.001),
	}
	o.admission = newAdmissionBuffer(time.Duration(cfg.BatchWindowSeconds)*time.Second, o.flushBatch)
	return o
}

// StartTime exposes bot boot time; the /status endpoint reports uptime
// from it. The closed-pnl sync loop reads the same instant to exclude
// pre-existing exchange history.
func (o *Orchestrator) StartTime() time.Time { return o.startTime }

// SetPushFeed wires the optional private-websocket fast path (spec.md
// §11): when set, Run starts it alongside the steady-state loops and
// priceMonitorTick prioritizes symbols it flags as dirty. A nil feed
// (the default) leaves the bot on pure REST polling.
func (o *Orchestrator) SetPushFeed(pf *exchange.PushFeed) {
	o.pushFeed = pf
}

// EnqueueSignal is the admission entry point for both the messaging
// channel and the HTTP /webhook handler.
func (o *Orchestrator) EnqueueSignal(sig signal.Signal) (accepted bool, reason string) {
	return o.admission.add(sig)
}

// Flush forces the admission buffer to flush immediately, for the HTTP
// POST /flush endpoint.
func (o *Orchestrator) Flush() {
	o.admission.forceFlush()
}

// Run starts recovery, then launches the four steady-state loops and the
// messaging-channel listener, blocking until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.runStartupRecovery(ctx)

	var wg sync.WaitGroup
	loops := []struct {
		name   string
		period time.Duration
		fn     func(context.Context)
	}{
		{"price-monitor", time.Duration(o.cfg.PriceMonitorIntervalSec) * time.Second, o.priceMonitorTick},
		{"zone-refresh", time.Duration(o.cfg.ZoneRefreshIntervalMin) * time.Minute, o.zoneRefreshTick},
		{"safety", time.Duration(o.cfg.SafetyLoopIntervalSec) * time.Second, o.safetyTick},
		{"closed-pnl-sync", time.Duration(o.cfg.ClosedPnlSyncIntervalMin) * time.Minute, o.closedPnlSyncTick},
	}

	for _, l := range loops {
		wg.Add(1)
		go func(name string, period time.Duration, fn func(context.Context)) {
			defer wg.Done()
			o.runLoop(ctx, name, period, fn)
		}(l.name, l.period, l.fn)
	}

	if o.pushFeed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.pushFeed.Run(ctx, nil)
		}()
	}

	if o.msgClient != nil && o.msgClient.IsConfigured() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.msgClient.Start(ctx, o.handleMessage); err != nil {
				log.Printf("[MESSAGING] start error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Println("[ORCHESTRATOR] shutdown signal received, waiting for in-flight loop ticks")
	if o.msgClient != nil {
		o.msgClient.Stop()
	}
	wg.Wait()
}

// runLoop is the cooperative-scheduling primitive every loop uses:
// ticker, select on ctx.Done(), and a top-level recover+log so a single
// tick's panic or error never takes the process down. Grounded on the
// teacher's live.go ticker+select pattern.
func (o *Orchestrator) runLoop(ctx context.Context, name string, period time.Duration, tick func(context.Context)) {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] stopped", name)
			return
		case <-ticker.C:
			o.safeTick(ctx, name, tick)
		}
	}
}

func (o *Orchestrator) safeTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] CRITICAL: tick panicked: %v", name, r)
			metrics.IncExchangeError(name)
		}
	}()
	tick(ctx)
}

// equity fetches current account equity, falling back to zero (callers
// treat zero equity as "skip admission this round") on a broker error.
func (o *Orchestrator) equity(ctx context.Context) decimal.Decimal {
	eq, err := o.broker.GetEquity(ctx)
	if err != nil {
		log.Printf("[EQUITY] fetch failed: %v", err)
		return decimal.Zero
	}
	metrics.Equity.Set(mustFloat(eq))
	return eq
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// HandleText feeds externally-delivered text (the HTTP /webhook handler)
// through the same dispatch chain as the native messaging-channel
// listener.
func (o *Orchestrator) HandleText(ctx context.Context, text string) {
	o.handleMessage(ctx, text)
}

// HandleTrendSwitch applies a trend-switch event delivered out of band
// (the HTTP /signal/trend-switch endpoint) rather than through the
// messaging channel.
func (o *Orchestrator) HandleTrendSwitch(ctx context.Context, symbol, direction string) {
	o.handleTrendSwitch(ctx, symbol, direction)
}

// TrackedSymbols exposes the active-trade symbol set for the /zones
// listing endpoint.
func (o *Orchestrator) TrackedSymbols() []string {
	return o.activeSymbols()
}

// Equity exposes the current account-equity read for the /equity
// endpoint.
func (o *Orchestrator) Equity(ctx context.Context) decimal.Decimal {
	return o.equity(ctx)
}

// RunRecovery re-runs the startup reconciliation pass on demand, for the
// /recovery/reset endpoint.
func (o *Orchestrator) RunRecovery(ctx context.Context) {
	o.runStartupRecovery(ctx)
}

// interTradeDelay paces exchange calls across trades within one tick, per
// SPEC_FULL.md §5's backpressure note.
func (o *Orchestrator) interTradeDelay() {
	ms := o.cfg.InterTradeDelayMs
	if ms <= 0 {
		return
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
