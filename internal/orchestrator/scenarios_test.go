package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/signaldca/internal/config"
	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/signal"
	"github.com/chidi150c/signaldca/internal/store"
	"github.com/chidi150c/signaldca/internal/trade"
	"github.com/chidi150c/signaldca/internal/zone"
)

// Scenario-style tests for the end-to-end sequences named in SPEC_FULL.md
// §8 (S1-S6), exercised against a PaperBroker/MemStore pair the way the
// orchestrator would drive them in production, one tick's worth of work at
// a time. Grounded on internal/trade/manager_test.go's fixture style (plain struct
// literals, no mocking framework) plus the teacher's testify convention.

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// recordingBroker wraps PaperBroker to make two things observable that the
// real paper broker discards: the last SetTradingStop call (paper mode has
// no venue-side stop to query back) and, via holdOrder/releaseOrder, which
// orders the exchange has not "filled" yet. PaperBroker itself fills every
// order the instant it is placed, which is too eager to reproduce the
// staged fills these scenarios depend on.
type recordingBroker struct {
	*exchange.PaperBroker
	lastStop  exchange.TradingStopParams
	stopCalls []exchange.TradingStopParams
	pending   map[string]bool
}

func newRecordingBroker(equity decimal.Decimal) *recordingBroker {
	return &recordingBroker{PaperBroker: exchange.NewPaperBroker(equity), pending: make(map[string]bool)}
}

func (b *recordingBroker) SetTradingStop(ctx context.Context, symbol string, params exchange.TradingStopParams) error {
	b.lastStop = params
	b.stopCalls = append(b.stopCalls, params)
	return b.PaperBroker.SetTradingStop(ctx, symbol, params)
}

func (b *recordingBroker) CheckOrderFilled(ctx context.Context, symbol, orderID string) (bool, error) {
	if b.pending[orderID] {
		return false, nil
	}
	return b.PaperBroker.CheckOrderFilled(ctx, symbol, orderID)
}

func (b *recordingBroker) holdOrder(orderID string)    { b.pending[orderID] = true }
func (b *recordingBroker) releaseOrder(orderID string) { delete(b.pending, orderID) }

// scenarioConfig mirrors the ladder in SPEC_FULL.md §8's S1/S2 numeric
// example: DCA multipliers [1,2], spacing [0,5], signal TP close pcts
// [50,10,10,10], avg-based TP pcts [0.5,1.25] / close pcts [50,20].
func scenarioConfig() config.Config {
	return config.Config{
		Leverage:              20,
		EquityPctPerTrade:     5,
		MaxSimultaneousTrades: 6,
		E1LimitOrder:          true,
		E1TimeoutMinutes:      10,
		DCASpacingPct:         []float64{0, 5},
		BEBufferPct:           0.1,
		TrailingCallbackPct:   1.0,
		DCABEBufferPct:        0.1,
		DCATrailCallbackPct:   1.0,
		HardSLPct:             3.0,
		SafetySLPct:           5.0,
		ScaleInEnabled:        false,
		BatchWindowSeconds:    5,
		MaxFillsPerBatch:      3,
		ZoneSnapEnabled:       false,
		ZoneSnapMinPct:        2.0,
		ZoneAmendThreshold:    0.3,
		ZoneLimitBufferPct:    0.2,
		ZoneFilterEnabled:     false,
		TrendFilterEnabled:    false,
		InterTradeDelayMs:     0,
	}
}

func scenarioTradeParams() trade.Params {
	return trade.Params{
		EquityPctPerTrade:     5,
		MaxSimultaneousTrades: 6,
		DCAMultipliers:        []decimal.Decimal{d("1"), d("2")},
		DCASpacingPct:         []decimal.Decimal{d("0"), d("5")},
		MaxDCALevels:          1,
		E1LimitOrder:          true,
		SignalTPClosePcts:     []decimal.Decimal{d("50"), d("10"), d("10"), d("10")},
		DCATPPcts:             []decimal.Decimal{d("0.5"), d("1.25")},
		DCATPClosePcts:        []decimal.Decimal{d("50"), d("20")},
		HardSLPct:             d("3"),
		MinQty:                d("0.001"),
	}
}

func scenarioSignal(symbol string) signal.Signal {
	return signal.Signal{
		Side:           signal.SideLong,
		Symbol:         symbol,
		SymbolDisplay:  symbol,
		EntryPrice:     d("100"),
		Targets:        []decimal.Decimal{d("101"), d("102"), d("103"), d("104")},
		SignalLeverage: 20,
	}
}

func onlyTrade(t *testing.T, trades *trade.Manager) *trade.Trade {
	all := trades.ActiveTrades()
	require.Len(t, all, 1)
	return all[0]
}

// S1: happy path — E1 fills, all four signal TPs fill in order with the
// SL-ladder progressing BE -> TP1 -> trailing, then the trailing stop
// closes the remainder.
func TestScenario_S1_HappyPathTrailingClose(t *testing.T) {
	ctx := context.Background()
	broker := newRecordingBroker(d("2400"))
	st := store.NewMemStore("")
	zones := zone.NewManager(st, 120*time.Minute)
	trades := trade.NewManager(scenarioTradeParams(), st)
	o := New(scenarioConfig(), broker, zones, trades, st, nil)

	symbol := "S1USDT"
	broker.SetPrice(symbol, d("100"))
	o.flushBatch(ctx, []signal.Signal{scenarioSignal(symbol)})
	tr := onlyTrade(t, trades)
	require.Equal(t, trade.StatusPending, tr.Status)

	o.reconcilePending(ctx, tr)
	require.Equal(t, trade.StatusOpen, tr.Status)
	require.True(t, tr.TotalQty.Sub(d("8")).Abs().LessThan(d("0.01")), "E1 qty should be ~8.0 at 20x/100 entry")
	require.Len(t, tr.TPPrices, 4)

	// Hold every TP order pending so reconcileTPFills replays fills one at a
	// time in the order the exchange would actually report them.
	for _, id := range tr.TPOrderIDs {
		broker.holdOrder(id)
	}

	broker.releaseOrder(tr.TPOrderIDs[0])
	o.reconcileTPFills(ctx, tr)
	assert.Equal(t, 1, tr.TPsHit)
	assert.True(t, broker.lastStop.StopLoss.Sub(d("100.1")).Abs().LessThan(d("0.01")), "TP1 should move SL to break-even plus buffer")

	broker.releaseOrder(tr.TPOrderIDs[1])
	o.reconcileTPFills(ctx, tr)
	assert.Equal(t, 2, tr.TPsHit)

	broker.releaseOrder(tr.TPOrderIDs[2])
	o.reconcileTPFills(ctx, tr)
	assert.Equal(t, 3, tr.TPsHit)
	assert.True(t, broker.lastStop.StopLoss.Equal(tr.TPPrices[0]), "TP3 should step the SL up to the TP1 level")

	broker.SetPrice(symbol, d("105"))
	broker.releaseOrder(tr.TPOrderIDs[3])
	o.reconcileTPFills(ctx, tr)
	assert.Equal(t, trade.StatusTrailing, tr.Status)
	assert.Equal(t, 4, tr.TPsHit)
	assert.True(t, broker.lastStop.TrailingStop.Sub(d("1.05")).Abs().LessThan(d("0.01")), "1% callback off a 105 mark is 1.05")

	// Mark retraces into the trailing distance; the exchange closes the
	// remainder and the vanished-position detector books the exit.
	broker.SetPrice(symbol, d("103.95"))
	_, err := broker.CloseFull(ctx, symbol, exchange.PositionLong, "trail-exit")
	require.NoError(t, err)
	o.reconcilePositionVanished(ctx, tr)

	require.Equal(t, trade.StatusClosed, tr.Status)
	recent, err := st.GetRecentTrades(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].CloseReason, "Trailing")
}

// S2: DCA activates on a price dip, avg_price recomputes, signal TPs are
// cancelled in favor of avg-based TPs, the hard SL derives from the
// deepest DCA fill (not avg), and the first avg-based TP moves SL to avg.
func TestScenario_S2_DCAActivatesAvgBasedTPs(t *testing.T) {
	ctx := context.Background()
	broker := newRecordingBroker(d("2400"))
	st := store.NewMemStore("")
	zones := zone.NewManager(st, 120*time.Minute)
	trades := trade.NewManager(scenarioTradeParams(), st)
	o := New(scenarioConfig(), broker, zones, trades, st, nil)

	symbol := "S2USDT"
	broker.SetPrice(symbol, d("100"))
	o.flushBatch(ctx, []signal.Signal{scenarioSignal(symbol)})
	tr := onlyTrade(t, trades)

	o.reconcilePending(ctx, tr)
	require.Equal(t, trade.StatusOpen, tr.Status)
	require.True(t, tr.DCALevels[1].Price.Sub(d("95")).Abs().LessThan(d("0.01")), "DCA1 sits at fixed 5% spacing")

	// Price dips to the DCA1 limit; the exchange fills it.
	broker.SetPrice(symbol, d("94.8"))
	o.reconcileDCAFills(ctx, tr)

	require.Equal(t, trade.StatusDCAActive, tr.Status)
	require.Equal(t, 1, tr.CurrentDCA)
	assert.True(t, tr.AvgPrice.Sub(d("96.667")).Abs().LessThan(d("0.01")), "avg = (100*1+95*2)/3")
	assert.True(t, tr.HardSLPrice.Sub(d("92.15")).Abs().LessThan(d("0.01")), "hard SL derives from the deepest DCA fill, not avg")
	require.Len(t, tr.TPPrices, 2)
	assert.True(t, tr.TPPrices[0].Sub(d("97.15")).Abs().LessThan(d("0.01")))
	assert.True(t, tr.TPPrices[1].Sub(d("97.876")).Abs().LessThan(d("0.01")))
	assert.True(t, broker.lastStop.StopLoss.Sub(d("92.15")).Abs().LessThan(d("0.01")), "hard SL is re-armed the moment DCA1 fills")

	// Price recovers to the first avg-based TP; SL moves to avg_price.
	broker.SetPrice(symbol, d("97.15"))
	for _, id := range tr.TPOrderIDs {
		broker.holdOrder(id)
	}
	broker.releaseOrder(tr.TPOrderIDs[0])
	o.reconcileTPFills(ctx, tr)

	assert.Equal(t, 1, tr.TPsHit)
	relDiff := broker.lastStop.StopLoss.Sub(tr.AvgPrice).Div(tr.AvgPrice).Abs()
	assert.True(t, relDiff.LessThan(d("0.01")), "DCA-TP1 should move SL to ~avg_price")
}

// S3: a position observed without an armed stop (simulating an external
// cancellation) gets its hard SL re-issued by the safety loop's next tick.
func TestScenario_S3_SafetyReArmsStopLoss(t *testing.T) {
	ctx := context.Background()
	broker := newRecordingBroker(d("10000"))
	st := store.NewMemStore("")
	zones := zone.NewManager(st, 120*time.Minute)
	trades := trade.NewManager(scenarioTradeParams(), st)
	o := New(scenarioConfig(), broker, zones, trades, st, nil)

	symbol := "S3USDT"
	broker.SetPrice(symbol, d("100"))
	tr := trades.Create(scenarioSignal(symbol), d("2400"), 20)
	tr.Status = trade.StatusOpen
	tr.TotalQty = d("8")
	tr.TotalMargin = d("40")
	tr.AvgPrice = d("100")
	tr.HardSLPrice = d("92.15")
	trades.Touch(tr)

	// The exchange position exists but (simulating an external cancel) carries
	// no attached stop; SetTradingStop has never been called for it yet.
	_, err := broker.OpenTrade(ctx, symbol, exchange.PositionLong, "seed", d("8"), d("100"), false)
	require.NoError(t, err)
	require.True(t, broker.lastStop.StopLoss.IsZero())

	o.safetyTick(ctx)

	assert.True(t, broker.lastStop.StopLoss.Equal(tr.HardSLPrice), "safety loop should re-arm the stored hard_sl_price")
}

// S4: six signals admitted in one batch, max_fills_per_batch=3 — once the
// third E1 fills, every still-PENDING sibling in the batch is cancelled.
func TestScenario_S4_BatchCapCancelsRemainingPending(t *testing.T) {
	ctx := context.Background()
	broker := newRecordingBroker(d("100000"))
	st := store.NewMemStore("")
	zones := zone.NewManager(st, 120*time.Minute)
	trades := trade.NewManager(scenarioTradeParams(), st)
	o := New(scenarioConfig(), broker, zones, trades, st, nil)

	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT", "FFFUSDT"}
	sigs := make([]signal.Signal, 0, len(symbols))
	for _, sym := range symbols {
		broker.SetPrice(sym, d("100"))
		sigs = append(sigs, scenarioSignal(sym))
	}
	o.flushBatch(ctx, sigs)

	all := trades.ActiveTrades()
	require.Len(t, all, 6)
	batchID := all[0].BatchID
	require.NotEmpty(t, batchID)
	bySymbol := make(map[string]*trade.Trade, len(all))
	for _, tr := range all {
		require.Equal(t, batchID, tr.BatchID)
		require.Equal(t, trade.StatusPending, tr.Status)
		bySymbol[tr.Symbol] = tr
	}

	// Fill the first three E1 entries (in admission order); the third fill
	// trips the batch cap.
	for _, sym := range symbols[:3] {
		o.reconcilePending(ctx, bySymbol[sym])
	}

	for _, sym := range symbols[:3] {
		_, ok := trades.Get(bySymbol[sym].TradeID)
		assert.True(t, ok, "filled trade %s should remain active", sym)
	}
	for _, sym := range symbols[3:] {
		_, ok := trades.Get(bySymbol[sym].TradeID)
		assert.False(t, ok, "pending sibling %s should be cancelled once the batch cap trips", sym)
	}
}

// S5: an unfilled DCA level re-snaps to a freshly pushed external zone once
// it sits far enough away, and an identical second push leaves it unchanged.
func TestScenario_S5_ZoneResnapAmendsUnfilledDCA(t *testing.T) {
	ctx := context.Background()
	broker := newRecordingBroker(d("2400"))
	st := store.NewMemStore("")
	zones := zone.NewManager(st, 120*time.Minute)
	cfg := scenarioConfig()
	cfg.ZoneSnapEnabled = true
	cfg.ZoneLimitBufferPct = 0
	trades := trade.NewManager(scenarioTradeParams(), st)
	o := New(cfg, broker, zones, trades, st, nil)

	symbol := "S5USDT"
	broker.SetPrice(symbol, d("100"))
	o.flushBatch(ctx, []signal.Signal{scenarioSignal(symbol)})
	tr := onlyTrade(t, trades)
	require.True(t, tr.DCALevels[1].Price.Sub(d("95")).Abs().LessThan(d("0.01")), "DCA1 starts at fixed spacing with no zone registered")

	_, err := zones.Update(zone.CoinZones{Symbol: symbol, S1: 93.5, UpdatedAt: time.Now().UTC(), Source: zone.SourceExternal})
	require.NoError(t, err)
	o.snapDCALevels(tr)
	assert.True(t, tr.DCALevels[1].Price.Sub(d("93.5")).Abs().LessThan(d("0.01")), "re-snap should amend DCA1 to the external S1 zone")

	amended := tr.DCALevels[1].Price
	_, err = zones.Update(zone.CoinZones{Symbol: symbol, S1: 93.5, UpdatedAt: time.Now().UTC(), Source: zone.SourceExternal})
	require.NoError(t, err)
	o.snapDCALevels(tr)
	assert.True(t, tr.DCALevels[1].Price.Equal(amended), "an identical zone push should not move an already-snapped level")
}

// S6: a crash mid-DCA is recovered by replaying the TP fill that happened
// during downtime and re-applying its SL-ladder transition.
func TestScenario_S6_CrashRecoveryReplaysTPFill(t *testing.T) {
	ctx := context.Background()
	broker := newRecordingBroker(d("2400"))
	st := store.NewMemStore("")

	// Snapshot a DCA_ACTIVE trade the way it would look right before a crash:
	// current_dca=1, avg=96.667, hard_sl=92.15, DTP1 filled during downtime,
	// DTP2 still resting.
	seedTrades := trade.NewManager(scenarioTradeParams(), st)
	tr := seedTrades.Create(scenarioSignal("S6USDT"), d("2400"), 20)
	tr.Status = trade.StatusDCAActive
	tr.TotalQty = d("24.842")
	tr.TotalMargin = d("120")
	tr.AvgPrice = d("96.667")
	tr.CurrentDCA = 1
	tr.HardSLPrice = d("92.15")
	tr.TPPrices = []decimal.Decimal{d("97.15"), d("97.876")}
	tr.TPClosePcts = []decimal.Decimal{d("50"), d("20")}
	tr.TPCloseQtys = []decimal.Decimal{d("12.42"), d("4.97")}
	tr.TPFilled = []bool{false, false}
	tr.TPOrderIDs = []string{"order-dtp1", "order-dtp2"}
	seedTrades.Touch(tr)

	broker.SetPrice("S6USDT", d("97.15"))
	_, err := broker.OpenTrade(ctx, "S6USDT", exchange.PositionLong, "seed", d("24.842"), d("96.667"), false)
	require.NoError(t, err)

	// Only DTP2 is still unfilled; DTP1 (order-dtp1) filled while the process
	// was down and PaperBroker reports every non-held order as filled.
	broker.holdOrder("order-dtp2")

	zones := zone.NewManager(st, 120*time.Minute)
	freshTrades := trade.NewManager(scenarioTradeParams(), st)
	o := New(scenarioConfig(), broker, zones, freshTrades, st, nil)

	n, err := freshTrades.LoadPersistedTrades()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recovered, ok := freshTrades.Get(tr.TradeID)
	require.True(t, ok)
	require.False(t, recovered.TPFilled[0])
	require.False(t, recovered.TPFilled[1])

	o.recoverTrade(ctx, recovered)

	assert.True(t, recovered.TPFilled[0], "DTP1's downtime fill should be replayed")
	assert.False(t, recovered.TPFilled[1], "DTP2 is still resting, never replayed")
	assert.Equal(t, 1, recovered.TPsHit)

	// recoverTrade replays the fill (which moves SL to ~avg_price via the
	// DCA-TP1 ladder step) and then unconditionally re-arms the stored
	// hard_sl_price as its own defensive last word.
	require.True(t, len(broker.stopCalls) >= 2, "expected both the ladder move and the final hard-SL re-arm")
	ladderStop := broker.stopCalls[len(broker.stopCalls)-2]
	relDiff := ladderStop.StopLoss.Sub(recovered.AvgPrice).Div(recovered.AvgPrice).Abs()
	assert.True(t, relDiff.LessThan(d("0.02")), "replaying DTP1 should re-apply the DCA-TP1 SL-to-avg transition")
	assert.True(t, broker.lastStop.StopLoss.Equal(recovered.HardSLPrice), "recovery re-arms the stored hard_sl_price as a final safety net")
}
