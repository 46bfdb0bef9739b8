package trade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/signaldca/internal/signal"
	"github.com/chidi150c/signaldca/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testParams() Params {
	return Params{
		EquityPctPerTrade:    20,
		MaxSimultaneousTrades: 6,
		DCAMultipliers:       []decimal.Decimal{d("1"), d("2"), d("4"), d("8")},
		DCASpacingPct:        []decimal.Decimal{d("0"), d("5"), d("11"), d("18")},
		MaxDCALevels:         3,
		E1LimitOrder:         true,
		SignalTPClosePcts:    []decimal.Decimal{d("50"), d("10"), d("10"), d("10")},
		DCATPPcts:            []decimal.Decimal{d("0.5"), d("1.25")},
		DCATPClosePcts:       []decimal.Decimal{d("50"), d("20")},
		HardSLPct:            d("3"),
		MinQty:               d("0.001"),
	}
}

func newTestManager(t *testing.T) *Manager {
	st := store.NewMemStore("")
	return NewManager(testParams(), st)
}

func testSignal() signal.Signal {
	return signal.Signal{
		Side:           signal.SideLong,
		Symbol:         "FOOUSDT",
		SymbolDisplay:  "FOO/USDT",
		EntryPrice:     d("100"),
		Targets:        []decimal.Decimal{d("102"), d("105"), d("110"), d("120")},
		SignalLeverage: 20,
	}
}

// P1-style: creating a trade with a limit E1 yields PENDING with zero
// qty/margin (invariant I5), and E1's margin is equity × equity_pct
// divided by the sum of the configured multipliers.
func TestCreate_PendingWithLimitE1(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)

	require.Equal(t, StatusPending, tr.Status)
	assert.True(t, tr.TotalQty.IsZero())
	assert.True(t, tr.TotalMargin.IsZero())
	assert.Len(t, tr.DCALevels, 4)
	assert.NoError(t, tr.CheckInvariants())

	// E1 margin = equity * 20% / sum(multipliers=15) = 2000/15
	wantE1Margin := d("10000").Mul(d("0.20")).Div(d("15"))
	assert.True(t, tr.DCALevels[0].Margin.Sub(wantE1Margin).Abs().LessThan(d("0.0001")))
}

// I1/I5: filling DCA1 transitions to DCA_ACTIVE, advances current_dca, and
// recomputes avg_price as the notional-weighted mean (I3).
func TestFillDCA_UpdatesAvgAndStatus(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)

	// Simulate E1 filling at the signal price first (limit order path).
	tr.DCALevels[0].Filled = true
	tr.TotalQty = tr.DCALevels[0].Qty
	tr.TotalMargin = tr.DCALevels[0].Margin
	tr.Status = StatusOpen

	dca1Price := tr.DCALevels[1].Price
	m.FillDCA(tr, 1, dca1Price)

	assert.Equal(t, StatusDCAActive, tr.Status)
	assert.Equal(t, 1, tr.CurrentDCA)
	assert.True(t, tr.DCALevels[1].Filled)
	assert.False(t, tr.HardSLPrice.IsZero())
	assert.NoError(t, tr.CheckInvariants())
}

// I4: signal-target TP percentages never exceed 100.
func TestCreate_TPClosePctsWithinBudget(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)
	sum := decimal.Zero
	for _, p := range tr.TPClosePcts {
		sum = sum.Add(p)
	}
	assert.True(t, sum.LessThanOrEqual(d("100")))
}

// Consolidate: a TP whose rounded qty falls below min_qty is dropped and,
// if every TP drops, the trade moves straight to TRAILING.
func TestConsolidate_AllBelowMinQtyGoesToTrailing(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)
	tr.DCALevels[0].Filled = true
	tr.TotalQty = d("0.002")
	tr.Status = StatusOpen
	m.SetupSignalTPs(tr)

	m.Consolidate(tr, d("10")) // absurdly high min_qty forces a full drop

	assert.Empty(t, tr.TPPrices)
	assert.Equal(t, StatusTrailing, tr.Status)
}

// RecordTPFill: once every TP has filled, the trade transitions to
// TRAILING and realized_pnl accumulates per-leg.
func TestRecordTPFill_AllFilledGoesTrailing(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)
	tr.DCALevels[0].Filled = true
	tr.TotalQty = d("10")
	tr.AvgPrice = d("100")
	tr.Status = StatusOpen
	tr.TPPrices = []decimal.Decimal{d("102")}
	tr.TPFilled = []bool{false}
	tr.TPClosePcts = []decimal.Decimal{d("100")}
	tr.TPCloseQtys = []decimal.Decimal{d("10")}
	tr.TPOrderIDs = []string{""}

	m.RecordTPFill(tr, 0, d("10"), d("102"))

	assert.Equal(t, StatusTrailing, tr.Status)
	assert.Equal(t, 1, tr.TPsHit)
	assert.True(t, tr.RealizedPnL.Equal(d("20"))) // (102-100)*10
}

// FillScaleIn + RecalcTPsAfterScaleIn: avg recalculates over remaining +
// scale-in qty, and unfilled TP/trail share redistributes proportionally.
func TestScaleInRecalc(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)
	tr.TotalQty = d("10")
	tr.AvgPrice = d("100")
	tr.TPClosePcts = []decimal.Decimal{d("50"), d("10")}
	tr.TPFilled = []bool{true, false}
	tr.TotalTPClosedQty = d("5")
	tr.TPCloseQtys = []decimal.Decimal{d("5"), d("1")}

	m.FillScaleIn(tr, d("105"), d("5"), d("50"))
	assert.True(t, tr.ScaleInFilled)
	assert.Equal(t, d("15").String(), tr.TotalQty.String())

	m.RecalcTPsAfterScaleIn(tr)
	// remaining = 15 - 5 = 10; unfilled_pct = 10 (tp2) + trail(100-60=40) = 50
	// tp2 share = 10/50 * 10 = 2
	assert.True(t, tr.TPCloseQtys[1].Equal(d("2")))
}

// Close: unfilled (stillborn) trades are removed from the active set but
// never journaled; filled trades compute trail_pnl_pct and update stats.
func TestClose_FilledTradeComputesTrailPct(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)
	tr.TotalQty = d("10")
	tr.TotalMargin = d("500")
	tr.RealizedPnL = d("20") // TP-realized portion, pre-close
	tr.OpenedAt = time.Now().UTC().Add(-time.Hour)

	err := m.Close(tr, d("101"), d("30"), "trail_sl")
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, tr.Status)
	// trail_pnl = 30 - 20 = 10; /500 margin *100 = 2%
	assert.True(t, tr.TrailPnLPct.Equal(d("2")))

	_, ok := m.Get(tr.TradeID)
	assert.False(t, ok)

	wins, _, _, totalPnL := m.Stats()
	assert.Equal(t, 1, wins)
	assert.True(t, totalPnL.Equal(d("30")))
}

func TestClose_UnfilledTradeSkipsJournal(t *testing.T) {
	m := newTestManager(t)
	tr := m.Create(testSignal(), d("10000"), 20)
	// TotalQty stays zero: E1 never filled (timeout/cancel path).

	err := m.Close(tr, decimal.Zero, decimal.Zero, "e1_timeout")
	require.NoError(t, err)

	wins, losses, breakeven, _ := m.Stats()
	assert.Equal(t, 0, wins+losses+breakeven)
}

func TestCanOpenTrade_RespectsSlotAndDuplicateSymbol(t *testing.T) {
	m := newTestManager(t)
	m.Create(testSignal(), d("10000"), 20)

	ok, reason := m.CanOpenTrade("FOOUSDT")
	assert.False(t, ok)
	assert.Contains(t, reason, "Already in")

	ok, _ = m.CanOpenTrade("BARUSDT")
	assert.True(t, ok)
}
