package trade

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/signaldca/internal/signal"
	"github.com/chidi150c/signaldca/internal/store"
)

// Params is the subset of Config the Trade Manager needs to size and
// manage trades, kept as its own narrow struct so this package does not
// import internal/config (which would create a cycle once config starts
// referencing domain types for per-symbol overrides).
type Params struct {
	EquityPctPerTrade float64
	MaxSimultaneousTrades int
	DCAMultipliers    []decimal.Decimal
	DCASpacingPct     []decimal.Decimal
	MaxDCALevels      int
	E1LimitOrder      bool
	SignalTPClosePcts []decimal.Decimal
	DCATPPcts         []decimal.Decimal
	DCATPClosePcts    []decimal.Decimal
	HardSLPct         decimal.Decimal
	AllowedCoins      []string
	BlockedCoins      []string
	MinQty            decimal.Decimal // exchange min_qty default; Consolidate takes its threshold as an argument and does not read this field
}

func (p Params) sumMultipliers() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range p.DCAMultipliers {
		sum = sum.Add(m)
	}
	return sum
}

// Manager owns the Trade set and is the only component that mutates Trade
// fields, per spec.md §4.4. Grounded on trade_manager.py::TradeManager.
type Manager struct {
	mu     sync.RWMutex
	params Params
	store  store.Store

	trades    map[string]*Trade
	counter   int

	totalWins, totalLosses, totalBreakeven int
	totalPnL decimal.Decimal
}

func NewManager(params Params, st store.Store) *Manager {
	return &Manager{params: params, store: st, trades: make(map[string]*Trade)}
}

// LoadPersistedTrades reconstructs the active trade set from the store on
// startup, for crash recovery. Grounded on
// trade_manager.py::load_persisted_trades.
func (m *Manager) LoadPersistedTrades() (int, error) {
	rows, err := m.store.AllActiveTrades()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range rows {
		var t Trade
		if err := json.Unmarshal([]byte(row.StateJSON), &t); err != nil {
			continue
		}
		m.trades[t.TradeID] = &t
		n++
	}
	return n, nil
}

func (m *Manager) ActiveTrades() []*Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t)
	}
	return out
}

func (m *Manager) Get(tradeID string) (*Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[tradeID]
	return t, ok
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trades)
}

// CanOpenTrade applies the admission pre-filter: free slot, no duplicate
// symbol, allow/block lists. Grounded on trade_manager.py::can_open_trade.
func (m *Manager) CanOpenTrade(symbol string) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.trades) >= m.params.MaxSimultaneousTrades {
		return false, fmt.Sprintf("max %d trades reached", m.params.MaxSimultaneousTrades)
	}
	for _, t := range m.trades {
		if t.Symbol == symbol {
			return false, fmt.Sprintf("Already in %s", symbol)
		}
	}
	base := stripUSDT(symbol)
	if contains(m.params.BlockedCoins, base) {
		return false, fmt.Sprintf("%s is blocked", base)
	}
	if len(m.params.AllowedCoins) > 0 && !contains(m.params.AllowedCoins, base) {
		return false, fmt.Sprintf("%s not in allowed list", base)
	}
	return true, "OK"
}

func stripUSDT(symbol string) string {
	if len(symbol) > 4 && symbol[len(symbol)-4:] == "USDT" {
		return symbol[:len(symbol)-4]
	}
	return symbol
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// dcaPrice computes the fixed-spacing price for DCA level i, before any
// zone snapping is applied. Grounded on config.py's dca_price.
func dcaPrice(entry decimal.Decimal, spacingPct decimal.Decimal, side Side) decimal.Decimal {
	pct := spacingPct.Div(decimal.NewFromInt(100))
	if side == SideShort {
		return entry.Mul(decimal.NewFromInt(1).Add(pct))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(pct))
}

// Create allocates a new Trade from a signal and current equity.
// base_margin = equity * equity_pct / sum(multipliers); level margin =
// base * multipliers[i]; qty = margin * leverage / price. Grounded on
// trade_manager.py::create_trade.
func (m *Manager) Create(sig signal.Signal, equity decimal.Decimal, leverage int) *Trade {
	m.mu.Lock()
	m.counter++
	tradeID := fmt.Sprintf("%s_%d_%d", sig.Symbol, time.Now().UTC().Unix(), m.counter)
	m.mu.Unlock()

	side := Side(sig.Side)
	totalBudget := equity.Mul(decimal.NewFromFloat(m.params.EquityPctPerTrade / 100))
	baseMargin := totalBudget.Div(m.params.sumMultipliers())

	levels := make([]DCALevel, 0, m.params.MaxDCALevels+1)
	for i := 0; i <= m.params.MaxDCALevels; i++ {
		var price decimal.Decimal
		if i == 0 {
			price = sig.EntryPrice
		} else {
			spacing := decimal.Zero
			if i < len(m.params.DCASpacingPct) {
				spacing = m.params.DCASpacingPct[i]
			}
			price = dcaPrice(sig.EntryPrice, spacing, side)
		}
		mult := decimal.NewFromInt(1)
		if i < len(m.params.DCAMultipliers) {
			mult = m.params.DCAMultipliers[i]
		}
		margin := baseMargin.Mul(mult)
		qty := margin.Mul(decimal.NewFromInt(int64(leverage))).Div(price)
		levels = append(levels, DCALevel{Level: i, Price: price, Qty: qty, Margin: margin})
	}

	initialStatus := StatusOpen
	if m.params.E1LimitOrder {
		initialStatus = StatusPending
	}

	tpPrices := sig.Targets
	if len(tpPrices) > len(m.params.SignalTPClosePcts) {
		tpPrices = tpPrices[:len(m.params.SignalTPClosePcts)]
	}
	tpClosePcts := m.params.SignalTPClosePcts
	if len(tpClosePcts) > len(tpPrices) {
		tpClosePcts = tpClosePcts[:len(tpPrices)]
	}

	t := &Trade{
		TradeID:        tradeID,
		Symbol:         sig.Symbol,
		Side:           side,
		SignalEntry:    sig.EntryPrice,
		SignalLeverage: sig.SignalLeverage,
		Leverage:       leverage,
		DCALevels:      levels,
		Status:         initialStatus,
		AvgPrice:       sig.EntryPrice,
		MaxDCA:         m.params.MaxDCALevels,
		TPPrices:       tpPrices,
		TPClosePcts:    tpClosePcts,
		TPFilled:       make([]bool, len(tpPrices)),
		TPOrderIDs:     make([]string, len(tpPrices)),
		OpenedAt:       time.Now().UTC(),
		EquityAtEntry:  equity,
		TotalQty:       decimal.Zero,
		TotalMargin:    decimal.Zero,
		RealizedPnL:    decimal.Zero,
		TotalTPClosedQty: decimal.Zero,
		ScaleInQty:     decimal.Zero,
		ScaleInMargin:  decimal.Zero,
		ScaleInPrice:   decimal.Zero,
		HardSLPrice:    decimal.Zero,
		TrailPnLPct:    decimal.Zero,
	}
	if initialStatus == StatusOpen {
		t.TotalQty = levels[0].Qty
		t.TotalMargin = levels[0].Margin
		levels[0].Filled = true
		t.DCALevels[0] = levels[0]
	}

	m.mu.Lock()
	m.trades[tradeID] = t
	m.mu.Unlock()

	m.persist(t)
	return t
}

// FillDCA records a DCA level as filled, recomputes the weighted-average
// entry, advances current_dca, and re-derives the hard stop-loss from the
// deepest filled DCA price. Grounded on trade_manager.py::fill_dca +
// _update_hard_sl.
func (m *Manager) FillDCA(t *Trade, level int, fillPrice decimal.Decimal) {
	if level >= len(t.DCALevels) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dca := &t.DCALevels[level]
	dca.Filled = true
	dca.Price = fillPrice
	actualQty := dca.Margin.Mul(decimal.NewFromInt(int64(t.Leverage))).Div(fillPrice)
	dca.Qty = actualQty

	oldCost := t.AvgPrice.Mul(t.TotalQty)
	newCost := fillPrice.Mul(actualQty)
	t.TotalQty = t.TotalQty.Add(actualQty)
	t.TotalMargin = t.TotalMargin.Add(dca.Margin)
	t.AvgPrice = oldCost.Add(newCost).Div(t.TotalQty)
	t.CurrentDCA = level

	t.Status = StatusDCAActive

	m.updateHardSL(t)
	m.persist(t)
}

// updateHardSL recomputes HardSLPrice from the deepest filled DCA price
// (never from avg_price, which could sit above the deepest fill once DCA
// is several levels deep). Caller must hold m.mu.
func (m *Manager) updateHardSL(t *Trade) {
	slPct := m.params.HardSLPct.Div(decimal.NewFromInt(100))
	var deepest decimal.Decimal
	haveDeepest := false
	for _, dca := range t.DCALevels[1:] {
		if !dca.Filled || dca.Price.IsZero() {
			continue
		}
		if !haveDeepest {
			deepest = dca.Price
			haveDeepest = true
			continue
		}
		if t.Side == SideLong && dca.Price.LessThan(deepest) {
			deepest = dca.Price
		}
		if t.Side == SideShort && dca.Price.GreaterThan(deepest) {
			deepest = dca.Price
		}
	}
	base := t.AvgPrice
	if haveDeepest {
		base = deepest
	}
	if t.Side == SideLong {
		t.HardSLPrice = base.Mul(decimal.NewFromInt(1).Sub(slPct))
	} else {
		t.HardSLPrice = base.Mul(decimal.NewFromInt(1).Add(slPct))
	}
}

// SetupSignalTPs computes signal-target TP close quantities from the
// confirmed E1 qty. Grounded on trade_manager.py::setup_tp_qtys.
func (m *Manager) SetupSignalTPs(t *Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.TPCloseQtys = make([]decimal.Decimal, len(t.TPClosePcts))
	for i, pct := range t.TPClosePcts {
		t.TPCloseQtys[i] = t.TotalQty.Mul(pct).Div(decimal.NewFromInt(100))
	}
	m.persist(t)
}

// SetupDCATPs replaces signal TPs with avg-based TPs after a DCA fill.
// Grounded on trade_manager.py::setup_dca_tps. I6 requires exactly one TP
// set active at a time; this call is the transition point.
func (m *Manager) SetupDCATPs(t *Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.TPPrices = make([]decimal.Decimal, len(m.params.DCATPPcts))
	for i, pct := range m.params.DCATPPcts {
		p := pct.Div(decimal.NewFromInt(100))
		if t.Side == SideLong {
			t.TPPrices[i] = t.AvgPrice.Mul(decimal.NewFromInt(1).Add(p))
		} else {
			t.TPPrices[i] = t.AvgPrice.Mul(decimal.NewFromInt(1).Sub(p))
		}
	}
	t.TPFilled = make([]bool, len(t.TPPrices))
	t.TPOrderIDs = make([]string, len(t.TPPrices))
	t.TPClosePcts = append([]decimal.Decimal(nil), m.params.DCATPClosePcts...)
	t.TPsHit = 0
	t.TotalTPClosedQty = decimal.Zero

	t.TPCloseQtys = make([]decimal.Decimal, len(t.TPClosePcts))
	for i, pct := range t.TPClosePcts {
		t.TPCloseQtys[i] = t.TotalQty.Mul(pct).Div(decimal.NewFromInt(100))
	}
	m.persist(t)
}

// Consolidate drops any TP whose rounded quantity is below min_qty,
// reassigning its percentage share to the trailing remainder. If every TP
// drops, the trade moves straight to TRAILING. Grounded on
// trade_manager.py's implicit consolidation logic plus spec.md §4.4's
// explicit "Consolidate" operation, which the Python version does not name
// separately.
func (m *Manager) Consolidate(t *Trade, minQty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keptPrices := make([]decimal.Decimal, 0, len(t.TPPrices))
	keptPcts := make([]decimal.Decimal, 0, len(t.TPClosePcts))
	keptQtys := make([]decimal.Decimal, 0, len(t.TPCloseQtys))
	keptFilled := make([]bool, 0, len(t.TPFilled))
	keptOrderIDs := make([]string, 0, len(t.TPOrderIDs))

	for i := range t.TPPrices {
		if t.TPCloseQtys[i].LessThan(minQty) {
			continue
		}
		keptPrices = append(keptPrices, t.TPPrices[i])
		keptPcts = append(keptPcts, t.TPClosePcts[i])
		keptQtys = append(keptQtys, t.TPCloseQtys[i])
		keptFilled = append(keptFilled, t.TPFilled[i])
		keptOrderIDs = append(keptOrderIDs, t.TPOrderIDs[i])
	}

	t.TPPrices, t.TPClosePcts, t.TPCloseQtys, t.TPFilled, t.TPOrderIDs =
		keptPrices, keptPcts, keptQtys, keptFilled, keptOrderIDs

	if len(t.TPPrices) == 0 {
		t.Status = StatusTrailing
	}
	m.persist(t)
}

// RecordTPFill accumulates realized PnL for one TP leg and, once every TP
// has filled, transitions the trade to TRAILING. Grounded on
// trade_manager.py::record_tp_fill.
func (m *Manager) RecordTPFill(t *Trade, tpIdx int, closedQty, fillPrice decimal.Decimal) {
	if tpIdx >= len(t.TPFilled) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t.TPFilled[tpIdx] = true
	t.TPsHit++
	t.TotalTPClosedQty = t.TotalTPClosedQty.Add(closedQty)

	var pnl decimal.Decimal
	if t.Side == SideLong {
		pnl = fillPrice.Sub(t.AvgPrice).Mul(closedQty)
	} else {
		pnl = t.AvgPrice.Sub(fillPrice).Mul(closedQty)
	}
	t.RealizedPnL = t.RealizedPnL.Add(pnl)

	allFilled := true
	for _, f := range t.TPFilled {
		if !f {
			allFilled = false
			break
		}
	}
	if allFilled {
		t.Status = StatusTrailing
	}
	m.persist(t)
}

// FillScaleIn records the scale-in fill and recomputes the weighted
// average over the remaining position plus the new qty. Grounded on
// trade_manager.py::fill_scale_in.
func (m *Manager) FillScaleIn(t *Trade, fillPrice, actualQty, margin decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := t.TotalQty.Sub(t.TotalTPClosedQty)
	oldCost := t.AvgPrice.Mul(remaining)
	newCost := fillPrice.Mul(actualQty)
	newRemaining := remaining.Add(actualQty)

	t.AvgPrice = oldCost.Add(newCost).Div(newRemaining)
	t.TotalQty = t.TotalQty.Add(actualQty)
	t.TotalMargin = t.TotalMargin.Add(margin)
	t.ScaleInFilled = true
	t.ScaleInQty = actualQty
	t.ScaleInPrice = fillPrice
	t.ScaleInMargin = margin
	m.persist(t)
}

// RecalcTPsAfterScaleIn redistributes unfilled TP share plus the trailing
// remainder proportionally across the enlarged remaining qty; TP prices
// are unchanged. Grounded on trade_manager.py::recalc_tps_after_scale_in.
func (m *Manager) RecalcTPsAfterScaleIn(t *Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := t.TotalQty.Sub(t.TotalTPClosedQty)

	sumPcts := decimal.Zero
	for _, p := range t.TPClosePcts {
		sumPcts = sumPcts.Add(p)
	}
	trailPct := decimal.NewFromInt(100).Sub(sumPcts)

	totalUnfilledPct := trailPct
	for i, filled := range t.TPFilled {
		if !filled {
			totalUnfilledPct = totalUnfilledPct.Add(t.TPClosePcts[i])
		}
	}
	if !totalUnfilledPct.IsPositive() {
		return
	}

	for i, filled := range t.TPFilled {
		if filled {
			continue
		}
		share := t.TPClosePcts[i].Div(totalUnfilledPct)
		t.TPCloseQtys[i] = remaining.Mul(share)
	}
	m.persist(t)
}

// Close finalizes a trade: journal entry, active-snapshot deletion,
// aggregate stat update. trail_pnl_pct = (total_pnl - tp_pnl) / margin *
// 100, per spec.md §3's ClosedTrade definition. Grounded on
// trade_manager.py::close_trade.
func (m *Manager) Close(t *Trade, closePrice, pnl decimal.Decimal, reason string) error {
	m.mu.Lock()
	wasFilled := t.TotalQty.IsPositive()
	t.Status = StatusClosed
	t.ClosedAt = time.Now().UTC()

	if wasFilled && t.TotalMargin.IsPositive() {
		tpPnL := t.RealizedPnL
		trailPnL := pnl.Sub(tpPnL)
		t.TrailPnLPct = trailPnL.Div(t.TotalMargin).Mul(decimal.NewFromInt(100))
	}
	t.RealizedPnL = pnl

	if wasFilled {
		switch {
		case pnl.GreaterThan(decimal.NewFromFloat(0.01)):
			m.totalWins++
		case pnl.LessThan(decimal.NewFromFloat(-0.01)):
			m.totalLosses++
		default:
			m.totalBreakeven++
		}
		m.totalPnL = m.totalPnL.Add(pnl)
	}
	delete(m.trades, t.TradeID)
	m.mu.Unlock()

	if err := m.store.DeleteActiveTrade(t.TradeID); err != nil {
		return err
	}
	if !wasFilled {
		return nil // unfilled opens (timeouts/rejections) are not journaled, matches close_trade
	}

	entryF, _ := t.SignalEntry.Float64()
	avgF, _ := t.AvgPrice.Float64()
	closeF, _ := closePrice.Float64()
	qtyF, _ := t.TotalQty.Float64()
	marginF, _ := t.TotalMargin.Float64()
	pnlF, _ := pnl.Float64()
	levF, _ := decimal.NewFromInt(int64(t.SignalLeverage)).Float64()

	return m.store.SaveClosedTrade(store.ClosedTradeRow{
		TradeID:        t.TradeID,
		Symbol:         t.Symbol,
		Side:           string(t.Side),
		EntryPrice:     entryF,
		AvgPrice:       avgF,
		ClosePrice:     closeF,
		TotalQty:       qtyF,
		TotalMargin:    marginF,
		RealizedPnL:    pnlF,
		MaxDCAReached:  t.CurrentDCA,
		TP1Hit:         t.TPsHit > 0,
		CloseReason:    reason,
		OpenedAt:       t.OpenedAt,
		ClosedAt:       t.ClosedAt,
		SignalLeverage: levF,
	})
}

// persist writes the active-trade snapshot after every mutation, per
// spec.md §4.4's "persists a snapshot after every mutation" contract.
// Caller must hold m.mu (read or write) while the snapshot is read; the
// store write happens inside this call, so it runs while the caller still
// holds m.mu.
func (m *Manager) persist(t *Trade) {
	if t.Status == StatusClosed {
		return
	}
	bs, err := json.Marshal(t)
	if err != nil {
		return
	}
	_ = m.store.SaveActiveTrade(t.TradeID, t.Symbol, string(t.Side), string(bs))
}

// Touch re-persists a Trade snapshot after the orchestrator mutates fields
// it owns directly (exchange order ids, zone-snapped DCA prices, batch
// id) — Manager remains the sole persistence authority even though the
// orchestrator is allowed to set these specific fields per spec.md §4.5's
// create-and-place sequence.
func (m *Manager) Touch(t *Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist(t)
}

// NewTradeID builds a uuid-based id for records that have no Trade object;
// the closed-PnL sync loop uses it to key journal rows for closes it
// imports from the exchange.
func NewTradeID(symbol string) string {
	return fmt.Sprintf("%s_%s", symbol, uuid.New().String())
}

// Stats returns the running win/loss/breakeven/pnl counters, used by the
// /status HTTP endpoint.
func (m *Manager) Stats() (wins, losses, breakeven int, totalPnL decimal.Decimal) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalWins, m.totalLosses, m.totalBreakeven, m.totalPnL
}
