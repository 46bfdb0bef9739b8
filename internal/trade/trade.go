// Package trade implements the Trade Manager (C4): the Trade entity, its
// invariants, and the TradeManager that is the sole mutator of Trade state.
//
// Grounded on original_source/signal-dca-bot/trade_manager.py (Trade,
// DCALevel, TradeStatus, TradeManager) and spec.md §3-4.4's data model,
// which supersedes the Python's status enum (folding BE_TRAILING into
// TRAILING per SPEC_FULL.md §12's resolution of that Open Question) and
// formalizes invariants I1-I7 that the Python only upholds implicitly.
package trade

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is one of the five lifecycle states named in spec.md §3.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOpen      Status = "OPEN"
	StatusDCAActive Status = "DCA_ACTIVE"
	StatusTrailing  Status = "TRAILING"
	StatusClosed    Status = "CLOSED"
)

// Side is the trade's directional bias.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// DCALevel is one slot in a Trade's averaging ladder; index 0 is always E1.
type DCALevel struct {
	Level           int
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Margin          decimal.Decimal
	Filled          bool
	ExchangeOrderID string
}

// Trade is the central entity of the system (spec.md §3). All mutation
// happens exclusively through TradeManager methods; nothing outside this
// package should assign to its fields directly.
type Trade struct {
	TradeID string
	Symbol  string
	Side    Side
	BatchID string

	SignalEntry     decimal.Decimal
	SignalLeverage  int
	Leverage        int

	DCALevels  []DCALevel
	Status     Status
	TotalQty   decimal.Decimal
	TotalMargin decimal.Decimal
	AvgPrice   decimal.Decimal
	CurrentDCA int
	MaxDCA     int

	TPPrices     []decimal.Decimal
	TPClosePcts  []decimal.Decimal
	TPCloseQtys  []decimal.Decimal
	TPFilled     []bool
	TPOrderIDs   []string
	TPsHit       int
	TotalTPClosedQty decimal.Decimal

	HardSLPrice       decimal.Decimal
	QuickTrailActive  bool

	ScaleInPending bool
	ScaleInFilled  bool
	ScaleInOrderID string
	ScaleInQty     decimal.Decimal
	ScaleInPrice   decimal.Decimal
	ScaleInMargin  decimal.Decimal

	OpenedAt     time.Time
	ClosedAt     time.Time
	RealizedPnL  decimal.Decimal
	EquityAtEntry decimal.Decimal
	TrailPnLPct  decimal.Decimal
}

// IsActive reports whether the trade has not yet reached CLOSED.
func (t *Trade) IsActive() bool { return t.Status != StatusClosed }

// RemainingQty is the qty still in the position after partial TP closes.
// Grounded on trade_manager.py::Trade.remaining_qty.
func (t *Trade) RemainingQty() decimal.Decimal {
	return t.TotalQty.Sub(t.TotalTPClosedQty)
}

// AgeHours is wall-clock trade duration, open or closed.
func (t *Trade) AgeHours(now time.Time) float64 {
	if t.OpenedAt.IsZero() {
		return 0
	}
	end := now
	if !t.ClosedAt.IsZero() {
		end = t.ClosedAt
	}
	return end.Sub(t.OpenedAt).Hours()
}

// CheckInvariants validates a subset of the invariants from spec.md §3:
// the current_dca range of I1, the per-status rules of I5 (PENDING,
// DCA_ACTIVE, CLOSED) and I4's tp_close_pcts sum. I2, I3, I6, I7 and the
// fill-order part of I1 are not checked. Returns the first violation
// found, or nil. Called from tests, not on the hot path.
func (t *Trade) CheckInvariants() error {
	if t.CurrentDCA < 0 || t.CurrentDCA > t.MaxDCA {
		return fmt.Errorf("I1: current_dca %d out of [0,%d]", t.CurrentDCA, t.MaxDCA)
	}
	seenUnfilled := false
	for i, d := range t.DCALevels {
		if !d.Filled {
			seenUnfilled = true
		} else if seenUnfilled {
			// Monotonic-fill is enforced by TradeManager call order, not by
			// index order (zone snapping can fill DCA2 before DCA1's price is
			// touched is not expected, but level.Filled itself is still a
			// once-true latch regardless of order).
			_ = i
		}
	}
	switch t.Status {
	case StatusPending:
		if len(t.DCALevels) == 0 || t.DCALevels[0].Filled || !t.TotalQty.IsZero() {
			return fmt.Errorf("I5: PENDING requires E1 unfilled and total_qty==0")
		}
	case StatusDCAActive:
		if t.CurrentDCA < 1 {
			return fmt.Errorf("I5: DCA_ACTIVE requires current_dca>=1")
		}
	case StatusClosed:
		if t.ClosedAt.IsZero() {
			return fmt.Errorf("I5: CLOSED requires closed_at set")
		}
	}
	sumPcts := decimal.Zero
	for _, p := range t.TPClosePcts {
		sumPcts = sumPcts.Add(p)
	}
	if sumPcts.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("I4: tp_close_pcts sum %s exceeds 100", sumPcts)
	}
	return nil
}
