// Package store implements the Persistence Store (C1): GORM entities for
// zones, active trades, closed trades, daily equity rollups, and trend
// markers, plus a MySQL-backed Store and an in-memory fallback for dry
// runs and tests.
//
// Grounded on original_source/signal-dca-bot/database.py's schema
// (coin_zones, trade_history tables), translated from hand-written SQL to
// GORM entities per SPEC_FULL.md §11 (gorm.io/gorm + gorm.io/driver/mysql
// replace psycopg2's raw-SQL style, matching how the rest of the pack's
// services use an ORM rather than hand-rolled SQL strings). Fields the
// Python schema did not have but SPEC_FULL.md's fuller trade lifecycle
// requires (DCA ladder state, TP ladder state, position mode, signal
// leverage) are added as a JSON-serialized snapshot column rather than
// normalized tables, the way the teacher persists its whole BotState as one
// blob — a middle ground between the Python's flat row and full
// normalization.
package store

import (
	"time"
)

// ZoneRow mirrors database.py's coin_zones table.
type ZoneRow struct {
	Symbol    string `gorm:"primaryKey;size:30"`
	S1        float64
	S2        float64
	S3        float64
	R1        float64
	R2        float64
	R3        float64
	Source    string `gorm:"size:20"`
	UpdatedAt time.Time
}

func (ZoneRow) TableName() string { return "coin_zones" }

// ActiveTradeRow holds the live, mutable state of an open trade: its
// snapshot is re-persisted after every state-changing event so a restart
// can reconstruct in-flight trades without replaying the exchange's full
// order history. Grounded on SPEC_FULL.md §4.4's crash-recovery
// requirement, which database.py's closed-trades-only schema does not
// need to satisfy (the Python bot keeps all open-trade state in process
// memory and tolerates losing it on restart).
type ActiveTradeRow struct {
	TradeID      string `gorm:"primaryKey;size:100"`
	Symbol       string `gorm:"size:30;index"`
	Side         string `gorm:"size:10"`
	StateJSON    string `gorm:"type:text"` // serialized trade.Trade snapshot
	UpdatedAt    time.Time
}

func (ActiveTradeRow) TableName() string { return "active_trades" }

// ClosedTradeRow mirrors database.py's trade_history table.
type ClosedTradeRow struct {
	TradeID        string `gorm:"primaryKey;size:100"`
	Symbol         string `gorm:"size:30;index"`
	Side           string `gorm:"size:10"`
	EntryPrice     float64
	AvgPrice       float64
	ClosePrice     float64
	TotalQty       float64
	TotalMargin    float64
	RealizedPnL    float64
	MaxDCAReached  int
	TP1Hit         bool
	CloseReason    string `gorm:"size:200"`
	OpenedAt       time.Time
	ClosedAt       time.Time
	SignalLeverage float64
}

func (ClosedTradeRow) TableName() string { return "trade_history" }

// DailyEquityRow is the daily equity/PnL rollup supplemented from
// SPEC_FULL.md §12 (the original bot only logs equity to Telegram; a
// queryable daily series is added so /stats-style endpoints can chart it).
type DailyEquityRow struct {
	Day         time.Time `gorm:"primaryKey"`
	Equity      float64
	RealizedPnL float64
	Wins        int
	Losses      int
	Breakeven   int
}

func (DailyEquityRow) TableName() string { return "daily_equity" }

// TrendMarkerRow records the last known trend direction per symbol from
// trend-switch events, so a restart doesn't have to wait for the next
// trend switch to re-arm the trend filter.
type TrendMarkerRow struct {
	Symbol    string `gorm:"primaryKey;size:30"`
	Trend     string `gorm:"size:10"` // "up" | "down" | "flat"
	UpdatedAt time.Time
}

func (TrendMarkerRow) TableName() string { return "trend_markers" }
