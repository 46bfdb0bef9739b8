package store

import (
	"time"

	"github.com/chidi150c/signaldca/internal/zone"
)

// TradeStats mirrors database.py's get_trade_stats aggregate shape.
type TradeStats struct {
	Wins      int
	Losses    int
	Breakeven int
	Total     int
	TotalPnL  float64
	AvgPnL    float64
	BestPnL   float64
	WorstPnL  float64
	WinRate   float64
}

// Store is the Persistence Store (C1) contract. Every call is expected to
// fail independently per SPEC_FULL.md §7 — a store outage degrades a
// single operation, never the process.
type Store interface {
	zone.ZoneStore

	SaveActiveTrade(tradeID, symbol, side, stateJSON string) error
	GetActiveTrade(tradeID string) (stateJSON string, ok bool, err error)
	AllActiveTrades() ([]ActiveTradeRow, error)
	DeleteActiveTrade(tradeID string) error

	// SaveClosedTrade is idempotent on trade_id: repeated calls for the
	// same trade_id update realized_pnl/close_price/close_reason/closed_at
	// but never touch opened_at, matching database.py::save_trade's
	// ON CONFLICT clause.
	SaveClosedTrade(row ClosedTradeRow) error
	GetTradeStats(since time.Time) (TradeStats, error)
	GetRecentTrades(limit int) ([]ClosedTradeRow, error)

	UpsertDailyEquity(day time.Time, equity, realizedPnL float64, win, loss, breakeven bool) error

	SetTrendMarker(symbol, trend string) error
	GetTrendMarker(symbol string) (string, bool, error)
}
