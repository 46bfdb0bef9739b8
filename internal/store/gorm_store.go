package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chidi150c/signaldca/internal/zone"
)

// GormStore implements Store over a GORM-managed MySQL connection.
// Grounded on database.py's get_connection/init_tables pair: one lazily
// established connection, auto-created schema, and the same tolerant
// "no DB configured -> run in memory-only mode" fallback the Python
// offers, modeled here by the separate MemStore rather than a nil
// connection inside this type.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore connects to dsn and auto-migrates the schema. Grounded on
// database.py::init_tables, upgraded from raw CREATE TABLE IF NOT EXISTS
// statements to gorm.AutoMigrate per SPEC_FULL.md §11.
func OpenGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := db.AutoMigrate(
		&ZoneRow{}, &ActiveTradeRow{}, &ClosedTradeRow{}, &DailyEquityRow{}, &TrendMarkerRow{},
	); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) UpsertZone(z zone.CoinZones) error {
	row := ZoneRow{
		Symbol: z.Symbol, S1: z.S1, S2: z.S2, S3: z.S3,
		R1: z.R1, R2: z.R2, R3: z.R3,
		Source: string(z.Source), UpdatedAt: z.UpdatedAt,
	}
	return s.db.Save(&row).Error
}

func (s *GormStore) GetZone(symbol string) (zone.CoinZones, bool, error) {
	var row ZoneRow
	err := s.db.First(&row, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zone.CoinZones{}, false, nil
	}
	if err != nil {
		return zone.CoinZones{}, false, err
	}
	return zone.CoinZones{
		Symbol: row.Symbol, S1: row.S1, S2: row.S2, S3: row.S3,
		R1: row.R1, R2: row.R2, R3: row.R3,
		Source: zone.Source(row.Source), UpdatedAt: row.UpdatedAt,
	}, true, nil
}

func (s *GormStore) AllZones() ([]zone.CoinZones, error) {
	var rows []ZoneRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]zone.CoinZones, 0, len(rows))
	for _, r := range rows {
		out = append(out, zone.CoinZones{
			Symbol: r.Symbol, S1: r.S1, S2: r.S2, S3: r.S3,
			R1: r.R1, R2: r.R2, R3: r.R3,
			Source: zone.Source(r.Source), UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) SaveActiveTrade(tradeID, symbol, side, stateJSON string) error {
	row := ActiveTradeRow{TradeID: tradeID, Symbol: symbol, Side: side, StateJSON: stateJSON, UpdatedAt: time.Now().UTC()}
	return s.db.Save(&row).Error
}

func (s *GormStore) GetActiveTrade(tradeID string) (string, bool, error) {
	var row ActiveTradeRow
	err := s.db.First(&row, "trade_id = ?", tradeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.StateJSON, true, nil
}

func (s *GormStore) AllActiveTrades() ([]ActiveTradeRow, error) {
	var rows []ActiveTradeRow
	err := s.db.Find(&rows).Error
	return rows, err
}

func (s *GormStore) DeleteActiveTrade(tradeID string) error {
	return s.db.Delete(&ActiveTradeRow{}, "trade_id = ?", tradeID).Error
}

// SaveClosedTrade upserts on trade_id without touching opened_at on
// conflict, matching database.py::save_trade's ON CONFLICT DO UPDATE SET
// list (which deliberately omits opened_at).
func (s *GormStore) SaveClosedTrade(row ClosedTradeRow) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing ClosedTradeRow
		err := tx.First(&existing, "trade_id = ?", row.TradeID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			return tx.Model(&ClosedTradeRow{}).
				Where("trade_id = ?", row.TradeID).
				Updates(map[string]any{
					"realized_pnl":    row.RealizedPnL,
					"close_price":     row.ClosePrice,
					"close_reason":    row.CloseReason,
					"closed_at":       row.ClosedAt,
					"max_dca_reached": row.MaxDCAReached,
					"tp1_hit":         row.TP1Hit,
				}).Error
		}
	})
}

func (s *GormStore) GetTradeStats(since time.Time) (TradeStats, error) {
	var rows []ClosedTradeRow
	if err := s.db.Where("closed_at >= ?", since).Find(&rows).Error; err != nil {
		return TradeStats{}, err
	}
	return aggregateStats(rows), nil
}

func (s *GormStore) GetRecentTrades(limit int) ([]ClosedTradeRow, error) {
	var rows []ClosedTradeRow
	err := s.db.Order("closed_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

func (s *GormStore) UpsertDailyEquity(day time.Time, equity, realizedPnL float64, win, loss, breakeven bool) error {
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyEquityRow
		err := tx.First(&row, "day = ?", day).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = DailyEquityRow{Day: day}
		} else if err != nil {
			return err
		}
		row.Equity = equity
		row.RealizedPnL += realizedPnL
		if win {
			row.Wins++
		}
		if loss {
			row.Losses++
		}
		if breakeven {
			row.Breakeven++
		}
		return tx.Save(&row).Error
	})
}

func (s *GormStore) SetTrendMarker(symbol, trend string) error {
	row := TrendMarkerRow{Symbol: symbol, Trend: trend, UpdatedAt: time.Now().UTC()}
	return s.db.Save(&row).Error
}

func (s *GormStore) GetTrendMarker(symbol string) (string, bool, error) {
	var row TrendMarkerRow
	err := s.db.First(&row, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Trend, true, nil
}

func aggregateStats(rows []ClosedTradeRow) TradeStats {
	var s TradeStats
	if len(rows) == 0 {
		return s
	}
	s.Total = len(rows)
	s.BestPnL = rows[0].RealizedPnL
	s.WorstPnL = rows[0].RealizedPnL
	for _, r := range rows {
		s.TotalPnL += r.RealizedPnL
		switch {
		case r.RealizedPnL > 0:
			s.Wins++
		case r.RealizedPnL < 0:
			s.Losses++
		default:
			s.Breakeven++
		}
		if r.RealizedPnL > s.BestPnL {
			s.BestPnL = r.RealizedPnL
		}
		if r.RealizedPnL < s.WorstPnL {
			s.WorstPnL = r.RealizedPnL
		}
	}
	s.AvgPnL = s.TotalPnL / float64(s.Total)
	if s.Total > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Total) * 100
	}
	return s
}
