package orchestrator

import (
	"github.com/shopspring/decimal"

	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/trade"
)

func positionSide(s trade.Side) exchange.PositionSide {
	if s == trade.SideShort {
		return exchange.PositionShort
	}
	return exchange.PositionLong
}

func decimalFromInt(i int) decimal.Decimal   { return decimal.NewFromInt(int64(i)) }
func decimalFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
func decimalZero() decimal.Decimal           { return decimal.Zero }

// oppositeSide is used by the trend-switch handler to find trades on the
// losing side of a new trend marker.
func oppositeSide(s trade.Side) trade.Side {
	if s == trade.SideLong {
		return trade.SideShort
	}
	return trade.SideLong
}
