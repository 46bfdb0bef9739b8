package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLongSignal(t *testing.T) {
	sig, ok := Parse("Long BTC/USDT\nEntry: 60000\nTarget 1: 61000\nTarget 2: 62000\n10x", 20)
	require.True(t, ok)
	assert.Equal(t, SideLong, sig.Side)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, "60000", sig.EntryPrice.String())
	require.Len(t, sig.Targets, 2)
	assert.Equal(t, "61000", sig.Targets[0].String())
	assert.Equal(t, 10, sig.SignalLeverage)
}

func TestParseShortSignal(t *testing.T) {
	sig, ok := Parse("Short ETH-USDT entry: 3000 target#1: 2900", 20)
	require.True(t, ok)
	assert.Equal(t, SideShort, sig.Side)
	assert.Equal(t, "ETHUSDT", sig.Symbol)
}

func TestParseDefaultsLeverageWhenAbsent(t *testing.T) {
	sig, ok := Parse("Long SOL/USDT entry: 100 target: 110", 25)
	require.True(t, ok)
	assert.Equal(t, 25, sig.SignalLeverage)
}

func TestParseRejectsLongTargetBelowEntry(t *testing.T) {
	_, ok := Parse("Long BTC/USDT entry: 60000 target: 59000", 20)
	assert.False(t, ok, "a long target at or below entry is nonsensical and must be dropped")
}

func TestParseRejectsShortTargetAboveEntry(t *testing.T) {
	_, ok := Parse("Short BTC/USDT entry: 60000 target: 61000", 20)
	assert.False(t, ok)
}

func TestParseRejectsMissingEntry(t *testing.T) {
	_, ok := Parse("Long BTC/USDT target: 61000", 20)
	assert.False(t, ok)
}

func TestParseRejectsUnrecognizedText(t *testing.T) {
	_, ok := Parse("gm everyone, market looking bullish today", 20)
	assert.False(t, ok)
}

func TestParseClose(t *testing.T) {
	sym, ok := ParseClose("Close BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)

	sym, ok = ParseClose("Cancel eth-usdt")
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", sym)

	_, ok = ParseClose("just chatting")
	assert.False(t, ok)
}

func TestParseTrendSwitch(t *testing.T) {
	sym, dir, ok := ParseTrendSwitch("BTC/USDT up")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, "up", dir)

	_, _, ok = ParseTrendSwitch("BTC/USDT sideways")
	assert.False(t, ok)
}

func TestParseTPHit(t *testing.T) {
	sym, idx, ok := ParseTPHit("BTC/USDT Target #2 Done")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, 1, idx) // 1-indexed in the message, 0-indexed internally
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc/usdt"))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTC-USDT"))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol(" btcusdt "))
}
