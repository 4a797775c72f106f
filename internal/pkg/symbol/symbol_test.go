package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Symbol{Base: "BTC", Quote: "USDT"}, Parse("btcusdt"))
	assert.Equal(t, Symbol{Base: "ETH", Quote: "USDT"}, Parse("ETH/USDT:USDT"))
	assert.Equal(t, Symbol{Base: "AAPL"}, Parse(" aapl "))
	assert.Equal(t, Symbol{}, Parse(""))
}

func TestConverters(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Binance("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", Binance("BTCUSD"))
	assert.Equal(t, "BTC/USD", Alpaca("BTCUSDT"))
	assert.Equal(t, "AAPL", Alpaca("AAPL"))
	assert.True(t, IsCrypto("SOLUSDC"))
	assert.False(t, IsCrypto("TSLA"))
}
