package symbol

import "strings"

type Symbol struct {
	Base  string
	Quote string
}

// Internal renders "BASE/QUOTE".
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Binance renders "BASEQUOTE"; a plain USD quote maps to the USDT perpetual.
func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	if s.Quote == "USD" {
		return s.Base + "USDT"
	}
	return s.Base + s.Quote
}

// Alpaca renders crypto pairs as "BTC/USD"; stablecoin quotes collapse to USD.
// Plain equity tickers (no recognised quote) pass through unchanged.
func (s Symbol) Alpaca() string {
	if s.Base == "" {
		return ""
	}
	if s.Quote == "" {
		return s.Base
	}
	quote := s.Quote
	switch quote {
	case "USDT", "BUSD", "TUSD":
		quote = "USD"
	}
	return s.Base + "/" + quote
}

var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "USD", "BTC", "ETH", "BNB"}

// Parse accepts "BTC/USDT", "BTCUSDT", "BTC/USDT:USDT" and bare tickers like "AAPL".
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{Base: s}
}

// IsCrypto reports whether the symbol carries a recognised quote currency.
func IsCrypto(s string) bool {
	return Parse(s).Quote != ""
}

// Binance converts any accepted spelling into the Binance futures symbol.
func Binance(s string) string {
	sym := Parse(s)
	if sym.Quote == "" {
		return sym.Base
	}
	return sym.Binance()
}

func Alpaca(s string) string {
	return Parse(s).Alpaca()
}
