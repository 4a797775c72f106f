package binance

import (
	"strings"
	"time"
)

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	ProxyURL    string
	// KlineGrace is how long after a bar's nominal close it is still treated as in progress.
	KlineGrace time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.KlineGrace < 0 {
		out.KlineGrace = 0
	} else if out.KlineGrace == 0 {
		out.KlineGrace = DefaultKlineGrace
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}
