package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Alpaca-style spellings such as "15Min", "1Hour" and "1Day" are accepted too.
// Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	split := strings.IndexFunc(interval, func(r rune) bool { return r < '0' || r > '9' })
	if split <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(interval[:split])
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch interval[split:] {
	case "m", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	case "w", "week", "weeks":
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// BinanceInterval normalizes a timeframe into the kline interval string Binance expects.
func BinanceInterval(interval string) (string, bool) {
	d, ok := ParseIntervalDuration(interval)
	if !ok {
		return "", false
	}
	switch {
	case d%(7*24*time.Hour) == 0:
		return strconv.Itoa(int(d/(7*24*time.Hour))) + "w", true
	case d%(24*time.Hour) == 0:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d", true
	case d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h", true
	default:
		return strconv.Itoa(int(d/time.Minute)) + "m", true
	}
}
