package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradeloop/internal/market"
	"tradeloop/internal/pkg/symbol"
	"tradeloop/internal/scheduler"

	"github.com/adshao/go-binance/v2/futures"
)

const (
	Name            = "binance"
	maxHistoryLimit = 1500
)

// Source implements market.Source on the Binance USDⓈ-M futures REST API.
type Source struct {
	cfg    Config
	client *futures.Client
	nowFn  func() time.Time
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, errors.New("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client, nowFn: time.Now}, nil
}

func (s *Source) Name() string { return Name }

func (s *Source) History(ctx context.Context, sym, timeframe string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	// one extra bar covers the in-progress kline dropped below
	fetch := limit + 1
	if fetch > maxHistoryLimit {
		fetch = maxHistoryLimit
	}
	clean := symbol.Binance(sym)
	if clean == "" {
		return nil, errors.New("symbol is required")
	}
	interval, ok := scheduler.BinanceInterval(timeframe)
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	kls, err := s.client.NewKlinesService().Symbol(clean).Interval(interval).Limit(fetch).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = dropUnclosed(out, dur, s.nowFn().UTC(), s.cfg.KlineGrace)
	}
	return market.Candles(out).Tail(limit), nil
}

func (s *Source) LatestPrice(ctx context.Context, sym string) (float64, error) {
	clean := symbol.Binance(sym)
	if clean == "" {
		return 0, errors.New("symbol is required")
	}
	prices, err := s.client.NewListPricesService().Symbol(clean).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p != nil && strings.EqualFold(p.Symbol, clean) {
			return parseFloat(p.Price), nil
		}
	}
	return 0, fmt.Errorf("no price for %s", clean)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
