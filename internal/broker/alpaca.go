package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/pkg/symbol"
)

const AlpacaName = "alpaca"

var errPositionNotFound = errors.New("alpaca position not found")

type AlpacaConfig struct {
	BaseURL       string
	KeyID         string
	SecretKey     string
	Timeout       time.Duration
	RatePerSecond float64
}

// Alpaca talks to the Alpaca trading REST API (v2).
type Alpaca struct {
	baseURL    *url.URL
	httpClient *http.Client
	keyID      string
	secret     string
	limiter    *rate.Limiter
	fillPolls  int
	pollDelay  time.Duration
}

func NewAlpaca(cfg AlpacaConfig) (*Alpaca, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("alpaca: base url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("alpaca: parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 3
	}
	return &Alpaca{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		keyID:      strings.TrimSpace(cfg.KeyID),
		secret:     strings.TrimSpace(cfg.SecretKey),
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		fillPolls:  3,
		pollDelay:  500 * time.Millisecond,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (a *Alpaca) SetHTTPClient(client *http.Client) {
	a.httpClient = client
}

func (a *Alpaca) Name() string { return AlpacaName }

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

func (p alpacaPosition) toPosition(sym string) Position {
	side := Long
	if strings.EqualFold(p.Side, "short") {
		side = Short
	}
	qty := convert.ToFloat64(p.Qty)
	if qty < 0 {
		qty = -qty
	}
	if sym == "" {
		sym = p.Symbol
	}
	return Position{
		Symbol:        sym,
		Side:          side,
		Quantity:      qty,
		AvgEntryPrice: convert.ToFloat64(p.AvgEntryPrice),
		MarketPrice:   convert.ToFloat64(p.CurrentPrice),
		MarketValue:   convert.ToFloat64(p.MarketValue),
		UnrealizedPnl: convert.ToFloat64(p.UnrealizedPL),
	}
}

type alpacaOrder struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            string  `json:"qty"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	Status         string  `json:"status"`
	SubmittedAt    string  `json:"submitted_at"`
}

func (o alpacaOrder) toExecution(sym string) Execution {
	exec := Execution{
		OrderID:   o.ID,
		Symbol:    sym,
		Side:      OrderSide(strings.ToLower(o.Side)),
		Quantity:  convert.ToFloat64(o.Qty),
		FilledQty: convert.ToFloat64(o.FilledQty),
		Status:    o.Status,
		Broker:    AlpacaName,
	}
	if o.FilledAvgPrice != nil {
		exec.FilledPrice = convert.ToFloat64(*o.FilledAvgPrice)
	}
	if ts, err := time.Parse(time.RFC3339Nano, o.SubmittedAt); err == nil {
		exec.SubmittedAt = ts.UTC()
	}
	return exec
}

func alpacaKey(s string) string {
	return strings.ReplaceAll(symbol.Alpaca(s), "/", "")
}

func (a *Alpaca) GetPositions(ctx context.Context, sym string) ([]Position, error) {
	if strings.TrimSpace(sym) != "" {
		var p alpacaPosition
		err := a.do(ctx, http.MethodGet, "/v2/positions/"+alpacaKey(sym), nil, &p)
		if errors.Is(err, errPositionNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Position{p.toPosition(strings.ToUpper(strings.TrimSpace(sym)))}, nil
	}
	var list []alpacaPosition
	if err := a.do(ctx, http.MethodGet, "/v2/positions", nil, &list); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(list))
	for _, p := range list {
		out = append(out, p.toPosition(""))
	}
	return out, nil
}

func (a *Alpaca) PlaceOrder(ctx context.Context, req OrderRequest) (Execution, error) {
	sym := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if sym == "" || req.Quantity <= 0 {
		return Execution{}, fmt.Errorf("%w: invalid order symbol=%q qty=%v", ErrExecution, req.Symbol, req.Quantity)
	}
	tif := "day"
	if symbol.IsCrypto(sym) {
		tif = "gtc"
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	payload := map[string]any{
		"symbol":          symbol.Alpaca(sym),
		"qty":             fmt.Sprintf("%.8f", req.Quantity),
		"side":            string(req.Side),
		"type":            "market",
		"time_in_force":   tif,
		"client_order_id": clientID,
	}
	var order alpacaOrder
	if err := a.do(ctx, http.MethodPost, "/v2/orders", payload, &order); err != nil {
		return Execution{}, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	order = a.awaitFill(ctx, order)
	exec := order.toExecution(sym)
	switch order.Status {
	case "rejected", "canceled", "expired":
		exec.Error = "order " + order.Status
		return exec, fmt.Errorf("%w: order %s %s", ErrExecution, order.ID, order.Status)
	}
	return exec, nil
}

// awaitFill polls the order briefly so callers usually see a fill price for market orders.
func (a *Alpaca) awaitFill(ctx context.Context, order alpacaOrder) alpacaOrder {
	for i := 0; i < a.fillPolls && order.FilledAvgPrice == nil && order.ID != ""; i++ {
		select {
		case <-ctx.Done():
			return order
		case <-time.After(a.pollDelay):
		}
		var next alpacaOrder
		if err := a.do(ctx, http.MethodGet, "/v2/orders/"+order.ID, nil, &next); err != nil {
			return order
		}
		order = next
	}
	return order
}

func (a *Alpaca) ClosePosition(ctx context.Context, sym string) (Execution, error) {
	var order alpacaOrder
	err := a.do(ctx, http.MethodDelete, "/v2/positions/"+alpacaKey(sym), nil, &order)
	if err != nil {
		return Execution{}, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return order.toExecution(strings.ToUpper(strings.TrimSpace(sym))), nil
}

func (a *Alpaca) GetAccount(ctx context.Context) (Account, error) {
	var raw struct {
		Equity      string `json:"equity"`
		BuyingPower string `json:"buying_power"`
		Cash        string `json:"cash"`
	}
	if err := a.do(ctx, http.MethodGet, "/v2/account", nil, &raw); err != nil {
		return Account{}, err
	}
	return Account{
		Equity:      convert.ToFloat64(raw.Equity),
		BuyingPower: convert.ToFloat64(raw.BuyingPower),
		Cash:        convert.ToFloat64(raw.Cash),
	}, nil
}

func (a *Alpaca) do(ctx context.Context, method, path string, payload any, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := a.baseURL.JoinPath(path)
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("alpaca: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("alpaca: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("APCA-API-KEY-ID", a.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", a.secret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/v2/positions/") {
		return errPositionNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("alpaca: %s %s returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("alpaca: decode response: %w", err)
	}
	return nil
}
