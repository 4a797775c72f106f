// Package broker defines the execution gateway and its paper and Alpaca implementations.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrExecution marks an order that could not be placed or filled.
var ErrExecution = errors.New("execution error")

type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Opposite reports the order side that reduces a position on s.
func (s PositionSide) Opposite() OrderSide {
	if s == Short {
		return OrderBuy
	}
	return OrderSell
}

type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Quantity      float64      `json:"quantity"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
	MarketPrice   float64      `json:"market_price"`
	MarketValue   float64      `json:"market_value"`
	UnrealizedPnl float64      `json:"unrealized_pnl"`
}

type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	StopLossPct   float64   `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64   `json:"take_profit_pct,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// Execution is the broker's account of an order, persisted verbatim on the trade event.
type Execution struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	Quantity    float64   `json:"quantity"`
	FilledQty   float64   `json:"filled_qty"`
	FilledPrice float64   `json:"filled_price"`
	Fee         float64   `json:"fee,omitempty"`
	Status      string    `json:"status"`
	Broker      string    `json:"broker"`
	SubmittedAt time.Time `json:"submitted_at"`
	Error       string    `json:"error,omitempty"`
}

type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
	Cash        float64 `json:"cash"`
}

type Broker interface {
	Name() string
	// GetPositions lists open positions; an empty symbol lists every symbol.
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Execution, error)
	ClosePosition(ctx context.Context, symbol string) (Execution, error)
	GetAccount(ctx context.Context) (Account, error)
}

// PriceSource provides the marks the paper broker fills and values positions at.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}
