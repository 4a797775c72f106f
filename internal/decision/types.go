package decision

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradeloop/internal/stats"
	"tradeloop/internal/strategy"
)

// ErrDecisionEngine wraps every failure of the underlying engine; Guard maps it to HOLD.
var ErrDecisionEngine = errors.New("decision engine error")

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// ParseAction accepts BUY/SELL/HOLD in any case plus LONG/SHORT aliases.
func ParseAction(s string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return Buy, true
	case "SELL", "SHORT":
		return Sell, true
	case "HOLD", "WAIT", "NONE":
		return Hold, true
	}
	return "", false
}

// Decision is the validated result of one decide call.
type Decision struct {
	Action           Action   `json:"recommendation"`
	Reasoning        string   `json:"reasoning"`
	SizingPct        float64  `json:"position_sizing"`
	StopLossPct      *float64 `json:"stop_loss,omitempty"`
	TakeProfitPct    *float64 `json:"take_profit,omitempty"`
	NextCycleSeconds int      `json:"next_cycle_seconds,omitempty"`
	Fallback         bool     `json:"fallback,omitempty"`

	Trace Trace `json:"-"`
}

// HoldDecision is the safe default: no trade, zero sizing.
func HoldDecision(reason string) Decision {
	return Decision{Action: Hold, Reasoning: reason}
}

// Actionable reports whether the decision asks for an order.
func (d Decision) Actionable() bool {
	return d.Action != Hold && d.SizingPct > 0
}

// Trace carries what was sent to and received from the model, for the audit log.
type Trace struct {
	ID        string
	Model     string
	Prompt    string
	RawOutput string
}

type Position struct {
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

type Request struct {
	AssetID   uint
	Symbol    string
	Price     float64
	Summary   string
	Positions []Position
	Strategy  strategy.Config
}

type TradeRecord struct {
	Action    string    `json:"action"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Pnl       float64   `json:"pnl"`
	Reasoning string    `json:"reasoning"`
	At        time.Time `json:"at"`
}

type ReflectRequest struct {
	AssetID  uint
	Symbol   string
	Trades   []TradeRecord
	Stats    stats.Stats
	Strategy strategy.Config
}

type Reflection struct {
	Text         string   `json:"reflection"`
	Improvements []string `json:"improvements"`
	StatSummary  string   `json:"stat_summary,omitempty"`
	Fallback     bool     `json:"fallback,omitempty"`

	Trace Trace `json:"-"`
}

// Engine may fail; callers in the trading path use SafeEngine instead.
type Engine interface {
	Decide(ctx context.Context, req Request) (Decision, error)
	Reflect(ctx context.Context, req ReflectRequest) (Reflection, error)
}

// SafeEngine never fails: errors become HOLD decisions or placeholder reflections.
type SafeEngine interface {
	Decide(ctx context.Context, req Request) Decision
	Reflect(ctx context.Context, req ReflectRequest) Reflection
}
