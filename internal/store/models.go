package store

import (
	"time"

	"gorm.io/datatypes"
)

type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
	ActionHold TradeAction = "HOLD"
)

type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
	TradeFailed TradeStatus = "failed"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SideOf maps an order action onto the position side it opens or grows.
func SideOf(action TradeAction) Side {
	if action == ActionSell {
		return SideShort
	}
	return SideLong
}

// Asset is the per-symbol trading configuration. Rows are deactivated, never deleted.
type Asset struct {
	ID              uint      `gorm:"column:id;primaryKey" json:"id"`
	Symbol          string    `gorm:"column:symbol;size:32;uniqueIndex" json:"symbol"`
	IntervalSeconds int       `gorm:"column:interval_seconds" json:"interval_seconds"`
	Active          bool      `gorm:"column:active;index" json:"active"`
	Paused          bool      `gorm:"column:paused" json:"paused"`
	MaxPositionPct  float64   `gorm:"column:max_position_pct" json:"max_position_pct"`
	StopLossPct     float64   `gorm:"column:stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct   float64   `gorm:"column:take_profit_pct" json:"take_profit_pct"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Asset) TableName() string { return "assets" }

func (a Asset) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

// AssetPatch carries optional admin edits; nil fields are left untouched.
type AssetPatch struct {
	IntervalSeconds *int     `json:"interval_seconds,omitempty"`
	Active          *bool    `json:"active,omitempty"`
	Paused          *bool    `json:"paused,omitempty"`
	MaxPositionPct  *float64 `json:"max_position_pct,omitempty"`
	StopLossPct     *float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   *float64 `json:"take_profit_pct,omitempty"`
}

// TradeEvent is appended once per cycle; only Status, Pnl and ClosedAt change afterwards.
type TradeEvent struct {
	ID        uint           `gorm:"column:id;primaryKey" json:"id"`
	AssetID   uint           `gorm:"column:asset_id;index:idx_trade_asset_created,priority:1" json:"asset_id"`
	Symbol    string         `gorm:"column:symbol" json:"symbol"`
	Action    TradeAction    `gorm:"column:action_type;size:8" json:"action"`
	Quantity  float64        `gorm:"column:quantity" json:"quantity"`
	Price     float64        `gorm:"column:price" json:"price"`
	Notional  float64        `gorm:"column:notional" json:"notional"`
	Pnl       float64        `gorm:"column:pnl" json:"pnl"`
	Reasoning string         `gorm:"column:reasoning;type:TEXT" json:"reasoning"`
	Decision  datatypes.JSON `gorm:"column:decision_json;type:TEXT" json:"decision,omitempty"`
	Execution datatypes.JSON `gorm:"column:execution_json;type:TEXT" json:"execution,omitempty"`
	Status    TradeStatus    `gorm:"column:status;size:8;index" json:"status"`
	CreatedAt time.Time      `gorm:"column:created_at;index:idx_trade_asset_created,priority:2" json:"created_at"`
	ClosedAt  *time.Time     `gorm:"column:closed_at" json:"closed_at,omitempty"`
}

func (TradeEvent) TableName() string { return "trade_events" }

// Executed reports whether the event represents an order that reached the broker successfully.
func (t TradeEvent) Executed() bool {
	return t.Action != ActionHold && t.Status != TradeFailed
}

type PositionSnapshot struct {
	ID            uint       `gorm:"column:id;primaryKey" json:"id"`
	AssetID       uint       `gorm:"column:asset_id;index" json:"asset_id"`
	Symbol        string     `gorm:"column:symbol" json:"symbol"`
	Side          Side       `gorm:"column:side;size:8" json:"side"`
	Quantity      float64    `gorm:"column:quantity" json:"quantity"`
	AvgEntryPrice float64    `gorm:"column:avg_entry_price" json:"avg_entry_price"`
	UnrealizedPnl float64    `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	Open          bool       `gorm:"column:open;index" json:"open"`
	OpenedAt      time.Time  `gorm:"column:opened_at" json:"opened_at"`
	ClosedAt      *time.Time `gorm:"column:closed_at" json:"closed_at,omitempty"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (PositionSnapshot) TableName() string { return "position_snapshots" }

// LedgerEntry holds one asset's running P&L. Total is rewritten on every write.
type LedgerEntry struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"-"`
	AssetID     uint      `gorm:"column:asset_id;uniqueIndex" json:"asset_id"`
	Realized    float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	Unrealized  float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	Total       float64   `gorm:"column:total_pnl" json:"total_pnl"`
	Version     int64     `gorm:"column:version" json:"version"`
	LastUpdated time.Time `gorm:"column:last_updated" json:"last_updated"`
}

func (LedgerEntry) TableName() string { return "pnl_ledger" }

type HistorySample struct {
	ID            uint      `gorm:"column:id;primaryKey" json:"-"`
	AssetID       uint      `gorm:"column:asset_id;index:idx_history_asset_ts,priority:1" json:"asset_id"`
	Timestamp     time.Time `gorm:"column:ts;index:idx_history_asset_ts,priority:2" json:"ts"`
	TotalPnl      float64   `gorm:"column:total_pnl" json:"total_pnl"`
	UnrealizedPnl float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	RealizedPnl   float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	PositionValue float64   `gorm:"column:position_value" json:"position_value"`
	MarketPrice   float64   `gorm:"column:market_price" json:"market_price"`
}

func (HistorySample) TableName() string { return "pnl_history" }

// TradeClose assigns the realized pnl to one open trade.
type TradeClose struct {
	ID  uint
	Pnl float64
}
