package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeloop/internal/logger"
)

const PaperName = "paper"

type paperPosition struct {
	qty        decimal.Decimal // signed: >0 long, <0 short
	entry      decimal.Decimal
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
}

// Paper fills market orders at the latest price and keeps one net position per symbol.
// Stop-loss and take-profit levels are checked every time a position is marked,
// so positions can close without a new order.
type Paper struct {
	mu        sync.Mutex
	prices    PriceSource
	cash      decimal.Decimal
	feeRate   decimal.Decimal
	positions map[string]*paperPosition
	seq       int64
	nowFn     func() time.Time
}

func NewPaper(prices PriceSource, startingEquity, feeRate float64) *Paper {
	return &Paper{
		prices:    prices,
		cash:      decimal.NewFromFloat(startingEquity),
		feeRate:   decimal.NewFromFloat(feeRate),
		positions: make(map[string]*paperPosition),
		nowFn:     time.Now,
	}
}

func (p *Paper) Name() string { return PaperName }

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (p *Paper) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	symbol = normalize(symbol)
	p.mu.Lock()
	symbols := make([]string, 0, len(p.positions))
	for sym := range p.positions {
		if symbol == "" || sym == symbol {
			symbols = append(symbols, sym)
		}
	}
	p.mu.Unlock()

	out := make([]Position, 0, len(symbols))
	for _, sym := range symbols {
		price, err := p.prices.LatestPrice(ctx, sym)
		if err != nil {
			return nil, fmt.Errorf("paper: mark %s: %w", sym, err)
		}
		p.mu.Lock()
		pos, ok := p.positions[sym]
		if ok && p.triggeredLocked(pos, decimal.NewFromFloat(price)) {
			logger.Infof("paper: %s protective level hit at %.4f, closing", sym, price)
			p.closeLocked(sym, decimal.NewFromFloat(price))
			ok = false
		}
		if ok {
			out = append(out, view(sym, pos, decimal.NewFromFloat(price)))
		}
		p.mu.Unlock()
	}
	return out, nil
}

func view(symbol string, pos *paperPosition, price decimal.Decimal) Position {
	side := Long
	if pos.qty.IsNegative() {
		side = Short
	}
	qty := pos.qty.Abs()
	return Position{
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty.InexactFloat64(),
		AvgEntryPrice: pos.entry.InexactFloat64(),
		MarketPrice:   price.InexactFloat64(),
		MarketValue:   qty.Mul(price).InexactFloat64(),
		UnrealizedPnl: price.Sub(pos.entry).Mul(pos.qty).Round(8).InexactFloat64(),
	}
}

func (p *Paper) triggeredLocked(pos *paperPosition, price decimal.Decimal) bool {
	long := pos.qty.IsPositive()
	if !pos.stopLoss.IsZero() {
		if (long && price.LessThanOrEqual(pos.stopLoss)) || (!long && price.GreaterThanOrEqual(pos.stopLoss)) {
			return true
		}
	}
	if !pos.takeProfit.IsZero() {
		if (long && price.GreaterThanOrEqual(pos.takeProfit)) || (!long && price.LessThanOrEqual(pos.takeProfit)) {
			return true
		}
	}
	return false
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Execution, error) {
	sym := normalize(req.Symbol)
	if sym == "" || req.Quantity <= 0 {
		return Execution{}, fmt.Errorf("%w: invalid order symbol=%q qty=%v", ErrExecution, req.Symbol, req.Quantity)
	}
	if req.Side != OrderBuy && req.Side != OrderSell {
		return Execution{}, fmt.Errorf("%w: invalid side %q", ErrExecution, req.Side)
	}
	last, err := p.prices.LatestPrice(ctx, sym)
	if err != nil || last <= 0 {
		return Execution{}, fmt.Errorf("%w: no price for %s: %v", ErrExecution, sym, err)
	}
	price := decimal.NewFromFloat(last)
	qty := decimal.NewFromFloat(req.Quantity)
	signed := qty
	if req.Side == OrderSell {
		signed = qty.Neg()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fee := qty.Mul(price).Mul(p.feeRate)
	p.cash = p.cash.Sub(fee)
	p.applyLocked(sym, signed, price)
	if pos, ok := p.positions[sym]; ok {
		p.protectLocked(pos, req.StopLossPct, req.TakeProfitPct)
	}
	p.seq++
	return Execution{
		OrderID:     "paper-" + strconv.FormatInt(p.seq, 10),
		Symbol:      sym,
		Side:        req.Side,
		Quantity:    req.Quantity,
		FilledQty:   req.Quantity,
		FilledPrice: last,
		Fee:         fee.InexactFloat64(),
		Status:      "filled",
		Broker:      PaperName,
		SubmittedAt: p.nowFn().UTC(),
	}, nil
}

// applyLocked nets signed into the position: same direction averages the entry,
// opposite direction realizes against it and may flip.
func (p *Paper) applyLocked(sym string, signed, price decimal.Decimal) {
	pos, ok := p.positions[sym]
	if !ok || pos.qty.IsZero() {
		p.positions[sym] = &paperPosition{qty: signed, entry: price}
		return
	}
	if pos.qty.Sign() == signed.Sign() {
		total := pos.qty.Add(signed)
		pos.entry = pos.entry.Mul(pos.qty).Add(price.Mul(signed)).Div(total)
		pos.qty = total
		return
	}
	closing := decimal.Min(pos.qty.Abs(), signed.Abs())
	direction := decimal.NewFromInt(int64(pos.qty.Sign()))
	p.cash = p.cash.Add(price.Sub(pos.entry).Mul(closing).Mul(direction))
	remaining := pos.qty.Add(signed)
	switch {
	case remaining.IsZero():
		delete(p.positions, sym)
	case remaining.Sign() == pos.qty.Sign():
		pos.qty = remaining
	default:
		p.positions[sym] = &paperPosition{qty: remaining, entry: price}
	}
}

func (p *Paper) protectLocked(pos *paperPosition, stopPct, takePct float64) {
	sign := decimal.NewFromInt(int64(pos.qty.Sign()))
	hundred := decimal.NewFromInt(100)
	if stopPct > 0 {
		pos.stopLoss = pos.entry.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(stopPct).Div(hundred).Mul(sign)))
	}
	if takePct > 0 {
		pos.takeProfit = pos.entry.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(takePct).Div(hundred).Mul(sign)))
	}
}

func (p *Paper) closeLocked(sym string, price decimal.Decimal) decimal.Decimal {
	pos, ok := p.positions[sym]
	if !ok {
		return decimal.Zero
	}
	pnl := price.Sub(pos.entry).Mul(pos.qty)
	p.cash = p.cash.Add(pnl)
	delete(p.positions, sym)
	return pnl
}

func (p *Paper) ClosePosition(ctx context.Context, symbol string) (Execution, error) {
	sym := normalize(symbol)
	last, err := p.prices.LatestPrice(ctx, sym)
	if err != nil {
		return Execution{}, fmt.Errorf("%w: no price for %s: %v", ErrExecution, sym, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[sym]
	if !ok {
		return Execution{}, fmt.Errorf("%w: no open position for %s", ErrExecution, sym)
	}
	side := pos.qty.Neg()
	qty := pos.qty.Abs().InexactFloat64()
	p.closeLocked(sym, decimal.NewFromFloat(last))
	p.seq++
	orderSide := OrderSell
	if side.IsPositive() {
		orderSide = OrderBuy
	}
	return Execution{
		OrderID:     "paper-" + strconv.FormatInt(p.seq, 10),
		Symbol:      sym,
		Side:        orderSide,
		Quantity:    qty,
		FilledQty:   qty,
		FilledPrice: last,
		Status:      "filled",
		Broker:      PaperName,
		SubmittedAt: p.nowFn().UTC(),
	}, nil
}

// GetAccount values open positions at their entry; equity therefore excludes unrealized P&L.
func (p *Paper) GetAccount(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := decimal.Zero
	for _, pos := range p.positions {
		used = used.Add(pos.qty.Abs().Mul(pos.entry))
	}
	buying := p.cash.Sub(used)
	if buying.IsNegative() {
		buying = decimal.Zero
	}
	return Account{
		Equity:      p.cash.InexactFloat64(),
		BuyingPower: buying.InexactFloat64(),
		Cash:        p.cash.InexactFloat64(),
	}, nil
}
