// Package stats derives dashboard statistics from an asset's trade history and ledger.
package stats

import (
	"math"
	"sort"
	"time"

	"tradeloop/internal/ledger"
	"tradeloop/internal/store"
)

const (
	sharpeClip    = 10.0
	stdevEpsilon  = 1e-9
	minSharpeRows = 2
)

type Stats struct {
	TotalTrades    int     `json:"total_trades"`
	ExecutedTrades int     `json:"executed_trades"`
	OpenTrades     int     `json:"open_trades"`
	ClosingTrades  int     `json:"closing_trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"win_rate"`
	AverageWin     float64 `json:"average_win"`
	AverageLoss    float64 `json:"average_loss"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	NetPnl         float64 `json:"net_pnl"`
	BestTrade      float64 `json:"best_trade"`
	WorstTrade     float64 `json:"worst_trade"`
	TotalPnl       float64 `json:"total_pnl"`
	RealizedPnl    float64 `json:"realized_pnl"`
	UnrealizedPnl  float64 `json:"unrealized_pnl"`
}

// Summarize is the canonical trade-history based computation.
// Closing trades are those with a non-zero pnl; TotalTrades counts every recorded event,
// HOLD audits included. P&L totals come from the ledger entry, not from the trades.
func Summarize(trades []store.TradeEvent, entry ledger.Entry) Stats {
	s := Stats{
		TotalTrades:   len(trades),
		TotalPnl:      entry.Total,
		RealizedPnl:   entry.Realized,
		UnrealizedPnl: entry.Unrealized,
	}
	closing := make([]store.TradeEvent, 0, len(trades))
	for _, t := range trades {
		if t.Executed() {
			s.ExecutedTrades++
			if t.Status == store.TradeOpen {
				s.OpenTrades++
			}
		}
		if t.Pnl != 0 {
			closing = append(closing, t)
		}
	}
	s.ClosingTrades = len(closing)
	if len(closing) == 0 {
		return s
	}
	sort.SliceStable(closing, func(i, j int) bool {
		return closedAt(closing[i]).Before(closedAt(closing[j]))
	})

	var winSum, lossSum float64
	s.BestTrade, s.WorstTrade = closing[0].Pnl, closing[0].Pnl
	returns := make([]float64, 0, len(closing))
	for _, t := range closing {
		s.NetPnl += t.Pnl
		if t.Pnl > 0 {
			s.Wins++
			winSum += t.Pnl
		} else {
			s.Losses++
			lossSum += t.Pnl
		}
		s.BestTrade = math.Max(s.BestTrade, t.Pnl)
		s.WorstTrade = math.Min(s.WorstTrade, t.Pnl)
		if n := notional(t); n > 0 {
			returns = append(returns, t.Pnl/n*100)
		}
	}
	s.WinRate = float64(s.Wins) / float64(len(closing))
	if s.Wins > 0 {
		s.AverageWin = winSum / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AverageLoss = lossSum / float64(s.Losses)
	}
	s.SharpeRatio = sharpe(returns)
	s.MaxDrawdown, s.MaxDrawdownPct = drawdown(closing)
	return s
}

func closedAt(t store.TradeEvent) time.Time {
	if t.ClosedAt != nil {
		return *t.ClosedAt
	}
	return t.CreatedAt
}

func notional(t store.TradeEvent) float64 {
	if t.Notional > 0 {
		return t.Notional
	}
	return math.Abs(t.Quantity * t.Price)
}

func sharpe(returns []float64) float64 {
	if len(returns) < minSharpeRows {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	stdev := math.Sqrt(sq / float64(len(returns)-1))
	if stdev < stdevEpsilon {
		return 0
	}
	return math.Max(-sharpeClip, math.Min(sharpeClip, mean/stdev))
}

// drawdown returns the largest peak-to-trough decline of cumulative pnl, absolute and as % of the peak.
func drawdown(closing []store.TradeEvent) (float64, float64) {
	var cum, peak, maxDD, maxPct float64
	for _, t := range closing {
		cum += t.Pnl
		if cum > peak {
			peak = cum
		}
		dd := peak - cum
		if dd > maxDD {
			maxDD = dd
			if peak > 0 {
				maxPct = dd / peak * 100
			}
		}
	}
	return maxDD, maxPct
}
