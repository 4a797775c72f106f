// Package notifier pushes trade, close and reflection events to an operator chat.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/cycle"
	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/text"
	"tradeloop/internal/reconcile"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
)

const queueSize = 64

type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Notifier formats events and delivers them from a single background worker,
// so listeners never wait on the network. Messages are dropped when the queue is full.
type Notifier struct {
	sender Sender
	queue  chan Message
	nowFn  func() time.Time
}

func New(sender Sender) *Notifier {
	return &Notifier{
		sender: sender,
		queue:  make(chan Message, queueSize),
		nowFn:  time.Now,
	}
}

// Run delivers queued messages until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := n.sender.SendText(sendCtx, msg.Markdown()); err != nil {
				logger.Warnf("notifier: send %q failed: %v", msg.Title, err)
			}
			cancel()
		}
	}
}

func (n *Notifier) enqueue(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = n.nowFn()
	}
	select {
	case n.queue <- msg:
	default:
		logger.Warnf("notifier: queue full, dropping %q", msg.Title)
	}
}

// CycleCompleted reports executed or failed orders and failed cycles; HOLDs are silent.
func (n *Notifier) CycleCompleted(ctx context.Context, res cycle.Result) {
	if !res.Success {
		n.enqueue(Message{
			Icon:     "⚠️",
			Title:    res.Symbol + " cycle failed",
			Sections: []Section{{Lines: []string{res.Error}}},
		})
		return
	}
	t := res.Trade
	if t == nil || t.Action == store.ActionHold {
		return
	}
	if t.Status == store.TradeFailed {
		n.enqueue(Message{
			Icon:  "❌",
			Title: fmt.Sprintf("%s %s order failed", res.Symbol, t.Action),
			Sections: []Section{
				{Title: "error", Lines: []string{res.Error}},
				{Title: "reasoning", Lines: []string{text.Truncate(t.Reasoning, 400)}},
			},
		})
		return
	}
	lines := []string{
		fmt.Sprintf("qty: %.6f", t.Quantity),
		fmt.Sprintf("price: %.6g", t.Price),
		fmt.Sprintf("notional: %.2f", t.Notional),
	}
	if t.Pnl != 0 {
		lines = append(lines, fmt.Sprintf("est. pnl: %+.2f", t.Pnl))
	}
	n.enqueue(Message{
		Icon:  "📈",
		Title: fmt.Sprintf("%s %s filled", res.Symbol, t.Action),
		Sections: []Section{
			{Title: "order", Lines: lines},
			{Title: "reasoning", Lines: []string{text.Truncate(t.Reasoning, 400)}},
			{Title: "stats", Lines: []string{
				fmt.Sprintf("total pnl: %+.2f", res.Stats.TotalPnl),
				fmt.Sprintf("win rate: %.1f%%", res.Stats.WinRate*100),
			}},
		},
		Footer: "source: " + res.DataSource,
	})
}

// PositionClosed reports a realized close observed by the reconciler.
func (n *Notifier) PositionClosed(ctx context.Context, assetID uint, ev *reconcile.CloseEvent) {
	if ev == nil {
		return
	}
	n.enqueue(Message{
		Icon:  "🏁",
		Title: fmt.Sprintf("%s %s closed", ev.Symbol, ev.Side),
		Sections: []Section{{Lines: []string{
			fmt.Sprintf("qty: %.6f", ev.Quantity),
			fmt.Sprintf("entry: %.6g exit: %.6g", ev.EntryPrice, ev.ExitPrice),
			fmt.Sprintf("realized: %+.2f", ev.Realized),
			fmt.Sprintf("trades closed: %d", ev.ClosedTrades),
		}}},
		Timestamp: ev.At,
	})
}

func (n *Notifier) Reflected(ctx context.Context, rec audit.Reflection) {
	title := rec.Symbol + " reflection"
	if rec.Placeholder {
		title += " (unavailable)"
	}
	n.enqueue(Message{
		Icon:  "🧭",
		Title: title,
		Sections: []Section{
			{Lines: []string{text.Truncate(rec.Text, 1200)}},
			{Title: "improvements", Lines: rec.Improvements},
		},
		Footer:    fmt.Sprintf("based on %d trades", rec.TradeCount),
		Timestamp: rec.Timestamp,
	})
}

// Notify sends free text, used for startup and shutdown notices.
func (n *Notifier) Notify(title string, lines ...string) {
	n.enqueue(Message{Icon: "ℹ️", Title: strings.TrimSpace(title), Sections: []Section{{Lines: lines}}})
}
