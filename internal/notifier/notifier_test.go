package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/cycle"
	"tradeloop/internal/reconcile"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestMessageMarkdown(t *testing.T) {
	msg := Message{
		Icon:  "📈",
		Title: "BTCUSDT BUY filled",
		Sections: []Section{
			{Title: "order", Lines: []string{"qty: 1", " ", "price: ```100```"}},
			{Title: "empty", Lines: []string{""}},
		},
		Footer:    "source: binance",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	out := msg.Markdown()
	assert.Equal(t, "📈 BTCUSDT BUY filled\n\n```\norder\n- qty: 1\n- price: '''100'''\n```\n\nsource: binance\ntime: 2026-03-01 10:00:00 UTC", out)
}

func TestCycleCompletedFiltersHolds(t *testing.T) {
	n := New(&captureSender{})
	n.CycleCompleted(context.Background(), cycle.Result{Success: true, Symbol: "BTCUSDT", Trade: &store.TradeEvent{Action: store.ActionHold}})
	assert.Len(t, n.queue, 0)

	n.CycleCompleted(context.Background(), cycle.Result{Success: true, Symbol: "BTCUSDT", Trade: &store.TradeEvent{Action: store.ActionBuy, Quantity: 1, Price: 100, Status: store.TradeOpen}})
	n.CycleCompleted(context.Background(), cycle.Result{Success: true, Symbol: "BTCUSDT", Error: "rejected", Trade: &store.TradeEvent{Action: store.ActionSell, Status: store.TradeFailed}})
	n.CycleCompleted(context.Background(), cycle.Result{Success: false, Symbol: "BTCUSDT", Error: "market data"})
	require.Len(t, n.queue, 3)
	assert.Equal(t, "BTCUSDT BUY filled", (<-n.queue).Title)
	assert.Equal(t, "BTCUSDT SELL order failed", (<-n.queue).Title)
	assert.Equal(t, "BTCUSDT cycle failed", (<-n.queue).Title)
}

func TestRunDeliversQueuedMessages(t *testing.T) {
	sender := &captureSender{}
	n := New(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.PositionClosed(ctx, 1, &reconcile.CloseEvent{Symbol: "ETHUSDT", Side: store.SideLong, Quantity: 2, Realized: 12.5, ClosedTrades: 2})
	n.Reflected(ctx, audit.Reflection{Symbol: "ETHUSDT", Text: "patience paid", Improvements: []string{"scale in"}, TradeCount: 10})

	require.Eventually(t, func() bool { return len(sender.all()) == 2 }, time.Second, 5*time.Millisecond)
	texts := sender.all()
	assert.Contains(t, texts[0], "realized: +12.50")
	assert.Contains(t, texts[1], "- scale in")
}

func TestQueueFullDrops(t *testing.T) {
	n := New(&captureSender{})
	for i := 0; i < queueSize+5; i++ {
		n.Notify("tick")
	}
	assert.Len(t, n.queue, queueSize)
}

func TestTelegramSendText(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["chat_id"])
		assert.Equal(t, "Markdown", body["parse_mode"])
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.sleep = func(context.Context, time.Duration) error { return nil }
	require.NoError(t, tg.SendText(context.Background(), "hello"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestTelegramClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.sleep = func(context.Context, time.Duration) error { return nil }
	assert.Error(t, tg.SendText(context.Background(), "hello"))
	assert.Equal(t, int32(1), hits.Load())

	assert.ErrorIs(t, NewTelegram("", "").SendText(context.Background(), "x"), ErrNotConfigured)
}
