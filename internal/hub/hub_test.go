package hub

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/ledger"
	"tradeloop/internal/stats"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
)

type recorder struct {
	id   string
	mu   sync.Mutex
	msgs []Message
	fail bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(payload []byte) error {
	if r.fail {
		return errors.New("broken pipe")
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) last(t *testing.T) Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.msgs)
	return r.msgs[len(r.msgs)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type fakeLoops struct {
	mu      sync.Mutex
	running map[uint]bool
	starts  int
	stops   int
}

func (f *fakeLoops) Start(ctx context.Context, id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = true
	f.starts++
}

func (f *fakeLoops) Stop(id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	f.stops++
}

func (f *fakeLoops) Running(id uint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

type fakeReflections struct {
	rec *audit.Reflection
}

func (f fakeReflections) LatestReflection(ctx context.Context, assetID uint) (*audit.Reflection, error) {
	return f.rec, nil
}

func newHub(t *testing.T) (*Hub, *store.Store, *fakeLoops, store.Asset) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	asset := store.Asset{Symbol: "ethusdt", IntervalSeconds: 120, Active: true}
	require.NoError(t, st.CreateAsset(context.Background(), &asset))

	l := ledger.New(st)
	builder := &Builder{
		Reads:       st,
		Stats:       stats.NewAggregator(st, st, l),
		Reflections: fakeReflections{rec: &audit.Reflection{Text: "cut losers sooner", Improvements: []string{"tighter stops"}}},
	}
	loops := &fakeLoops{running: map[uint]bool{}}
	return New(context.Background(), st, builder, loops), st, loops, asset
}

func TestSubscribeStartsLoopOnceAndPushesSnapshot(t *testing.T) {
	h, _, loops, asset := newHub(t)
	ctx := context.Background()
	a, b := &recorder{id: "a"}, &recorder{id: "b"}

	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", a))
	require.NoError(t, h.Subscribe(ctx, "ethusdt", b))
	assert.Equal(t, 1, loops.starts)
	assert.Equal(t, 2, h.Subscribers("ETHUSDT"))

	msg := a.last(t)
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, asset.ID, msg.Asset.ID)
	assert.Equal(t, 120, msg.Interval)
	assert.True(t, msg.Running)
	assert.Equal(t, "cut losers sooner", msg.Reflection)
	assert.Equal(t, []string{"tighter stops"}, msg.Improvements)
}

func TestLastUnsubscribeStopsLoop(t *testing.T) {
	h, _, loops, _ := newHub(t)
	ctx := context.Background()
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", a))
	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", b))

	h.Unsubscribe(a)
	assert.Zero(t, loops.stops)
	h.Unsubscribe(b)
	assert.Equal(t, 1, loops.stops)
	assert.Zero(t, h.Subscribers("ETHUSDT"))

	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", a))
	assert.Equal(t, 2, loops.starts)
}

func TestSubscribeUnknownAsset(t *testing.T) {
	h, _, loops, _ := newHub(t)
	err := h.Subscribe(context.Background(), "DOGEUSDT", &recorder{id: "a"})
	assert.ErrorIs(t, err, ErrUnknownAsset)
	assert.Zero(t, loops.starts)
}

func TestBroadcastReflectsPriorWrites(t *testing.T) {
	h, st, _, asset := newHub(t)
	ctx := context.Background()
	a := &recorder{id: "a"}
	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", a))
	assert.Empty(t, a.last(t).Feed)

	trade := &store.TradeEvent{AssetID: asset.ID, Symbol: "ETHUSDT", Action: store.ActionBuy, Quantity: 1, Price: 2000, Status: store.TradeOpen}
	require.NoError(t, st.InsertTrade(ctx, trade))
	h.BroadcastAsset(ctx, asset.ID)

	msg := a.last(t)
	require.Len(t, msg.Feed, 1)
	assert.Equal(t, trade.ID, msg.Feed[0].ID)
	assert.Equal(t, 1, msg.Stats.TotalTrades)
}

func TestBrokenSubscriberIsDropped(t *testing.T) {
	h, _, loops, _ := newHub(t)
	ctx := context.Background()
	good, bad := &recorder{id: "good"}, &recorder{id: "bad"}
	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", good))
	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", bad))

	bad.fail = true
	require.NoError(t, h.Broadcast(ctx, "ETHUSDT"))
	assert.Equal(t, 1, h.Subscribers("ETHUSDT"))
	assert.Zero(t, loops.stops)
	assert.Equal(t, 3, good.count())

	good.fail = true
	require.NoError(t, h.Broadcast(ctx, "ETHUSDT"))
	assert.Zero(t, h.Subscribers("ETHUSDT"))
	assert.Equal(t, 1, loops.stops)
}

func TestControlMessages(t *testing.T) {
	h, st, _, asset := newHub(t)
	ctx := context.Background()
	a := &recorder{id: "a"}
	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", a))

	require.NoError(t, h.HandleControl(ctx, "ETHUSDT", []byte(`{"action":"pause"}`)))
	assert.True(t, a.last(t).Paused)

	require.NoError(t, h.HandleControl(ctx, "ETHUSDT", []byte(`{"action":"set_interval","interval":45}`)))
	assert.Equal(t, 45, a.last(t).Interval)

	require.NoError(t, h.HandleControl(ctx, "ETHUSDT", []byte(`{"action":"resume"}`)))
	msg := a.last(t)
	assert.False(t, msg.Paused)

	stored, err := st.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, stored.IntervalSeconds)
	assert.False(t, stored.Paused)

	before := a.count()
	for _, raw := range []string{`{"action":"set_interval","interval":0}`, `{"action":"explode"}`, `not json`} {
		assert.ErrorIs(t, h.HandleControl(ctx, "ETHUSDT", []byte(raw)), ErrInvalidControl, raw)
	}
	assert.Equal(t, before, a.count())
}

func TestBroadcastsSerializedPerSymbol(t *testing.T) {
	h, _, _, _ := newHub(t)
	ctx := context.Background()
	a := &recorder{id: "a"}
	require.NoError(t, h.Subscribe(ctx, "ETHUSDT", a))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Broadcast(ctx, "ETHUSDT")
		}()
	}
	wg.Wait()
	assert.Equal(t, 11, a.count())
}
