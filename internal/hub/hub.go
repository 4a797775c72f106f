// Package hub fans per-asset state out to subscribers and owns loop lifetime:
// an asset's trading loop runs only while somebody is watching it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/keylock"
	"tradeloop/internal/store"
)

var (
	ErrUnknownAsset   = errors.New("unknown or inactive asset")
	ErrInvalidControl = errors.New("invalid control message")
)

// Subscriber is one client push channel. Send must not block indefinitely.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
}

type Assets interface {
	GetAssetBySymbol(ctx context.Context, symbol string) (store.Asset, error)
	UpdateAsset(ctx context.Context, id uint, patch store.AssetPatch) (store.Asset, error)
}

type Loops interface {
	Start(ctx context.Context, assetID uint)
	Stop(assetID uint)
	Running(assetID uint) bool
}

// Control is an inbound client message.
type Control struct {
	Action   string `json:"action"`
	Interval *int   `json:"interval,omitempty"`
}

const (
	ActionPause       = "pause"
	ActionResume      = "resume"
	ActionSetInterval = "set_interval"
)

type topic struct {
	assetID uint
	subs    map[string]Subscriber
}

type Hub struct {
	base    context.Context
	assets  Assets
	builder *Builder
	loops   Loops

	mu     sync.Mutex
	topics map[string]*topic
	owner  map[string]string

	sendLocks *keylock.Set[string]
}

// New builds a hub; loops started on first subscribe inherit base.
func New(base context.Context, assets Assets, builder *Builder, loops Loops) *Hub {
	if base == nil {
		base = context.Background()
	}
	return &Hub{
		base:      base,
		assets:    assets,
		builder:   builder,
		loops:     loops,
		topics:    make(map[string]*topic),
		owner:     make(map[string]string),
		sendLocks: keylock.New[string](),
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Subscribe registers sub for symbol and pushes it the current snapshot.
// The first subscriber of a symbol starts that asset's loop.
func (h *Hub) Subscribe(ctx context.Context, symbol string, sub Subscriber) error {
	symbol = normalize(symbol)
	asset, err := h.assets.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
		}
		return err
	}
	if !asset.Active {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}

	h.mu.Lock()
	if prev, ok := h.owner[sub.ID()]; ok && prev != symbol {
		h.removeLocked(sub.ID())
	}
	t, ok := h.topics[symbol]
	if !ok {
		t = &topic{assetID: asset.ID, subs: make(map[string]Subscriber)}
		h.topics[symbol] = t
	}
	first := len(t.subs) == 0
	t.subs[sub.ID()] = sub
	h.owner[sub.ID()] = symbol
	h.mu.Unlock()

	if first && h.loops != nil {
		h.loops.Start(h.base, asset.ID)
	}
	logger.Infof("hub: %s subscribed to %s", sub.ID(), symbol)
	return h.Broadcast(ctx, symbol)
}

// Unsubscribe removes sub; the last subscriber leaving stops the asset's loop.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	h.removeLocked(sub.ID())
	h.mu.Unlock()
}

func (h *Hub) removeLocked(id string) {
	symbol, ok := h.owner[id]
	if !ok {
		return
	}
	delete(h.owner, id)
	t, ok := h.topics[symbol]
	if !ok {
		return
	}
	delete(t.subs, id)
	logger.Infof("hub: %s left %s", id, symbol)
	if len(t.subs) == 0 {
		delete(h.topics, symbol)
		if h.loops != nil {
			h.loops.Stop(t.assetID)
		}
	}
}

// Subscribers reports the live subscriber count for symbol.
func (h *Hub) Subscribers(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[normalize(symbol)]; ok {
		return len(t.subs)
	}
	return 0
}

// Broadcast builds the symbol's snapshot from storage and pushes it to every
// subscriber. Broadcasts for one symbol never interleave; failing subscribers are dropped.
func (h *Hub) Broadcast(ctx context.Context, symbol string) error {
	symbol = normalize(symbol)
	unlock := h.sendLocks.Lock(symbol)
	defer unlock()

	subs := h.snapshotSubs(symbol)
	if len(subs) == 0 {
		return nil
	}
	asset, err := h.assets.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return err
	}
	msg, err := h.builder.Build(ctx, asset)
	if err != nil {
		logger.Warnf("hub: build snapshot for %s: %v", symbol, err)
		return err
	}
	if h.loops != nil {
		msg.Running = h.loops.Running(asset.ID)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := sub.Send(payload); err != nil {
			logger.Debugf("hub: dropping %s from %s: %v", sub.ID(), symbol, err)
			h.mu.Lock()
			h.removeLocked(sub.ID())
			h.mu.Unlock()
		}
	}
	return nil
}

// BroadcastAsset is Broadcast keyed by asset id; it is a no-op when nobody watches the asset.
func (h *Hub) BroadcastAsset(ctx context.Context, assetID uint) {
	h.mu.Lock()
	var symbol string
	for s, t := range h.topics {
		if t.assetID == assetID {
			symbol = s
			break
		}
	}
	h.mu.Unlock()
	if symbol == "" {
		return
	}
	if err := h.Broadcast(ctx, symbol); err != nil {
		logger.Warnf("hub: broadcast %s: %v", symbol, err)
	}
}

func (h *Hub) snapshotSubs(symbol string) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[symbol]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// HandleControl applies an inbound control message to symbol's asset and broadcasts the result.
func (h *Hub) HandleControl(ctx context.Context, symbol string, raw []byte) error {
	var c Control
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return h.Apply(ctx, symbol, c)
}

func (h *Hub) Apply(ctx context.Context, symbol string, c Control) error {
	symbol = normalize(symbol)
	var patch store.AssetPatch
	switch strings.ToLower(strings.TrimSpace(c.Action)) {
	case ActionPause:
		paused := true
		patch.Paused = &paused
	case ActionResume:
		paused := false
		patch.Paused = &paused
	case ActionSetInterval:
		if c.Interval == nil || *c.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidControl)
		}
		patch.IntervalSeconds = c.Interval
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidControl, c.Action)
	}
	asset, err := h.assets.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return err
	}
	if _, err := h.assets.UpdateAsset(ctx, asset.ID, patch); err != nil {
		return err
	}
	logger.Infof("hub: %s control %s applied", symbol, c.Action)
	return h.Broadcast(ctx, symbol)
}
