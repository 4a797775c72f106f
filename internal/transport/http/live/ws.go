package livehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradeloop/internal/hub"
	"tradeloop/internal/logger"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 4096
)

type Hub interface {
	Subscribe(ctx context.Context, symbol string, sub hub.Subscriber) error
	Unsubscribe(sub hub.Subscriber)
	HandleControl(ctx context.Context, symbol string, raw []byte) error
	BroadcastAsset(ctx context.Context, assetID uint)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts one websocket connection to hub.Subscriber.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(payload []byte) error {
	return s.write(websocket.TextMessage, payload)
}

func (s *wsSubscriber) write(kind int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(kind, payload)
}

func (s *wsSubscriber) sendError(err error) {
	body, _ := json.Marshal(gin.H{"type": "error", "error": err.Error()})
	_ = s.Send(body)
}

// handleWebsocket upgrades, subscribes to the symbol and applies inbound control messages
// until the client goes away.
func (h *handler) handleWebsocket(c *gin.Context) {
	if h.Hub == nil {
		unavailable(c, "websocket hub")
		return
	}
	symbol := c.Param("symbol")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade %s failed ip=%s: %v", symbol, c.ClientIP(), err)
		return
	}
	sub := &wsSubscriber{id: uuid.NewString(), conn: conn}
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer func() {
		cancel()
		h.Hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	if err := h.Hub.Subscribe(ctx, symbol, sub); err != nil {
		sub.sendError(err)
		if errors.Is(err, hub.ErrUnknownAsset) {
			logger.Infof("[ws] %s rejected: %v", c.ClientIP(), err)
		} else {
			logger.Warnf("[ws] subscribe %s: %v", symbol, err)
		}
		return
	}

	go h.pingLoop(ctx, sub)

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("[ws] %s read: %v", sub.id, err)
			}
			return
		}
		if err := h.Hub.HandleControl(ctx, symbol, raw); err != nil {
			sub.sendError(err)
		}
	}
}

func (h *handler) pingLoop(ctx context.Context, sub *wsSubscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sub.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
