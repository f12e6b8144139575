package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/matchmaker"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/redis"
	"github.com/mossy-p/webrtc-roulette/internal/relay"
	"github.com/mossy-p/webrtc-roulette/internal/util"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	maxMessageSize  = 64 * 1024
	presenceTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub owns every live participant connection together with the matchmaker and
// relay that act on them.
type Hub struct {
	mm       *matchmaker.Matchmaker
	relay    *relay.Relay
	presence redis.Presence

	sendBuffer int

	mu      sync.RWMutex
	clients map[string]*Client
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(cfg *config.Config, presence redis.Presence) *Hub {
	if presence == nil {
		presence = redis.Noop{}
	}
	h := &Hub{
		presence:   presence,
		sendBuffer: cfg.SendBufferSize,
		clients:    make(map[string]*Client),
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 256
	}
	// Pairing notices are queued while the matchmaker lock is held, so no
	// participant sees a disconnect before the pairing it ends.
	h.mm = matchmaker.New(matchmaker.WithNotify(h.dispatch))
	h.relay = relay.New(h.mm, h, relay.WithMaxChatLength(cfg.MaxChatLength))
	return h
}

// HandleSignaling upgrades the request and serves one participant
func (h *Hub) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}

	h.register(client)
	util.LogInfo("Session %s connected (%d online)", client.ID, h.onlineCount())

	welcome, _ := models.NewMessage(models.SignalTypeWelcome, client.ID, nil)
	h.Deliver(client.ID, welcome)
	h.broadcastUserCount()
	h.withPresence(func(ctx context.Context) error { return h.presence.Join(ctx, client.ID) })
	h.publishStats()

	go client.writePump()
	go client.readPump(h)
}

// Deliver queues msg on the session's connection. It reports false when the
// session is gone or its buffer is full.
func (h *Hub) Deliver(sessionID string, msg models.SignalMessage) bool {
	h.mu.RLock()
	client, exists := h.clients[sessionID]
	h.mu.RUnlock()
	if !exists {
		util.LogDebug("Target session %s not connected", sessionID)
		return false
	}
	return client.sendMessage(msg)
}

// Stats returns the current status snapshot
func (h *Hub) Stats() models.Stats {
	waiting, pairs := h.mm.Snapshot()
	return models.Stats{
		OnlineCount:        h.onlineCount(),
		WaitingCount:       waiting,
		ActiveSessionCount: pairs,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (h *Hub) onlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastUserCount() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg, err := models.NewMessage(models.SignalTypeUserCount, "", models.UserCountPayload{Count: len(h.clients)})
	if err != nil {
		util.LogError("Failed to build user count: %v", err)
		return
	}
	for _, client := range h.clients {
		client.sendMessage(msg)
	}
}

// dispatch turns matchmaker events into messages for their recipients. It
// runs inside the matchmaker's critical section and only queues.
func (h *Hub) dispatch(events []matchmaker.Event) {
	for _, ev := range events {
		var (
			msg models.SignalMessage
			err error
		)
		switch ev.Type {
		case matchmaker.EventWaiting:
			msg, err = models.NewMessage(models.SignalTypeWaiting, ev.SessionID,
				models.WaitingPayload{Seq: ev.Seq})
		case matchmaker.EventPaired:
			msg, err = models.NewMessage(models.SignalTypePaired, ev.SessionID,
				models.PairedPayload{PeerID: ev.PeerID, Role: ev.Role, Seq: ev.Seq})
			util.LogInfo("Paired %s with %s as %s", ev.SessionID, ev.PeerID, ev.Role)
		case matchmaker.EventPeerDisconnected:
			msg, err = models.NewMessage(models.SignalTypePeerDisconnected, ev.SessionID,
				models.PeerDisconnectedPayload{PeerID: ev.PeerID, Seq: ev.Seq})
		}
		if err != nil {
			util.LogError("Failed to build %s event: %v", ev.Type, err)
			continue
		}
		h.Deliver(ev.SessionID, msg)
	}
}

func (h *Hub) handleMessage(c *Client, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeFindPeer:
		// A request without a payload is numbered 0.
		var p models.FindPeerPayload
		if len(msg.Payload) > 0 {
			if err := models.DecodePayload(msg, &p); err != nil {
				util.LogWarning("Rejected find-peer from %s: %v", c.ID, err)
				return
			}
		}
		h.mm.RequestPairing(c.ID, p.Seq)
		h.publishStats()
	case models.SignalTypeStop:
		h.mm.Release(c.ID)
		h.publishStats()
	default:
		if err := h.relay.Route(msg, c.ID); err != nil {
			util.LogWarning("Dropped %s from %s: %v", msg.Type, c.ID, err)
		}
	}
}

func (h *Hub) disconnect(c *Client) {
	// Release before unregistering so the peer is told while its own
	// connection is still addressable.
	h.mm.Release(c.ID)
	h.unregister(c)

	h.broadcastUserCount()
	h.withPresence(func(ctx context.Context) error { return h.presence.Leave(ctx, c.ID) })
	h.publishStats()
	util.LogInfo("Session %s disconnected (%d online)", c.ID, h.onlineCount())
}

func (h *Hub) publishStats() {
	stats := h.Stats()
	h.withPresence(func(ctx context.Context) error { return h.presence.PublishStats(ctx, stats) })
}

func (h *Hub) withPresence(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		util.LogWarning("Presence update failed: %v", err)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.disconnect(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogWarning("WebSocket error: %v", err)
			}
			break
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("Failed to parse message from %s: %v", c.ID, err)
			continue
		}
		if err := msg.Validate(); err != nil {
			util.LogWarning("Rejected message from %s: %v", c.ID, err)
			continue
		}

		h.handleMessage(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				util.LogWarning("Failed to write message to %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		util.LogError("Failed to marshal message: %v", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- data:
		return true
	default:
		util.LogWarning("Failed to send message to session %s, buffer full", c.ID)
		return false
	}
}
