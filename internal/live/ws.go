package live

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wagerboard/wager-engine/internal/metrics"
	"github.com/wagerboard/wager-engine/internal/projection"
)

// WebSocket topics.
const (
	TopicWagers        = "wagers"
	TopicLeaderboard   = "leaderboard"
	TopicActivity      = "activity"
	TopicNotifications = "notifications"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ClientMsg is a message received from a WebSocket client.
type ClientMsg struct {
	Type   string `json:"type"`             // subscribe | unsubscribe | ping
	Topic  string `json:"topic,omitempty"`  // required for subscribe/unsubscribe
	UserID string `json:"userId,omitempty"` // required for the notifications topic
}

// ServerMsg is a message sent to WebSocket clients.
type ServerMsg struct {
	Type  string `json:"type"` // snapshot | pong | error
	Topic string `json:"topic,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// WSServer exposes distributor subscriptions over WebSocket. Each client
// can hold one subscription per topic.
type WSServer struct {
	dist       *Distributor
	upgrader   websocket.Upgrader
	maxBacklog int

	// base is cancelled by Close to disconnect every client.
	base     context.Context
	shutdown context.CancelFunc
}

// NewWSServer creates a WebSocket server. A client whose subscription falls
// more than maxBacklog snapshots behind is disconnected.
func NewWSServer(dist *Distributor, maxBacklog int) *WSServer {
	base, shutdown := context.WithCancel(context.Background())
	return &WSServer{
		dist: dist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true // Allow all origins during development.
			},
		},
		maxBacklog: maxBacklog,
		base:       base,
		shutdown:   shutdown,
	}
}

// wsClient is one connection. All writes go through send so the writer
// goroutine is the connection's only writer.
type wsClient struct {
	conn   *websocket.Conn
	send   chan outbound
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	// gens counts subscribe and unsubscribe calls per topic. A queued
	// snapshot is written only while its topic is still at the generation
	// it was produced for.
	gens map[string]uint64
}

// outbound is a queued message. gen is zero for replies that belong to no
// subscription.
type outbound struct {
	msg ServerMsg
	gen uint64
}

func newWSClient(ctx context.Context, conn *websocket.Conn) *wsClient {
	ctx, cancel := context.WithCancel(ctx)
	return &wsClient{
		conn:   conn,
		send:   make(chan outbound, 16),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
		gens:   make(map[string]uint64),
	}
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (s *WSServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := newWSClient(s.base, conn)
	metrics.WebSocketClients.Inc()
	slog.Info("ws client connected", "remote", r.RemoteAddr)

	go c.writePump()
	s.readPump(c)

	c.cancel()
	c.unsubscribeAll()
	metrics.WebSocketClients.Dec()
	slog.Info("ws client disconnected", "remote", r.RemoteAddr)
}

// Close disconnects every client. Hijacked connections are not closed by
// http.Server.Shutdown, so the server calls this during shutdown.
func (s *WSServer) Close() {
	s.shutdown()
}

// readPump handles client messages until the connection fails.
func (s *WSServer) readPump(c *wsClient) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			s.subscribe(c, msg)
		case "unsubscribe":
			c.unsubscribe(msg.Topic)
		case "ping":
			c.enqueue(ServerMsg{Type: "pong"})
		default:
			c.enqueue(ServerMsg{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}

// writePump serialises writes and keeps the connection alive through
// proxies.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case out := <-c.send:
			if !c.current(out) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(out.msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsClient) enqueue(msg ServerMsg) bool {
	return c.enqueueGen(msg, 0)
}

func (c *wsClient) enqueueGen(msg ServerMsg, gen uint64) bool {
	select {
	case c.send <- outbound{msg: msg, gen: gen}:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (s *WSServer) subscribe(c *wsClient, msg ClientMsg) {
	c.mu.Lock()
	_, exists := c.subs[msg.Topic]
	c.mu.Unlock()
	if exists {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	gen := c.bump(msg.Topic)
	switch msg.Topic {
	case TopicWagers, TopicLeaderboard, TopicActivity:
		sub := s.dist.SubscribeWagers()
		go forward(ctx, c, gen, s.maxBacklog, sub, func(snap WagersSnapshot) ServerMsg {
			return wagersMessage(msg.Topic, snap)
		})
	case TopicNotifications:
		if msg.UserID == "" {
			cancel()
			c.enqueue(ServerMsg{Type: "error", Topic: msg.Topic, Error: "userId is required"})
			return
		}
		sub, err := s.dist.SubscribeNotifications(ctx, msg.UserID)
		if err != nil {
			cancel()
			slog.Error("notifications subscription failed", "user_id", msg.UserID, "error", err)
			c.enqueue(ServerMsg{Type: "error", Topic: msg.Topic, Error: "subscription failed"})
			return
		}
		go forward(ctx, c, gen, s.maxBacklog, sub, func(snap NotificationsSnapshot) ServerMsg {
			return ServerMsg{Type: "snapshot", Topic: TopicNotifications, Seq: snap.Seq, Data: snap.Notifications}
		})
	default:
		cancel()
		c.enqueue(ServerMsg{Type: "error", Topic: msg.Topic, Error: "unknown topic"})
		return
	}

	c.mu.Lock()
	c.subs[msg.Topic] = cancel
	c.mu.Unlock()
}

func (c *wsClient) unsubscribe(topic string) {
	c.mu.Lock()
	cancel, ok := c.subs[topic]
	delete(c.subs, topic)
	if ok {
		c.gens[topic]++
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// bump starts a new generation for topic and returns it.
func (c *wsClient) bump(topic string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[topic]++
	return c.gens[topic]
}

// current reports whether out may still be written: replies always, topic
// snapshots only if nothing was subscribed or unsubscribed since.
func (c *wsClient) current(out outbound) bool {
	if out.gen == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[out.msg.Topic] == out.gen
}

func (c *wsClient) unsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, cancel := range c.subs {
		cancel()
		delete(c.subs, topic)
	}
}

// forward copies snapshots from sub to the client until ctx ends. A client
// that cannot keep up is disconnected rather than buffered without bound.
func forward[T any](ctx context.Context, c *wsClient, gen uint64, maxBacklog int, sub *Subscription[T], render func(T) ServerMsg) {
	defer sub.Unsubscribe()
	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if maxBacklog > 0 && sub.Pending() > maxBacklog {
			slog.Warn("ws client too slow, disconnecting", "backlog", sub.Pending())
			c.cancel()
			return
		}
		if !c.enqueueGen(render(snap), gen) {
			return
		}
	}
}

func wagersMessage(topic string, snap WagersSnapshot) ServerMsg {
	msg := ServerMsg{Type: "snapshot", Topic: topic, Seq: snap.Seq}
	switch topic {
	case TopicLeaderboard:
		msg.Data = projection.Leaderboard(snap.Balances, snap.Wagers)
	case TopicActivity:
		msg.Data = projection.Activity(snap.Wagers)
	default:
		msg.Data = snap
	}
	return msg
}
