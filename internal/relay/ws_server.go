package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const wsWriteWait = 2 * time.Second

const (
	DefaultMaxMessageBytes   int64 = 64 * 1024
	DefaultMessagesPerSecond       = 50
	DefaultSendQueueMessages       = 256
	DefaultIdleTimeout             = 60 * time.Second
	DefaultPingInterval            = 20 * time.Second
)

type WebSocketConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// CheckOrigin decides whether an upgrade with an Origin header may
	// proceed. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	MaxMessageBytes   int64
	MessagesPerSecond int
	SendQueueMessages int
	IdleTimeout       time.Duration
	PingInterval      time.Duration
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.SendQueueMessages <= 0 {
		c.SendQueueMessages = DefaultSendQueueMessages
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// WebSocketServer implements GET /ws: one relay client per WebSocket.
//
// A client may pass ?resume=<id> to reclaim the identity it held before a
// disconnect.
type WebSocketServer struct {
	relay    *Relay
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWebSocketServer(r *Relay, cfg WebSocketConfig) *WebSocketServer {
	cfg = cfg.withDefaults()
	return &WebSocketServer{
		relay: r,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("relay websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	client := newWSClient(conn, r.RemoteAddr, s.cfg)
	defer client.Close()

	go client.writeLoop()
	go client.pingLoop()

	if _, err := s.relay.RegisterClient(client, r.URL.Query().Get("resume")); err != nil {
		client.closeWith(websocket.CloseGoingAway, "relay shutting down")
		return
	}
	defer s.relay.HandleDisconnect(client)

	client.readLoop(s.relay)
}

// wsClient adapts a WebSocket to Conn. Outbound envelopes go through a
// bounded queue drained by a single writer goroutine, which keeps per
// connection delivery FIFO without letting a slow client stall routing.
type wsClient struct {
	conn       *websocket.Conn
	remoteAddr string
	cfg        WebSocketConfig
	log        *slog.Logger

	out     *queue.Queue[[]byte]
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, remoteAddr string, cfg WebSocketConfig) *wsClient {
	return &wsClient{
		conn:       conn,
		remoteAddr: remoteAddr,
		cfg:        cfg,
		log:        cfg.Logger.With("remote_addr", remoteAddr),
		out:        queue.New[[]byte](cfg.SendQueueMessages),
		limiter:    rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessagesPerSecond),
		done:       make(chan struct{}),
	}
}

func (c *wsClient) RemoteAddr() string { return c.remoteAddr }

func (c *wsClient) Send(env signaling.Envelope) bool {
	payload, err := env.Marshal()
	if err != nil {
		c.log.Error("relay failed to encode envelope", "type", env.Type, "err", err)
		return false
	}
	if !c.out.Push(payload) {
		c.cfg.Metrics.Inc(metrics.RelayDroppedSendQueueFull)
		c.log.Warn("relay send queue full, dropping envelope", "type", env.Type)
		return false
	}
	return true
}

func (c *wsClient) readLoop(r *Relay) {
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.log.Warn("relay message exceeds read limit", "limit", c.cfg.MaxMessageBytes)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("relay websocket read failed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		// Read first, then rate limit, so a flooding client is throttled
		// rather than disconnected.
		if !c.limiter.Allow() {
			c.cfg.Metrics.Inc(metrics.RelayDroppedRateLimited)
			c.log.Debug("relay rate limit exceeded, dropping message")
			continue
		}
		if msgType != websocket.TextMessage {
			c.cfg.Metrics.Inc(metrics.RelayDroppedMalformed)
			c.log.Warn("relay dropped non-text message")
			continue
		}
		r.HandleMessage(c, data)
	}
}

func (c *wsClient) writeLoop() {
	for {
		payload, ok := c.out.Pop()
		if !ok {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.Debug("relay websocket write failed", "err", err)
			c.Close()
			return
		}
	}
}

func (c *wsClient) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with the writer goroutine.
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsClient) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.Discard()
		_ = c.conn.Close()
	})
}
