// Package ws pushes committed store changes to read-only subscribers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/infrastructure/metrics"
)

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 512
	sendBufferSize = 256
)

var ErrUnauthorized = errors.New("ws: unauthorized")

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	subject string
}

// Hub keeps the subscriber set and fans changes out to it.
// Run must be started before ServeWs accepts connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	// closed when Run returns
	done chan struct{}

	// empty secret disables token checks
	jwtSecret []byte
	upgrader  websocket.Upgrader
}

func NewHub(jwtSecret string, allowedOrigins []string) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 512),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		jwtSecret:  []byte(jwtSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// Run owns the subscriber set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			metrics.Subscribers.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.Subscribers.Set(float64(n))
			log.Debug().Str("subject", c.subject).Int("subscribers", n).Msg("ws subscriber joined")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.Subscribers.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					metrics.PushDropped.Inc()
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish never blocks the caller; a full hub drops the message.
func (h *Hub) Publish(_ context.Context, ch port.Change) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	default:
		metrics.PushDropped.Inc()
		log.Warn().Str("table", ch.Table).Str("key", ch.Key).Msg("ws broadcast full, change dropped")
	}
	return nil
}

// ServeWs upgrades the request and starts the client pumps. When a secret
// is configured a valid HS256 token is required in ?token=.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	subject := "anonymous"
	if len(h.jwtSecret) > 0 {
		sub, err := h.authenticate(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		subject = sub
	}
	select {
	case <-h.done:
		http.Error(w, "ws: hub stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		subject: subject,
	}
	if !h.join(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// join hands c to Run. It reports false once Run has returned.
func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave never blocks after Run has returned; Run already closed c.send.
func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return "", ErrUnauthorized
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrUnauthorized
	}
	return sub, nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services pongs and close frames; inbound data is dropped.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("subject", c.subject).Msg("ws closed unexpectedly")
			}
			return
		}
	}
}

var _ port.Notifier = (*Hub)(nil)
