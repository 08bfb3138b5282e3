// Package eventfeed streams relay events to WebSocket subscribers as JSON.
package eventfeed

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/relay"
)

const (
	DefaultBufferSize   = 64
	DefaultPingInterval = 20 * time.Second
	DefaultIdleTimeout  = 60 * time.Second

	writeWait = 5 * time.Second
	// Subscribers only ever send control frames; anything larger is abuse.
	maxClientMessageBytes = 512
)

type Config struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	// BufferSize is the number of encoded events queued per subscriber before
	// new events are dropped for it.
	BufferSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Message is the JSON form of a relay event. Payloads are never sent.
type Message struct {
	Time       time.Time `json:"time"`
	Protocol   string    `json:"protocol"`
	Kind       string    `json:"kind"`
	Peer       string    `json:"peer,omitempty"`
	Target     string    `json:"target,omitempty"`
	Bytes      int       `json:"bytes"`
	Recipients int       `json:"recipients"`
	Error      string    `json:"error,omitempty"`
}

func NewMessage(ev relay.Event) Message {
	m := Message{
		Time:       ev.Time.UTC(),
		Protocol:   string(ev.Protocol),
		Kind:       string(ev.Kind),
		Peer:       ev.Peer,
		Target:     ev.Target,
		Bytes:      ev.Bytes,
		Recipients: ev.Recipients,
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

// Hub fans relay events out to every connected subscriber. A subscriber that
// cannot keep up loses events; relays are never blocked by it.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func New(cfg Config) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:  cfg,
		log:  logger,
		subs: make(map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.Allowed(r, cfg.AllowedOrigins)
		},
	}
	return h
}

// Observe is a relay.Observer.
func (h *Hub) Observe(ev relay.Event) {
	if h.Subscribers() == 0 {
		return
	}
	payload, err := json.Marshal(NewMessage(ev))
	if err != nil {
		h.log.Warn("event feed: encode failed", "kind", ev.Kind, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- payload:
		default:
			h.cfg.Metrics.Inc(metrics.EventFeedDroppedEvents)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("event feed: upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	s := &subscriber{
		conn: conn,
		send: make(chan []byte, h.cfg.BufferSize),
		done: make(chan struct{}),
	}
	if !h.add(s) {
		s.closeWith(websocket.CloseGoingAway, "shutting down")
		return
	}
	defer h.remove(s)

	h.cfg.Metrics.Inc(metrics.EventFeedSubscribers)
	h.log.Debug("event feed: subscribed", "remote_addr", r.RemoteAddr)

	go h.readLoop(s)
	h.writeLoop(s)

	h.log.Debug("event feed: unsubscribed", "remote_addr", r.RemoteAddr)
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
}

// readLoop discards client messages and enforces the idle timeout; pongs and
// any client frame count as activity.
func (h *Hub) readLoop(s *subscriber) {
	idle := h.cfg.IdleTimeout
	s.conn.SetReadLimit(maxClientMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.closeWith(websocket.CloseNormalClosure, "idle timeout")
				return
			}
			s.close()
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(idle))
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.closeWith(websocket.CloseGoingAway, "shutting down")
	}
}

type subscriber struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// closeWith sends a close frame before closing. WriteControl may run
// concurrently with the write loop.
func (s *subscriber) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = s.conn.Close()
		}
	})
}
