package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Identity resolves a bearer token to (userID, role). The hub does not parse
// tokens itself; the auth service is plugged in at construction.
type Identity interface {
	Identify(token string) (userID, role string, err error)
}

// Hub is the websocket Audit/Notify sink: user-scoped events go to the
// owner's connections, admin events fan out to every connected admin.
//
// Each connection owns a buffered outbound channel drained by exactly one
// goroutine; gorilla/websocket allows at most one concurrent writer.
type Hub struct {
	identity Identity
	origin   string
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	users  map[string]map[*subscriber]struct{}
	admins map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(identity Identity, origin string, logger *zap.Logger) *Hub {
	h := &Hub{
		identity: identity,
		origin:   origin,
		logger:   logger,
		users:    make(map[string]map[*subscriber]struct{}),
		admins:   make(map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authz := r.Header.Get("Authorization")
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}
	}
	userID, role, err := h.identity.Identify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, 32)}
	h.register(userID, role, sub)
	go h.readLoop(userID, sub)
	h.writeLoop(sub)
}

func (h *Hub) register(userID, role string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[userID] == nil {
		h.users[userID] = make(map[*subscriber]struct{})
	}
	h.users[userID][sub] = struct{}{}
	if role == "admin" {
		h.admins[sub] = struct{}{}
	}
}

// unregister closes the outbound channel exactly once; the write loop exits
// when the channel is drained.
func (h *Hub) unregister(userID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns := h.users[userID]; conns != nil {
		if _, ok := conns[sub]; ok {
			delete(conns, sub)
			close(sub.send)
		}
		if len(conns) == 0 {
			delete(h.users, userID)
		}
	}
	delete(h.admins, sub)
	_ = sub.conn.Close()
}

// readLoop drains client frames so pings are answered; the hub is push-only.
func (h *Hub) readLoop(userID string, sub *subscriber) {
	defer h.unregister(userID, sub)
	sub.conn.SetReadLimit(1 << 10)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the sole writer on the connection. A write failure closes the
// socket so the read loop unregisters; the loop keeps draining until then.
func (h *Hub) writeLoop(sub *subscriber) {
	for payload := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("notify delivery failed", zap.Error(err))
			_ = sub.conn.Close()
		}
	}
}

func (h *Hub) Record(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal notify event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	// The lock is held across the enqueue so a subscriber cannot be closed
	// between the snapshot and the send. Sends never block: a full buffer
	// drops the event rather than stalling the caller.
	h.mu.RLock()
	defer h.mu.RUnlock()
	deliver := func(sub *subscriber) {
		select {
		case sub.send <- payload:
		default:
			h.logger.Warn("notify delivery dropped", zap.String("type", ev.Type))
		}
	}
	if ev.Admin {
		for sub := range h.admins {
			deliver(sub)
		}
	}
	if ev.UserID != "" {
		for sub := range h.users[ev.UserID] {
			deliver(sub)
		}
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "" || origin == "*" {
		return true
	}
	got := r.Header.Get("Origin")
	if got == "" {
		return true
	}
	for _, allowed := range strings.Split(origin, ",") {
		if strings.EqualFold(strings.TrimSpace(allowed), got) {
			return true
		}
	}
	return false
}
