// README: In-process websocket hub; maps live "ws:" handles to connections.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Envelope is the frame exchanged on the socket in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session describes one accepted connection.
type Session struct {
	Handle string
	UserID types.ID
	Role   string
}

// Hooks are invoked from the connection's read goroutine.
type Hooks struct {
	OnConnect    func(ctx context.Context, s Session)
	OnMessage    func(ctx context.Context, s Session, msg Envelope)
	OnDisconnect func(ctx context.Context, s Session)
}

type client struct {
	session Session
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the request and blocks until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID types.ID, role string, hooks Hooks) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	c := &client{
		session: Session{Handle: PrefixSocket + uuid.NewString(), UserID: userID, Role: role},
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.session.Handle] = c
	h.mu.Unlock()

	ctx := context.WithoutCancel(r.Context())
	log := h.log.WithFields(logrus.Fields{"handle": c.session.Handle, "user_id": userID})
	log.Debug("socket connected")
	if hooks.OnConnect != nil {
		hooks.OnConnect(ctx, c.session)
	}

	go h.writePump(c)
	h.readPump(ctx, c, hooks, log)

	h.mu.Lock()
	if h.clients[c.session.Handle] == c {
		delete(h.clients, c.session.Handle)
	}
	h.mu.Unlock()
	c.close()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(ctx, c.session)
	}
	log.Debug("socket disconnected")
	return nil
}

// Push queues event for the connection behind handle. A full send buffer is
// treated as an unreachable client.
func (h *Hub) Push(_ context.Context, handle, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.clients[handle]
	h.mu.RUnlock()
	if !ok {
		return ErrUnreachable
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	// A closed client may still be registered while Serve unwinds.
	select {
	case <-c.done:
		return ErrUnreachable
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s: %w", handle, ErrUnreachable)
	}
}

// Connected reports the number of live connections.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) readPump(ctx context.Context, c *client, hooks Hooks, log logrus.FieldLogger) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("socket read failed")
			}
			return
		}
		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			log.Debug("ignoring malformed socket frame")
			continue
		}
		if hooks.OnMessage != nil {
			hooks.OnMessage(ctx, c.session, msg)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
