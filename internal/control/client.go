package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/observer/invigilate/internal/domain"
	"golang.org/x/time/rate"
)

// Keepalive timings.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

// Client is one participant's control-channel connection: the websocket,
// its outbound queue, and the room it has joined. A client belongs to
// exactly one room in this design (§3: a participant is a room-scoped
// triple).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu     sync.RWMutex
	userID string
	role   domain.Role
	roomID string
	joined bool

	// pendingRoomID is the room this connection was upgraded under
	// (/ws/{roomId}), read once by the hub's join handler.
	pendingRoomID string

	limiter *rate.Limiter
}

// NewClient wraps an accepted websocket connection. The rate limiter
// bounds inbound message processing per connection.
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(20), 40), // 20 msg/s, burst 40
	}
}

func (c *Client) setJoined(userID string, role domain.Role, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID, c.role, c.roomID, c.joined = userID, role, roomID, true
}

// SetPendingRoomID records the room id the connection was upgraded
// under, before the client has sent its `join` message.
func (c *Client) SetPendingRoomID(roomID string) {
	c.pendingRoomID = roomID
}

// UserID, Role, RoomID, Joined are read under the client's own lock since
// the hub's read loop and write loop both touch them.
func (c *Client) UserID() string    { c.mu.RLock(); defer c.mu.RUnlock(); return c.userID }
func (c *Client) Role() domain.Role { c.mu.RLock(); defer c.mu.RUnlock(); return c.role }
func (c *Client) RoomID() string    { c.mu.RLock(); defer c.mu.RUnlock(); return c.roomID }
func (c *Client) Joined() bool      { c.mu.RLock(); defer c.mu.RUnlock(); return c.joined }

// ReadPump pumps inbound frames to the hub until the connection closes.
// Messages are processed strictly in received order (§5 ordering
// guarantee), so this loop never spawns a goroutine per message.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			c.logger.Warn("dropping inbound message, rate limit exceeded", "user_id", c.UserID())
			continue
		}

		env, err := decode(raw)
		if err != nil {
			c.sendError(ReasonUnknownType)
			continue
		}
		c.hub.dispatch(c, env)
	}
}

// WritePump drains the outbound queue to the socket, pinging on an idle
// timer, batching any messages queued while one write was in flight.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(msg)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues a payload for delivery, marshaling it to JSON. A full
// outbound buffer drops the message rather than blocking (§4.3: "best
// effort ... a send failure to one participant ... never aborts delivery
// to the others").
func (c *Client) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message", "user_id", c.UserID())
	}
}

func (c *Client) sendError(reason string) {
	c.Send(ErrorPayload{Type: TypeError, Reason: reason})
}
