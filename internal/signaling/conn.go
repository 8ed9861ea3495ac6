package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 1 * time.Second
	sendQueueLen = 32
)

// conn wraps a websocket connection with a serialized writer. The read side
// is owned by the Server's handler goroutine; deliveries from other
// connections go through the send queue so that writes never interleave.
//
// conn implements presence.Handle: the ConnectionID distinguishes a user's
// current connection from the stale one it replaced.
type conn struct {
	id     string
	userID string // bound at announce time, before the conn is registered

	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
	}
}

func (c *conn) ConnectionID() string { return c.id }

// deliver queues msg for the writer goroutine. It never blocks: when a slow
// reader has filled the queue the message is dropped and deliver reports it.
func (c *conn) deliver(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump owns all data writes to the socket plus the keepalive pings.
func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close tears the socket down, sending a close frame first when code is
// non-zero. Safe to call from any goroutine, repeatedly.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != 0 {
			deadline := time.Now().Add(wsWriteWait)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), deadline)
		}
		_ = c.ws.Close()
	})
}
