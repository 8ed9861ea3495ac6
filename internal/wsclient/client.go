// Package wsclient is the call client's reconnecting transport to the
// relay's signaling endpoint. It announces the user identity after every
// connect, dispatches inbound messages to kind subscribers, and retries
// unexpected disconnects with bounded attempts and fixed backoff before
// declaring the connection failed for good.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signlink/rtc/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by Send after Close or after reconnection gave up.
// ErrNotConnected is returned while a reconnect is still in flight.
var (
	ErrClosed       = errors.New("wsclient: connection closed")
	ErrNotConnected = errors.New("wsclient: not connected")
)

// Identity is announced to the relay on every (re)connect.
type Identity struct {
	UserID   string
	Username string
	UserType string
}

type Config struct {
	URL      string
	Identity Identity

	DialTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	Logger *slog.Logger

	// OnConnect fires after every successful connect and announce,
	// including reconnects. OnDisconnect fires on every unexpected drop.
	// OnConnectionFailed fires once, when reconnecting is abandoned.
	OnConnect          func()
	OnDisconnect       func(err error)
	OnConnectionFailed func(err error)
}

// Handler receives inbound messages of a subscribed kind.
type Handler func(msg signaling.Message)

// Client is safe for concurrent use. Subscriptions registered before Dial
// are guaranteed to see every message; later ones see messages from the
// point of registration.
type Client struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	handlers map[signaling.Kind][]Handler
	conn     *websocket.Conn
	outgoing chan []byte
	closed   bool
	done     chan struct{}
}

func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Client{
		cfg:      cfg,
		log:      log.With("relay", cfg.URL),
		handlers: make(map[signaling.Kind][]Handler),
		done:     make(chan struct{}),
	}
}

// On subscribes fn to inbound messages of the given kind.
func (c *Client) On(kind signaling.Kind, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], fn)
}

// Dial connects and announces. A failure here is returned to the caller;
// only drops after a successful Dial go through the reconnect path.
func (c *Client) Dial(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	go c.run(conn)
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	announce, err := marshal(signaling.Message{
		Kind:     signaling.KindAnnounceOnline,
		UserID:   c.cfg.Identity.UserID,
		Username: c.cfg.Identity.Username,
		UserType: c.cfg.Identity.UserType,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, announce); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("announce: %w", err)
	}

	outgoing := make(chan []byte, 32)
	c.mu.Lock()
	c.conn = conn
	c.outgoing = outgoing
	c.mu.Unlock()

	go c.writePump(conn, outgoing)
	return conn, nil
}

// run owns the read loop and the reconnect policy.
func (c *Client) run(conn *websocket.Conn) {
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	for {
		err := c.readLoop(conn)
		_ = conn.Close()

		// Tear the send path down with the connection, so Send fails fast
		// instead of queueing into a channel nothing drains.
		c.mu.Lock()
		c.conn = nil
		c.outgoing = nil
		c.mu.Unlock()

		if c.isClosed() {
			return
		}

		c.log.Warn("relay connection lost", "err", err)
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(err)
		}

		conn, err = c.reconnect()
		if err != nil {
			c.log.Error("reconnection abandoned", "err", err)
			c.markClosed()
			if c.cfg.OnConnectionFailed != nil {
				c.cfg.OnConnectionFailed(err)
			}
			return
		}

		c.log.Info("relay connection restored")
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	attempts := c.cfg.MaxReconnectAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-c.done:
			return nil, ErrClosed
		case <-time.After(c.cfg.ReconnectDelay):
		}

		conn, err := c.connect(context.Background())
		if err == nil {
			return conn, nil
		}
		c.log.Warn("reconnect attempt failed", "attempt", attempt, "of", attempts, "err", err)
	}
	return nil, fmt.Errorf("gave up after %d reconnect attempts", attempts)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := signaling.ParseMessage(data)
		if err != nil {
			c.log.Debug("ignoring malformed message from relay", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg signaling.Message) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers[msg.Kind]))
	copy(handlers, c.handlers[msg.Kind])
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (c *Client) writePump(conn *websocket.Conn, outgoing chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg on the current connection. Messages sent while a
// reconnect is in flight are dropped with an error, not buffered; signaling
// is only meaningful against a live relay.
func (c *Client) Send(msg signaling.Message) error {
	data, err := marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed, outgoing := c.closed, c.outgoing
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if outgoing == nil {
		return ErrNotConnected
	}

	select {
	case outgoing <- data:
		return nil
	default:
		return errors.New("wsclient: send queue full")
	}
}

// SendChat sends a chat line. The relay acks with chat-delivered once it is
// queued on the recipient's connection.
func (c *Client) SendChat(toUserID, messageID, content string) error {
	return c.Send(signaling.Message{
		Kind:      signaling.KindChat,
		ToUserID:  toUserID,
		MessageID: messageID,
		Content:   content,
	})
}

// SendChatRead reports that the local user read the given message.
func (c *Client) SendChatRead(toUserID, messageID string) error {
	return c.Send(signaling.Message{
		Kind:      signaling.KindChatRead,
		ToUserID:  toUserID,
		MessageID: messageID,
	})
}

// SendTyping reports typing activity to the remote user.
func (c *Client) SendTyping(toUserID string, active bool) error {
	kind := signaling.KindTypingEnd
	if active {
		kind = signaling.KindTypingStart
	}
	return c.Send(signaling.Message{Kind: kind, ToUserID: toUserID})
}

// Close shuts the transport down for good. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func marshal(msg signaling.Message) ([]byte, error) {
	return json.Marshal(msg)
}
