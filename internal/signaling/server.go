package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signlink/rtc/internal/config"
	"github.com/signlink/rtc/internal/metrics"
	"github.com/signlink/rtc/internal/origin"
	"github.com/signlink/rtc/internal/presence"
	"github.com/signlink/rtc/internal/ratelimit"
)

// Server accepts signaling WebSocket connections, binds each one to a user
// identity, and relays directed messages between online users.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	registry *presence.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	now func() time.Time
}

func NewServer(cfg config.Config, log *slog.Logger, reg *presence.Registry, m *metrics.Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			hdr := r.Header.Get("Origin")
			if hdr == "" {
				return true
			}
			norm, host, ok := origin.Normalize(hdr)
			if !ok {
				return false
			}
			return origin.Allowed(norm, host, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

// RegisterRoutes mounts the signaling endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /rtc/signal", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws)
	s.metrics.Inc(metrics.EventConnectionOpened)
	defer s.metrics.Inc(metrics.EventConnectionClosed)
	defer c.close(0, "")

	go c.writePump(s.cfg.SignalingWSPingInterval)

	ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	})

	// The first message must announce the user identity within the announce
	// window. Until then the connection is anonymous and can do nothing.
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.AnnounceTimeout))
	announce, err := s.readMessage(c)
	if err != nil {
		return
	}
	if announce.Kind != KindAnnounceOnline {
		c.close(websocket.ClosePolicyViolation, "expected announce-online")
		return
	}

	s.register(c, announce)
	defer s.unregister(c)

	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{},
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond))

	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
		msg, err := s.readMessage(c)
		if err != nil {
			if errors.Is(err, errInvalidMessage) {
				continue
			}
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.EventDropRateLimited)
			c.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		s.route(c, msg)
	}
}

var errInvalidMessage = errors.New("invalid signaling message")

// readMessage reads and parses one frame. A syntactically or semantically
// invalid message yields errInvalidMessage and the connection stays up;
// every other error means the connection is done.
func (s *Server) readMessage(c *conn) (Message, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			s.metrics.Inc(metrics.EventDropOversize)
		}
		return Message{}, err
	}
	if msgType != websocket.TextMessage {
		c.close(websocket.CloseUnsupportedData, "expected text message")
		return Message{}, errors.New("non-text message")
	}
	msg, err := ParseMessage(data)
	if err != nil {
		s.metrics.Inc(metrics.EventDropInvalidMessage)
		s.log.Debug("dropping invalid signaling message", "conn", c.id, "err", err)
		return Message{}, errInvalidMessage
	}
	return msg, nil
}

// register binds the connection to its announced user and publishes the
// presence change. When the user already had a live connection the old one
// is closed and no presence change is broadcast, since the user never went
// offline from the peers' point of view.
func (s *Server) register(c *conn, announce Message) {
	c.userID = announce.UserID
	s.metrics.Inc(metrics.EventAnnounce)

	prev := s.registry.SetOnline(c.userID, c)
	if prev != nil {
		s.metrics.Inc(metrics.EventAnnounceReplaced)
		if pc, ok := prev.(*conn); ok {
			pc.close(websocket.ClosePolicyViolation, "superseded by newer connection")
		}
	} else {
		s.broadcast(Message{
			Kind:      KindPresenceChanged,
			UserID:    c.userID,
			State:     PresenceOnline,
			Username:  announce.Username,
			UserType:  announce.UserType,
			Timestamp: s.timestamp(),
		}, c)
	}

	c.deliver(Message{
		Kind:      KindPresenceSnapshot,
		Users:     s.registry.OnlineUsers(),
		Timestamp: s.timestamp(),
	})

	s.log.Info("user online", "user", c.userID, "conn", c.id, "replaced", prev != nil)
}

// unregister removes the connection from the registry. The removal is a
// no-op when a newer connection has already replaced this one, in which
// case the user is still online and no offline change is broadcast.
func (s *Server) unregister(c *conn) {
	if !s.registry.Remove(c.userID, c) {
		return
	}
	s.broadcast(Message{
		Kind:      KindPresenceChanged,
		UserID:    c.userID,
		State:     PresenceOffline,
		Timestamp: s.timestamp(),
	}, nil)
	s.log.Info("user offline", "user", c.userID, "conn", c.id)
}

// route forwards a directed message to the recipient's current connection,
// stamping the sender identity and timestamp on the way through. Messages
// for offline users are dropped silently.
func (s *Server) route(c *conn, msg Message) {
	if !msg.Kind.Directed() {
		s.metrics.Inc(metrics.EventDropInvalidMessage)
		return
	}

	msg.FromUserID = c.userID
	msg.Timestamp = s.timestamp()

	target, ok := s.registry.Lookup(msg.ToUserID)
	if !ok {
		s.metrics.IncKind(metrics.EventRelayPresenceMiss, string(msg.Kind))
		s.log.Debug("dropping message for offline user",
			"kind", msg.Kind, "from", msg.FromUserID, "to", msg.ToUserID)
		return
	}
	tc, ok := target.(*conn)
	if !ok {
		return
	}
	if !tc.deliver(msg) {
		s.metrics.Inc(metrics.EventDropBackpressure)
		s.log.Warn("dropping message for congested connection",
			"kind", msg.Kind, "to", msg.ToUserID, "conn", tc.id)
		return
	}
	s.metrics.IncKind(metrics.EventRelayForwarded, string(msg.Kind))

	if msg.Kind == KindChat {
		// Delivery ack for the sender, issued only once the chat is queued
		// on the recipient's connection.
		c.deliver(Message{
			Kind:       KindChatDelivered,
			MessageID:  msg.MessageID,
			FromUserID: msg.ToUserID,
			Timestamp:  msg.Timestamp,
		})
	}
}

// broadcast delivers msg to every online connection except skip.
func (s *Server) broadcast(msg Message, skip *conn) {
	s.metrics.Inc(metrics.EventPresenceBroadcast)
	for _, h := range s.registry.Handles() {
		hc, ok := h.(*conn)
		if !ok || hc == skip {
			continue
		}
		hc.deliver(msg)
	}
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
