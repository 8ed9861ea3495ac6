package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signlink/rtc/internal/config"
	"github.com/signlink/rtc/internal/metrics"
	"github.com/signlink/rtc/internal/presence"
)

func newTestServer(t *testing.T) (*httptest.Server, *presence.Registry, *metrics.Metrics) {
	t.Helper()

	cfg := config.Config{
		AnnounceTimeout:               2 * time.Second,
		SignalingWSIdleTimeout:        10 * time.Second,
		SignalingWSPingInterval:       5 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 500,
	}
	reg := presence.NewRegistry()
	m := metrics.New()
	srv := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), reg, m)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, reg, m
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc/signal"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg Message) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Kind, err)
	}
}

// expectKind reads frames until one of the wanted kind arrives, skipping
// unrelated presence traffic.
func expectKind(t *testing.T, ws *websocket.Conn, kind Kind) Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if msg.Kind == kind {
			return msg
		}
	}
}

// announce identifies the connection and returns the presence snapshot the
// relay answers with.
func announce(t *testing.T, ws *websocket.Conn, userID string) Message {
	t.Helper()
	send(t, ws, Message{Kind: KindAnnounceOnline, UserID: userID})
	return expectKind(t, ws, KindPresenceSnapshot)
}

func TestAnnounceSnapshotAndBroadcast(t *testing.T) {
	ts, _, _ := newTestServer(t)

	alice := dial(t, ts)
	snap := announce(t, alice, "alice")
	if len(snap.Users) != 1 || snap.Users[0] != "alice" {
		t.Fatalf("alice snapshot users = %v, want [alice]", snap.Users)
	}

	bob := dial(t, ts)
	snap = announce(t, bob, "bob")
	if len(snap.Users) != 2 {
		t.Fatalf("bob snapshot users = %v, want alice and bob", snap.Users)
	}

	change := expectKind(t, alice, KindPresenceChanged)
	if change.UserID != "bob" || change.State != PresenceOnline {
		t.Fatalf("presence change = %+v, want bob online", change)
	}
}

func TestRelayStampsSenderIdentity(t *testing.T) {
	ts, _, _ := newTestServer(t)

	alice := dial(t, ts)
	announce(t, alice, "alice")
	bob := dial(t, ts)
	announce(t, bob, "bob")

	// A spoofed fromUserId must be overwritten by the relay.
	send(t, alice, Message{
		Kind:       KindCallOffer,
		FromUserID: "mallory",
		ToUserID:   "bob",
		CallID:     "c1",
		SDP:        &SDP{Type: "offer", SDP: "v=0"},
	})

	got := expectKind(t, bob, KindCallOffer)
	if got.FromUserID != "alice" {
		t.Fatalf("fromUserId = %q, want alice", got.FromUserID)
	}
	if got.Timestamp == "" {
		t.Fatal("relay did not stamp a timestamp")
	}
	if got.CallID != "c1" || got.SDP == nil || got.SDP.SDP != "v=0" {
		t.Fatalf("payload mangled in transit: %+v", got)
	}
}

func TestOfflineRecipientDroppedSilently(t *testing.T) {
	ts, _, m := newTestServer(t)

	alice := dial(t, ts)
	announce(t, alice, "alice")
	bob := dial(t, ts)
	announce(t, bob, "bob")

	send(t, alice, Message{Kind: KindChat, ToUserID: "ghost", MessageID: "m1", Content: "anyone?"})
	// A later message to an online user still goes through, proving the
	// connection survived the drop.
	send(t, alice, Message{Kind: KindTypingStart, ToUserID: "bob"})

	if got := expectKind(t, bob, KindTypingStart); got.FromUserID != "alice" {
		t.Fatalf("typing-start fromUserId = %q", got.FromUserID)
	}
	if n := m.Get(metrics.EventRelayPresenceMiss + ":chat"); n != 1 {
		t.Fatalf("presence miss counter = %d, want 1", n)
	}
}

func TestChatDeliveredAck(t *testing.T) {
	ts, _, _ := newTestServer(t)

	alice := dial(t, ts)
	announce(t, alice, "alice")
	bob := dial(t, ts)
	announce(t, bob, "bob")

	send(t, alice, Message{Kind: KindChat, ToUserID: "bob", MessageID: "m7", Content: "hello"})

	if got := expectKind(t, bob, KindChat); got.Content != "hello" {
		t.Fatalf("chat content = %q", got.Content)
	}
	ack := expectKind(t, alice, KindChatDelivered)
	if ack.MessageID != "m7" || ack.FromUserID != "bob" {
		t.Fatalf("delivery ack = %+v, want messageId m7 from bob", ack)
	}
}

func TestLastConnectWinsAndStaleDisconnect(t *testing.T) {
	ts, reg, _ := newTestServer(t)

	first := dial(t, ts)
	announce(t, first, "alice")
	second := dial(t, ts)
	announce(t, second, "alice")

	// The replaced connection is closed by the relay.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// Its disconnect must not evict the live connection.
	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := reg.Lookup("alice"); !ok {
		t.Fatal("alice evicted by stale disconnect")
	}

	bob := dial(t, ts)
	announce(t, bob, "bob")
	send(t, bob, Message{Kind: KindChat, ToUserID: "alice", MessageID: "m1", Content: "still there?"})
	if got := expectKind(t, second, KindChat); got.MessageID != "m1" {
		t.Fatalf("live connection missed the chat: %+v", got)
	}

	// Closing the live connection is a real disconnect.
	_ = second.Close()
	change := expectKind(t, bob, KindPresenceChanged)
	if change.UserID != "alice" || change.State != PresenceOffline {
		t.Fatalf("presence change = %+v, want alice offline", change)
	}
}

func TestAnnounceRequiredFirst(t *testing.T) {
	ts, reg, _ := newTestServer(t)

	ws := dial(t, ts)
	send(t, ws, Message{Kind: KindTypingStart, ToUserID: "bob"})

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatal("connection survived without announcing")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry has %d entries, want 0", reg.Len())
	}
}
