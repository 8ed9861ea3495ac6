package wsclient_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/signlink/rtc/internal/config"
	"github.com/signlink/rtc/internal/metrics"
	"github.com/signlink/rtc/internal/presence"
	"github.com/signlink/rtc/internal/signaling"
	"github.com/signlink/rtc/internal/wsclient"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		AnnounceTimeout:               2 * time.Second,
		SignalingWSIdleTimeout:        10 * time.Second,
		SignalingWSPingInterval:       5 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 500,
	}
	srv := signaling.NewServer(cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		presence.NewRegistry(), metrics.New())
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func relayURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc/signal"
}

func newClient(t *testing.T, ts *httptest.Server, userID string, cfg wsclient.Config) *wsclient.Client {
	t.Helper()
	cfg.URL = relayURL(ts)
	cfg.Identity = wsclient.Identity{UserID: userID, Username: strings.ToUpper(userID)}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c := wsclient.New(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func await(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestChatBetweenTwoClients(t *testing.T) {
	ts := newRelay(t)

	alice := newClient(t, ts, "alice", wsclient.Config{})
	bob := newClient(t, ts, "bob", wsclient.Config{})

	gotChat := make(chan signaling.Message, 1)
	bob.On(signaling.KindChat, func(msg signaling.Message) { gotChat <- msg })
	gotAck := make(chan signaling.Message, 1)
	alice.On(signaling.KindChatDelivered, func(msg signaling.Message) { gotAck <- msg })

	// The relay drops chats for users it does not know yet, so hold the
	// chat until alice sees bob come online.
	bobOnline := make(chan struct{}, 1)
	alice.On(signaling.KindPresenceChanged, func(msg signaling.Message) {
		if msg.UserID == "bob" && msg.State == signaling.PresenceOnline {
			select {
			case bobOnline <- struct{}{}:
			default:
			}
		}
	})

	if err := alice.Dial(context.Background()); err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	if err := bob.Dial(context.Background()); err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	await(t, bobOnline, "bob to come online")

	if err := alice.SendChat("bob", "m1", "hey"); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	select {
	case msg := <-gotChat:
		if msg.FromUserID != "alice" || msg.Content != "hey" {
			t.Fatalf("chat = %+v", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("bob never received the chat")
	}
	select {
	case ack := <-gotAck:
		if ack.MessageID != "m1" {
			t.Fatalf("ack = %+v", ack)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("alice never received the delivery ack")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	ts := newRelay(t)

	connects := make(chan struct{}, 8)
	disconnects := make(chan struct{}, 8)
	client := newClient(t, ts, "alice", wsclient.Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       50 * time.Millisecond,
		OnConnect:            func() { connects <- struct{}{} },
		OnDisconnect:         func(err error) { disconnects <- struct{}{} },
	})

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	await(t, connects, "initial connect")

	ts.CloseClientConnections()
	await(t, disconnects, "disconnect")
	await(t, connects, "reconnect")

	// The re-announced identity works end to end: a self-addressed chat
	// comes straight back through the relay.
	echo := make(chan signaling.Message, 1)
	client.On(signaling.KindChat, func(msg signaling.Message) { echo <- msg })
	if err := client.SendChat("alice", "m1", "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-echo:
		if msg.Content != "ping" {
			t.Fatalf("echo = %+v", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("self chat never came back after reconnect")
	}
}

func TestSendFailsFastWhileReconnecting(t *testing.T) {
	ts := newRelay(t)

	connects := make(chan struct{}, 8)
	disconnects := make(chan struct{}, 8)
	client := newClient(t, ts, "alice", wsclient.Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       500 * time.Millisecond,
		OnConnect:            func() { connects <- struct{}{} },
		OnDisconnect:         func(err error) { disconnects <- struct{}{} },
	})

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	await(t, connects, "initial connect")

	ts.CloseClientConnections()
	await(t, disconnects, "disconnect")

	// The reconnect is still sleeping out its delay; a send in this window
	// must error rather than vanish into a dead queue.
	if err := client.SendChat("bob", "m1", "anyone?"); !errors.Is(err, wsclient.ErrNotConnected) {
		t.Fatalf("send while reconnecting = %v, want ErrNotConnected", err)
	}

	await(t, connects, "reconnect")
	if err := client.SendChat("alice", "m2", "back"); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
}

func TestConnectionFailedAfterExhaustedRetries(t *testing.T) {
	ts := newRelay(t)

	connects := make(chan struct{}, 8)
	failed := make(chan error, 1)
	client := newClient(t, ts, "alice", wsclient.Config{
		MaxReconnectAttempts: 2,
		ReconnectDelay:       20 * time.Millisecond,
		OnConnect:            func() { connects <- struct{}{} },
		OnConnectionFailed:   func(err error) { failed <- err },
	})

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	await(t, connects, "initial connect")

	// Take the relay away entirely so every reconnect attempt fails.
	ts.CloseClientConnections()
	ts.Close()

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("connection-failed event carried no error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("retries never exhausted")
	}

	if err := client.SendChat("bob", "m1", "hello?"); !errors.Is(err, wsclient.ErrClosed) {
		t.Fatalf("send after failure = %v, want ErrClosed", err)
	}
}
