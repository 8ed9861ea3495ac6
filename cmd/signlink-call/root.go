package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/signlink/rtc/internal/config"
	"github.com/signlink/rtc/internal/media"
	"github.com/signlink/rtc/internal/peer"
	"github.com/signlink/rtc/internal/signaling"
	"github.com/signlink/rtc/internal/wsclient"
)

var (
	flagRelayURL string
	flagUserID   string
	flagUsername string
	flagUserType string
)

var rootCmd = &cobra.Command{
	Use:   "signlink-call",
	Short: "Terminal call client for the signlink relay",
	Long: `signlink-call connects to a signlink relay as a user, rings other online
users for video or audio calls, answers incoming calls, and exchanges chat
messages. Media capture uses the local camera and microphone where the
platform supports it; elsewhere calls run receive-only.`,
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRelayURL, "relay-url", "", "relay websocket URL (default from SIGNLINK_RELAY_URL)")
	rootCmd.PersistentFlags().StringVar(&flagUserID, "user", "", "user id to announce (required)")
	rootCmd.PersistentFlags().StringVar(&flagUsername, "name", "", "display name")
	rootCmd.PersistentFlags().StringVar(&flagUserType, "type", "", "user type tag")
	_ = rootCmd.MarkPersistentFlagRequired("user")
}

// app bundles the transport and call manager a subcommand runs against.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	client  *wsclient.Client
	manager *peer.Manager

	// connectionLost closes when reconnection is abandoned.
	connectionLost chan struct{}
	states         chan stateEvent
	incoming       chan *peer.IncomingCall
}

type stateEvent struct {
	callID string
	change peer.StateChange
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}
	if flagRelayURL != "" {
		cfg.RelayURL = flagRelayURL
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	a := &app{
		cfg:            cfg,
		log:            log,
		connectionLost: make(chan struct{}),
		states:         make(chan stateEvent, 64),
		incoming:       make(chan *peer.IncomingCall, 8),
	}

	a.client = wsclient.New(wsclient.Config{
		URL: cfg.RelayURL,
		Identity: wsclient.Identity{
			UserID:   flagUserID,
			Username: flagUsername,
			UserType: flagUserType,
		},
		DialTimeout:          cfg.DialTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		Logger:               log,
		OnConnect: func() {
			fmt.Println("connected to relay")
		},
		OnDisconnect: func(err error) {
			fmt.Println("relay connection lost, reconnecting...")
		},
		OnConnectionFailed: func(err error) {
			fmt.Println("relay connection failed:", err)
			a.manager.FailAll("signaling transport lost")
			close(a.connectionLost)
		},
	})

	source, err := media.NewDeviceSource(log)
	if err != nil {
		return nil, err
	}
	api, err := media.NewAPI(source)
	if err != nil {
		return nil, err
	}

	a.manager = peer.NewManager(peer.ManagerConfig{
		API:           api,
		ICEServers:    cfg.ICEServers(),
		Source:        source,
		Signaler:      a.client,
		AnswerTimeout: cfg.AnswerTimeout,
		Logger:        log,
		OnIncoming:    func(c *peer.IncomingCall) { a.incoming <- c },
		OnStateChange: func(callID string, change peer.StateChange) {
			a.states <- stateEvent{callID: callID, change: change}
		},
	})

	a.wireSignaling(ctx)

	if err := a.client.Dial(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) wireSignaling(ctx context.Context) {
	forward := func(msg signaling.Message) {
		a.manager.HandleMessage(ctx, msg)
	}
	for _, kind := range []signaling.Kind{
		signaling.KindCallRequest,
		signaling.KindCallAccepted,
		signaling.KindCallRejected,
		signaling.KindCallOffer,
		signaling.KindCallAnswer,
		signaling.KindICECandidate,
		signaling.KindCallEnd,
	} {
		a.client.On(kind, forward)
	}
}

func (a *app) close() {
	// Hang up before dropping the transport so call-end still goes out.
	a.manager.Close()
	_ = a.client.Close()
}
