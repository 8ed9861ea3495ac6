// Package config resolves the relay's runtime configuration from environment
// variables and flags, and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "SIGNLINK_LISTEN_ADDR"
	envVarLogFormat       = "SIGNLINK_LOG_FORMAT"
	envVarLogLevel        = "SIGNLINK_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNLINK_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarSTUNServers     = "STUN_SERVERS"

	// Signaling WebSocket hardening.
	envVarAnnounceTimeout               = "SIGNALING_ANNOUNCE_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Client-side knobs (cmd/signlink-call and library defaults).
	envVarRelayURL             = "SIGNLINK_RELAY_URL"
	envVarDialTimeout          = "SIGNLINK_DIAL_TIMEOUT"
	envVarMaxReconnectAttempts = "SIGNLINK_MAX_RECONNECT_ATTEMPTS"
	envVarReconnectDelay       = "SIGNLINK_RECONNECT_DELAY"
	envVarAnswerTimeout        = "SIGNLINK_ANSWER_TIMEOUT"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultAnnounceTimeout               = 5 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultRelayURL             = "ws://127.0.0.1:8080/rtc/signal"
	DefaultDialTimeout          = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1 * time.Second
	DefaultAnswerTimeout        = 30 * time.Second
)

// DefaultSTUNServers mirrors the public STUN pool the browser client shipped
// with. NAT traversal beyond public STUN is out of scope.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins lists browser origins permitted to reach the HTTP and
	// WebSocket surfaces. Empty means same-host only.
	AllowedOrigins []string

	// STUNServers become the ICE server list handed to clients via /rtc/ice
	// and used by the call client when constructing PeerConnections.
	STUNServers []string

	// AnnounceTimeout bounds how long a freshly upgraded connection may wait
	// before sending announce-online.
	AnnounceTimeout time.Duration

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// Client-side settings.
	RelayURL             string
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	AnswerTimeout        time.Duration
}

// ICEServers converts the configured STUN URL list to pion's type.
func (c Config) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.STUNServers))
	for _, u := range c.STUNServers {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

// Load resolves configuration from args and the process environment.
// Flags override environment variables; both override defaults.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	fs := flag.NewFlagSet("signlink-rtc", flag.ContinueOnError)

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")
	shutdownStr := envOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout.String())
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	stunServersStr := envOrDefault(lookup, envVarSTUNServers, strings.Join(DefaultSTUNServers, ","))

	announceTimeoutStr := envOrDefault(lookup, envVarAnnounceTimeout, DefaultAnnounceTimeout.String())
	idleTimeoutStr := envOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout.String())
	pingIntervalStr := envOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval.String())
	maxMsgBytesStr := envOrDefault(lookup, envVarMaxSignalingMessageBytes, strconv.FormatInt(DefaultMaxSignalingMessageBytes, 10))
	maxMsgRateStr := envOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, strconv.Itoa(DefaultMaxSignalingMessagesPerSecond))

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	dialTimeoutStr := envOrDefault(lookup, envVarDialTimeout, DefaultDialTimeout.String())
	maxReconnectStr := envOrDefault(lookup, envVarMaxReconnectAttempts, strconv.Itoa(DefaultMaxReconnectAttempts))
	reconnectDelayStr := envOrDefault(lookup, envVarReconnectDelay, DefaultReconnectDelay.String())
	answerTimeoutStr := envOrDefault(lookup, envVarAnswerTimeout, DefaultAnswerTimeout.String())

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&shutdownStr, "shutdown-timeout", shutdownStr, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&stunServersStr, "stun-servers", stunServersStr, "Comma-separated STUN URLs (env "+envVarSTUNServers+")")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay WebSocket URL (env "+envVarRelayURL+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:     listenAddr,
		AllowedOrigins: splitNonEmpty(allowedOriginsStr),
		STUNServers:    splitNonEmpty(stunServersStr),
		RelayURL:       relayURL,
	}

	switch LogFormat(logFormatStr) {
	case LogFormatText, LogFormatJSON:
		cfg.LogFormat = LogFormat(logFormatStr)
	default:
		return Config{}, fmt.Errorf("%s: unsupported log format %q", envVarLogFormat, logFormatStr)
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envVarLogLevel, err)
	}
	cfg.LogLevel = level

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{envVarShutdownTimeout, shutdownStr, &cfg.ShutdownTimeout},
		{envVarAnnounceTimeout, announceTimeoutStr, &cfg.AnnounceTimeout},
		{envVarSignalingWSIdleTimeout, idleTimeoutStr, &cfg.SignalingWSIdleTimeout},
		{envVarSignalingWSPingInterval, pingIntervalStr, &cfg.SignalingWSPingInterval},
		{envVarDialTimeout, dialTimeoutStr, &cfg.DialTimeout},
		{envVarReconnectDelay, reconnectDelayStr, &cfg.ReconnectDelay},
		{envVarAnswerTimeout, answerTimeoutStr, &cfg.AnswerTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s: must be positive, got %q", d.name, d.raw)
		}
		*d.dst = v
	}

	cfg.MaxSignalingMessageBytes, err = strconv.ParseInt(maxMsgBytesStr, 10, 64)
	if err != nil || cfg.MaxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s: must be a positive integer, got %q", envVarMaxSignalingMessageBytes, maxMsgBytesStr)
	}

	cfg.MaxSignalingMessagesPerSecond, err = strconv.Atoi(maxMsgRateStr)
	if err != nil || cfg.MaxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s: must be a positive integer, got %q", envVarMaxSignalingMessagesPerSecond, maxMsgRateStr)
	}

	cfg.MaxReconnectAttempts, err = strconv.Atoi(maxReconnectStr)
	if err != nil || cfg.MaxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("%s: must be a non-negative integer, got %q", envVarMaxReconnectAttempts, maxReconnectStr)
	}

	if cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s must be shorter than %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}

	for _, u := range cfg.STUNServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return Config{}, fmt.Errorf("%s: %q is not a stun: URL", envVarSTUNServers, u)
		}
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
