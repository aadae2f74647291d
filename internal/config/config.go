// Package config loads relay and chat client settings. Environment variables
// supply defaults; command-line flags override them.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
)

const (
	envVarListenAddr     = "LISTEN_ADDR"
	envVarPort           = "PORT"
	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	// envVarAllowedOrigin is the single-origin spelling accepted for
	// compatibility with older deployments.
	envVarAllowedOrigin   = "ALLOWED_ORIGIN"
	envVarMode            = "AERO_MESH_MODE"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"
	envVarResumeWindow    = "RESUME_WINDOW"

	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueMessages    = "SIGNALING_SEND_QUEUE_MESSAGES"

	DefaultPort            = "3001"
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultResumeWindow covers a transport reconnect at the default 3s
	// delay with room for one doubled retry.
	DefaultResumeWindow = 10 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueMessages    = 256
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// Config is the relay process configuration.
type Config struct {
	ListenAddr string
	// AllowedOrigins are normalized origins or "*". Empty means same-host
	// only.
	AllowedOrigins  []string
	Mode            Mode
	Logging         Logging
	ShutdownTimeout time.Duration

	// ResumeWindow keeps a disconnected identity reserved so a reconnecting
	// client gets it back. Zero disables resuming.
	ResumeWindow time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueMessages    int

	// ICEServers are handed to browsers by GET /webrtc/ice.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup lookupFunc, args []string) (Config, error) {
	modeDefault := envString(lookup, envVarMode, string(ModeDev))

	listenAddr := envString(lookup, envVarListenAddr, ":"+envString(lookup, envVarPort, DefaultPort))
	allowedOrigins := envString(lookup, envVarAllowedOrigins, envString(lookup, envVarAllowedOrigin, ""))

	shutdownTimeout, err := envDuration(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	resumeWindow, err := envDuration(lookup, envVarResumeWindow, DefaultResumeWindow)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDuration(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDuration(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	messagesPerSecond, err := envInt(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueue, err := envInt(lookup, envVarSignalingSendQueueMessages, DefaultSignalingSendQueueMessages)
	if err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("aero-webrtc-mesh-relay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr string
		logging loggingFlags
		ice     iceFlags
	)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+", or :"+envVarPort+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated browser origins allowed to connect; * for any (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	logging.register(fs, lookup, defaultLogFormatForMode(modeDefault), defaultLogLevelForMode(modeDefault))
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&resumeWindow, "resume-window", resumeWindow, "Keep a disconnected client's id for this long (0 = off; env "+envVarResumeWindow+")")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close signaling connections idle this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Ping interval on signaling connections (env "+envVarSignalingWSPingInterval+")")
	fs.IntVar(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&messagesPerSecond, "max-signaling-messages-per-second", messagesPerSecond, "Inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueue, "signaling-send-queue-messages", sendQueue, "Outbound messages queued per connection before dropping (env "+envVarSignalingSendQueueMessages+")")
	ice.register(fs, lookup)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	// A mode flag without explicit log settings picks that mode's defaults.
	if !fs.Changed("log-format") && envString(lookup, envVarLogFormat, "") == "" {
		logging.format = string(defaultLogFormatForMode(string(mode)))
	}
	if !fs.Changed("log-level") && envString(lookup, envVarLogLevel, "") == "" {
		logging.level = defaultLogLevelForMode(string(mode))
	}
	logCfg, err := logging.parse()
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}

	origins, err := parseAllowedOrigins(allowedOrigins)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}
	if len(origins) == 0 && mode == ModeDev {
		origins = []string{origin.Wildcard}
	}

	switch {
	case shutdownTimeout <= 0:
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	case resumeWindow < 0:
		return Config{}, fmt.Errorf("resume window must be >= 0")
	case idleTimeout <= 0:
		return Config{}, fmt.Errorf("%s must be > 0", envVarSignalingWSIdleTimeout)
	case pingInterval <= 0 || pingInterval >= idleTimeout:
		return Config{}, fmt.Errorf("%s must be > 0 and < %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	case maxMessageBytes <= 0:
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	case messagesPerSecond <= 0:
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	case sendQueue <= 0:
		return Config{}, fmt.Errorf("%s must be > 0", envVarSignalingSendQueueMessages)
	}

	iceServers, err := ice.parse()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:                    listenAddr,
		AllowedOrigins:                origins,
		Mode:                          mode,
		Logging:                       logCfg,
		ShutdownTimeout:               shutdownTimeout,
		ResumeWindow:                  resumeWindow,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: messagesPerSecond,
		SignalingSendQueueMessages:    sendQueue,
		ICEServers:                    iceServers,
	}, nil
}

func defaultLogFormatForMode(mode string) LogFormat {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return LogFormatJSON
	default:
		return LogFormatText
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == origin.Wildcard {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
