package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envVarRelayURL          = "RELAY_URL"
	envVarDisplayName       = "DISPLAY_NAME"
	envVarReconnectDelay    = "RECONNECT_DELAY"
	envVarMaxReconnectDelay = "MAX_RECONNECT_DELAY"

	DefaultRelayURL       = "ws://127.0.0.1:3001/ws"
	DefaultReconnectDelay = 3 * time.Second
)

// ClientConfig is the chat client configuration.
type ClientConfig struct {
	RelayURL    string
	DisplayName string
	Logging     Logging

	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the doubling reconnect delay. Equal to
	// ReconnectDelay means a fixed delay.
	MaxReconnectDelay time.Duration

	WebRTC     WebRTC
	ICEServers []webrtc.ICEServer
}

func LoadClient(args []string) (ClientConfig, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup lookupFunc, args []string) (ClientConfig, error) {
	relayURL := envString(lookup, envVarRelayURL, DefaultRelayURL)
	displayName := envString(lookup, envVarDisplayName, envString(lookup, "USER", "anonymous"))

	reconnectDelay, err := envDuration(lookup, envVarReconnectDelay, DefaultReconnectDelay)
	if err != nil {
		return ClientConfig{}, err
	}
	maxReconnectDelay, err := envDuration(lookup, envVarMaxReconnectDelay, 0)
	if err != nil {
		return ClientConfig{}, err
	}

	fs := pflag.NewFlagSet("aero-webrtc-mesh-chat", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		logging loggingFlags
		network webrtcFlags
		ice     iceFlags
	)
	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVarP(&displayName, "name", "n", displayName, "Display name shown to other participants (env "+envVarDisplayName+")")
	fs.DurationVar(&reconnectDelay, "reconnect-delay", reconnectDelay, "Delay before reconnecting to the relay (env "+envVarReconnectDelay+")")
	fs.DurationVar(&maxReconnectDelay, "max-reconnect-delay", maxReconnectDelay, "Cap for the doubling reconnect delay (0 = fixed delay; env "+envVarMaxReconnectDelay+")")
	logging.register(fs, lookup, LogFormatAuto, "info")
	if err := network.register(fs, lookup); err != nil {
		return ClientConfig{}, err
	}
	ice.register(fs, lookup)

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid relay url %q: %w", relayURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return ClientConfig{}, fmt.Errorf("invalid relay url %q: scheme must be ws, wss, http or https", relayURL)
	}
	if u.Host == "" {
		return ClientConfig{}, fmt.Errorf("invalid relay url %q: missing host", relayURL)
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return ClientConfig{}, fmt.Errorf("display name must not be empty")
	}
	if reconnectDelay <= 0 {
		return ClientConfig{}, fmt.Errorf("reconnect delay must be > 0")
	}
	if maxReconnectDelay == 0 {
		maxReconnectDelay = reconnectDelay
	}
	if maxReconnectDelay < reconnectDelay {
		return ClientConfig{}, fmt.Errorf("max reconnect delay %s is below reconnect delay %s", maxReconnectDelay, reconnectDelay)
	}

	logCfg, err := logging.parse()
	if err != nil {
		return ClientConfig{}, err
	}
	webrtcCfg, err := network.parse()
	if err != nil {
		return ClientConfig{}, err
	}
	iceServers, err := ice.parse()
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		RelayURL:          relayURL,
		DisplayName:       displayName,
		Logging:           logCfg,
		ReconnectDelay:    reconnectDelay,
		MaxReconnectDelay: maxReconnectDelay,
		WebRTC:            webrtcCfg,
		ICEServers:        iceServers,
	}, nil
}
