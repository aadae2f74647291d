package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// DefaultSTUNURL is used when no ICE configuration is given at all.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// iceFlags collects the ICE server settings shared by the relay (served to
// browsers at /webrtc/ice) and the chat client.
type iceFlags struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func (f *iceFlags) register(fs *pflag.FlagSet, lookup lookupFunc) {
	fs.StringVar(&f.serversJSON, "ice-servers-json", envString(lookup, envICEServersJSON, ""), "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&f.stunURLs, "stun-urls", envString(lookup, envStunURLs, ""), "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&f.turnURLs, "turn-urls", envString(lookup, envTurnURLs, ""), "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&f.turnUsername, "turn-username", envString(lookup, envTurnUsername, ""), "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&f.turnCredential, "turn-credential", envString(lookup, envTurnCredential, ""), "TURN credential (env "+envTurnCredential+")")
}

// parse prefers the JSON form, then the convenience URLs, then the default
// STUN server. An explicit empty JSON list disables ICE servers.
func (f *iceFlags) parse() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(f.serversJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ParseICEServersFromConvenienceEnv(f.stunURLs, f.turnURLs, f.turnUsername, f.turnCredential)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
	}
	return servers, nil
}

// iceServerEntry is one browser-style RTCIceServer. urls may be a single
// string or a list.
type iceServerEntry struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (e iceServerEntry) urlList() ([]string, error) {
	var list []string
	var single string
	if err := json.Unmarshal(e.URLs, &single); err == nil {
		list = []string{single}
	} else if err := json.Unmarshal(e.URLs, &list); err != nil {
		return nil, errors.New("urls must be a string or a list of strings")
	}

	out := list[:0]
	for _, u := range list {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := e.urlList()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server, err := newICEServer(urls, e.Username, e.Credential)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN entry
// from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server, err := newICEServer(urls, "", "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}
	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		server, err := newICEServer(urls, turnUsername, turnCredential)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// newICEServer checks every URL with pion's STUN URI parser. TURN URLs need
// both a username and a credential.
func newICEServer(urls []string, username, credential string) (webrtc.ICEServer, error) {
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}
	username = strings.TrimSpace(username)
	credential = strings.TrimSpace(credential)

	needsAuth := false
	for _, raw := range urls {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			needsAuth = true
		}
	}

	server := webrtc.ICEServer{URLs: urls}
	if needsAuth {
		if username == "" || credential == "" {
			return webrtc.ICEServer{}, fmt.Errorf("turn urls require %s and %s", envTurnUsername, envTurnCredential)
		}
	}
	if username != "" {
		server.Username = username
	}
	if credential != "" {
		server.Credential = credential
	}
	return server, nil
}
