// Package webrtcpeer wraps one pion PeerConnection per remote participant and
// tracks its offer/answer and data channel lifecycle.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

// NewAPI builds the pion API shared by every session of a mesh client.
func NewAPI(cfg config.WebRTC, logger *slog.Logger) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	se.LoggerFactory = NewLoggerFactory(logger)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTC) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// There is no "bind to this address" knob; restrict gathering with an
	// IP filter instead.
	if cfg.UDPListenIP != nil && !cfg.UDPListenIP.IsUnspecified() {
		listenIP := cfg.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if cfg.IncludeLoopbackCandidates {
		se.SetIncludeLoopbackCandidate(true)
	}
	return nil
}
