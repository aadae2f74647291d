package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

const (
	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCIncludeLoopback        = "WEBRTC_INCLUDE_LOOPBACK_CANDIDATES"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTC holds the ICE network settings of a mesh client.
type WebRTC struct {
	// UDPPortRange restricts the local ICE ports. Nil lets pion choose.
	UDPPortRange *UDPPortRange
	// NAT1To1IPs are advertised instead of local addresses, as
	// NAT1To1IPCandidateType candidates.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType
	// UDPListenIP limits gathering to one local address. Nil or unspecified
	// means all interfaces.
	UDPListenIP               net.IP
	IncludeLoopbackCandidates bool
}

type webrtcFlags struct {
	portMin       uint
	portMax       uint
	listenIP      string
	nat1To1IPs    string
	candidateType string
	loopback      bool
}

func (f *webrtcFlags) register(fs *pflag.FlagSet, lookup lookupFunc) error {
	portMin, err := envPort(lookup, envVarWebRTCUDPPortMin)
	if err != nil {
		return err
	}
	portMax, err := envPort(lookup, envVarWebRTCUDPPortMax)
	if err != nil {
		return err
	}
	loopback, err := envBool(lookup, envVarWebRTCIncludeLoopback, false)
	if err != nil {
		return err
	}

	fs.UintVar(&f.portMin, "webrtc-udp-port-min", portMin, "Min UDP port for ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&f.portMax, "webrtc-udp-port-max", portMax, "Max UDP port for ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&f.listenIP, "webrtc-udp-listen-ip", envString(lookup, envVarWebRTCUDPListenIP, ""), "Only gather ICE candidates on this local IP (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&f.nat1To1IPs, "webrtc-nat-1to1-ips", envString(lookup, envVarWebRTCNAT1To1IPs, ""), "Comma-separated public IPs to advertise (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&f.candidateType, "webrtc-nat-1to1-ip-candidate-type", envString(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)), "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.BoolVar(&f.loopback, "webrtc-include-loopback-candidates", loopback, "Gather loopback candidates, for same-host testing (env "+envVarWebRTCIncludeLoopback+")")
	return nil
}

func (f *webrtcFlags) parse() (WebRTC, error) {
	var cfg WebRTC

	if (f.portMin == 0) != (f.portMax == 0) {
		return WebRTC{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if f.portMin != 0 {
		if f.portMin > 65535 || f.portMax > 65535 {
			return WebRTC{}, fmt.Errorf("webrtc udp port range %d-%d out of range (1-65535)", f.portMin, f.portMax)
		}
		if f.portMin > f.portMax {
			return WebRTC{}, fmt.Errorf("webrtc udp port range min %d > max %d", f.portMin, f.portMax)
		}
		cfg.UDPPortRange = &UDPPortRange{Min: uint16(f.portMin), Max: uint16(f.portMax)}
	}

	if raw := strings.TrimSpace(f.listenIP); raw != "" {
		ip := net.ParseIP(raw)
		if ip == nil {
			return WebRTC{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, raw)
		}
		cfg.UDPListenIP = ip
	}

	if strings.TrimSpace(f.nat1To1IPs) != "" {
		ips, err := parseIPList(f.nat1To1IPs)
		if err != nil {
			return WebRTC{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPs, err)
		}
		cfg.NAT1To1IPs = ips
	}

	candidateType, err := parseCandidateType(f.candidateType)
	if err != nil {
		return WebRTC{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPCandidateType, err)
	}
	cfg.NAT1To1IPCandidateType = candidateType
	cfg.IncludeLoopbackCandidates = f.loopback
	return cfg, nil
}

func envPort(lookup lookupFunc, key string) (uint, error) {
	raw := envString(lookup, key, "")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid %s %q (expected 1-65535)", key, raw)
	}
	return uint(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch NAT1To1IPCandidateType(strings.ToLower(strings.TrimSpace(s))) {
	case NAT1To1CandidateTypeHost:
		return NAT1To1CandidateTypeHost, nil
	case NAT1To1CandidateTypeSrflx:
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range splitCommaSeparated(s) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
