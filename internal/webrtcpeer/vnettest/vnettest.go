// Package vnettest wires pion WebRTC APIs onto an in-process virtual network
// so tests can negotiate real sessions without touching host interfaces.
package vnettest

import (
	"fmt"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

// NewAPI returns an API whose ICE agent only sees n.
func NewAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// NewLAN starts a router on 10.0.0.0/24 and returns count APIs, one per
// host, addressed 10.0.0.1 upwards. The router stops when the test ends.
func NewLAN(t testing.TB, count int) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	apis := make([]*webrtc.API, 0, count)
	for i := 0; i < count; i++ {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.0.0.%d", i+1)}})
		if err != nil {
			t.Fatalf("new net %d: %v", i, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %d: %v", i, err)
		}
		api, err := NewAPI(n)
		if err != nil {
			t.Fatalf("new api %d: %v", i, err)
		}
		apis = append(apis, api)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return apis
}
