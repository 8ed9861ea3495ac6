package peer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/signlink/rtc/internal/media"
	"github.com/signlink/rtc/internal/peer"
	"github.com/signlink/rtc/internal/signaling"
)

// pipeSignaler delivers directly into the other side's manager, stamping the
// sender identity the way the relay does.
type pipeSignaler struct {
	from string

	mu sync.Mutex
	to *peer.Manager
}

func (p *pipeSignaler) connect(to *peer.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.to = to
}

func (p *pipeSignaler) Send(msg signaling.Message) error {
	p.mu.Lock()
	to := p.to
	p.mu.Unlock()
	if to == nil {
		return nil
	}
	msg.FromUserID = p.from
	go to.HandleMessage(context.Background(), msg)
	return nil
}

func newVNetAPI(t *testing.T, router *vnet.Router, ip string) *webrtc.API {
	t.Helper()

	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net %s: %v", ip, err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("add net %s: %v", ip, err)
	}

	se := webrtc.SettingEngine{}
	se.SetNet(n)

	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		t.Fatalf("register interceptors: %v", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
	)
}

// TestCallConnectsOverVNet runs a full call between two managers on a
// virtual network: ring, accept, offer/answer, trickle ICE, both sides
// connected, then one side hangs up and the other observes it.
func TestCallConnectsOverVNet(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	apiA := newVNetAPI(t, router, "10.0.0.1")
	apiB := newVNetAPI(t, router, "10.0.0.2")

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	type stateEvent struct {
		callID string
		change peer.StateChange
	}
	statesA := make(chan stateEvent, 64)
	statesB := make(chan stateEvent, 64)

	sigA := &pipeSignaler{from: "alice"}
	sigB := &pipeSignaler{from: "bob"}

	managerA := peer.NewManager(peer.ManagerConfig{
		API:           apiA,
		Source:        media.NewStaticSource(),
		Signaler:      sigA,
		AnswerTimeout: 30 * time.Second,
		OnStateChange: func(callID string, change peer.StateChange) {
			statesA <- stateEvent{callID, change}
		},
	})
	managerB := peer.NewManager(peer.ManagerConfig{
		API:           apiB,
		Source:        media.NewStaticSource(),
		Signaler:      sigB,
		AnswerTimeout: 30 * time.Second,
		OnIncoming: func(c *peer.IncomingCall) {
			if err := c.Accept(); err != nil {
				t.Errorf("accept: %v", err)
			}
		},
		OnStateChange: func(callID string, change peer.StateChange) {
			statesB <- stateEvent{callID, change}
		},
	})
	sigA.connect(managerB)
	sigB.connect(managerA)

	callID, err := managerA.Call(context.Background(), "bob", signaling.CallTypeVideo)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	waitConnected := func(name string, states chan stateEvent) {
		t.Helper()
		for {
			select {
			case ev := <-states:
				if ev.callID != callID {
					continue
				}
				switch ev.change.State {
				case peer.StateConnected:
					return
				case peer.StateFailed:
					t.Fatalf("%s failed: %s", name, ev.change.Cause)
				}
			case <-time.After(30 * time.Second):
				t.Fatalf("%s never connected", name)
			}
		}
	}
	waitConnected("caller", statesA)
	waitConnected("callee", statesB)

	managerA.End(callID)

	for {
		select {
		case ev := <-statesB:
			if ev.callID == callID && ev.change.State == peer.StateEnded {
				return
			}
		case <-time.After(30 * time.Second):
			t.Fatal("callee never observed hangup")
		}
	}
}
