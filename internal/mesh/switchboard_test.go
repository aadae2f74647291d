package mesh

import (
	"context"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/transport"
)

// switchboard is an in-memory relay: it stamps and forwards targeted
// envelopes between attached lines. Presence is injected by the tests.
type switchboard struct {
	mu    sync.Mutex
	lines map[string]*line
	hold  bool
	held  []heldEnvelope
	down  bool
	sent  []signaling.Envelope
}

type heldEnvelope struct {
	to  *line
	env signaling.Envelope
}

func newSwitchboard() *switchboard {
	return &switchboard{lines: make(map[string]*line)}
}

// signaler returns a NewSignaler func whose line is registered under id.
func (b *switchboard) signaler(id string) func(transport.Config) Signaler {
	return func(cfg transport.Config) Signaler {
		l := &line{
			board: b,
			id:    id,
			name:  cfg.DisplayName,
			in:    queue.New[signaling.Envelope](0),
			out:   make(chan signaling.Envelope),
		}
		go l.pump()
		b.mu.Lock()
		b.lines[id] = l
		b.mu.Unlock()
		return l
	}
}

func (b *switchboard) line(id string) *line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines[id]
}

// deliver pushes env to the line registered as id, as if the relay sent it.
func (b *switchboard) deliver(id string, env signaling.Envelope) {
	if l := b.line(id); l != nil {
		l.in.Push(env)
	}
}

func (b *switchboard) setHold(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = hold
	if hold {
		return
	}
	for _, h := range b.held {
		h.to.in.Push(h.env)
	}
	b.held = nil
}

func (b *switchboard) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// count returns how many envelopes of typ from sent.
func (b *switchboard) count(from string, typ signaling.MessageType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, env := range b.sent {
		if env.From == from && env.Type == typ {
			n++
		}
	}
	return n
}

func (b *switchboard) route(from *line, env signaling.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return transport.ErrNotConnected
	}
	env.From = from.id
	env.Username = from.name
	b.sent = append(b.sent, env)

	to, ok := b.lines[env.Target]
	if !ok {
		return nil
	}
	if b.hold {
		b.held = append(b.held, heldEnvelope{to: to, env: env})
		return nil
	}
	to.in.Push(env)
	return nil
}

type line struct {
	board *switchboard
	id    string
	name  string

	in  *queue.Queue[signaling.Envelope]
	out chan signaling.Envelope

	closeOnce sync.Once
}

func (l *line) Connect(context.Context) error {
	l.in.Push(signaling.AssignID(l.id))
	return nil
}

func (l *line) Send(env signaling.Envelope) error {
	return l.board.route(l, env)
}

func (l *line) Envelopes() <-chan signaling.Envelope {
	return l.out
}

func (l *line) Close() error {
	l.closeOnce.Do(l.in.Discard)
	return nil
}

func (l *line) pump() {
	defer close(l.out)
	for {
		env, ok := l.in.Pop()
		if !ok {
			return
		}
		l.out <- env
	}
}
