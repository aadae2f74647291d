package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// ResumeWindow is how long a disconnected identity stays reserved before
	// presenceLeft is broadcast. Zero broadcasts immediately.
	ResumeWindow time.Duration
}

// Relay routes envelopes between registered connections.
//
// All routing happens under one mutex and Conn.Send never blocks, so the
// order in which one sender's envelopes reach a recipient is the order they
// were routed.
type Relay struct {
	log          *slog.Logger
	metrics      *metrics.Metrics
	resumeWindow time.Duration
	registry     *Registry

	mu      sync.Mutex
	closed  bool
	pending map[string]*time.Timer // id -> delayed presenceLeft
}

func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		log:          logger,
		metrics:      cfg.Metrics,
		resumeWindow: cfg.ResumeWindow,
		registry:     NewRegistry(),
		pending:      make(map[string]*time.Timer),
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// RegisterClient assigns conn an identity and sends it an assignId envelope.
// A non-empty resumeID inside the resume window rebinds the reserved
// identity instead of issuing a new one.
func (r *Relay) RegisterClient(conn Conn, resumeID string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Identity{}, ErrRelayClosed
	}

	ident, resumed := Identity{}, false
	if resumeID != "" {
		if timer, ok := r.pending[resumeID]; ok {
			ident, resumed = r.registry.Resume(conn, resumeID)
			if resumed {
				timer.Stop()
				delete(r.pending, resumeID)
			}
		}
	}
	if !resumed {
		ident = r.registry.Register(conn)
	}

	r.metrics.Inc(metrics.RelayConnections)
	if resumed {
		r.metrics.Inc(metrics.RelayResumed)
	}
	r.log.Info("relay client registered",
		"client_id", ident.ID,
		"remote_addr", conn.RemoteAddr(),
		"resumed", resumed,
	)

	conn.Send(signaling.AssignID(ident.ID))
	return ident, nil
}

// Identify records the display name of conn and broadcasts presenceJoined to
// every other connection. Re-identifying with an unchanged name after the
// join was already announced (including after a resume) is not
// re-broadcast.
func (r *Relay) Identify(conn Conn, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	before, after, ok := r.registry.SetName(conn, displayName)
	if !ok {
		return ErrUnknownConn
	}
	r.metrics.Inc(metrics.RelayIdentified)

	if before.Announced && before.DisplayName == displayName {
		r.log.Debug("relay identify unchanged", "client_id", after.ID)
		return nil
	}
	r.registry.MarkAnnounced(conn)
	r.broadcastLocked(conn, signaling.PresenceJoined(after.ID, after.DisplayName))
	r.log.Info("relay client identified", "client_id", after.ID, "display_name", displayName)
	return nil
}

// RouteEnvelope stamps the sender's identity on env and delivers it: to the
// named target when Target is set, otherwise (presence only) to every other
// connection. An absent target is a silent drop.
func (r *Relay) RouteEnvelope(conn Conn, env signaling.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.registry.Identity(conn)
	if !ok {
		return ErrUnknownConn
	}
	env.From = sender.ID
	env.Username = sender.DisplayName

	if env.Target == "" {
		if !env.Type.IsPresence() {
			return fmt.Errorf("%w: %s", ErrBadBroadcast, env.Type)
		}
		env.ID = sender.ID
		r.broadcastLocked(conn, env)
		return nil
	}

	if !env.Type.IsNegotiation() {
		return fmt.Errorf("%w: %s", ErrBadTargetType, env.Type)
	}
	target, ok := r.registry.Lookup(env.Target)
	if !ok {
		r.metrics.Inc(metrics.RelayDroppedUnroutable)
		r.log.Debug("relay dropped envelope for unknown target",
			"type", env.Type,
			"from", sender.ID,
			"target", env.Target,
		)
		return nil
	}
	if target.Send(env) {
		r.metrics.Inc(metrics.RelayForwarded)
	}
	return nil
}

// HandleMessage parses raw and dispatches it. Malformed or misaddressed
// envelopes are logged and dropped; they never close the connection.
func (r *Relay) HandleMessage(conn Conn, raw []byte) {
	env, err := signaling.Parse(raw)
	if err == nil {
		if env.Type == signaling.TypeIdentify {
			err = r.Identify(conn, env.Username)
		} else {
			err = r.RouteEnvelope(conn, env)
		}
	}
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnknownConn) {
		r.log.Debug("relay message from unregistered connection", "remote_addr", conn.RemoteAddr())
		return
	}
	r.metrics.Inc(metrics.RelayDroppedMalformed)
	r.log.Warn("relay dropped malformed envelope", "remote_addr", conn.RemoteAddr(), "err", err)
}

// HandleDisconnect removes conn and broadcasts presenceLeft for its identity,
// either now or once the resume window lapses.
func (r *Relay) HandleDisconnect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.registry.Remove(conn)
	if !ok {
		return
	}
	r.metrics.Inc(metrics.RelayDisconnects)
	r.log.Info("relay client disconnected", "client_id", ident.ID, "remote_addr", conn.RemoteAddr())

	// Peers never saw a join for an identity that did not identify.
	if !ident.Announced {
		return
	}
	if r.resumeWindow <= 0 || r.closed {
		r.broadcastLocked(nil, signaling.PresenceLeft(ident.ID, ident.DisplayName))
		return
	}

	r.registry.Reserve(ident)
	id := ident.ID
	r.pending[id] = time.AfterFunc(r.resumeWindow, func() {
		r.expireReservation(id)
	})
}

func (r *Relay) expireReservation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[id]; !ok {
		return
	}
	delete(r.pending, id)
	ident, ok := r.registry.ReleaseReservation(id)
	if !ok {
		return
	}
	r.log.Debug("relay resume window expired", "client_id", id)
	r.broadcastLocked(nil, signaling.PresenceLeft(ident.ID, ident.DisplayName))
}

// Close stops pending resume timers and broadcasts the leaves they were
// holding back. Later registrations fail.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, timer := range r.pending {
		timer.Stop()
		delete(r.pending, id)
		if ident, ok := r.registry.ReleaseReservation(id); ok {
			r.broadcastLocked(nil, signaling.PresenceLeft(ident.ID, ident.DisplayName))
		}
	}
}

// broadcastLocked delivers env to every registered connection except
// sender. r.mu must be held.
func (r *Relay) broadcastLocked(sender Conn, env signaling.Envelope) {
	r.metrics.Inc(metrics.RelayPresenceBroadcasts)
	for _, c := range r.registry.Others(sender) {
		if c.Send(env) {
			r.metrics.Inc(metrics.RelayForwarded)
		}
	}
}
