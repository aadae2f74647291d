package relay

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// Conn is one client connection as seen by the relay. Send must not block;
// it reports false when the envelope was dropped.
type Conn interface {
	Send(env signaling.Envelope) bool
	RemoteAddr() string
}

// Identity is the relay-assigned identity of a connection.
type Identity struct {
	ID          string
	DisplayName string
	// Announced is set once presenceJoined has been broadcast for this
	// identity.
	Announced bool
}

// Registry maps live connections to identities. Disconnected identities can
// be parked in a reservation table so a reconnecting client keeps its id.
type Registry struct {
	mu       sync.Mutex
	byConn   map[Conn]*Identity
	byID     map[string]Conn
	reserved map[string]Identity
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:   make(map[Conn]*Identity),
		byID:     make(map[string]Conn),
		reserved: make(map[string]Identity),
	}
}

// Register assigns conn a fresh random id that is neither live nor
// reserved. Registering an already-registered conn returns its identity.
func (r *Registry) Register(conn Conn) Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ident, ok := r.byConn[conn]; ok {
		return *ident
	}
	id := newClientID(func(id string) bool {
		_, live := r.byID[id]
		_, reserved := r.reserved[id]
		return live || reserved
	})
	ident := &Identity{ID: id}
	r.byConn[conn] = ident
	r.byID[id] = conn
	return *ident
}

// Resume binds conn to the reserved identity id. It fails when id is not
// reserved (unknown, expired, or still live on another connection).
func (r *Registry) Resume(conn Conn, id string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[conn]; ok {
		return Identity{}, false
	}
	ident, ok := r.reserved[id]
	if !ok {
		return Identity{}, false
	}
	delete(r.reserved, id)
	stored := ident
	r.byConn[conn] = &stored
	r.byID[id] = conn
	return stored, true
}

// SetName records the display name of conn. It returns the identity before
// and after the update.
func (r *Registry) SetName(conn Conn, name string) (before, after Identity, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.byConn[conn]
	if !ok {
		return Identity{}, Identity{}, false
	}
	before = *ident
	ident.DisplayName = name
	return before, *ident, true
}

// MarkAnnounced flags the identity of conn as having been broadcast.
func (r *Registry) MarkAnnounced(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ident, ok := r.byConn[conn]; ok {
		ident.Announced = true
	}
}

func (r *Registry) Identity(conn Conn) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.byConn[conn]
	if !ok {
		return Identity{}, false
	}
	return *ident, true
}

func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// Others returns every registered connection except conn.
func (r *Registry) Others(conn Conn) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.byConn))
	for c := range r.byConn {
		if c != conn {
			out = append(out, c)
		}
	}
	return out
}

// Remove drops conn and returns the identity it held.
func (r *Registry) Remove(conn Conn) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.byConn[conn]
	if !ok {
		return Identity{}, false
	}
	delete(r.byConn, conn)
	delete(r.byID, ident.ID)
	return *ident, true
}

// Reserve parks ident so Resume can rebind it.
func (r *Registry) Reserve(ident Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved[ident.ID] = ident
}

// ReleaseReservation drops a reservation, reporting whether it was present.
func (r *Registry) ReleaseReservation(id string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.reserved[id]
	if ok {
		delete(r.reserved, id)
	}
	return ident, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
