package tunnel

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn represents one registered host: a tunnel identity plus its single
// active control connection.
type Conn struct {
	// ID is the tunnel identifier presented in broker URLs.
	ID string
	// Name is an optional human-readable label supplied at registration.
	Name string
	// SecretHash is the bcrypt hash of the registration secret.
	SecretHash []byte
	// Control is the live control WebSocket, nil until the host attaches it.
	Control *websocket.Conn
	// CreatedAt is the UTC time the tunnel was first registered.
	CreatedAt time.Time

	// writeMu serializes writes to Control; gorilla connections allow at
	// most one concurrent writer.
	writeMu sync.Mutex

	// lastPong tracks liveness, updated by the control read pump.
	pongMu   sync.Mutex
	lastPong time.Time
}

// SendJSON writes one envelope to the control connection.
// Returns an error when no control connection is attached.
func (c *Conn) SendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Control == nil {
		return ErrUnreachable
	}
	return c.Control.WriteJSON(v)
}

// TouchPong records that the host answered a ping.
func (c *Conn) TouchPong() {
	c.pongMu.Lock()
	c.lastPong = time.Now()
	c.pongMu.Unlock()
}

// LastPong returns the time of the most recent pong (or attach).
func (c *Conn) LastPong() time.Time {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	return c.lastPong
}

// Hooks receives lifecycle events so the broker layer can run cascading
// cleanup (failing pending proxy requests, closing stream subscribers)
// without coupling this package to those components.
type Hooks interface {
	// OnRegister is called after a tunnel's control connection is attached.
	OnRegister(tunnelID string)
	// OnUnregister is called after a tunnel's control connection is removed.
	// The only transport back to the host is gone at this point.
	OnUnregister(tunnelID string)
}

// NopHooks is a Hooks implementation that does nothing.
type NopHooks struct{}

func (NopHooks) OnRegister(string)   {}
func (NopHooks) OnUnregister(string) {}

// Registry is a thread-safe, in-memory store of registered tunnels.
// It is keyed by tunnel id; at most one active control connection per id is
// tracked (a reconnecting host replaces its previous entry).
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Conn
	hooks   Hooks
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry(hooks Hooks) *Registry {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Registry{tunnels: make(map[string]*Conn), hooks: hooks}
}

// Reserve records a tunnel identity without a control connection.
// Used by the registration endpoint: the host registers first, then dials
// the control socket. An existing entry with the same id is kept; the host
// is restoring its identity after a restart.
func (r *Registry) Reserve(id, name string, secretHash []byte) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tunnels[id]; ok {
		return existing
	}
	c := &Conn{
		ID:         id,
		Name:       name,
		SecretHash: secretHash,
		CreatedAt:  time.Now().UTC(),
	}
	r.tunnels[id] = c
	return c
}

// Attach associates a control WebSocket with a reserved tunnel id.
// If an existing control connection is present for the same id, it is closed
// first (last-writer-wins). This is safe for concurrent use.
func (r *Registry) Attach(id string, conn *websocket.Conn) (*Conn, bool) {
	r.mu.Lock()
	c, ok := r.tunnels[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	c.writeMu.Lock()
	if old := c.Control; old != nil {
		_ = old.Close()
		log.Printf("[tunnel] kicked old control connection for tunnel %s (replaced by new connection)", id)
	}
	c.Control = conn
	c.writeMu.Unlock()
	c.TouchPong()
	r.mu.Unlock()

	r.hooks.OnRegister(id)
	return c, true
}

// DetachConn removes the control connection for id only if the stored
// connection matches the provided one. This prevents a closing old
// connection from accidentally tearing down a newer replacement.
// Cascading cleanup runs via Hooks.OnUnregister when a detach happened.
func (r *Registry) DetachConn(id string, conn *websocket.Conn) {
	r.mu.Lock()
	c, ok := r.tunnels[id]
	detached := false
	if ok {
		c.writeMu.Lock()
		if c.Control == conn {
			c.Control = nil
			detached = true
		}
		c.writeMu.Unlock()
	}
	r.mu.Unlock()

	if detached {
		r.hooks.OnUnregister(id)
	}
}

// Get returns the Conn for id, or (nil, false) when not found.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.tunnels[id]
	r.mu.RUnlock()
	return c, ok
}

// Remove deletes the tunnel entry entirely, closing any control connection.
// Used when a host explicitly deregisters.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.tunnels[id]
	if ok {
		delete(r.tunnels, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.writeMu.Lock()
	if c.Control != nil {
		_ = c.Control.Close()
		c.Control = nil
	}
	c.writeMu.Unlock()
	r.hooks.OnUnregister(id)
}

// All returns a snapshot of all currently registered tunnels.
// The returned slice is a copy; the caller may iterate it without holding
// any lock.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.tunnels))
	for _, c := range r.tunnels {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}
