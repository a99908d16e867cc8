package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbarinov/echoshell-sub000/internal/protocol"
	"github.com/rbarinov/echoshell-sub000/internal/tunnel"
)

// ErrTunnelUnreachable is returned when the target tunnel has no live
// control connection at the moment the request is forwarded.
var ErrTunnelUnreachable = errors.New("broker: tunnel unreachable")

// ErrRequestTimeout is returned when the host does not answer a forwarded
// request within the configured deadline.
var ErrRequestTimeout = errors.New("broker: request timed out")

type pendingCall struct {
	tunnelID string
	ch       chan protocol.Envelope
}

// Proxy correlates proxied HTTP requests with the responses arriving back
// on the tunnel's control connection. Each forwarded request gets a fresh
// correlation id; the matching response envelope resolves it. Responses for
// unknown correlation ids (answered after the deadline, or after the caller
// went away) are dropped.
type Proxy struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewProxy returns a Proxy that waits up to timeout for each response.
func NewProxy(timeout time.Duration) *Proxy {
	return &Proxy{
		timeout: timeout,
		pending: make(map[string]*pendingCall),
	}
}

// Forward sends the request envelope down the tunnel's control connection
// and blocks until the matching response arrives, the deadline passes, or
// ctx is cancelled. The envelope's CorrelationID is assigned here.
func (p *Proxy) Forward(ctx context.Context, conn *tunnel.Conn, env protocol.Envelope) (protocol.Envelope, error) {
	env.Type = protocol.TypeRequest
	env.CorrelationID = uuid.NewString()

	call := &pendingCall{tunnelID: conn.ID, ch: make(chan protocol.Envelope, 1)}
	p.mu.Lock()
	p.pending[env.CorrelationID] = call
	p.mu.Unlock()
	defer p.drop(env.CorrelationID)

	if err := conn.SendJSON(env); err != nil {
		return protocol.Envelope{}, ErrTunnelUnreachable
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case resp := <-call.ch:
		if resp.Type == protocol.TypeError {
			return protocol.Envelope{}, ErrTunnelUnreachable
		}
		return resp, nil
	case <-timer.C:
		return protocol.Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Resolve hands a response envelope to the waiting Forward call. Returns
// false when no call is pending for the correlation id; the response is
// discarded in that case.
func (p *Proxy) Resolve(env protocol.Envelope) bool {
	p.mu.Lock()
	call, ok := p.pending[env.CorrelationID]
	if ok {
		delete(p.pending, env.CorrelationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- env
	return true
}

// FailTunnel aborts every pending call routed through the given tunnel by
// resolving it with an unreachable error response. Called when the tunnel's
// control connection dies, so in-flight proxied requests fail immediately
// instead of waiting out their deadline.
func (p *Proxy) FailTunnel(tunnelID string) {
	p.mu.Lock()
	var aborted []*pendingCall
	for id, call := range p.pending {
		if call.tunnelID == tunnelID {
			aborted = append(aborted, call)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	for _, call := range aborted {
		call.ch <- protocol.Envelope{
			Type:         protocol.TypeError,
			ErrorMessage: ErrTunnelUnreachable.Error(),
		}
	}
}

// PendingCount reports the number of in-flight forwarded requests.
func (p *Proxy) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Proxy) drop(correlationID string) {
	p.mu.Lock()
	delete(p.pending, correlationID)
	p.mu.Unlock()
}
