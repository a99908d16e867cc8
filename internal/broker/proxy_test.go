package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbarinov/echoshell-sub000/internal/protocol"
	"github.com/rbarinov/echoshell-sub000/internal/tunnel"
)

// newTestConn returns a tunnel.Conn whose control connection is the client
// side of a real WebSocket pair. Every envelope the server side receives is
// handed to onMessage.
func newTestConn(t *testing.T, onMessage func(env protocol.Envelope)) *tunnel.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var env protocol.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if onMessage != nil {
				onMessage(env)
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial test websocket: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	c := &tunnel.Conn{ID: "t1", Control: client}
	return c
}

// ---- Forward -------------------------------------------------------------

func TestForward_UnreachableFailsFast(t *testing.T) {
	p := NewProxy(5 * time.Second)
	conn := &tunnel.Conn{ID: "t1"} // no control connection

	start := time.Now()
	_, err := p.Forward(context.Background(), conn, protocol.Envelope{Method: "GET", Path: "/health"})
	if !errors.Is(err, ErrTunnelUnreachable) {
		t.Fatalf("Forward = %v, want ErrTunnelUnreachable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unreachable tunnel took %s to fail, must not wait out the deadline", elapsed)
	}
	if p.PendingCount() != 0 {
		t.Errorf("pending count = %d after failure, want 0", p.PendingCount())
	}
}

func TestForward_ResolvedByResponse(t *testing.T) {
	p := NewProxy(5 * time.Second)
	conn := newTestConn(t, func(env protocol.Envelope) {
		// Play the host: answer every request over the proxy directly.
		if env.Type == protocol.TypeRequest {
			p.Resolve(protocol.Envelope{
				Type:          protocol.TypeResponse,
				CorrelationID: env.CorrelationID,
				Status:        http.StatusTeapot,
			})
		}
	})

	resp, err := p.Forward(context.Background(), conn, protocol.Envelope{Method: "GET", Path: "/x"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != http.StatusTeapot {
		t.Errorf("Status = %d, want %d", resp.Status, http.StatusTeapot)
	}
	if p.PendingCount() != 0 {
		t.Errorf("pending count = %d after resolve, want 0", p.PendingCount())
	}
}

func TestForward_InterleavedCorrelation(t *testing.T) {
	p := NewProxy(5 * time.Second)

	// Hold every incoming request, then answer them in reverse arrival
	// order. Each Forward must still get the response matching its own
	// correlation id.
	var mu sync.Mutex
	var held []protocol.Envelope
	conn := newTestConn(t, func(env protocol.Envelope) {
		if env.Type != protocol.TypeRequest {
			return
		}
		mu.Lock()
		held = append(held, env)
		n := len(held)
		mu.Unlock()
		if n < 4 {
			return
		}
		mu.Lock()
		pending := held
		held = nil
		mu.Unlock()
		for i := len(pending) - 1; i >= 0; i-- {
			p.Resolve(protocol.Envelope{
				Type:          protocol.TypeResponse,
				CorrelationID: pending[i].CorrelationID,
				Path:          pending[i].Path,
				Status:        http.StatusOK,
			})
		}
	})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	resps := make([]protocol.Envelope, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/req/" + string(rune('a'+i))
			resps[i], errs[i] = p.Forward(context.Background(), conn, protocol.Envelope{Method: "GET", Path: path})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		if errs[i] != nil {
			t.Fatalf("Forward %d: %v", i, errs[i])
		}
		want := "/req/" + string(rune('a'+i))
		if resps[i].Path != want {
			t.Errorf("Forward %d got response for %q, want %q", i, resps[i].Path, want)
		}
	}
	if p.PendingCount() != 0 {
		t.Errorf("pending count = %d after all resolved, want 0", p.PendingCount())
	}
}

func TestForward_Timeout(t *testing.T) {
	p := NewProxy(50 * time.Millisecond)

	var mu sync.Mutex
	var correlationID string
	conn := newTestConn(t, func(env protocol.Envelope) {
		mu.Lock()
		correlationID = env.CorrelationID
		mu.Unlock()
	})

	_, err := p.Forward(context.Background(), conn, protocol.Envelope{Method: "GET", Path: "/slow"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Forward = %v, want ErrRequestTimeout", err)
	}

	// The late response must be dropped, not resolved: exactly one of
	// {resolve, timeout} per request.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	id := correlationID
	mu.Unlock()
	if id == "" {
		t.Fatal("request envelope never reached the host side")
	}
	if p.Resolve(protocol.Envelope{Type: protocol.TypeResponse, CorrelationID: id}) {
		t.Error("late response was resolved after timeout")
	}
}

func TestForward_ContextCancelled(t *testing.T) {
	p := NewProxy(5 * time.Second)
	conn := newTestConn(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Forward(ctx, conn, protocol.Envelope{Method: "GET", Path: "/x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Forward = %v, want context.Canceled", err)
	}
}

// ---- FailTunnel ----------------------------------------------------------

func TestFailTunnel_AbortsPending(t *testing.T) {
	p := NewProxy(5 * time.Second)
	conn := newTestConn(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Forward(context.Background(), conn, protocol.Envelope{Method: "GET", Path: "/x"})
		errCh <- err
	}()

	// Wait for the request to be registered, then kill the tunnel.
	deadline := time.Now().Add(time.Second)
	for p.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	p.FailTunnel("t1")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTunnelUnreachable) {
			t.Fatalf("Forward after FailTunnel = %v, want ErrTunnelUnreachable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after FailTunnel")
	}
}

func TestResolve_UnknownCorrelationID(t *testing.T) {
	p := NewProxy(time.Second)
	if p.Resolve(protocol.Envelope{Type: protocol.TypeResponse, CorrelationID: "ghost"}) {
		t.Fatal("Resolve must report false for an unknown correlation id")
	}
}
