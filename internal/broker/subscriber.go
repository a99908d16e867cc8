package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbarinov/echoshell-sub000/internal/protocol"
)

const (
	// subscriberWriteWait bounds a single frame write to a stream subscriber.
	subscriberWriteWait = 10 * time.Second
	// sseBufferSize is the per-subscriber envelope buffer for the SSE feed.
	// A consumer that falls this far behind is pruned.
	sseBufferSize = 64
)

var errSubscriberGone = errors.New("broker: subscriber closed")

// wsSubscriber delivers stream envelopes over a WebSocket connection.
type wsSubscriber struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{conn: conn}
}

func (s *wsSubscriber) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriberGone
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(subscriberWriteWait))
	return s.conn.WriteJSON(env)
}

// ping sends a protocol-level ping frame through the shared write lock.
func (s *wsSubscriber) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriberGone
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(subscriberWriteWait))
}

func (s *wsSubscriber) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
	s.mu.Unlock()
}

// sseSubscriber buffers stream envelopes for a Server-Sent Events consumer,
// which pulls them from Events on its own request goroutine.
type sseSubscriber struct {
	events chan protocol.Envelope

	once sync.Once
	done chan struct{}
}

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		events: make(chan protocol.Envelope, sseBufferSize),
		done:   make(chan struct{}),
	}
}

func (s *sseSubscriber) Send(env protocol.Envelope) error {
	select {
	case <-s.done:
		return errSubscriberGone
	case s.events <- env:
		return nil
	default:
		// Buffer full: the consumer stopped draining, treat it as gone.
		return errSubscriberGone
	}
}

func (s *sseSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Events is the envelope feed drained by the SSE handler.
func (s *sseSubscriber) Events() <-chan protocol.Envelope { return s.events }

// Done is closed when the subscriber is removed from the hub.
func (s *sseSubscriber) Done() <-chan struct{} { return s.done }
