package broker

import (
	"sync"

	"github.com/rbarinov/echoshell-sub000/internal/protocol"
)

// Subscriber is one attached consumer of a session output stream.
// Send must be safe for concurrent use. A Send error means the consumer is
// gone; the hub removes and closes it.
type Subscriber interface {
	Send(env protocol.Envelope) error
	Close()
}

type streamKey struct {
	tunnelID  string
	sessionID string
	kind      protocol.ChannelKind
}

// Hub fans session output envelopes out to stream subscribers.
//
// Subscribers are grouped per (tunnel, session, channel kind); the display
// and recording audiences of the same session are fully independent. Output
// published to a stream with no subscribers is dropped, there is no
// buffering or replay here.
type Hub struct {
	mu   sync.RWMutex
	subs map[streamKey]map[Subscriber]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[streamKey]map[Subscriber]struct{})}
}

// Subscribe attaches s to the given stream.
func (h *Hub) Subscribe(tunnelID, sessionID string, kind protocol.ChannelKind, s Subscriber) {
	key := streamKey{tunnelID, sessionID, kind}
	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
}

// Unsubscribe detaches s from the given stream. Detaching a subscriber that
// is not attached is a no-op. The subscriber is not closed; the caller owns
// its lifecycle once detached.
func (h *Hub) Unsubscribe(tunnelID, sessionID string, kind protocol.ChannelKind, s Subscriber) {
	key := streamKey{tunnelID, sessionID, kind}
	h.mu.Lock()
	if set, ok := h.subs[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	h.mu.Unlock()
}

// Publish delivers a session output envelope to every subscriber of its
// stream. The stream is derived from the envelope type: display_output goes
// to display subscribers, recording_output to recording subscribers.
// Subscribers whose Send fails are removed and closed.
func (h *Hub) Publish(tunnelID string, env protocol.Envelope) {
	var kind protocol.ChannelKind
	switch env.Type {
	case protocol.TypeDisplayOutput:
		kind = protocol.ChannelDisplay
	case protocol.TypeRecordingOutput:
		kind = protocol.ChannelRecording
	default:
		return
	}
	key := streamKey{tunnelID, env.SessionID, kind}

	h.mu.RLock()
	set := h.subs[key]
	targets := make([]Subscriber, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var failed []Subscriber
	for _, s := range targets {
		if err := s.Send(env); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		h.Unsubscribe(tunnelID, env.SessionID, kind, s)
		s.Close()
	}
}

// CloseTunnel removes and closes every subscriber of every stream belonging
// to the given tunnel. Called when the tunnel's control connection dies.
func (h *Hub) CloseTunnel(tunnelID string) {
	var victims []Subscriber
	h.mu.Lock()
	for key, set := range h.subs {
		if key.tunnelID != tunnelID {
			continue
		}
		for s := range set {
			victims = append(victims, s)
		}
		delete(h.subs, key)
	}
	h.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
}

// SubscriberCount reports the number of subscribers attached to one stream.
func (h *Hub) SubscriberCount(tunnelID, sessionID string, kind protocol.ChannelKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[streamKey{tunnelID, sessionID, kind}])
}
