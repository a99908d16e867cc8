package headless

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/rbarinov/echoshell-sub000/internal/protocol"
)

// Emitter receives the routed output of one headless session.
// Display carries every parsed message incrementally; Recording receives
// one batched text per completed command.
type Emitter interface {
	EmitDisplay(msg protocol.ChatMessage)
	EmitRecording(text string, isComplete bool)
}

// Router turns the raw byte stream of a headless subprocess into chat
// messages.
//
// Bytes arrive in arbitrary chunks; a carryover buffer reassembles whole
// lines so the parsed message sequence is independent of how the transport
// split the stream. Assistant text accumulates per command and is flushed
// to the recording channel only at completion, so speech synthesis gets one
// coherent text instead of many fragments.
type Router struct {
	emitter Emitter

	// fallbackLastAssistant selects the completion behavior when no text
	// accumulated: reuse the most recent single assistant text.
	fallbackLastAssistant bool

	// onComplete is invoked (outside the router lock) once per command when
	// a completion marker is seen or synthesized.
	onComplete func()

	mu             sync.Mutex
	carry          []byte
	accumulated    []string
	lastAssistant  string // duplicate-suppression cache, also the fallback text
	completed      bool
	continuationID string
}

// Option configures a Router.
type Option func(*Router)

// WithCompletionFallback enables reusing the last single assistant text
// when a command completes with an empty accumulator.
func WithCompletionFallback(enabled bool) Option {
	return func(r *Router) { r.fallbackLastAssistant = enabled }
}

// WithCompleteFunc registers a callback fired once per completed command.
func WithCompleteFunc(fn func()) Option {
	return func(r *Router) { r.onComplete = fn }
}

// WithContinuation seeds the multi-turn token carried over from an earlier
// command, so it survives even when the new stream never repeats it.
func WithContinuation(id string) Option {
	return func(r *Router) { r.continuationID = id }
}

// NewRouter builds a Router emitting into the given Emitter.
func NewRouter(emitter Emitter, opts ...Option) *Router {
	r := &Router{
		emitter:               emitter,
		fallbackLastAssistant: true,
		completed:             true, // no command in flight yet
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ContinuationID returns the most recent multi-turn token seen in the
// stream, or "" when none has been observed.
func (r *Router) ContinuationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.continuationID
}

// BeginCommand resets per-command state ahead of a new subprocess
// invocation. The continuation id survives across commands.
func (r *Router) BeginCommand() {
	r.mu.Lock()
	r.carry = nil
	r.accumulated = nil
	r.lastAssistant = ""
	r.completed = false
	r.mu.Unlock()
}

// Feed consumes one chunk of subprocess output. Complete lines are parsed
// and routed; a trailing partial line is retained until the next chunk.
func (r *Router) Feed(chunk []byte) {
	r.mu.Lock()
	data := append(r.carry, chunk...)
	lines := bytes.Split(data, []byte{'\n'})
	r.carry = append([]byte(nil), lines[len(lines)-1]...)

	notify := false
	for _, line := range lines[:len(lines)-1] {
		if r.processLine(line) {
			notify = true
		}
	}
	r.mu.Unlock()

	if notify && r.onComplete != nil {
		r.onComplete()
	}
}

// Complete finishes the current command: flushes the accumulated text to
// the recording channel tagged isComplete and clears transient state. It is
// idempotent per command, so the completion timer and a late result event
// cannot double-flush. Called directly for timer and subprocess-exit paths.
func (r *Router) Complete() {
	r.mu.Lock()
	done := r.completeLocked()
	r.mu.Unlock()

	if done && r.onComplete != nil {
		r.onComplete()
	}
}

// processLine routes one complete line. Returns true when the line
// completed the command. Caller holds r.mu.
func (r *Router) processLine(line []byte) bool {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return false
	}

	ev, err := Decode(line)
	if err != nil {
		// Opaque text (startup banner, stray print). Passes through to
		// display untouched.
		log.Printf("[headless] unparsed line passed through: %q", truncate(string(line), 120))
		r.emitter.EmitDisplay(protocol.NewChatMessage(protocol.RoleSystem, string(line)))
		return false
	}

	if ev.ContinuationID != "" && ev.ContinuationID != r.continuationID {
		r.continuationID = ev.ContinuationID
	}

	switch ev.Kind {
	case KindAssistant:
		for _, tc := range ev.Tools {
			r.emitter.EmitDisplay(toolMessage(tc))
		}
		if ev.Text != "" && ev.Text != r.lastAssistant {
			r.accumulated = append(r.accumulated, ev.Text)
			r.lastAssistant = ev.Text
			r.emitter.EmitDisplay(protocol.NewChatMessage(protocol.RoleAssistant, ev.Text))
		}
	case KindResult:
		if ev.IsError && ev.Text != "" {
			r.emitter.EmitDisplay(protocol.NewChatMessage(protocol.RoleError, ev.Text))
		}
		return r.completeLocked()
	case KindSystem:
		// Ignored beyond continuation-id extraction.
	}
	return false
}

// completeLocked flushes the recording channel once per command. Caller
// holds r.mu. Returns false when the command already completed.
func (r *Router) completeLocked() bool {
	if r.completed {
		return false
	}
	r.completed = true

	text := strings.Join(r.accumulated, "\n\n")
	if text == "" && r.fallbackLastAssistant {
		text = r.lastAssistant
	}
	r.emitter.EmitRecording(text, true)

	r.accumulated = nil
	r.lastAssistant = ""
	return true
}

func toolMessage(tc ToolCall) protocol.ChatMessage {
	msg := protocol.NewChatMessage(protocol.RoleTool, tc.Name)
	msg.Metadata = map[string]any{
		"toolName":   tc.Name,
		"toolInput":  json.RawMessage(tc.Input),
		"toolOutput": tc.Output,
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
