// Package session runs the host's execution sessions: interactive
// pty-backed shells and headless agent subprocesses. Output leaves through
// the [Sink] interface; this package has no knowledge of the tunnel.
package session

import (
	"errors"
	"time"

	"github.com/rbarinov/echoshell-sub000/internal/protocol"
)

// Kind selects how a session executes commands.
type Kind string

const (
	// KindInteractive is a pty-backed shell; commands are raw keystrokes.
	KindInteractive Kind = "interactive"
	// KindHeadless runs the agent subprocess per command, parsing its
	// structured event stream.
	KindHeadless Kind = "headless"
)

// ParseKind validates a session kind from an API request.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindInteractive, KindHeadless:
		return Kind(s), true
	}
	return "", false
}

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session: not found")

// ErrBadKind is returned when Create is handed a kind it does not know.
var ErrBadKind = errors.New("session: unknown session kind")

// ErrSessionBusy is returned when a headless session already has a command
// in flight.
var ErrSessionBusy = errors.New("session: command already running")

// Sink receives all session output. The host side implements it over the
// control connection; tests implement it with a slice.
type Sink interface {
	// DisplayRaw forwards unparsed interactive output.
	DisplayRaw(sessionID, data string)
	// DisplayMessage forwards one parsed chat message.
	DisplayMessage(sessionID string, msg protocol.ChatMessage)
	// RecordingText forwards batched assistant text for speech synthesis.
	RecordingText(sessionID, text string, isComplete bool)
}

// Info describes a session for the host API.
type Info struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
	Running   bool      `json:"running"`
}

// runner is the behavior shared by both session kinds.
type runner interface {
	Execute(text string) error
	Buffer() []string
	Running() bool
	Close() error
}
