// Package protocol defines the JSON envelopes carried on the control
// connection between a host and the broker, and the chat message format
// emitted by headless sessions.
//
// One envelope per WebSocket frame. Request/response bodies travel
// base64-encoded so binary payloads survive the JSON framing.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Envelope types.
const (
	TypeRequest         = "request"
	TypeResponse        = "response"
	TypeDisplayOutput   = "display_output"
	TypeRecordingOutput = "recording_output"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
)

// Envelope is the single wire message for the control connection and for
// stream subscriber delivery. Fields are populated per Type; unused fields
// are omitted from the JSON.
type Envelope struct {
	Type string `json:"type"`

	// Request/response correlation (TypeRequest, TypeResponse).
	CorrelationID string              `json:"correlation_id,omitempty"`
	Method        string              `json:"method,omitempty"`
	Path          string              `json:"path,omitempty"`
	Query         string              `json:"query,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty"`
	BodyB64       string              `json:"body_b64,omitempty"`
	Status        int                 `json:"status,omitempty"`

	// Session output (TypeDisplayOutput, TypeRecordingOutput).
	SessionID  string       `json:"session_id,omitempty"`
	Message    *ChatMessage `json:"message,omitempty"`
	Raw        string       `json:"raw,omitempty"`
	Text       string       `json:"text,omitempty"`
	IsComplete bool         `json:"is_complete,omitempty"`
	Timestamp  int64        `json:"timestamp,omitempty"`

	// TypeError.
	ErrorMessage string `json:"error_message,omitempty"`
}

// ChannelKind selects one of the two independent broadcast audiences for a
// session's output.
type ChannelKind string

const (
	// ChannelDisplay carries human-readable incremental output for a
	// terminal view.
	ChannelDisplay ChannelKind = "display"
	// ChannelRecording carries assistant-text-only messages intended for
	// speech synthesis.
	ChannelRecording ChannelKind = "recording"
)

// ParseChannelKind validates a channel kind taken from a URL path segment.
func ParseChannelKind(s string) (ChannelKind, bool) {
	switch ChannelKind(s) {
	case ChannelDisplay:
		return ChannelDisplay, true
	case ChannelRecording:
		return ChannelRecording, true
	}
	return "", false
}

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
	RoleError     = "error"
)

// ChatMessage is the unit emitted for headless sessions: one parsed event
// from the agent subprocess, classified by role.
type ChatMessage struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewChatMessage builds a ChatMessage with a fresh id and the current time.
func NewChatMessage(role, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Role:      role,
		Content:   content,
	}
}

// NewDisplayEnvelope wraps a chat message for delivery on a session's
// display channel.
func NewDisplayEnvelope(sessionID string, msg ChatMessage) Envelope {
	return Envelope{
		Type:      TypeDisplayOutput,
		SessionID: sessionID,
		Message:   &msg,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewDisplayRawEnvelope wraps an unparsed output chunk (interactive
// sessions) for delivery on a session's display channel.
func NewDisplayRawEnvelope(sessionID string, raw string) Envelope {
	return Envelope{
		Type:      TypeDisplayOutput,
		SessionID: sessionID,
		Raw:       raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewRecordingEnvelope wraps a completed (or timer-flushed) assistant text
// for delivery on a session's recording channel.
func NewRecordingEnvelope(sessionID, text string, isComplete bool) Envelope {
	return Envelope{
		Type:       TypeRecordingOutput,
		SessionID:  sessionID,
		Text:       text,
		IsComplete: isComplete,
		Timestamp:  time.Now().UnixMilli(),
	}
}
