package hostlink

import (
	"github.com/rbarinov/echoshell-sub000/internal/protocol"
)

// streamSink pushes session output upstream over the control connection.
// Output produced while the control connection is down is dropped; the
// broker drops output with no subscribers anyway, and there is no replay.
type streamSink struct {
	c *Client
}

func (s streamSink) DisplayRaw(sessionID, data string) {
	s.c.send(protocol.NewDisplayRawEnvelope(sessionID, data))
}

func (s streamSink) DisplayMessage(sessionID string, msg protocol.ChatMessage) {
	s.c.send(protocol.NewDisplayEnvelope(sessionID, msg))
}

func (s streamSink) RecordingText(sessionID, text string, isComplete bool) {
	s.c.send(protocol.NewRecordingEnvelope(sessionID, text, isComplete))
}
