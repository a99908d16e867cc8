// Package headless parses the newline-delimited JSON event stream emitted
// by the agent subprocess and routes it to the display and recording
// channels of a session.
package headless

import (
	"encoding/json"
)

// Kind discriminates the event variants the subprocess emits.
type Kind int

const (
	// KindUnrecognized covers lines that fail structured parsing. They are
	// never fatal; the raw line passes through as opaque text.
	KindUnrecognized Kind = iota
	// KindAssistant is a message event carrying text and/or tool-use blocks.
	KindAssistant
	// KindResult marks the completion of one command.
	KindResult
	// KindSystem covers any other well-formed event (init, status, ...).
	KindSystem
)

// ToolCall describes one tool-use content block.
type ToolCall struct {
	Name   string
	Input  json.RawMessage
	Output string
}

// Event is one decoded line of the subprocess stream.
type Event struct {
	Kind Kind

	// Text is the concatenated plain-text content for assistant events, or
	// the final result text for result events.
	Text string
	// Tools holds tool-use blocks extracted from an assistant event.
	Tools []ToolCall

	// ContinuationID is the multi-turn context token, when the event carries
	// one.
	ContinuationID string

	// Subtype and IsError are populated for result events.
	Subtype string
	IsError bool

	// Raw is the original line.
	Raw []byte
}

type contentBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Output string          `json:"output"`
}

type wireEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// Continuation id candidates, checked in priority order.
	SessionIDSnake string `json:"session_id"`
	SessionIDCamel string `json:"sessionId"`
	ContinuationID string `json:"continuation_id"`
}

// Decode parses one line into an Event. A line that is not a JSON object
// yields KindUnrecognized with the parse error; callers treat it as opaque
// text, not a failure.
func Decode(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{Kind: KindUnrecognized, Raw: line}, err
	}

	ev := Event{Raw: line, ContinuationID: continuationID(&w)}

	switch w.Type {
	case "assistant":
		ev.Kind = KindAssistant
		for _, block := range w.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				if ev.Text != "" {
					ev.Text += "\n"
				}
				ev.Text += block.Text
			case "tool_use":
				ev.Tools = append(ev.Tools, ToolCall{
					Name:   block.Name,
					Input:  block.Input,
					Output: block.Output,
				})
			}
		}
	case "result":
		ev.Kind = KindResult
		ev.Subtype = w.Subtype
		ev.IsError = w.IsError
		ev.Text = w.Result
	default:
		ev.Kind = KindSystem
		ev.Subtype = w.Subtype
	}
	return ev, nil
}

// continuationID picks the multi-turn token from the candidate fields,
// first match wins.
func continuationID(w *wireEvent) string {
	for _, candidate := range []string{w.SessionIDSnake, w.SessionIDCamel, w.ContinuationID} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}
