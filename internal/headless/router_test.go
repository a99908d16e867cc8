package headless

import (
	"reflect"
	"sync"
	"testing"

	"github.com/rbarinov/echoshell-sub000/internal/protocol"
)

type recordingEntry struct {
	text       string
	isComplete bool
}

type captureEmitter struct {
	mu         sync.Mutex
	display    []protocol.ChatMessage
	recordings []recordingEntry
}

func (e *captureEmitter) EmitDisplay(msg protocol.ChatMessage) {
	e.mu.Lock()
	e.display = append(e.display, msg)
	e.mu.Unlock()
}

func (e *captureEmitter) EmitRecording(text string, isComplete bool) {
	e.mu.Lock()
	e.recordings = append(e.recordings, recordingEntry{text, isComplete})
	e.mu.Unlock()
}

func (e *captureEmitter) displayContents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.display))
	for i, m := range e.display {
		out[i] = m.Content
	}
	return out
}

func (e *captureEmitter) recorded() []recordingEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordingEntry(nil), e.recordings...)
}

const (
	assistantLine = `{"type":"assistant","message":{"content":[{"type":"text","text":"Here are the files"}]}}` + "\n"
	resultLine    = `{"type":"result","subtype":"success"}` + "\n"
)

// ---- Full command flow ---------------------------------------------------

func TestRouter_AssistantThenResult(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)
	r.BeginCommand()

	r.Feed([]byte(assistantLine))
	r.Feed([]byte(resultLine))

	display := em.displayContents()
	if !reflect.DeepEqual(display, []string{"Here are the files"}) {
		t.Errorf("display = %v, want one assistant message", display)
	}
	recs := em.recorded()
	if len(recs) != 1 {
		t.Fatalf("recording got %d messages, want exactly 1", len(recs))
	}
	if recs[0].text != "Here are the files" || !recs[0].isComplete {
		t.Errorf("recording = %+v, want complete %q", recs[0], "Here are the files")
	}
}

func TestRouter_AccumulationJoinedWithBlankLine(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)
	r.BeginCommand()

	r.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}` + "\n"))
	r.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}` + "\n"))
	r.Feed([]byte(resultLine))

	recs := em.recorded()
	if len(recs) != 1 {
		t.Fatalf("recording got %d messages, want 1", len(recs))
	}
	if recs[0].text != "first\n\nsecond" {
		t.Errorf("recording text = %q, want blank-line joined", recs[0].text)
	}
}

// ---- Carryover -----------------------------------------------------------

func TestRouter_CarryoverSplitEquivalence(t *testing.T) {
	stream := assistantLine +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"and more"}]}}` + "\n" +
		resultLine

	// Parse once as a contiguous chunk.
	whole := &captureEmitter{}
	r1 := NewRouter(whole)
	r1.BeginCommand()
	r1.Feed([]byte(stream))

	// Parse again split at every third byte.
	split := &captureEmitter{}
	r2 := NewRouter(split)
	r2.BeginCommand()
	data := []byte(stream)
	for i := 0; i < len(data); i += 3 {
		end := i + 3
		if end > len(data) {
			end = len(data)
		}
		r2.Feed(data[i:end])
	}

	if !reflect.DeepEqual(whole.displayContents(), split.displayContents()) {
		t.Errorf("display differs: contiguous %v, split %v", whole.displayContents(), split.displayContents())
	}
	if !reflect.DeepEqual(whole.recorded(), split.recorded()) {
		t.Errorf("recording differs: contiguous %v, split %v", whole.recorded(), split.recorded())
	}
}

// ---- Duplicate suppression -----------------------------------------------

func TestRouter_ConsecutiveDuplicateDropped(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)
	r.BeginCommand()

	r.Feed([]byte(assistantLine))
	r.Feed([]byte(assistantLine))
	r.Feed([]byte(resultLine))

	if got := em.displayContents(); len(got) != 1 {
		t.Errorf("display = %v, duplicate assistant text must be dropped", got)
	}
	recs := em.recorded()
	if len(recs) != 1 || recs[0].text != "Here are the files" {
		t.Errorf("recording = %+v, want single undoubled text", recs)
	}
}

// ---- Malformed lines -----------------------------------------------------

func TestRouter_MalformedLinePassesThrough(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)
	r.BeginCommand()

	r.Feed([]byte("shell startup banner\n"))
	r.Feed([]byte(assistantLine))
	r.Feed([]byte(resultLine))

	display := em.displayContents()
	if len(display) != 2 || display[0] != "shell startup banner" {
		t.Fatalf("display = %v, want banner then assistant text", display)
	}
	if len(em.recorded()) != 1 {
		t.Errorf("malformed line must not derail completion")
	}
}

// ---- Completion ----------------------------------------------------------

func TestRouter_CompleteIsIdempotent(t *testing.T) {
	em := &captureEmitter{}
	var completions int
	r := NewRouter(em, WithCompleteFunc(func() { completions++ }))
	r.BeginCommand()

	r.Feed([]byte(assistantLine))
	r.Complete() // timer path
	r.Complete() // subprocess exit path, must be a no-op
	r.Feed([]byte(resultLine))

	if got := em.recorded(); len(got) != 1 {
		t.Fatalf("recording got %d messages, want exactly 1", len(got))
	}
	if completions != 1 {
		t.Errorf("completion callback fired %d times, want 1", completions)
	}
}

func TestRouter_TimerFlushWithoutResult(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)
	r.BeginCommand()

	r.Feed([]byte(assistantLine))
	r.Complete()

	recs := em.recorded()
	if len(recs) != 1 || !recs[0].isComplete {
		t.Fatalf("recording = %+v, want one complete flush", recs)
	}
	if recs[0].text != "Here are the files" {
		t.Errorf("flushed text = %q", recs[0].text)
	}
}

func TestRouter_CompleteWithEmptyAccumulator(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)
	r.BeginCommand()
	r.Complete()

	recs := em.recorded()
	if len(recs) != 1 || !recs[0].isComplete || recs[0].text != "" {
		t.Errorf("recording = %+v, want one empty complete flush", recs)
	}
}

// ---- Continuation id -----------------------------------------------------

func TestRouter_ContinuationSurvivesCommands(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)

	r.BeginCommand()
	r.Feed([]byte(`{"type":"system","subtype":"init","session_id":"conv-1"}` + "\n"))
	r.Feed([]byte(resultLine))

	if got := r.ContinuationID(); got != "conv-1" {
		t.Fatalf("ContinuationID = %q, want conv-1", got)
	}

	// A later command updates it; BeginCommand must not clear it.
	r.BeginCommand()
	if got := r.ContinuationID(); got != "conv-1" {
		t.Errorf("ContinuationID cleared by BeginCommand: %q", got)
	}
	r.Feed([]byte(`{"type":"system","subtype":"init","session_id":"conv-2"}` + "\n"))
	if got := r.ContinuationID(); got != "conv-2" {
		t.Errorf("ContinuationID = %q, want conv-2", got)
	}
}

func TestRouter_ContinuationSeededByOption(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em, WithContinuation("conv-old"))

	if got := r.ContinuationID(); got != "conv-old" {
		t.Fatalf("ContinuationID = %q, want seeded conv-old", got)
	}

	// A stream id overrides the seed.
	r.BeginCommand()
	r.Feed([]byte(`{"type":"system","subtype":"init","session_id":"conv-new"}` + "\n"))
	if got := r.ContinuationID(); got != "conv-new" {
		t.Errorf("ContinuationID = %q, want conv-new", got)
	}
}

// ---- Tool messages -------------------------------------------------------

func TestRouter_ToolBlocksBecomeToolMessages(t *testing.T) {
	em := &captureEmitter{}
	r := NewRouter(em)
	r.BeginCommand()

	r.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"grep","input":{"pattern":"x"}}]}}` + "\n"))

	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.display) != 1 {
		t.Fatalf("display got %d messages, want 1", len(em.display))
	}
	msg := em.display[0]
	if msg.Role != protocol.RoleTool {
		t.Errorf("Role = %q, want tool", msg.Role)
	}
	if msg.Metadata["toolName"] != "grep" {
		t.Errorf("Metadata = %v, want toolName grep", msg.Metadata)
	}
}
