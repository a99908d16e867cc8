package session

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rbarinov/echoshell-sub000/internal/headless"
	"github.com/rbarinov/echoshell-sub000/internal/protocol"
)

// killGrace is how long a destroyed subprocess gets to exit after SIGTERM
// before it is force-killed.
const killGrace = 3 * time.Second

// headlessSession runs the agent subprocess once per command. The parsed
// event stream drives the display channel incrementally; the recording
// channel gets one batched text when the command completes. The
// continuation id threaded back by the subprocess preserves multi-turn
// context across commands.
//
// Each command gets its own router and a generation number. A subprocess
// that outlives its command (result event seen, completion timer fired)
// keeps feeding its own already-completed router, and the generation check
// in commandEmitter drops whatever it still produces, so nothing from a
// stale command can flush or unblock the command that replaced it.
type headlessSession struct {
	id                string
	workDir           string
	agentCommand      string
	agentArgs         []string
	completionTimeout time.Duration
	sink              Sink
	touch             func()

	gen atomic.Uint64 // generation of the current command

	mu             sync.Mutex
	running        bool
	destroyed      bool
	router         *headless.Router // router of the current (or last) command
	continuationID string
	timer          *time.Timer
	procs          map[*exec.Cmd]chan struct{} // every live subprocess, value closed on reap
}

func newHeadless(id, workDir string, agentCommand string, agentArgs []string, completionTimeout time.Duration, sink Sink, touch func()) *headlessSession {
	return &headlessSession{
		id:                id,
		workDir:           workDir,
		agentCommand:      agentCommand,
		agentArgs:         agentArgs,
		completionTimeout: completionTimeout,
		sink:              sink,
		touch:             touch,
		procs:             make(map[*exec.Cmd]chan struct{}),
	}
}

// commandEmitter scopes router output to the command it was created for.
// Once a newer command bumps the session generation, emissions from the
// old command's router are dropped instead of landing on the new stream.
type commandEmitter struct {
	h   *headlessSession
	gen uint64
}

func (e commandEmitter) current() bool { return e.h.gen.Load() == e.gen }

// EmitDisplay implements headless.Emitter.
func (e commandEmitter) EmitDisplay(msg protocol.ChatMessage) {
	if !e.current() {
		return
	}
	e.h.touch()
	e.h.sink.DisplayMessage(e.h.id, msg)
}

// EmitRecording implements headless.Emitter.
func (e commandEmitter) EmitRecording(text string, isComplete bool) {
	if !e.current() {
		return
	}
	e.h.sink.RecordingText(e.h.id, text, isComplete)
}

// Execute starts one subprocess invocation for the command text. Rejected
// while a previous command is still running. A spawn failure is reported
// in-band as an error message plus an implicit completion, matching how a
// mid-command crash is reported.
func (h *headlessSession) Execute(text string) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrSessionBusy
	}

	// Harvest the continuation id the previous command observed before its
	// router is retired.
	if h.router != nil {
		if cid := h.router.ContinuationID(); cid != "" {
			h.continuationID = cid
		}
	}
	gen := h.gen.Add(1)

	argv := append([]string(nil), h.agentArgs...)
	argv = append(argv, "--output-format", "stream-json", "--verbose")
	if h.continuationID != "" {
		argv = append(argv, "--resume", h.continuationID)
	}
	argv = append(argv, "-p", text)

	cmd := exec.Command(h.agentCommand, argv...)
	cmd.Dir = h.workDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("session: stdout pipe: %w", err)
	}

	r := headless.NewRouter(commandEmitter{h, gen},
		headless.WithContinuation(h.continuationID),
		headless.WithCompleteFunc(func() { h.commandDone(gen) }))
	r.BeginCommand()
	h.router = r

	h.touch()
	h.sink.DisplayMessage(h.id, protocol.NewChatMessage(protocol.RoleUser, text))

	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		h.sink.DisplayMessage(h.id, protocol.NewChatMessage(protocol.RoleError,
			fmt.Sprintf("failed to start %s: %v", h.agentCommand, err)))
		r.Complete()
		return nil
	}

	h.running = true
	exited := make(chan struct{})
	h.procs[cmd] = exited
	h.timer = time.AfterFunc(h.completionTimeout, func() {
		log.Printf("[session] %s: completion timeout, flushing accumulated output", h.id)
		r.Complete()
	})
	h.mu.Unlock()

	go h.pump(gen, cmd, r, stdout, &stderr, exited)
	return nil
}

// pump reads the subprocess stdout to exhaustion, then reaps it. A non-zero
// exit surfaces as an error message; either way the command is completed so
// partial output still reaches the recording channel. The router here is
// the one created for this pump's command, so a subprocess lingering past
// its completion can never complete a later command.
func (h *headlessSession) pump(gen uint64, cmd *exec.Cmd, r *headless.Router, stdout io.Reader, stderr *bytes.Buffer, exited chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			r.Feed(buf[:n])
		}
		if err != nil {
			break
		}
	}
	waitErr := cmd.Wait()
	close(exited)

	h.mu.Lock()
	delete(h.procs, cmd)
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return
	}

	if waitErr != nil && h.gen.Load() == gen {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		h.sink.DisplayMessage(h.id, protocol.NewChatMessage(protocol.RoleError,
			fmt.Sprintf("%s exited with error: %s", h.agentCommand, detail)))
	}
	r.Complete()
}

// commandDone clears the in-flight state once per command; fired by the
// router on a result event, the completion timer, or subprocess exit. A
// stale generation means a newer command owns the state and is left alone.
func (h *headlessSession) commandDone(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen.Load() != gen {
		return
	}
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *headlessSession) Buffer() []string { return nil }

func (h *headlessSession) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Close terminates every still-live subprocess of this session, not just
// the latest one; a command whose completion was synthesized by the timer
// may leave its subprocess running after the next command starts. SIGTERM
// first, SIGKILL after a grace period. The pending completion timer is
// cancelled; no further output is emitted for this session.
func (h *headlessSession) Close() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	procs := make(map[*exec.Cmd]chan struct{}, len(h.procs))
	for cmd, exited := range h.procs {
		procs[cmd] = exited
	}
	h.mu.Unlock()

	for cmd, exited := range procs {
		select {
		case <-exited:
			continue
		default:
		}
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}
	return nil
}
