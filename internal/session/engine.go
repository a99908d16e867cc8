package session

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBadWorkDir is returned when a requested working directory does not
// resolve to an existing directory.
var ErrBadWorkDir = errors.New("session: working directory does not exist")

// janitorInterval is how often each session's idle monitor wakes up.
const janitorInterval = time.Minute

// Options configures an Engine.
type Options struct {
	// Shell is the program spawned for interactive sessions.
	Shell string
	// AgentCommand and AgentArgs form the headless subprocess invocation.
	AgentCommand string
	AgentArgs    []string
	// WorkDir is the default working directory for new sessions.
	WorkDir string
	// HistoryLines bounds the interactive output ring buffer.
	HistoryLines int
	// CompletionTimeout bounds how long a headless command may run without
	// an explicit completion event before its output is flushed.
	CompletionTimeout time.Duration
	// IdleAge is how long a session may sit without activity before the
	// janitor destroys it. Zero disables idle destruction.
	IdleAge time.Duration
}

type entry struct {
	id        string
	kind      Kind
	workDir   string
	createdAt time.Time
	run       runner

	mu      sync.Mutex
	lastMsg time.Time
	done    chan struct{} // closed on destroy to stop the idle goroutine
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastMsg = time.Now()
	e.mu.Unlock()
}

func (e *entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMsg
}

// Engine owns the session table. All session lifecycle goes through it;
// destroying through the engine is the only way resources (pty handles,
// subprocesses) are released.
type Engine struct {
	opts Options
	sink Sink

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewEngine returns an Engine emitting all session output into sink.
func NewEngine(opts Options, sink Sink) *Engine {
	return &Engine{
		opts:     opts,
		sink:     sink,
		sessions: make(map[string]*entry),
	}
}

// Create starts a new session of the given kind. workDir falls back to the
// engine default when empty. Interactive sessions spawn their shell
// immediately; headless sessions spawn nothing until the first command.
func (e *Engine) Create(kind Kind, workDir string) (Info, error) {
	workDir, err := resolveWorkDir(workDir, e.opts.WorkDir)
	if err != nil {
		return Info{}, err
	}
	id := uuid.NewString()

	ent := &entry{
		id:        id,
		kind:      kind,
		workDir:   workDir,
		createdAt: time.Now(),
		lastMsg:   time.Now(),
		done:      make(chan struct{}),
	}

	switch kind {
	case KindInteractive:
		run, err := newInteractive(id, e.opts.Shell, workDir, e.opts.HistoryLines, e.sink, ent.touch)
		if err != nil {
			return Info{}, err
		}
		ent.run = run
	case KindHeadless:
		ent.run = newHeadless(id, workDir, e.opts.AgentCommand, e.opts.AgentArgs,
			e.opts.CompletionTimeout, e.sink, ent.touch)
	default:
		return Info{}, ErrBadKind
	}

	e.mu.Lock()
	e.sessions[id] = ent
	e.mu.Unlock()

	if e.opts.IdleAge > 0 {
		go e.janitor(ent)
	}

	log.Printf("[session] created %s session %s in %s", kind, id, workDir)
	return e.info(ent), nil
}

// Execute submits a command to a session.
func (e *Engine) Execute(id, text string) error {
	ent, ok := e.get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return ent.run.Execute(text)
}

// Buffer returns the buffered output history of a session.
func (e *Engine) Buffer(id string) ([]string, error) {
	ent, ok := e.get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ent.run.Buffer(), nil
}

// Get returns session metadata.
func (e *Engine) Get(id string) (Info, error) {
	ent, ok := e.get(id)
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return e.info(ent), nil
}

// List returns metadata for every live session.
func (e *Engine) List() []Info {
	e.mu.Lock()
	out := make([]Info, 0, len(e.sessions))
	for _, ent := range e.sessions {
		out = append(out, e.info(ent))
	}
	e.mu.Unlock()
	return out
}

// Destroy terminates a session's process and removes it from the table.
func (e *Engine) Destroy(id string) error {
	e.mu.Lock()
	ent, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
		close(ent.done)
	}
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	err := ent.run.Close()
	log.Printf("[session] destroyed session %s", id)
	return err
}

// CloseAll destroys every session; used at host shutdown.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Destroy(id)
	}
}

func (e *Engine) get(id string) (*entry, bool) {
	e.mu.Lock()
	ent, ok := e.sessions[id]
	e.mu.Unlock()
	return ent, ok
}

func (e *Engine) info(ent *entry) Info {
	return Info{
		ID:        ent.id,
		Kind:      ent.kind,
		WorkDir:   ent.workDir,
		CreatedAt: ent.createdAt,
		Running:   ent.run.Running(),
	}
}

// resolveWorkDir validates a requested working directory. The request
// arrives over the proxy from an untrusted client, so relative paths and
// symlink games are rejected; the path must resolve to a real directory.
func resolveWorkDir(workDir, fallback string) (string, error) {
	if workDir == "" {
		return fallback, nil
	}
	if !filepath.IsAbs(workDir) {
		return "", ErrBadWorkDir
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(workDir))
	if err != nil {
		return "", ErrBadWorkDir
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.IsDir() {
		return "", ErrBadWorkDir
	}
	return resolved, nil
}

// janitor destroys the session after it has been idle too long. One
// goroutine per session; stops immediately when the session is destroyed.
func (e *Engine) janitor(ent *entry) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ent.done:
			return
		case <-ticker.C:
			if time.Since(ent.idleSince()) >= e.opts.IdleAge {
				log.Printf("[session] %s idle for %s, destroying", ent.id, e.opts.IdleAge)
				_ = e.Destroy(ent.id)
				return
			}
		}
	}
}
