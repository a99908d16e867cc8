package session

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// interactiveSession bridges a pty-backed shell to the output sink. Raw
// bytes are forwarded unparsed and mirrored into the history ring.
type interactiveSession struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
	ring *Ring
	sink Sink

	closeOnce sync.Once
	touch     func()
}

func newInteractive(id, shell, workDir string, historyLines int, sink Sink, touch func()) (*interactiveSession, error) {
	cmd := exec.Command(shell)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	s := &interactiveSession{
		id:    id,
		cmd:   cmd,
		ptmx:  ptmx,
		ring:  NewRing(historyLines),
		sink:  sink,
		touch: touch,
	}

	// PTY → sink. Exits when the pty is closed or the shell dies.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				s.ring.Write(buf[:n])
				s.sink.DisplayRaw(s.id, string(buf[:n]))
				s.touch()
			}
			if err != nil {
				return
			}
		}
	}()

	return s, nil
}

// Execute writes the text straight to the pty. Output arrives
// asynchronously through the sink.
func (s *interactiveSession) Execute(text string) error {
	s.touch()
	_, err := s.ptmx.Write([]byte(text))
	return err
}

func (s *interactiveSession) Buffer() []string { return s.ring.Lines() }

func (s *interactiveSession) Running() bool { return false }

// Resize changes the pty window size.
func (s *interactiveSession) Resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close terminates the shell and releases the pty. Safe to call while the
// read goroutine is blocked; the read observes closure and exits.
func (s *interactiveSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.ptmx.Close()
		_ = s.cmd.Wait()
	})
	return err
}
