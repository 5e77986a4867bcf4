package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"github.com/cuemby/cocoon/pkg/executor"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

const (
	readChunkSize = 4096

	// drainTimeout is how long trailing output is read after the process
	// exits before the master side is closed.
	drainTimeout = 250 * time.Millisecond
)

// Session is one process running under a pseudo-terminal
type Session struct {
	id        string
	requestID string
	command   string
	createdAt time.Time

	ptmx *os.File
	cmd  *exec.Cmd

	metaMu sync.RWMutex
	cols   uint16
	rows   uint16

	stateMu  sync.RWMutex
	state    types.SessionState
	pid      int
	exitCode int
	exitedAt time.Time

	writeMu sync.Mutex
	in      chan []byte
	out     chan []byte

	readDone chan struct{}
	exited   chan struct{}
	done     chan struct{}

	logger zerolog.Logger
}

// readLoop copies terminal output to s.out until the master side fails
func (s *Session) readLoop() {
	defer close(s.readDone)
	defer close(s.out)

	var c chunker
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			if chunk := c.next(buf[:n]); len(chunk) > 0 {
				s.out <- chunk
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug().Err(err).Msg("PTY read ended")
			}
			break
		}
	}
	if rest := c.flush(); len(rest) > 0 {
		s.out <- rest
	}
}

// waitLoop reaps the process and records its exit code
func (s *Session) waitLoop() {
	_ = s.cmd.Wait()
	code := executor.ExitCode(s.cmd.ProcessState)

	// A background child may keep the slave open; stop waiting for EOF.
	select {
	case <-s.readDone:
	case <-time.After(drainTimeout):
		_ = s.ptmx.Close()
		<-s.readDone
	}

	s.stateMu.Lock()
	s.state = types.SessionExited
	s.exitCode = code
	s.exitedAt = time.Now()
	s.stateMu.Unlock()

	metrics.PTYSessionsActive.Dec()
	close(s.exited)
}

// writeLoop drains queued input into the terminal in order
func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.in:
			s.writeMu.Lock()
			_, err := s.ptmx.Write(data)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("Failed to write PTY input")
			}
		case <-s.exited:
			return
		}
	}
}

// forward emits session events in order: created, output, exited
func (s *Session) forward(emit Emitter) {
	defer close(s.done)

	emit(Event{Kind: EventCreated, SessionID: s.id, RequestID: s.requestID})
	for chunk := range s.out {
		emit(Event{Kind: EventOutput, SessionID: s.id, Data: chunk})
	}
	<-s.exited
	_ = s.ptmx.Close()
	emit(Event{Kind: EventExited, SessionID: s.id, ExitCode: s.ExitCode()})
}

func (s *Session) queueInput(data []byte) error {
	if s.State() != types.SessionRunning {
		return ErrSessionNotRunning
	}
	buf := append([]byte(nil), data...)
	select {
	case s.in <- buf:
		return nil
	default:
		return ErrInputOverflow
	}
}

func (s *Session) resize(cols, rows uint16) error {
	if s.State() != types.SessionRunning {
		return ErrSessionNotRunning
	}
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	if err := creackpty.Setsize(s.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	s.metaMu.Lock()
	s.cols, s.rows = cols, rows
	s.metaMu.Unlock()
	return nil
}

// started records the spawned process and moves the session to running
func (s *Session) started(ptmx *os.File, pid int) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.ptmx = ptmx
	s.pid = pid
	s.state = types.SessionRunning
}

// beginClose moves a running session to closing. Only one caller wins.
func (s *Session) beginClose() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != types.SessionRunning {
		return ErrSessionNotRunning
	}
	s.state = types.SessionClosing
	return nil
}

// terminate hangs up the process group, escalating to SIGKILL after grace
func (s *Session) terminate(grace time.Duration) {
	pid := s.PID()

	// The child leads its own session, so its pgid is its pid.
	_ = syscall.Kill(-pid, syscall.SIGHUP)
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.exited:
		return
	case <-timer.C:
	}

	s.logger.Warn().Dur("grace", grace).Msg("PTY session ignored hangup, killing")
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = s.cmd.Process.Kill()
	<-s.exited
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the lifecycle state
func (s *Session) State() types.SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// PID returns the process id, or 0 before the process has started
func (s *Session) PID() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.pid
}

// ExitCode returns the exit code, or -1 while the process runs
func (s *Session) ExitCode() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state != types.SessionExited {
		return -1
	}
	return s.exitCode
}

// Info returns a snapshot of the session
func (s *Session) Info() types.SessionInfo {
	s.metaMu.RLock()
	cols, rows := s.cols, s.rows
	s.metaMu.RUnlock()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	info := types.SessionInfo{
		ID:        s.id,
		Command:   s.command,
		Cols:      cols,
		Rows:      rows,
		State:     s.state,
		ExitCode:  -1,
		PID:       s.pid,
		CreatedAt: s.createdAt,
	}
	if s.state == types.SessionExited {
		info.ExitCode = s.exitCode
		info.ExitedAt = s.exitedAt
	}
	return info
}
