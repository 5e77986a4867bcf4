package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	creackpty "github.com/creack/pty"
	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

const (
	DefaultShell       = "/bin/sh"
	DefaultGracePeriod = 5 * time.Second
	DefaultCols        = 80
	DefaultRows        = 24

	defaultOutputBuffer = 64
	defaultInputBuffer  = 64
)

var (
	// ErrSessionNotFound is returned for ids the manager has never seen
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotRunning is returned for sessions that are closing or exited
	ErrSessionNotRunning = errors.New("session not running")

	// ErrInputOverflow is returned when a session's input queue is full
	ErrInputOverflow = errors.New("input queue full")

	// ErrInvalidSize is returned for a zero column or row count
	ErrInvalidSize = errors.New("invalid terminal size")
)

// EventKind identifies a session event
type EventKind int

const (
	EventCreated EventKind = iota
	EventOutput
	EventExited
)

// Event is emitted by a session's forwarder. For each session the order is
// one EventCreated, any number of EventOutput, then exactly one EventExited.
type Event struct {
	Kind      EventKind
	SessionID string
	RequestID string
	Data      []byte
	ExitCode  int
}

// Emitter receives session events. It may block; a blocked emitter stalls
// only the session it is called for.
type Emitter func(Event)

// Config configures the session manager
type Config struct {
	Shell        string
	GracePeriod  time.Duration
	OutputBuffer int
	InputBuffer  int
}

// AttachOptions describes a new session
type AttachOptions struct {
	// RequestID is echoed in the created event
	RequestID string

	// Command runs under `Shell -c`; empty starts an interactive shell
	Command string

	Cols uint16
	Rows uint16
	Env  map[string]string
}

// Manager owns the PTY sessions of one connection
type Manager struct {
	cfg  Config
	emit Emitter

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	logger zerolog.Logger
}

// NewManager creates a session manager
func NewManager(cfg Config, emit Emitter) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = defaultOutputBuffer
	}
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = defaultInputBuffer
	}
	return &Manager{
		cfg:      cfg,
		emit:     emit,
		sessions: make(map[string]*Session),
		logger:   log.WithComponent("pty"),
	}
}

// Attach spawns a process under a new pseudo-terminal and starts streaming
// its events. It returns the session id.
func (m *Manager) Attach(opts AttachOptions) (string, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(opts.Command) == "" {
		cmd = exec.Command(m.cfg.Shell)
	} else {
		cmd = exec.Command(m.cfg.Shell, "-c", opts.Command)
	}
	cmd.Env = mergeEnvironment(os.Environ(), sessionEnv(opts.Env))
	if dir, err := os.UserHomeDir(); err == nil {
		cmd.Dir = dir
	}

	id := uuid.New().String()
	s := &Session{
		id:        id,
		requestID: opts.RequestID,
		command:   opts.Command,
		createdAt: time.Now(),
		cmd:       cmd,
		cols:      cols,
		rows:      rows,
		state:     types.SessionStarting,
		in:        make(chan []byte, m.cfg.InputBuffer),
		out:       make(chan []byte, m.cfg.OutputBuffer),
		readDone:  make(chan struct{}),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    log.WithSessionID(id),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("session manager is shut down")
	}
	m.sessions[id] = s
	m.mu.Unlock()

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return "", fmt.Errorf("failed to start PTY: %w", err)
	}
	s.started(ptmx, cmd.Process.Pid)

	metrics.PTYSessionsTotal.Inc()
	metrics.PTYSessionsActive.Inc()

	go s.forward(m.emit)
	go s.readLoop()
	go s.waitLoop()
	go s.writeLoop()

	// Shutdown skips sessions that were still starting
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed && s.beginClose() == nil {
		s.terminate(m.cfg.GracePeriod)
		<-s.done
		return "", fmt.Errorf("session manager is shut down")
	}

	s.logger.Info().
		Str("command", opts.Command).
		Int("pid", cmd.Process.Pid).
		Uint16("cols", cols).
		Uint16("rows", rows).
		Msg("PTY session started")

	return id, nil
}

// Input queues raw bytes for the session's terminal
func (m *Manager) Input(id string, data []byte) error {
	s, err := m.getSession(id)
	if err != nil {
		return err
	}
	if err := s.queueInput(data); err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	return nil
}

// Resize changes the terminal dimensions seen by the session's process
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, err := m.getSession(id)
	if err != nil {
		return err
	}
	if err := s.resize(cols, rows); err != nil {
		return fmt.Errorf("failed to resize session %s: %w", id, err)
	}
	return nil
}

// Close terminates the session's process and waits until its exited event
// has been emitted. It returns the exit code.
func (m *Manager) Close(ctx context.Context, id string) (int, error) {
	s, err := m.getSession(id)
	if err != nil {
		return 0, err
	}
	if err := s.beginClose(); err != nil {
		return 0, fmt.Errorf("%w: %s", err, id)
	}

	s.logger.Info().Msg("Closing PTY session")
	s.terminate(m.cfg.GracePeriod)

	select {
	case <-s.done:
	case <-ctx.Done():
		return s.ExitCode(), ctx.Err()
	}
	return s.ExitCode(), nil
}

// Info returns a snapshot of a session
func (m *Manager) Info(id string) (types.SessionInfo, error) {
	s, err := m.getSession(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	return s.Info(), nil
}

// List returns snapshots of all sessions, exited ones included, oldest first
func (m *Manager) List() []types.SessionInfo {
	m.mu.RLock()
	infos := make([]types.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// ActiveSessions returns the number of sessions whose process is running
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if s.State() != types.SessionExited {
			count++
		}
	}
	return count
}

// Shutdown closes every running session and waits for their exited events.
// New sessions are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)
	for _, s := range sessions {
		if s.beginClose() != nil {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.terminate(m.cfg.GracePeriod)
			select {
			case <-s.done:
			case <-ctx.Done():
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("session %s: %w", s.id, ctx.Err()))
				errMu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	return result.ErrorOrNil()
}

func (m *Manager) getSession(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func sessionEnv(extra map[string]string) []string {
	env := []string{"TERM=xterm-256color"}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// mergeEnvironment overlays entries onto base, replacing same-named keys in
// place.
func mergeEnvironment(base, overlay []string) []string {
	merged := make([]string, 0, len(base)+len(overlay))
	index := make(map[string]int, len(base)+len(overlay))
	for _, entry := range append(append([]string(nil), base...), overlay...) {
		key, _, _ := strings.Cut(entry, "=")
		if pos, ok := index[key]; ok {
			merged[pos] = entry
			continue
		}
		index[key] = len(merged)
		merged = append(merged, entry)
	}
	return merged
}
