package types

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// SecretSource records where the device secret came from. Each source has
// its own recovery policy when the secret fails validation.
type SecretSource string

const (
	// SecretSourceFile is a secret read from (or generated into) the data dir
	SecretSourceFile SecretSource = "file"
	// SecretSourceEnvironmentOverride is a secret supplied via COCOON_SECRET
	SecretSourceEnvironmentOverride SecretSource = "environment_override"
	// SecretSourceEphemeral is a generated secret that could not be persisted
	SecretSourceEphemeral SecretSource = "ephemeral"
)

// Regenerable reports whether a weak secret from this source may be
// replaced by a freshly generated one.
func (s SecretSource) Regenerable() bool {
	return s != SecretSourceEnvironmentOverride
}

// DeviceIdentity pairs the device secret with the id the coordinator derived
// for it. DeviceID is empty until the first successful registration.
type DeviceIdentity struct {
	Secret   string
	DeviceID string
	Source   SecretSource
}

// Known reports whether a device id has been persisted
func (d DeviceIdentity) Known() bool {
	return d.DeviceID != ""
}

// ConnectionState is the transport state machine
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// AllConnectionStates lists every transport state, in state machine order
var AllConnectionStates = []ConnectionState{
	ConnectionDisconnected,
	ConnectionConnecting,
	ConnectionConnected,
	ConnectionReconnecting,
}

// SessionState represents the lifecycle of a PTY session
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionClosing  SessionState = "closing"
	SessionExited   SessionState = "exited"
)

// SessionInfo is a read-only snapshot of a PTY session
type SessionInfo struct {
	ID        string       `json:"id"`
	Command   string       `json:"command"`
	Cols      uint16       `json:"cols"`
	Rows      uint16       `json:"rows"`
	State     SessionState `json:"state"`
	ExitCode  int          `json:"exit_code"`
	PID       int          `json:"pid"`
	CreatedAt time.Time    `json:"created_at"`
	ExitedAt  time.Time    `json:"exited_at,omitempty"`
}

// ServiceEndpoint is a named local service reachable through the proxy
type ServiceEndpoint struct {
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Address returns host:port
func (e ServiceEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the plain-HTTP URL of path on the service
func (e ServiceEndpoint) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + e.Address() + path
}

// Artifact is a file produced by an executed command
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Binary  bool   `json:"binary"`
}

// ExecutionResult is the outcome of a one-shot command
type ExecutionResult struct {
	Success   bool
	Stdout    string
	Stderr    string
	ExitCode  int
	ErrorCode string
	Details   string
	Files     []Artifact
	Duration  time.Duration
}

// Task is an entry in the local task store
type Task struct {
	ID          string     `yaml:"id" json:"id"`
	Title       string     `yaml:"title" json:"title"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Status      TaskStatus `yaml:"status" json:"status"`
	Tags        []string   `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt   time.Time  `yaml:"created_at,omitempty" json:"created_at"`
	UpdatedAt   time.Time  `yaml:"updated_at,omitempty" json:"updated_at"`
}

// TaskStatus represents the state of a stored task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Valid reports whether s is a known task status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// TaskStats summarizes the task store by status
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// KnowledgeEntry is a document in the local knowledge base
type KnowledgeEntry struct {
	ID        string    `yaml:"id" json:"id"`
	Title     string    `yaml:"title" json:"title"`
	Content   string    `yaml:"content" json:"content"`
	Tags      []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at"`
}
