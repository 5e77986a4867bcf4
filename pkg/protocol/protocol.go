package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/cocoon/pkg/types"
)

// Message types exchanged with the signaling service
const (
	TypeRegister               = "register"
	TypeRegisterWithSetupToken = "register_with_setup_token"
	TypeRegistrationResult     = "registration_result"
	TypeDeregister             = "deregister"
	TypeDeregistered           = "deregistered"
	TypeExecute                = "execute"
	TypeExecuteResult          = "execute_result"
	TypeAttachPTY              = "attach_pty"
	TypePTYCreated             = "pty_created"
	TypePTYOutput              = "pty_output"
	TypePTYInput               = "pty_input"
	TypePTYResize              = "pty_resize"
	TypePTYClose               = "pty_close"
	TypePTYExited              = "pty_exited"
	TypeProxyHTTP              = "proxy_http"
	TypeProxyResult            = "proxy_result"
	TypeQueryLocal             = "query_local"
	TypeQueryResult            = "query_result"
	TypeError                  = "error"
)

var knownTypes = map[string]bool{
	TypeRegister: true, TypeRegisterWithSetupToken: true, TypeRegistrationResult: true,
	TypeDeregister: true, TypeDeregistered: true,
	TypeExecute: true, TypeExecuteResult: true,
	TypeAttachPTY: true, TypePTYCreated: true, TypePTYOutput: true, TypePTYInput: true,
	TypePTYResize: true, TypePTYClose: true, TypePTYExited: true,
	TypeProxyHTTP: true, TypeProxyResult: true,
	TypeQueryLocal: true, TypeQueryResult: true,
	TypeError: true,
}

// TypeLabel returns t when it is a known message type and "unknown"
// otherwise, for use as a bounded metric label.
func TypeLabel(t string) string {
	if knownTypes[t] {
		return t
	}
	return "unknown"
}

// Error codes carried by error frames and failed results
const (
	CodeUnknownMessage    = "unknown_message"
	CodeInvalidRequest    = "invalid_request"
	CodeSessionNotFound   = "session_not_found"
	CodeSessionNotRunning = "session_not_running"
	CodePTYCreateFailed   = "pty_create_failed"
	CodePTYWriteFailed    = "pty_write_failed"
	CodeResizeFailed      = "resize_failed"
	CodeCloseFailed       = "close_failed"
	CodeSpawnFailed       = "spawn_failed"
	CodeExecutionFailed   = "execution_failed"
	CodeCommandFailed     = "command_failed"
	CodeServiceNotFound   = "service_not_found"
	CodeMethodNotAllowed  = "method_not_allowed"
	CodeProxyError        = "proxy_error"
	CodeTimeout           = "timeout"
	CodeQueryFailed       = "query_failed"
)

// Query kinds accepted by query_local
const (
	QueryListTasks           = "list_tasks"
	QueryTaskStats           = "get_task_stats"
	QuerySearchTasks         = "search_tasks"
	QuerySearchKnowledgebase = "search_knowledgebase"
	QueryCustom              = "custom"
)

// Query result statuses
const (
	QueryStatusOK             = "ok"
	QueryStatusNotImplemented = "not_implemented"
	QueryStatusError          = "error"
)

// ErrMalformedFrame is returned when a frame is not a JSON object with a type
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is any message that can be put on the wire
type Frame interface {
	FrameType() string
}

// Sender delivers frames to the remote peer
type Sender interface {
	Send(ctx context.Context, frame Frame) error
}

// Envelope is the part of every frame needed for routing and correlation
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	QueryID   string `json:"query_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// CorrelationID returns the first correlation token present in the frame
func (e Envelope) CorrelationID() string {
	switch {
	case e.RequestID != "":
		return e.RequestID
	case e.QueryID != "":
		return e.QueryID
	default:
		return e.SessionID
	}
}

// Peek decodes just the envelope of a raw frame
func Peek(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// Decode unmarshals a raw frame into v
func Decode(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}

// Encode marshals a frame for the wire, adding the type discriminator
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.FrameType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("failed to encode %s frame: not a JSON object", f.FrameType())
	}
	typ, err := json.Marshal(f.FrameType())
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame type: %w", err)
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Register is the first frame sent on every connection
type Register struct {
	Secret   string `json:"secret"`
	DeviceID string `json:"device_id,omitempty"`
	Version  string `json:"version,omitempty"`
	Name     string `json:"name,omitempty"`
}

func (Register) FrameType() string { return TypeRegister }

// RegisterWithSetupToken claims a new device for an owner
type RegisterWithSetupToken struct {
	Secret     string `json:"secret"`
	SetupToken string `json:"setup_token"`
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
}

func (RegisterWithSetupToken) FrameType() string { return TypeRegisterWithSetupToken }

// RegistrationResult is the coordinator's answer to a registration
type RegistrationResult struct {
	Accepted bool   `json:"accepted"`
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	OwnerID  string `json:"owner_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

func (RegistrationResult) FrameType() string { return TypeRegistrationResult }

// Deregister announces a graceful shutdown
type Deregister struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

func (Deregister) FrameType() string { return TypeDeregister }

// Deregistered acknowledges a deregister
type Deregistered struct {
	DeviceID string `json:"device_id"`
}

func (Deregistered) FrameType() string { return TypeDeregistered }

// Execute requests a one-shot command
type Execute struct {
	RequestID string  `json:"request_id,omitempty"`
	Command   string  `json:"command"`
	Input     *string `json:"input,omitempty"`
}

func (Execute) FrameType() string { return TypeExecute }

// ErrorDetail describes why a result failed
type ErrorDetail struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// ExecuteResult carries the outcome of an Execute
type ExecuteResult struct {
	RequestID string           `json:"request_id,omitempty"`
	Success   bool             `json:"success"`
	Stdout    string           `json:"stdout"`
	Stderr    string           `json:"stderr"`
	ExitCode  int              `json:"exit_code"`
	Error     *ErrorDetail     `json:"error,omitempty"`
	Files     []types.Artifact `json:"files"`
}

func (ExecuteResult) FrameType() string { return TypeExecuteResult }

// NewExecuteResult converts an executor result into a wire frame
func NewExecuteResult(requestID string, r types.ExecutionResult) ExecuteResult {
	out := ExecuteResult{
		RequestID: requestID,
		Success:   r.Success,
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		ExitCode:  r.ExitCode,
		Files:     r.Files,
	}
	if out.Files == nil {
		out.Files = []types.Artifact{}
	}
	if r.ErrorCode != "" {
		out.Error = &ErrorDetail{Code: r.ErrorCode, Details: r.Details}
	}
	return out
}

// AttachPTY opens an interactive session
type AttachPTY struct {
	RequestID string            `json:"request_id,omitempty"`
	Command   string            `json:"command"`
	Cols      uint16            `json:"cols"`
	Rows      uint16            `json:"rows"`
	Env       map[string]string `json:"env,omitempty"`
}

func (AttachPTY) FrameType() string { return TypeAttachPTY }

// PTYCreated reports a new session id
type PTYCreated struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
}

func (PTYCreated) FrameType() string { return TypePTYCreated }

// PTYOutput carries terminal output
type PTYOutput struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

func (PTYOutput) FrameType() string { return TypePTYOutput }

// PTYInput carries raw keystrokes for a session
type PTYInput struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

func (PTYInput) FrameType() string { return TypePTYInput }

// PTYResize changes a session's terminal size
type PTYResize struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

func (PTYResize) FrameType() string { return TypePTYResize }

// PTYClose terminates a session
type PTYClose struct {
	SessionID string `json:"session_id"`
}

func (PTYClose) FrameType() string { return TypePTYClose }

// PTYExited is the terminal event of every session
type PTYExited struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

func (PTYExited) FrameType() string { return TypePTYExited }

// ProxyHTTP asks the worker to relay an HTTP request to a local service
type ProxyHTTP struct {
	RequestID   string            `json:"request_id"`
	ServiceName string            `json:"service_name"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        *string           `json:"body,omitempty"`
}

func (ProxyHTTP) FrameType() string { return TypeProxyHTTP }

// ProxyResult is the relayed response or a correlated failure
type ProxyResult struct {
	RequestID  string            `json:"request_id"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      *ErrorDetail      `json:"error,omitempty"`
}

func (ProxyResult) FrameType() string { return TypeProxyResult }

// QueryLocal runs a read-only query against local data
type QueryLocal struct {
	QueryID   string                 `json:"query_id"`
	QueryType string                 `json:"query_type"`
	QueryName string                 `json:"query_name,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

func (QueryLocal) FrameType() string { return TypeQueryLocal }

// QueryResult is one part of a query's answer
type QueryResult struct {
	QueryID string      `json:"query_id"`
	Status  string      `json:"status"`
	Data    interface{} `json:"data"`
	IsFinal bool        `json:"is_final"`
}

func (QueryResult) FrameType() string { return TypeQueryResult }

// Error reports a failed request. The correlation fields echo whichever id
// the failed request carried.
type Error struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	QueryID   string `json:"query_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (Error) FrameType() string { return TypeError }

// NewError builds an error frame correlated to env
func NewError(env Envelope, code, message string) Error {
	return Error{
		Code:      code,
		Message:   message,
		RequestID: env.RequestID,
		QueryID:   env.QueryID,
		SessionID: env.SessionID,
	}
}
