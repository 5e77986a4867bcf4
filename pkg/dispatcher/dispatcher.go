package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cuemby/cocoon/pkg/events"
	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/proxy"
	"github.com/cuemby/cocoon/pkg/pty"
	"github.com/cuemby/cocoon/pkg/query"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

// Conn is the verified connection the dispatcher serves
type Conn interface {
	protocol.Sender
	Receive(ctx context.Context) ([]byte, error)
}

// Executor runs one-shot commands
type Executor interface {
	Execute(ctx context.Context, command string, input *string) types.ExecutionResult
}

// Relay forwards HTTP requests to local services
type Relay interface {
	Do(ctx context.Context, req proxy.Request) proxy.Result
}

// Querier answers local queries
type Querier interface {
	Run(ctx context.Context, req protocol.QueryLocal, emit query.Emit) error
}

// Config wires the handlers. PTY sessions are owned by the dispatcher and
// live as long as its connection.
type Config struct {
	Executor Executor
	Relay    Relay
	Queries  Querier
	PTY      pty.Config

	// Events is optional
	Events *events.Broker
}

// Dispatcher routes the frames of one connection to their handlers
type Dispatcher struct {
	conn     Conn
	cfg      Config
	sessions *pty.Manager

	wg       sync.WaitGroup
	inflight atomic.Int64

	logger zerolog.Logger
}

// New creates a dispatcher for conn
func New(conn Conn, cfg Config) *Dispatcher {
	d := &Dispatcher{
		conn:   conn,
		cfg:    cfg,
		logger: log.WithComponent("dispatcher"),
	}
	d.sessions = pty.NewManager(cfg.PTY, d.emitSession)
	return d
}

// Run processes inbound frames one at a time, in arrival order, until ctx
// is cancelled (nil) or the connection fails (error). Long-running requests
// continue after Run returns; see Shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		raw, err := d.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive frame: %w", err)
		}
		d.Dispatch(ctx, raw)
	}
}

// Dispatch routes a single raw frame. Handlers that may take long run in
// their own goroutine; the rest complete before Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	env, err := protocol.Peek(raw)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed frame")
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}

	switch env.Type {
	case protocol.TypeExecute:
		var req protocol.Execute
		if d.decode(ctx, raw, env, &req) {
			d.spawn(func() { d.handleExecute(ctx, env, req) })
		}

	case protocol.TypeAttachPTY:
		var req protocol.AttachPTY
		if d.decode(ctx, raw, env, &req) {
			d.handleAttach(ctx, env, req)
		}

	case protocol.TypePTYInput:
		var req protocol.PTYInput
		if d.decode(ctx, raw, env, &req) {
			d.handleInput(ctx, env, req)
		}

	case protocol.TypePTYResize:
		var req protocol.PTYResize
		if d.decode(ctx, raw, env, &req) {
			d.handleResize(ctx, env, req)
		}

	case protocol.TypePTYClose:
		var req protocol.PTYClose
		if d.decode(ctx, raw, env, &req) {
			d.spawn(func() { d.handleClose(ctx, env, req) })
		}

	case protocol.TypeProxyHTTP:
		var req protocol.ProxyHTTP
		if d.decode(ctx, raw, env, &req) {
			d.spawn(func() { d.handleProxy(ctx, env, req) })
		}

	case protocol.TypeQueryLocal:
		var req protocol.QueryLocal
		if d.decode(ctx, raw, env, &req) {
			d.spawn(func() { d.handleQuery(ctx, env, req) })
		}

	case protocol.TypeRegistrationResult:
		d.logger.Debug().Msg("Ignoring registration result on verified connection")

	case protocol.TypeDeregistered:
		d.logger.Info().Msg("Coordinator acknowledged deregistration")

	case protocol.TypeError:
		var serverErr protocol.Error
		_ = protocol.Decode(raw, &serverErr)
		d.logger.Warn().
			Str("code", serverErr.Code).
			Str("correlation_id", env.CorrelationID()).
			Msg("Coordinator reported error: " + serverErr.Message)

	default:
		d.reject(ctx, env, protocol.CodeUnknownMessage, fmt.Sprintf("Unknown message type: %s", env.Type))
	}
}

// Shutdown closes every PTY session and waits for in-flight requests
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	err := d.sessions.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// ActiveSessions returns the number of running PTY sessions
func (d *Dispatcher) ActiveSessions() int {
	return d.sessions.ActiveSessions()
}

// InflightRequests returns the number of long-running requests in progress
func (d *Dispatcher) InflightRequests() int {
	return int(d.inflight.Load())
}

// Sessions lists the PTY sessions of this connection
func (d *Dispatcher) Sessions() []types.SessionInfo {
	return d.sessions.List()
}

func (d *Dispatcher) spawn(fn func()) {
	d.wg.Add(1)
	d.inflight.Add(1)
	metrics.InflightRequests.Inc()
	go func() {
		defer func() {
			metrics.InflightRequests.Dec()
			d.inflight.Add(-1)
			d.wg.Done()
		}()
		fn()
	}()
}

func (d *Dispatcher) decode(ctx context.Context, raw []byte, env protocol.Envelope, v interface{}) bool {
	if err := protocol.Decode(raw, v); err != nil {
		d.reject(ctx, env, protocol.CodeInvalidRequest, err.Error())
		return false
	}
	return true
}

// reject answers a request with an error frame, or drops it when there is
// no correlation id to answer to
func (d *Dispatcher) reject(ctx context.Context, env protocol.Envelope, code, message string) {
	if env.CorrelationID() == "" {
		d.logger.Warn().Str("type", env.Type).Str("code", code).Msg("Dropping uncorrelated frame: " + message)
		metrics.FramesDropped.WithLabelValues(code).Inc()
		return
	}
	d.send(ctx, protocol.NewError(env, code, message))
}

func (d *Dispatcher) send(ctx context.Context, frame protocol.Frame) {
	if err := d.conn.Send(ctx, frame); err != nil {
		d.logger.Debug().Err(err).Str("type", frame.FrameType()).Msg("Failed to send frame")
	}
}

func (d *Dispatcher) publish(t events.EventType, msg string, meta map[string]string) {
	if d.cfg.Events != nil {
		d.cfg.Events.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
	}
}

func (d *Dispatcher) handleExecute(ctx context.Context, env protocol.Envelope, req protocol.Execute) {
	logger := d.logger
	if req.RequestID != "" {
		logger = log.WithRequestID(req.RequestID)
	}
	logger.Info().Msg("Executing command")

	result := d.cfg.Executor.Execute(ctx, req.Command, req.Input)
	d.send(ctx, protocol.NewExecuteResult(req.RequestID, result))

	d.publish(events.EventCommandCompleted, "command finished", map[string]string{
		"request_id": req.RequestID,
		"exit_code":  strconv.Itoa(result.ExitCode),
		"success":    strconv.FormatBool(result.Success),
	})
}

func (d *Dispatcher) handleAttach(ctx context.Context, env protocol.Envelope, req protocol.AttachPTY) {
	_, err := d.sessions.Attach(pty.AttachOptions{
		RequestID: req.RequestID,
		Command:   req.Command,
		Cols:      req.Cols,
		Rows:      req.Rows,
		Env:       req.Env,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("command", req.Command).Msg("Failed to attach PTY")
		d.reject(ctx, env, protocol.CodePTYCreateFailed, err.Error())
	}
}

func (d *Dispatcher) handleInput(ctx context.Context, env protocol.Envelope, req protocol.PTYInput) {
	if err := d.sessions.Input(req.SessionID, []byte(req.Data)); err != nil {
		d.reject(ctx, env, sessionErrorCode(err, protocol.CodePTYWriteFailed), err.Error())
	}
}

func (d *Dispatcher) handleResize(ctx context.Context, env protocol.Envelope, req protocol.PTYResize) {
	if err := d.sessions.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		d.reject(ctx, env, sessionErrorCode(err, protocol.CodeResizeFailed), err.Error())
	}
}

func (d *Dispatcher) handleClose(ctx context.Context, env protocol.Envelope, req protocol.PTYClose) {
	if _, err := d.sessions.Close(ctx, req.SessionID); err != nil {
		d.reject(ctx, env, sessionErrorCode(err, protocol.CodeCloseFailed), err.Error())
	}
}

func (d *Dispatcher) handleProxy(ctx context.Context, env protocol.Envelope, req protocol.ProxyHTTP) {
	if req.RequestID == "" {
		d.reject(ctx, env, protocol.CodeInvalidRequest, "request_id is required")
		return
	}

	result := d.cfg.Relay.Do(ctx, proxy.Request{
		ID:      req.RequestID,
		Service: req.ServiceName,
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Body:    req.Body,
	})

	frame := protocol.ProxyResult{
		RequestID:  req.RequestID,
		StatusCode: result.StatusCode,
		Headers:    result.Headers,
		Body:       result.Body,
	}
	if frame.Headers == nil {
		frame.Headers = map[string]string{}
	}
	if result.Failed() {
		frame.Error = &protocol.ErrorDetail{Code: result.ErrorCode, Details: result.Error}
	}
	d.send(ctx, frame)
}

func (d *Dispatcher) handleQuery(ctx context.Context, env protocol.Envelope, req protocol.QueryLocal) {
	if req.QueryID == "" {
		d.reject(ctx, env, protocol.CodeInvalidRequest, "query_id is required")
		return
	}
	if d.cfg.Queries == nil {
		d.send(ctx, protocol.QueryResult{
			QueryID: req.QueryID,
			Status:  protocol.QueryStatusNotImplemented,
			Data:    map[string]interface{}{},
			IsFinal: true,
		})
		return
	}

	err := d.cfg.Queries.Run(ctx, req, func(r protocol.QueryResult) error {
		return d.conn.Send(ctx, r)
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn().Err(err).Str("query_id", req.QueryID).Msg("Query aborted")
	}
}

// emitSession turns PTY events into frames. It runs on each session's
// forwarder goroutine, so per-session order is the order of Send calls.
func (d *Dispatcher) emitSession(e pty.Event) {
	ctx := context.Background()
	switch e.Kind {
	case pty.EventCreated:
		d.send(ctx, protocol.PTYCreated{RequestID: e.RequestID, SessionID: e.SessionID})
		d.publish(events.EventSessionCreated, "PTY session created", map[string]string{"session_id": e.SessionID})
	case pty.EventOutput:
		d.send(ctx, protocol.PTYOutput{SessionID: e.SessionID, Data: string(e.Data)})
	case pty.EventExited:
		d.send(ctx, protocol.PTYExited{SessionID: e.SessionID, ExitCode: e.ExitCode})
		d.publish(events.EventSessionExited, "PTY session exited", map[string]string{
			"session_id": e.SessionID,
			"exit_code":  strconv.Itoa(e.ExitCode),
		})
	}
}

func sessionErrorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, pty.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, pty.ErrSessionNotRunning):
		return protocol.CodeSessionNotRunning
	default:
		return fallback
	}
}
