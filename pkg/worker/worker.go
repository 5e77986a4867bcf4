package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cocoon/pkg/api"
	"github.com/cuemby/cocoon/pkg/config"
	"github.com/cuemby/cocoon/pkg/dispatcher"
	"github.com/cuemby/cocoon/pkg/events"
	"github.com/cuemby/cocoon/pkg/executor"
	"github.com/cuemby/cocoon/pkg/identity"
	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/proxy"
	"github.com/cuemby/cocoon/pkg/pty"
	"github.com/cuemby/cocoon/pkg/query"
	"github.com/cuemby/cocoon/pkg/secret"
	"github.com/cuemby/cocoon/pkg/storage"
	"github.com/cuemby/cocoon/pkg/transport"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// collectInterval is how often session and request gauges are sampled
	collectInterval = 15 * time.Second

	// shutdownSlack is added to the PTY grace period when draining a
	// connection on shutdown
	shutdownSlack = 5 * time.Second
)

// Worker represents a cocoon worker: one device identity, one signaling
// connection at a time, and the handlers serving it
type Worker struct {
	cfg     *config.Config
	version string

	secrets  *secret.Store
	identity *identity.Protocol
	registry *proxy.Registry
	executor *executor.Executor
	relay    *proxy.Relay
	store    storage.Store
	queries  *query.Engine
	broker   *events.Broker
	monitor  *HealthMonitor
	health   *api.HealthServer
	client   *transport.Client

	mu      sync.RWMutex
	device  types.DeviceIdentity
	current *dispatcher.Dispatcher

	logger zerolog.Logger
}

// New creates a worker from a validated configuration
func New(cfg *config.Config, version string) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry, err := proxy.NewRegistry(cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("failed to build service registry: %w", err)
	}

	w := &Worker{
		cfg:      cfg,
		version:  version,
		registry: registry,
		secrets: secret.NewStore(secret.Options{
			SecretPath:   cfg.SecretPath(),
			DeviceIDPath: cfg.DeviceIDPath(),
			Override:     cfg.Secret,
		}),
		executor: executor.New(executor.Config{
			Shell:        cfg.PTY.Shell,
			OutputDir:    cfg.ArtifactDir(),
			ResponsePath: cfg.ResponsePath(),
		}),
		relay:  proxy.NewRelay(registry, cfg.Proxy.Timeout),
		broker: events.NewBroker(),
		logger: log.WithComponent("worker"),
	}

	w.identity = identity.NewProtocol(identity.Config{
		Version:    version,
		Name:       cfg.Name,
		SetupToken: cfg.SetupToken,
		Timeout:    cfg.Transport.HandshakeTimeout,
	}, w.secrets)

	w.client = transport.NewClient(transport.Config{
		URL:              cfg.SignalingURL,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		InitialBackoff:   cfg.Transport.InitialBackoff,
		MaxBackoff:       cfg.Transport.MaxBackoff,
		StableAfter:      cfg.Transport.StableAfter,
		Conn: transport.ConnOptions{
			PingInterval: cfg.Transport.PingInterval,
			SendBuffer:   cfg.Transport.SendBuffer,
		},
		OnStateChange: w.onStateChange,
	})

	w.monitor = NewHealthMonitor(w.broker)
	if cfg.HealthAddr != "" {
		w.health = api.NewHealthServer(w)
	}
	return w, nil
}

// Run loads the device identity and keeps the worker connected until ctx
// is cancelled. It only returns an error when the worker cannot start.
func (w *Worker) Run(ctx context.Context) error {
	metrics.SetVersion(w.version)
	metrics.RegisterComponent(metrics.ComponentTransport, false, "not connected")
	metrics.RegisterComponent(metrics.ComponentIdentity, false, "not verified")

	device, err := w.secrets.Load()
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentSecret, false, err.Error())
		return fmt.Errorf("failed to load device secret: %w", err)
	}
	metrics.RegisterComponent(metrics.ComponentSecret, true, string(device.Source))
	w.setDevice(device)

	w.logger.Info().
		Str("source", string(device.Source)).
		Bool("known_device", device.Known()).
		Int("services", w.registry.Len()).
		Msg("Worker starting")

	if err := w.openStore(); err != nil {
		w.logger.Warn().Err(err).Msg("Local queries disabled")
	}
	defer w.closeStore()

	w.broker.Start()
	defer w.broker.Stop()
	w.monitor.Start()
	defer w.monitor.Stop()

	collector := metrics.NewCollector(w, collectInterval)
	collector.Start()
	defer collector.Stop()

	if w.health != nil {
		go func() {
			if err := w.health.Start(w.cfg.HealthAddr); err != nil {
				w.logger.Error().Err(err).Str("addr", w.cfg.HealthAddr).Msg("Health server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = w.health.Shutdown(shutdownCtx)
		}()
	}

	err = w.client.Run(ctx, w.serve)
	w.logger.Info().Msg("Worker stopped")
	return err
}

// DeviceID returns the verified or persisted device id, if any
func (w *Worker) DeviceID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.device.DeviceID
}

// ConnectionState returns the transport state
func (w *Worker) ConnectionState() types.ConnectionState {
	return w.client.State()
}

// Events returns the worker's lifecycle event broker
func (w *Worker) Events() *events.Broker {
	return w.broker
}

// ActiveSessions returns the running PTY sessions of the current connection
func (w *Worker) ActiveSessions() int {
	if d := w.activeDispatcher(); d != nil {
		return d.ActiveSessions()
	}
	return 0
}

// InflightRequests returns the long-running requests of the current connection
func (w *Worker) InflightRequests() int {
	if d := w.activeDispatcher(); d != nil {
		return d.InflightRequests()
	}
	return 0
}

// Sessions lists the PTY sessions of the current connection
func (w *Worker) Sessions() []types.SessionInfo {
	if d := w.activeDispatcher(); d != nil {
		return d.Sessions()
	}
	return nil
}

// serve handles one established connection: verify the device, then
// dispatch until the connection fails or the worker stops
func (w *Worker) serve(ctx context.Context, conn *transport.Conn) error {
	device := w.getDevice()

	outcome, err := w.identity.Register(ctx, conn, device)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, identity.ErrRejected) {
			reason = outcome.Reason
		}
		w.publish(events.EventIdentityRejected, reason, nil)
		return err
	}

	if !device.Known() {
		device.DeviceID = outcome.DeviceID
		w.setDevice(device)
	}
	w.publish(events.EventIdentityVerified, "device verified", map[string]string{
		"device_id": outcome.DeviceID,
	})

	logger := log.WithDeviceID(outcome.DeviceID)
	logger.Info().Str("owner_id", outcome.OwnerID).Msg("Ready to accept requests")

	var queries dispatcher.Querier
	if w.queries != nil {
		queries = w.queries
	}
	d := dispatcher.New(conn, dispatcher.Config{
		Executor: w.executor,
		Relay:    w.relay,
		Queries:  queries,
		PTY: pty.Config{
			Shell:        w.cfg.PTY.Shell,
			GracePeriod:  w.cfg.PTY.GracePeriod,
			OutputBuffer: w.cfg.PTY.OutputBuffer,
			InputBuffer:  w.cfg.PTY.InputBuffer,
		},
		Events: w.broker,
	})
	w.setDispatcher(d)
	defer w.setDispatcher(nil)

	runErr := d.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.PTY.GracePeriod+shutdownSlack)
	defer cancel()
	if err := d.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Connection did not drain cleanly")
	}

	if ctx.Err() != nil {
		w.deregister(drainCtx, conn, outcome.DeviceID)
	}
	return runErr
}

// deregister announces a graceful shutdown and waits for it to be written
func (w *Worker) deregister(ctx context.Context, conn *transport.Conn, deviceID string) {
	err := conn.Send(ctx, protocol.Deregister{DeviceID: deviceID, Reason: "shutdown"})
	if err == nil {
		err = conn.Flush(ctx)
	}
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to deregister")
		return
	}
	w.logger.Info().Str("device_id", deviceID).Msg("Deregistered")
}

func (w *Worker) onStateChange(state types.ConnectionState) {
	switch state {
	case types.ConnectionConnected:
		w.publish(events.EventConnected, "connected to "+w.cfg.SignalingURL, nil)
	case types.ConnectionReconnecting:
		w.publish(events.EventConnectionLost, "connection lost", nil)
	}
}

func (w *Worker) openStore() error {
	if w.cfg.Query.Disabled {
		return nil
	}

	bolt, err := storage.NewBoltStore(w.cfg.StorePath())
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentStore, false, err.Error())
		return err
	}
	metrics.RegisterComponent(metrics.ComponentStore, true, w.cfg.StorePath())

	w.store = bolt
	w.queries = query.NewEngine(bolt, w.cfg.Query.PageSize)
	w.queries.RegisterCustom(query.ServiceStatusQuery, query.ServiceStatus(w.registry))
	return nil
}

func (w *Worker) closeStore() {
	if w.store == nil {
		return
	}
	if err := w.store.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to close query store")
	}
}

func (w *Worker) publish(t events.EventType, msg string, meta map[string]string) {
	w.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

func (w *Worker) getDevice() types.DeviceIdentity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.device
}

func (w *Worker) setDevice(device types.DeviceIdentity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.device = device
}

func (w *Worker) activeDispatcher() *dispatcher.Dispatcher {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Worker) setDispatcher(d *dispatcher.Dispatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = d
}
