/*
Package worker implements the cocoon worker: the process that keeps one
authenticated connection to the signaling service and serves remote
requests over it.

# Architecture

	┌──────────────────────────── WORKER ─────────────────────────────┐
	│                                                                  │
	│  secret.Store ──▶ DeviceIdentity {secret, device_id?}            │
	│                        │                                         │
	│  ┌─────────────────────▼─────────────────────────────┐           │
	│  │            transport.Client (reconnect loop)       │           │
	│  │  Connecting → Connected → Reconnecting → ...       │           │
	│  └─────────────────────┬─────────────────────────────┘           │
	│                        │ per connection                          │
	│  ┌─────────────────────▼─────────────────────────────┐           │
	│  │  identity.Protocol.Register   (gates dispatch)     │           │
	│  └─────────────────────┬─────────────────────────────┘           │
	│                        │ Verified                                │
	│  ┌─────────────────────▼─────────────────────────────┐           │
	│  │  dispatcher.Dispatcher                             │           │
	│  │   execute ──▶ executor.Executor                    │           │
	│  │   pty_*   ──▶ pty.Manager (per connection)         │           │
	│  │   proxy   ──▶ proxy.Relay ──▶ local services       │           │
	│  │   query   ──▶ query.Engine ──▶ storage (bbolt)     │           │
	│  └────────────────────────────────────────────────────┘           │
	│                                                                  │
	│  events.Broker ──▶ HealthMonitor ──▶ metrics component health    │
	│  metrics.Collector (15s)         api.HealthServer (optional)     │
	└──────────────────────────────────────────────────────────────────┘

# Connection Lifecycle

 1. Dial the signaling URL
 2. Send register (or register_with_setup_token on first start when a
    setup token is configured)
 3. Rejected: drop the connection, back off, retry
 4. Verified: persist the device id on first registration, then dispatch
 5. Connection lost: close every PTY session of the connection, back off
 6. Shutdown: close sessions, send deregister, flush, close

Device ids survive restarts through the secret store; a weak persisted
secret is replaced and its device id discarded, so the worker registers as
a new device.

# Health

HealthMonitor subscribes to the worker's lifecycle events and keeps the
transport and identity components of pkg/metrics current. /ready reports
ready only while both are healthy.

# Usage

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	w, err := worker.New(cfg, version)
	if err != nil {
		return err
	}
	return w.Run(ctx) // returns when ctx is cancelled
*/
package worker
