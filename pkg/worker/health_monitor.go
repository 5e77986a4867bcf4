package worker

import (
	"github.com/cuemby/cocoon/pkg/events"
	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/rs/zerolog"
)

// HealthMonitor keeps the component health registry in step with worker
// lifecycle events
type HealthMonitor struct {
	broker *events.Broker
	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(broker *events.Broker) *HealthMonitor {
	return &HealthMonitor{
		broker: broker,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("health-monitor"),
	}
}

// Start subscribes to the broker and starts the monitor loop
func (hm *HealthMonitor) Start() {
	hm.sub = hm.broker.Subscribe()
	go hm.monitorLoop()
}

// Stop stops the monitor and waits for its loop to exit
func (hm *HealthMonitor) Stop() {
	close(hm.stopCh)
	<-hm.doneCh
	hm.broker.Unsubscribe(hm.sub)
}

func (hm *HealthMonitor) monitorLoop() {
	defer close(hm.doneCh)

	for {
		select {
		case event, ok := <-hm.sub:
			if !ok {
				return
			}
			hm.handle(event)
		case <-hm.stopCh:
			return
		}
	}
}

func (hm *HealthMonitor) handle(event *events.Event) {
	switch event.Type {
	case events.EventConnected:
		metrics.UpdateComponent(metrics.ComponentTransport, true, event.Message)
	case events.EventConnectionLost:
		metrics.UpdateComponent(metrics.ComponentTransport, false, event.Message)
		// keep a rejection reason visible across reconnect attempts
		if comp, ok := metrics.Component(metrics.ComponentIdentity); ok && comp.Healthy {
			metrics.UpdateComponent(metrics.ComponentIdentity, false, "awaiting verification")
		}
	case events.EventIdentityVerified:
		metrics.UpdateComponent(metrics.ComponentIdentity, true, event.Metadata["device_id"])
	case events.EventIdentityRejected:
		metrics.UpdateComponent(metrics.ComponentIdentity, false, event.Message)
	}

	hm.logger.Debug().
		Str("event", string(event.Type)).
		Str("message", event.Message).
		Interface("metadata", event.Metadata).
		Msg("Worker event")
}
