package metrics

import (
	"sync"
	"time"
)

// Source exposes the live counts the collector samples
type Source interface {
	ActiveSessions() int
	InflightRequests() int
}

// Collector periodically samples gauges that are cheaper to read than to
// track on every change
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	PTYSessionsActive.Set(float64(c.source.ActiveSessions()))
	InflightRequests.Set(float64(c.source.InflightRequests()))
}
