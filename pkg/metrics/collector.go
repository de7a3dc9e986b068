package metrics

import (
	"time"

	"github.com/fleetd/fleetd/pkg/types"
)

// WorkerLister is the slice of pkg/registry.Registry the collector needs.
// Defined locally so this package never imports pkg/registry, which would
// otherwise import metrics back to instrument registration counters.
type WorkerLister interface {
	List() ([]*types.Worker, error)
}

// Collector periodically refreshes gauge metrics that reflect current
// state rather than point-in-time events (registered workers by status).
// Counters like WorkerRegistrationsTotal are incremented directly by their
// owning package at the moment the event occurs.
type Collector struct {
	registry WorkerLister
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector that samples the given registry.
func NewCollector(registry WorkerLister) *Collector {
	return &Collector{
		registry: registry,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	workers, err := c.registry.List()
	if err != nil {
		return
	}

	counts := map[types.WorkerStatus]int{
		types.WorkerPending:  0,
		types.WorkerOnline:   0,
		types.WorkerDegraded: 0,
		types.WorkerOffline:  0,
	}
	for _, w := range workers {
		counts[w.Status]++
	}
	for status, count := range counts {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
