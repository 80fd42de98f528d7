package metrics

import (
	"time"
)

// QueueSource is the subset of the durable task queue the collector needs.
type QueueSource interface {
	Size() int
}

// MachinerySource is the subset of the machinery manager the collector needs.
type MachinerySource interface {
	Counts() (locked, disabled, available int)
}

// Collector periodically samples queue depth and machine inventory counts
// into the package-level gauges.
type Collector struct {
	queue     QueueSource
	machinery MachinerySource
	stopCh    chan struct{}
}

// NewCollector creates a metrics collector sampling the given sources.
func NewCollector(queue QueueSource, machinery MachinerySource) *Collector {
	return &Collector{
		queue:     queue,
		machinery: machinery,
		stopCh:    make(chan struct{}),
	}
}

// Start begins sampling on a 15 second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.queue != nil {
		QueueDepth.Set(float64(c.queue.Size()))
	}

	if c.machinery != nil {
		locked, disabled, available := c.machinery.Counts()
		MachinesTotal.WithLabelValues("locked").Set(float64(locked))
		MachinesTotal.WithLabelValues("disabled").Set(float64(disabled))
		MachinesTotal.WithLabelValues("available").Set(float64(available))
	}
}
