package metrics

import (
	"context"
	"time"

	"github.com/cuemby/desipipe/pkg/queuestore"
)

// Collector periodically samples a queue's store and publishes its depth
// gauges, the way a production deployment would scrape queue health
// without waiting on the next CLI invocation.
type Collector struct {
	store *queuestore.Store
	queue string

	stopCh chan struct{}
}

// NewCollector returns a Collector that samples store every 15 seconds
// under the label queue.
func NewCollector(store *queuestore.Store, queue string) *Collector {
	return &Collector{store: store, queue: queue, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in a background goroutine.
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
	recs, err := c.store.List(context.Background())
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, r := range recs {
		counts[string(r.State)]++
	}
	for state, n := range counts {
		QueueDepth.WithLabelValues(c.queue, state).Set(float64(n))
	}
}
