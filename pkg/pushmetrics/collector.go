package pushmetrics

import (
	"context"
	"time"
)

// Snapshotter is the subset of *push.Manager the collector needs. Defined
// here (rather than importing pkg/push) to keep pushmetrics a leaf package
// with no dependency on the manager's types.
type Snapshotter interface {
	SnapshotCounts(ctx context.Context) (count int, pending int, err error)
}

// Collector periodically reconciles the active-subscription and
// pending-retry gauges against the manager's own state, as a
// defense-in-depth check alongside the live updates the manager and retry
// scheduler already make inline.
type Collector struct {
	snapshotter Snapshotter
	interval    time.Duration
	stopCh      chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(snapshotter Snapshotter, interval time.Duration) *Collector {
	return &Collector{
		snapshotter: snapshotter,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, pending, err := c.snapshotter.SnapshotCounts(ctx)
	if err != nil {
		return
	}
	SubscriptionsActive.Set(float64(count))
	PendingRetry.Set(float64(pending))
}
