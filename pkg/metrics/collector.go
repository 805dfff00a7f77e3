package metrics

import (
	"time"

	"github.com/cuemby/relay/pkg/types"
)

// Source is the manager state the collector samples; *manager.Manager
// satisfies it. pkg/manager is not imported here because the packages it
// wires together import metrics.
type Source interface {
	Hosts() []types.HostStatus
	QueueSnapshot() map[types.QueueState]int
	ConnectionsInUse() int
	ConnectionCapacity() int
	AckQueueDepth() int
	SiblingSnapshot() map[string]int
}

// Collector periodically samples the manager's in-memory state and updates
// the registered gauges. Counters (inserts, dispatches, reaps) are updated
// at the point of occurrence by their owning packages; this collector only
// handles the metrics that require a point-in-time snapshot.
type Collector struct {
	manager Source
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(mgr Source) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic collection.
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
	c.collectHostMetrics()
	c.collectQueueMetrics()
	c.collectConnectionMetrics()
	c.collectBurstMetrics()
	c.collectSiblingMetrics()
}

func (c *Collector) collectHostMetrics() {
	hosts := c.manager.Hosts()

	counts := make(map[string]map[string]int)
	for _, h := range hosts {
		protocol := string(h.Protocol)
		status := "active"
		if h.Flags&types.HostDisabled != 0 {
			status = "disabled"
		} else if h.Flags&types.HostOffline != 0 {
			status = "offline"
		} else if h.Flags&types.HostErrorQueueSet != 0 {
			status = "error_queue"
		}

		if counts[protocol] == nil {
			counts[protocol] = make(map[string]int)
		}
		counts[protocol][status]++
		HostErrorCounter.WithLabelValues(h.HostAlias).Set(float64(h.ErrorCounter))
	}

	for protocol, byStatus := range counts {
		for status, n := range byStatus {
			HostsTotal.WithLabelValues(protocol, status).Set(float64(n))
		}
	}
}

func (c *Collector) collectQueueMetrics() {
	snapshot := c.manager.QueueSnapshot()
	QueueDepth.WithLabelValues("pending").Set(float64(snapshot[types.QueuePending]))
	QueueDepth.WithLabelValues("running").Set(float64(snapshot[types.QueueRunning]))
	QueueDepth.WithLabelValues("removed").Set(float64(snapshot[types.QueueRemoved]))
}

func (c *Collector) collectConnectionMetrics() {
	ConnectionsInUse.Set(float64(c.manager.ConnectionsInUse()))
	ConnectionSlotsTotal.Set(float64(c.manager.ConnectionCapacity()))
}

func (c *Collector) collectBurstMetrics() {
	AckQueueDepth.Set(float64(c.manager.AckQueueDepth()))
}

func (c *Collector) collectSiblingMetrics() {
	for status, n := range c.manager.SiblingSnapshot() {
		SiblingsTotal.WithLabelValues(status).Set(float64(n))
	}
}
