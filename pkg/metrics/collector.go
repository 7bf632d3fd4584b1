package metrics

import (
	"time"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// StatsSource is polled by the collector for gauge-style metrics. The job
// registry and session store satisfy it through the server wiring.
type StatsSource interface {
	JobCounts() map[types.JobKind]map[types.JobState]int
	SessionCount() int
}

// Collector keeps the job and session gauges current
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	// Reset so terminal states reaped since the last tick disappear
	JobsTotal.Reset()
	for kind, states := range c.source.JobCounts() {
		for state, count := range states {
			JobsTotal.WithLabelValues(string(kind), string(state)).Set(float64(count))
		}
	}

	SessionsActive.Set(float64(c.source.SessionCount()))
}
