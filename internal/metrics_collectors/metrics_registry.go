package metrics_collectors

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MetricsRegistry holds the host collectors reported by the health endpoint.
type MetricsRegistry struct {
	mu         sync.RWMutex
	collectors []MetricCollector
	logger     zerolog.Logger
}

// NewMetricsRegistry creates a new MetricsRegistry instance.
func NewMetricsRegistry(logger zerolog.Logger) *MetricsRegistry {
	return &MetricsRegistry{logger: logger.With().Str("component", "metrics").Logger()}
}

// NewHostMetricsRegistry registers the default host collectors. dataPath
// selects the filesystem reported as disk usage.
func NewHostMetricsRegistry(dataPath string, logger zerolog.Logger) *MetricsRegistry {
	r := NewMetricsRegistry(logger)
	r.Register(&CPUMetricCollector{Logger: logger})
	r.Register(&MemoryMetricCollector{Logger: logger})
	r.Register(&DiskMetricCollector{Path: dataPath, Logger: logger})
	r.Register(&GoroutineMetricCollector{Logger: logger})
	return r
}

// Register adds a new metric collector; a collector with the same name is replaced.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.collectors {
		if c.Name() == collector.Name() {
			r.collectors[i] = collector
			return
		}
	}
	r.collectors = append(r.collectors, collector)
}

// Collect runs every collector. A failing collector is logged and left out.
func (r *MetricsRegistry) Collect(ctx context.Context) map[string]float64 {
	r.mu.RLock()
	collectors := append([]MetricCollector(nil), r.collectors...)
	r.mu.RUnlock()

	values := make(map[string]float64, len(collectors))
	for _, c := range collectors {
		v, err := c.Collect(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("metric", c.Name()).Msg("Failed to collect metric")
			continue
		}
		values[c.Name()] = v
	}
	return values
}
