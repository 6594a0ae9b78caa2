package metrics_collectors

import (
	"context"
)

// MetricCollector defines the interface for collecting a specific metric.
type MetricCollector interface {
	// Name of the metric (e.g., "cpu", "memory")
	Name() string
	// Collect the current value
	Collect(ctx context.Context) (float64, error)
	// Unit of the metric (e.g., "percentage", "count")
	Unit() string
}
