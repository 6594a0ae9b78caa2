package metrics_collectors

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"
)

// GoroutineMetricCollector collects the number of active goroutines.
// Every viewer session adds a fixed handful, so it tracks connected clients.
type GoroutineMetricCollector struct {
	Logger zerolog.Logger
}

// Name returns the identifier for the goroutine metric collector.
func (g *GoroutineMetricCollector) Name() string {
	return "goroutines"
}

// Collect retrieves the number of active goroutines.
func (g *GoroutineMetricCollector) Collect(ctx context.Context) (float64, error) {
	n := float64(runtime.NumGoroutine())
	g.Logger.Debug().Float64("goroutines", n).Msg("Goroutine count collected")
	return n, nil
}

// Unit specifies the unit for the goroutine count metric.
func (g *GoroutineMetricCollector) Unit() string {
	return "count"
}
