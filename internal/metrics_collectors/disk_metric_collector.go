package metrics_collectors

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"
)

// DiskMetricCollector collects usage of the filesystem holding Path,
// normally the database and snapshot directory.
type DiskMetricCollector struct {
	Path   string
	Logger zerolog.Logger
}

func (d *DiskMetricCollector) Name() string {
	return "disk"
}

func (d *DiskMetricCollector) Collect(ctx context.Context) (float64, error) {
	path := d.Path
	if path == "" {
		path = "/"
	}
	diskStats, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return diskStats.UsedPercent, nil
}

func (d *DiskMetricCollector) Unit() string {
	return "percentage"
}
