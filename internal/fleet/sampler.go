package fleet

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler measures instance load for the heartbeat. Tests inject a fake so
// admission thresholds can be exercised deterministically.
type Sampler interface {
	Sample(ctx context.Context) (cpuPct, memPct float64, err error)
}

// SystemSampler measures real CPU and memory via gopsutil.
type SystemSampler struct{}

// Sample blocks ~1s: CPU usage is averaged over a 1-second window across
// all cores, matching the heartbeat cadence.
func (SystemSampler) Sample(ctx context.Context) (float64, float64, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, vm.UsedPercent, nil
}
