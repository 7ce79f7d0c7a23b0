package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one observation of host load.
type Snapshot struct {
	CPUPct            float64   `json:"cpu_pct"`
	MemAvailableBytes int64     `json:"mem_available_bytes"`
	SampledAt         time.Time `json:"sampled_at"`
}

// Sampler takes a fresh snapshot of host resources.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Snapshot, error)

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// SystemSampler reads host-wide CPU and memory figures.
type SystemSampler struct{}

// Sample implements Sampler. CPU usage is measured since the previous call,
// so the first sample after startup covers the time since process start.
func (SystemSampler) Sample(ctx context.Context) (Snapshot, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(pcts) == 0 {
		return Snapshot{}, fmt.Errorf("failed to read cpu usage: no data")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	return Snapshot{
		CPUPct:            pcts[0],
		MemAvailableBytes: int64(vm.Available),
		SampledAt:         time.Now(),
	}, nil
}
