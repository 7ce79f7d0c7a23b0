package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds admission thresholds.
type Config struct {
	// CPUThresholdPct denies admission while host CPU is above it.
	CPUThresholdPct float64
	// MinAvailableMemBytes denies admission while free memory is below it.
	MinAvailableMemBytes int64
	// SampleInterval is how long a snapshot is reused.
	SampleInterval time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		CPUThresholdPct:      80,
		MinAvailableMemBytes: 4 << 30,
		SampleInterval:       time.Second,
	}
}

// Monitor gates task admission on host resources. It never touches the task
// store and is safe for concurrent use.
type Monitor struct {
	sampler Sampler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	last    Snapshot
	lastErr error
	fetched time.Time
}

// NewMonitor creates a Monitor backed by sampler.
func NewMonitor(sampler Sampler, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}
	return &Monitor{
		sampler: sampler,
		cfg:     cfg,
		logger:  logger.With("component", "resource_monitor"),
		now:     time.Now,
	}
}

// Sample returns the cached snapshot, refreshing it when older than the
// sample interval. A failed sample is cached for the same interval.
func (m *Monitor) Sample(ctx context.Context) (Snapshot, error) {
	snap, _, err := m.sample(ctx)
	return snap, err
}

// sample also reports whether the sampler was actually called.
func (m *Monitor) sample(ctx context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fetched.IsZero() && m.now().Sub(m.fetched) < m.cfg.SampleInterval {
		return m.last, false, m.lastErr
	}

	snap, err := m.sampler.Sample(ctx)
	m.fetched = m.now()
	m.last, m.lastErr = snap, err
	if err != nil {
		m.last = Snapshot{}
	}
	return m.last, true, err
}

// CanAdmit reports whether a task needing requiredMemBytes may start now.
// Sampling failures admit the task until the next sample is due.
func (m *Monitor) CanAdmit(ctx context.Context, requiredMemBytes int64) bool {
	snap, fresh, err := m.sample(ctx)
	if err != nil {
		if fresh {
			m.logger.Warn("resource sampling failed, admitting tasks", "error", err)
		}
		return true
	}

	if snap.CPUPct > m.cfg.CPUThresholdPct {
		m.logger.Debug("admission denied: cpu above threshold",
			"cpu_pct", snap.CPUPct,
			"threshold_pct", m.cfg.CPUThresholdPct)
		return false
	}
	if snap.MemAvailableBytes < m.cfg.MinAvailableMemBytes {
		m.logger.Debug("admission denied: available memory below floor",
			"mem_available_bytes", snap.MemAvailableBytes,
			"min_available_bytes", m.cfg.MinAvailableMemBytes)
		return false
	}
	if snap.MemAvailableBytes < requiredMemBytes {
		m.logger.Debug("admission denied: task needs more memory than available",
			"mem_available_bytes", snap.MemAvailableBytes,
			"required_mem_bytes", requiredMemBytes)
		return false
	}
	return true
}
