package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mode is the process-wide subprocess supervision model.
type Mode string

// Execution modes. A Prober moves from uninitialized through probing to
// exactly one of the two terminal modes.
const (
	ModeUninitialized  Mode = "uninitialized"
	ModeProbing        Mode = "probing"
	ModeAsync          Mode = "async"
	ModeThreadFallback Mode = "thread_fallback"
)

// Decided reports whether m is a usable terminal mode.
func (m Mode) Decided() bool {
	return m == ModeAsync || m == ModeThreadFallback
}

const defaultProbeTimeout = 5 * time.Second

// Prober decides the execution mode once per process.
type Prober struct {
	mu     sync.Mutex
	state  Mode
	probe  func(ctx context.Context) error
	logger *slog.Logger
}

// NewProber creates a prober that tests whether this platform can start a
// subprocess in its own process group.
func NewProber(logger *slog.Logger) *Prober {
	return newProber(probeProcessGroup, logger)
}

func newProber(probe func(ctx context.Context) error, logger *slog.Logger) *Prober {
	return &Prober{
		state:  ModeUninitialized,
		probe:  probe,
		logger: logger.With("component", "execution_prober"),
	}
}

// State returns the current prober state.
func (p *Prober) State() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Probe runs the capability check the first time it is called and returns
// the decided mode. Later calls return the same mode without probing.
func (p *Prober) Probe(ctx context.Context) Mode {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Decided() {
		return p.state
	}

	p.state = ModeProbing
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	if err := p.probe(probeCtx); err != nil {
		p.logger.Warn("async subprocess execution unavailable, using thread fallback",
			"error", err)
		p.state = ModeThreadFallback
	} else {
		p.state = ModeAsync
	}

	p.logger.Info("execution mode decided", "mode", p.state)
	return p.state
}
