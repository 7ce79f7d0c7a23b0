package task

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/phrazzld/runqueue/internal/domain"
)

// StrategyKind names a scheduling policy.
type StrategyKind string

// Supported scheduling policies
const (
	StrategyFIFO           StrategyKind = "fifo"
	StrategyLIFO           StrategyKind = "lifo"
	StrategyPriority       StrategyKind = "priority"
	StrategyWeightedRandom StrategyKind = "weighted_random"
)

// WeightedCandidateLimit caps how many queued tasks a SQL store loads as
// weighted-random candidates. Selection is exact within the oldest window.
const WeightedCandidateLimit = 256

// MinWeight is the floor applied to task weights during weighted-random
// selection so that tiny weights keep a non-zero chance.
const MinWeight = 1e-3

// Strategy chooses the next task to claim among queued candidates. Pick must
// not mutate its input and returns nil only for an empty slice.
type Strategy interface {
	Kind() StrategyKind
	Pick(candidates []*domain.Task) *domain.Task
}

// ParseStrategy builds the strategy named in configuration.
func ParseStrategy(name string) (Strategy, error) {
	switch StrategyKind(name) {
	case StrategyFIFO:
		return FIFO{}, nil
	case StrategyLIFO:
		return LIFO{}, nil
	case StrategyPriority:
		return Priority{}, nil
	case StrategyWeightedRandom:
		return NewWeightedRandom(nil), nil
	default:
		return nil, fmt.Errorf("%w: unknown scheduling strategy %q", domain.ErrValidation, name)
	}
}

// Less reports whether a should be claimed before b under a deterministic
// policy. SQL stores express the same order in ORDER BY clauses.
func Less(kind StrategyKind, a, b *domain.Task) bool {
	switch kind {
	case StrategyLIFO:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) > 0
	case StrategyPriority:
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		fallthrough
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	}
}

func pickFirst(kind StrategyKind, candidates []*domain.Task) *domain.Task {
	var best *domain.Task
	for _, c := range candidates {
		if best == nil || Less(kind, c, best) {
			best = c
		}
	}
	return best
}

// FIFO claims the oldest task first.
type FIFO struct{}

// Kind implements Strategy.
func (FIFO) Kind() StrategyKind { return StrategyFIFO }

// Pick implements Strategy.
func (FIFO) Pick(candidates []*domain.Task) *domain.Task {
	return pickFirst(StrategyFIFO, candidates)
}

// LIFO claims the newest task first.
type LIFO struct{}

// Kind implements Strategy.
func (LIFO) Kind() StrategyKind { return StrategyLIFO }

// Pick implements Strategy.
func (LIFO) Pick(candidates []*domain.Task) *domain.Task {
	return pickFirst(StrategyLIFO, candidates)
}

// Priority claims the highest priority first, oldest first within a band.
type Priority struct{}

// Kind implements Strategy.
func (Priority) Kind() StrategyKind { return StrategyPriority }

// Pick implements Strategy.
func (Priority) Pick(candidates []*domain.Task) *domain.Task {
	return pickFirst(StrategyPriority, candidates)
}

// WeightedRandom claims a task with probability proportional to its weight.
// It is safe for concurrent use.
type WeightedRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedRandom returns a weighted-random strategy drawing from src. A nil
// src is seeded from the clock.
func NewWeightedRandom(src rand.Source) *WeightedRandom {
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now>>32|1)
	}
	return &WeightedRandom{rng: rand.New(src)}
}

// Kind implements Strategy.
func (*WeightedRandom) Kind() StrategyKind { return StrategyWeightedRandom }

// Pick implements Strategy.
func (w *WeightedRandom) Pick(candidates []*domain.Task) *domain.Task {
	if len(candidates) == 0 {
		return nil
	}

	total := 0.0
	for _, c := range candidates {
		total += effectiveWeight(c)
	}

	w.mu.Lock()
	r := w.rng.Float64() * total
	w.mu.Unlock()

	for _, c := range candidates {
		r -= effectiveWeight(c)
		if r < 0 {
			return c
		}
	}
	// Float rounding can leave r at exactly zero after the last subtraction.
	return candidates[len(candidates)-1]
}

func effectiveWeight(t *domain.Task) float64 {
	if t.Weight < MinWeight {
		return MinWeight
	}
	return t.Weight
}
