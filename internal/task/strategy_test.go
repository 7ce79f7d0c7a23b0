package task

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(priority int, weight float64, created time.Time) *domain.Task {
	return &domain.Task{
		ID:        uuid.Must(uuid.NewV7()),
		Type:      "render",
		Params:    []byte(`{}`),
		Priority:  priority,
		Weight:    weight,
		State:     domain.TaskStateQueued,
		CreatedAt: created,
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    StrategyKind
		wantErr bool
	}{
		{name: "fifo", want: StrategyFIFO},
		{name: "lifo", want: StrategyLIFO},
		{name: "priority", want: StrategyPriority},
		{name: "weighted_random", want: StrategyWeightedRandom},
		{name: "round_robin", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := ParseStrategy(tc.name)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, s.Kind())
		})
	}
}

func TestStrategyPick(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC()
	a := candidate(1, 1, base)
	b := candidate(5, 1, base.Add(time.Second))
	c := candidate(3, 1, base.Add(2*time.Second))
	d := candidate(5, 1, base.Add(3*time.Second))
	all := []*domain.Task{a, b, c, d}

	assert.Equal(t, a.ID, FIFO{}.Pick(all).ID)
	assert.Equal(t, d.ID, LIFO{}.Pick(all).ID)
	assert.Equal(t, b.ID, Priority{}.Pick(all).ID, "equal priorities fall back to submission order")

	assert.Nil(t, FIFO{}.Pick(nil))
	assert.Nil(t, Priority{}.Pick(nil))
	assert.Nil(t, NewWeightedRandom(nil).Pick(nil))
}

func TestLess_TieBreaksOnID(t *testing.T) {
	t.Parallel()

	created := time.Now().UTC()
	a := candidate(0, 1, created)
	b := candidate(0, 1, created)

	assert.True(t, Less(StrategyFIFO, a, b))
	assert.False(t, Less(StrategyFIFO, b, a))
	assert.True(t, Less(StrategyLIFO, b, a))
	assert.True(t, Less(StrategyPriority, a, b))
}

func TestWeightedRandom_Distribution(t *testing.T) {
	t.Parallel()

	created := time.Now().UTC()
	tasks := []*domain.Task{
		candidate(0, 1, created),
		candidate(0, 1, created.Add(time.Millisecond)),
		candidate(0, 8, created.Add(2*time.Millisecond)),
	}

	w := NewWeightedRandom(rand.NewPCG(42, 1024))
	const trials = 10000
	heavy := 0
	for i := 0; i < trials; i++ {
		if w.Pick(tasks).ID == tasks[2].ID {
			heavy++
		}
	}

	assert.InDelta(t, 0.8, float64(heavy)/trials, 0.05)
}

func TestWeightedRandom_TinyWeightsStillEligible(t *testing.T) {
	t.Parallel()

	created := time.Now().UTC()
	tasks := []*domain.Task{
		candidate(0, 1e-9, created),
		candidate(0, 1e-9, created.Add(time.Millisecond)),
	}

	w := NewWeightedRandom(rand.NewPCG(7, 7))
	seen := map[uuid.UUID]bool{}
	for i := 0; i < 200; i++ {
		seen[w.Pick(tasks).ID] = true
	}
	assert.Len(t, seen, 2)
}
