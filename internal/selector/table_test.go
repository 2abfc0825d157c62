package selector

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect_CumulativeCutoffs(t *testing.T) {
	table := MustNew(
		Entry[string]{Value: "A", Weight: 1},
		Entry[string]{Value: "B", Weight: 3},
	)

	tests := []struct {
		draw float64
		want string
	}{
		{0, "A"},
		{0.2499, "A"},
		{0.25, "B"},
		{0.9999, "B"},
		{1.5, "B"},
		{-0.1, "A"},
		{math.NaN(), "A"},
	}

	for _, tt := range tests {
		if got := table.Select(tt.draw); got != tt.want {
			t.Errorf("Select(%v) = %q, want %q", tt.draw, got, tt.want)
		}
	}
}

func TestSelect_ZeroWeightNeverChosen(t *testing.T) {
	table := MustNew(
		Entry[string]{Value: "never-first", Weight: 0},
		Entry[string]{Value: "A", Weight: 1},
		Entry[string]{Value: "never-mid", Weight: 0},
		Entry[string]{Value: "B", Weight: 1},
		Entry[string]{Value: "never-last", Weight: 0},
	)

	for _, d := range []float64{0, 0.1, 0.49, 0.5, 0.75, 0.999999, 1, 2} {
		got := table.Select(d)
		assert.Contains(t, []string{"A", "B"}, got, "draw %v", d)
	}
	assert.InDelta(t, 0.0, table.Probability(4), 1e-12)
}

func TestSelect_TieBreakIsTableOrder(t *testing.T) {
	table := MustNew(
		Entry[string]{Value: "first", Weight: 0.5},
		Entry[string]{Value: "second", Weight: 0.5},
	)
	assert.Equal(t, "second", table.Select(0.5))
	assert.Equal(t, "first", table.Select(0.4999999))
	// Same draw, same answer.
	for i := 0; i < 10; i++ {
		assert.Equal(t, "first", table.Select(0.3))
	}
}

func TestNew_Rejects(t *testing.T) {
	_, err := New[string]()
	assert.ErrorIs(t, err, ErrEmptyTable)

	_, err = New(Entry[string]{Value: "A", Weight: 0})
	assert.ErrorIs(t, err, ErrEmptyTable)

	_, err = New(Entry[string]{Value: "A", Weight: -1})
	assert.Error(t, err)

	_, err = New(Entry[string]{Value: "A", Weight: math.NaN()})
	assert.Error(t, err)
}

func TestPick_SeededFrequencies(t *testing.T) {
	table := MustNew(
		Entry[string]{Value: "A", Weight: 0.2},
		Entry[string]{Value: "B", Weight: 0.8},
	)
	r := rand.New(rand.NewPCG(42, 1))

	counts := map[string]int{}
	const draws = 10000
	for i := 0; i < draws; i++ {
		counts[table.Pick(r)]++
	}

	// Binomial sd for p=0.2, n=10000 is 40; allow 5 sd.
	assert.InDelta(t, 2000, counts["A"], 200)
	assert.InDelta(t, 8000, counts["B"], 200)
	assert.Equal(t, draws, counts["A"]+counts["B"])
}

func TestPick_Reproducible(t *testing.T) {
	table, err := Uniform("a", "b", "c", "d")
	require.NoError(t, err)

	run := func() []string {
		r := rand.New(rand.NewPCG(7, 7))
		out := make([]string, 50)
		for i := range out {
			out[i] = table.Pick(r)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestNestedDraws(t *testing.T) {
	outer := MustNew(
		Entry[string]{Value: "query", Weight: 0.7},
		Entry[string]{Value: "mutate", Weight: 0.3},
	)
	inner := MustNew(
		Entry[bool]{Value: true, Weight: 1},
		Entry[bool]{Value: false, Weight: 1},
	)
	r := rand.New(rand.NewPCG(3, 9))

	counts := map[string]int{}
	for i := 0; i < 20000; i++ {
		branch := outer.Pick(r)
		if inner.Pick(r) {
			counts[branch+"/on"]++
		} else {
			counts[branch+"/off"]++
		}
	}

	assert.InDelta(t, 7000, counts["query/on"], 400)
	assert.InDelta(t, 7000, counts["query/off"], 400)
	assert.InDelta(t, 3000, counts["mutate/on"], 300)
	assert.InDelta(t, 3000, counts["mutate/off"], 300)
}

func TestSelectorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("empirical frequency converges to normalized weight", prop.ForAll(
		func(weights []float64, seed uint64) bool {
			entries := make([]Entry[int], len(weights))
			for i, w := range weights {
				entries[i] = Entry[int]{Value: i, Weight: w}
			}
			table, err := New(entries...)
			if err != nil {
				return true
			}

			r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			const n = 20000
			counts := make([]int, len(weights))
			for i := 0; i < n; i++ {
				counts[table.Pick(r)]++
			}

			for i := range weights {
				p := table.Probability(i)
				sd := math.Sqrt(n * p * (1 - p))
				if math.Abs(float64(counts[i])-n*p) > 6*sd+1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.Float64Range(0, 10)),
		gen.UInt64(),
	))

	properties.Property("selection is a pure function of the draw", prop.ForAll(
		func(weights []float64, draw float64) bool {
			entries := make([]Entry[int], len(weights))
			for i, w := range weights {
				entries[i] = Entry[int]{Value: i, Weight: w}
			}
			table, err := New(entries...)
			if err != nil {
				return true
			}
			got := table.Select(draw)
			return got == table.Select(draw) && weights[got] > 0
		},
		gen.SliceOfN(5, gen.Float64Range(0, 5)),
		gen.Float64Range(0, 0.999999),
	))

	properties.TestingRun(t)
}
