// Package selector picks the next action of a session step from a weighted
// probability table.
package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Entry pairs a value with its relative weight.
type Entry[T any] struct {
	Value  T
	Weight float64
}

// Table is an immutable ordered weighted table. Weights need not sum to 1.
//
// Tables hold no mutable state, so the same table can be drawn from by any
// number of goroutines and nested draws never interfere.
type Table[T any] struct {
	entries []Entry[T]
	cutoffs []float64 // normalized cumulative weights, last is exactly 1
}

// ErrEmptyTable is returned when a table has no selectable entry.
var ErrEmptyTable = errors.New("selector: table has no positive weight")

// New builds a table, keeping the declared order.
func New[T any](entries ...Entry[T]) (*Table[T], error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTable
	}

	var total float64
	for i, e := range entries {
		if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) || e.Weight < 0 {
			return nil, fmt.Errorf("selector: entry %d has invalid weight %v", i, e.Weight)
		}
		total += e.Weight
	}
	if total == 0 {
		return nil, ErrEmptyTable
	}

	t := &Table[T]{
		entries: append([]Entry[T](nil), entries...),
		cutoffs: make([]float64, len(entries)),
	}
	var cum float64
	for i, e := range entries {
		cum += e.Weight
		t.cutoffs[i] = cum / total
	}
	// Guard against float drift so every draw below 1 resolves.
	for i := len(t.cutoffs) - 1; i >= 0; i-- {
		t.cutoffs[i] = 1
		if entries[i].Weight > 0 {
			break
		}
	}

	return t, nil
}

// MustNew is New for tables declared in code.
func MustNew[T any](entries ...Entry[T]) *Table[T] {
	t, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return t
}

// Uniform builds a table giving every value the same weight.
func Uniform[T any](values ...T) (*Table[T], error) {
	entries := make([]Entry[T], len(values))
	for i, v := range values {
		entries[i] = Entry[T]{Value: v, Weight: 1}
	}
	return New(entries...)
}

// Select returns the first entry whose cumulative cutoff exceeds draw.
// Draws are expected in [0,1); values outside are clamped.
func (t *Table[T]) Select(draw float64) T {
	if math.IsNaN(draw) || draw < 0 {
		draw = 0
	}
	for i, c := range t.cutoffs {
		if c > draw {
			return t.entries[i].Value
		}
	}
	// draw >= 1: the last positive-weight entry
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Weight > 0 {
			return t.entries[i].Value
		}
	}
	return t.entries[len(t.entries)-1].Value
}

// Pick draws once from r.
func (t *Table[T]) Pick(r *rand.Rand) T {
	return t.Select(r.Float64())
}

// Len is the number of entries, including zero-weight ones.
func (t *Table[T]) Len() int {
	return len(t.entries)
}

// Probability is the normalized weight of entry i.
func (t *Table[T]) Probability(i int) float64 {
	if i == 0 {
		return t.cutoffs[0]
	}
	return t.cutoffs[i] - t.cutoffs[i-1]
}
