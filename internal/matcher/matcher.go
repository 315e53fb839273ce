// Package matcher decides which checkpoints of an occurrence were visited,
// given the position samples recorded for it.
//
// Matching is the naive O(samples x checkpoints) scan, which stops early
// once every checkpoint is concluded. Expected sizes are tens of
// checkpoints and a few thousand samples per occurrence.
package matcher

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/geo"
)

// ErrInvalidRadius is returned for a non-positive matching radius.
var ErrInvalidRadius = errors.New("invalid matching radius")

// Sample is one recorded position.
type Sample struct {
	geo.Point
	Timestamp time.Time `json:"timestamp"`
}

// Result is the completion state of one checkpoint.
type Result struct {
	CheckpointID string `json:"checkpoint_id"`
	Concluded    bool   `json:"concluded"`
	// MatchedAt is the timestamp of the first sample within radius.
	MatchedAt *time.Time `json:"matched_at,omitempty"`
	// MatchedSample indexes the caller's sample slice.
	MatchedSample  *int     `json:"matched_sample,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
}

// Completion maps checkpoint id to its result.
type Completion map[string]Result

// Empty returns a completion with every checkpoint of set unconcluded.
func Empty(set *geo.CheckpointSet) Completion {
	c := make(Completion, set.Len())
	for i := 0; i < set.Len(); i++ {
		id := set.At(i).ID
		c[id] = Result{CheckpointID: id}
	}
	return c
}

// Match computes the completion of set against samples. Samples are
// considered in timestamp order; unsorted input is stably sorted first. A
// checkpoint concludes at the first sample within radiusMeters (inclusive)
// and never reverts. One sample may conclude several checkpoints. A sample
// with an invalid coordinate fails with geo.ErrInvalidPoint.
func Match(set *geo.CheckpointSet, samples []Sample, radiusMeters float64) (Completion, error) {
	if math.IsNaN(radiusMeters) || radiusMeters <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radiusMeters)
	}
	for i, s := range samples {
		if !s.Valid() {
			return nil, fmt.Errorf("sample %d %s: %w", i, s.Point, geo.ErrInvalidPoint)
		}
	}

	completion := Empty(set)
	remaining := set.Len()
	if remaining == 0 {
		return completion, nil
	}
	concluded := make([]bool, set.Len())

	for _, idx := range timeOrder(samples) {
		s := samples[idx]
		for _, hit := range set.WithinRadius(s.Point, radiusMeters) {
			if concluded[hit.Index] {
				continue
			}
			concluded[hit.Index] = true
			remaining--
			matchedAt := s.Timestamp.UTC()
			sampleIdx := idx
			d := hit.Distance
			completion[hit.Checkpoint.ID] = Result{
				CheckpointID:   hit.Checkpoint.ID,
				Concluded:      true,
				MatchedAt:      &matchedAt,
				MatchedSample:  &sampleIdx,
				DistanceMeters: &d,
			}
		}
		if remaining == 0 {
			break
		}
	}
	return completion, nil
}

// timeOrder returns the sample indexes sorted by timestamp, ties keeping
// input order.
func timeOrder(samples []Sample) []int {
	order := make([]int, len(samples))
	sorted := true
	for i := range samples {
		order[i] = i
		if i > 0 && samples[i].Timestamp.Before(samples[i-1].Timestamp) {
			sorted = false
		}
	}
	if !sorted {
		sort.SliceStable(order, func(a, b int) bool {
			return samples[order[a]].Timestamp.Before(samples[order[b]].Timestamp)
		})
	}
	return order
}

// Concluded returns how many checkpoints are concluded.
func (c Completion) Concluded() int {
	n := 0
	for _, r := range c {
		if r.Concluded {
			n++
		}
	}
	return n
}

// AllConcluded reports whether every checkpoint is concluded. It is
// vacuously true for an empty completion.
func (c Completion) AllConcluded() bool {
	return c.Concluded() == len(c)
}

// Ordered returns the results in set order. Checkpoints missing from c are
// reported unconcluded.
func (c Completion) Ordered(set *geo.CheckpointSet) []Result {
	out := make([]Result, set.Len())
	for i := range out {
		id := set.At(i).ID
		if r, ok := c[id]; ok {
			out[i] = r
		} else {
			out[i] = Result{CheckpointID: id}
		}
	}
	return out
}

// Missed returns the ids of unconcluded checkpoints in set order.
func (c Completion) Missed(set *geo.CheckpointSet) []string {
	var ids []string
	for _, r := range c.Ordered(set) {
		if !r.Concluded {
			ids = append(ids, r.CheckpointID)
		}
	}
	return ids
}

// Newly returns the results concluded in next but not in prev, ordered by
// match time then checkpoint id.
func Newly(prev, next Completion) []Result {
	var out []Result
	for id, r := range next {
		if !r.Concluded || prev[id].Concluded {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MatchedAt.Equal(*out[j].MatchedAt) {
			return out[i].MatchedAt.Before(*out[j].MatchedAt)
		}
		return out[i].CheckpointID < out[j].CheckpointID
	})
	return out
}
