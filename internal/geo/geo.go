// Package geo holds WGS84 points, great-circle distance, and the immutable
// checkpoint set a patrol is matched against.
package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// EarthRadiusMeters is the IUGG mean Earth radius.
const EarthRadiusMeters = 6371008.8

var (
	ErrInvalidPoint        = errors.New("invalid coordinate")
	ErrDuplicateCheckpoint = errors.New("duplicate checkpoint id")
)

// Point is a WGS84 position in degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Valid reports whether p is a finite coordinate within WGS84 bounds.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lng)
}

// Distance returns the haversine great-circle distance between a and b in
// meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dlat := lat2 - lat1
	dlng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dlat / 2)
	sinLng := math.Sin(dlng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Checkpoint is a fixed point a patrol must visit.
type Checkpoint struct {
	ID string `json:"id"`
	Point
}

// Hit is a checkpoint found by a proximity query.
type Hit struct {
	Checkpoint Checkpoint
	// Index is the checkpoint's position in the set.
	Index    int
	Distance float64
}

// CheckpointSet is an immutable, ordered collection of checkpoints.
type CheckpointSet struct {
	checkpoints []Checkpoint
}

// NewCheckpointSet copies cps into a new set, keeping their order.
// Coordinates must be valid and ids unique.
func NewCheckpointSet(cps []Checkpoint) (*CheckpointSet, error) {
	seen := make(map[string]struct{}, len(cps))
	own := make([]Checkpoint, len(cps))
	for i, cp := range cps {
		if !cp.Valid() {
			return nil, fmt.Errorf("checkpoint %q %s: %w", cp.ID, cp.Point, ErrInvalidPoint)
		}
		if _, ok := seen[cp.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCheckpoint, cp.ID)
		}
		seen[cp.ID] = struct{}{}
		own[i] = cp
	}
	return &CheckpointSet{checkpoints: own}, nil
}

// Len returns the number of checkpoints; a nil set is empty.
func (s *CheckpointSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.checkpoints)
}

// At returns the i-th checkpoint.
func (s *CheckpointSet) At(i int) Checkpoint {
	return s.checkpoints[i]
}

// All returns a copy of the checkpoints in set order.
func (s *CheckpointSet) All() []Checkpoint {
	if s == nil {
		return nil
	}
	out := make([]Checkpoint, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out
}

// WithinRadius returns every checkpoint within radius meters of p (bound
// included), nearest first. Equal distances keep set order.
func (s *CheckpointSet) WithinRadius(p Point, radius float64) []Hit {
	var hits []Hit
	for i := 0; i < s.Len(); i++ {
		cp := s.checkpoints[i]
		if d := Distance(p, cp.Point); d <= radius {
			hits = append(hits, Hit{Checkpoint: cp, Index: i, Distance: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	return hits
}

// Nearest returns the closest checkpoint to p, or false if the set is empty.
func (s *CheckpointSet) Nearest(p Point) (Hit, bool) {
	if s.Len() == 0 {
		return Hit{}, false
	}
	best := Hit{Checkpoint: s.checkpoints[0], Index: 0, Distance: Distance(p, s.checkpoints[0].Point)}
	for i := 1; i < len(s.checkpoints); i++ {
		if d := Distance(p, s.checkpoints[i].Point); d < best.Distance {
			best = Hit{Checkpoint: s.checkpoints[i], Index: i, Distance: d}
		}
	}
	return best, true
}
