package analysis

import (
	"strconv"

	"github.com/kylemclaren/patrol-tasks/internal/geo"
)

// Miss is a checkpoint an occurrence never concluded.
type Miss struct {
	Checkpoint geo.Checkpoint `json:"checkpoint"`
	// Position is the 1-based position of the checkpoint in its set.
	Position int `json:"position"`
	// ClosestMeters is how close the recorded path came, nil without samples.
	ClosestMeters *float64 `json:"closest_meters,omitempty"`
}

// Misses lists the checkpoints of set that e did not conclude, in set order,
// with the closest approach of the recorded path to each.
func (e Entry) Misses(set *geo.CheckpointSet) ([]Miss, error) {
	ids := e.Completion.Missed(set)
	if len(ids) == 0 {
		return nil, nil
	}

	var path *geo.CheckpointSet
	if len(e.Path) > 0 {
		points := make([]geo.Checkpoint, len(e.Path))
		for i, s := range e.Path {
			points[i] = geo.Checkpoint{ID: strconv.Itoa(i), Point: s.Point}
		}
		var err error
		if path, err = geo.NewCheckpointSet(points); err != nil {
			return nil, err
		}
	}

	position := make(map[string]int, set.Len())
	for i := 0; i < set.Len(); i++ {
		position[set.At(i).ID] = i
	}

	misses := make([]Miss, 0, len(ids))
	for _, id := range ids {
		i := position[id]
		m := Miss{Checkpoint: set.At(i), Position: i + 1}
		if hit, ok := path.Nearest(m.Checkpoint.Point); ok {
			d := hit.Distance
			m.ClosestMeters = &d
		}
		misses = append(misses, m)
	}
	return misses, nil
}
