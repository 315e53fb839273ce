package matcher

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/patrol-tasks/internal/geo"
)

var t0 = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func at(lat, lng float64, offset time.Duration) Sample {
	return Sample{Point: geo.Point{Lat: lat, Lng: lng}, Timestamp: t0.Add(offset)}
}

func newSet(t *testing.T, cps ...geo.Checkpoint) *geo.CheckpointSet {
	t.Helper()
	set, err := geo.NewCheckpointSet(cps)
	require.NoError(t, err)
	return set
}

func TestMatchConcludesAtFirstSampleWithinRadius(t *testing.T) {
	set := newSet(t, geo.Checkpoint{ID: "cp", Point: geo.Point{}})
	samples := []Sample{
		at(0.0005, 0, 0), // about 55 m away
		at(0, 0, time.Minute),
		at(0, 0, 2*time.Minute),
	}

	c, err := Match(set, samples, 50)
	require.NoError(t, err)

	r := c["cp"]
	require.True(t, r.Concluded)
	assert.Equal(t, t0.Add(time.Minute), *r.MatchedAt)
	assert.Equal(t, 1, *r.MatchedSample)
	assert.Equal(t, 0.0, *r.DistanceMeters)
}

func TestMatchEmptySetIsNotAnError(t *testing.T) {
	c, err := Match(newSet(t), []Sample{at(1, 1, 0)}, 25)
	require.NoError(t, err)
	assert.Empty(t, c)

	c, err = Match(nil, nil, 25)
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestMatchRejectsNonPositiveRadius(t *testing.T) {
	set := newSet(t, geo.Checkpoint{ID: "cp"})
	for _, r := range []float64{0, -1, math.NaN()} {
		_, err := Match(set, nil, r)
		assert.True(t, errors.Is(err, ErrInvalidRadius), "radius %v", r)
	}
}

func TestMatchRejectsInvalidSamples(t *testing.T) {
	set := newSet(t,
		geo.Checkpoint{ID: "a", Point: geo.Point{Lat: 10, Lng: 10}},
		geo.Checkpoint{ID: "b", Point: geo.Point{Lat: -10, Lng: 50}},
	)
	bad := []Sample{
		at(math.NaN(), 10, 0),
		at(10, math.NaN(), 0),
		at(91, 10, 0),
		at(10, -181, 0),
	}
	for _, s := range bad {
		c, err := Match(set, []Sample{at(10, 10, 0), s}, 50)
		assert.True(t, errors.Is(err, geo.ErrInvalidPoint), "%s", s.Point)
		assert.Nil(t, c)
	}
}

func TestMatchAgreesWithWithinRadius(t *testing.T) {
	set := newSet(t,
		geo.Checkpoint{ID: "a", Point: geo.Point{Lat: 0, Lng: 0}},
		geo.Checkpoint{ID: "b", Point: geo.Point{Lat: 0, Lng: 0.0003}},
		geo.Checkpoint{ID: "c", Point: geo.Point{Lat: 0.01, Lng: 0}},
	)
	p := geo.Point{Lat: 0, Lng: 0.0001}

	c, err := Match(set, []Sample{{Point: p, Timestamp: t0}}, 25)
	require.NoError(t, err)

	hits := set.WithinRadius(p, 25)
	require.Len(t, hits, 2)
	for _, hit := range hits {
		r := c[hit.Checkpoint.ID]
		assert.True(t, r.Concluded, hit.Checkpoint.ID)
		require.NotNil(t, r.DistanceMeters)
		assert.Equal(t, hit.Distance, *r.DistanceMeters)
	}
	assert.False(t, c["c"].Concluded)

	_, err = json.Marshal(c)
	assert.NoError(t, err)
}

func TestMatchOneSampleConcludesClusteredCheckpoints(t *testing.T) {
	// 5 m of longitude at the equator.
	step := 5 / (geo.EarthRadiusMeters * math.Pi / 180)
	set := newSet(t,
		geo.Checkpoint{ID: "a", Point: geo.Point{Lat: 0, Lng: 0}},
		geo.Checkpoint{ID: "b", Point: geo.Point{Lat: 0, Lng: step}},
	)

	c, err := Match(set, []Sample{at(0, step/2, 0)}, 10)
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		require.True(t, c[id].Concluded, id)
		assert.Equal(t, 0, *c[id].MatchedSample)
		assert.InDelta(t, 2.5, *c[id].DistanceMeters, 0.01)
	}
}

func TestMatchRadiusBoundaryIsInclusive(t *testing.T) {
	set := newSet(t, geo.Checkpoint{ID: "cp"})
	s := at(0.0002, 0.0001, 0)
	d := geo.Distance(s.Point, geo.Point{})

	c, err := Match(set, []Sample{s}, d)
	require.NoError(t, err)
	assert.True(t, c["cp"].Concluded)

	c, err = Match(set, []Sample{s}, math.Nextafter(d, 0))
	require.NoError(t, err)
	assert.False(t, c["cp"].Concluded)
}

func TestMatchUnmatchedCheckpoint(t *testing.T) {
	set := newSet(t, geo.Checkpoint{ID: "far", Point: geo.Point{Lat: 1, Lng: 1}})
	c, err := Match(set, []Sample{at(0, 0, 0)}, 50)
	require.NoError(t, err)

	assert.Equal(t, Result{CheckpointID: "far"}, c["far"])
	assert.Equal(t, []string{"far"}, c.Missed(set))
}

func TestMatchSortsUnorderedSamples(t *testing.T) {
	set := newSet(t, geo.Checkpoint{ID: "cp"})
	samples := []Sample{
		at(0, 0, 10*time.Minute),
		at(0.0001, 0, time.Minute),
		at(1, 1, 0),
	}

	c, err := Match(set, samples, 50)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), *c["cp"].MatchedAt)
	assert.Equal(t, 1, *c["cp"].MatchedSample, "index refers to the caller's slice")
}

func TestMatchIsDeterministic(t *testing.T) {
	set := newSet(t,
		geo.Checkpoint{ID: "a", Point: geo.Point{Lat: 0, Lng: 0}},
		geo.Checkpoint{ID: "b", Point: geo.Point{Lat: 0.001, Lng: 0}},
		geo.Checkpoint{ID: "c", Point: geo.Point{Lat: 0.002, Lng: 0}},
	)
	samples := []Sample{at(0.0021, 0, 3*time.Second), at(0, 0.0001, time.Second), at(0.001, 0, 2*time.Second)}

	first, err := Match(set, samples, 30)
	require.NoError(t, err)
	second, err := Match(set, samples, 30)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, 3, first.Concluded())
}

func TestMatchIsMonotonic(t *testing.T) {
	set := newSet(t,
		geo.Checkpoint{ID: "a", Point: geo.Point{Lat: 0, Lng: 0}},
		geo.Checkpoint{ID: "b", Point: geo.Point{Lat: 0.01, Lng: 0}},
	)
	samples := []Sample{at(0, 0, 0), at(0.005, 0, time.Minute)}

	before, err := Match(set, samples, 20)
	require.NoError(t, err)

	extended := append(append([]Sample{}, samples...), at(5, 5, time.Hour), at(0.01, 0, 2*time.Hour))
	after, err := Match(set, extended, 20)
	require.NoError(t, err)

	for id, r := range before {
		if r.Concluded {
			assert.Equal(t, r, after[id], id)
		}
	}
	assert.True(t, after["b"].Concluded)

	newly := Newly(before, after)
	require.Len(t, newly, 1)
	assert.Equal(t, "b", newly[0].CheckpointID)
}

func TestCompletionHelpers(t *testing.T) {
	set := newSet(t, geo.Checkpoint{ID: "x"}, geo.Checkpoint{ID: "y", Point: geo.Point{Lat: 1}})
	c := Empty(set)
	assert.Len(t, c, 2)
	assert.False(t, c.AllConcluded())
	assert.Equal(t, []string{"x", "y"}, c.Missed(set))

	ordered := Completion{}.Ordered(set)
	assert.Equal(t, "x", ordered[0].CheckpointID)
	assert.False(t, ordered[1].Concluded)

	assert.True(t, Completion{}.AllConcluded())
}
