package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", time.Minute, DefaultRetention, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func TestRecordAndHistory(t *testing.T) {
	s := openTestStore(t)

	ok := s.RecordObservation("!a1b2", 39.7, -104.9, Record{
		Network: "meshtastic", SNR: f64(5.5), Battery: i64(80), Timestamp: 1000,
	})
	require.True(t, ok)

	obs := s.NodeHistory("!a1b2", nil, 10)
	require.Len(t, obs, 1)
	assert.Equal(t, int64(1000), obs[0].Timestamp)
	assert.Equal(t, 39.7, obs[0].Latitude)
	assert.Equal(t, "meshtastic", obs[0].Network)
	assert.Equal(t, 5.5, *obs[0].SNR)
	assert.Equal(t, int64(80), *obs[0].Battery)
	assert.Nil(t, obs[0].Altitude)
}

func TestThrottle(t *testing.T) {
	s := openTestStore(t)

	require.True(t, s.RecordObservation("!a1b2", 39.7, -104.9, Record{Timestamp: 1000}))
	// Within the 60s throttle window: a no-op
	assert.False(t, s.RecordObservation("!a1b2", 39.8, -104.8, Record{Timestamp: 1030}))
	assert.Equal(t, int64(1), s.ObservationCount())

	// Past the window: recorded
	assert.True(t, s.RecordObservation("!a1b2", 39.8, -104.8, Record{Timestamp: 1061}))
	assert.Equal(t, int64(2), s.ObservationCount())

	// Different node is not throttled
	assert.True(t, s.RecordObservation("!ffff", 40.0, -105.0, Record{Timestamp: 1031}))
}

func TestTrajectory(t *testing.T) {
	s := openTestStore(t)

	s.RecordObservation("!a1b2", 39.0, -104.0, Record{Timestamp: 100})
	s.RecordObservation("!a1b2", 39.1, -104.1, Record{Timestamp: 200})
	s.RecordObservation("!a1b2", 39.2, -104.2, Record{Timestamp: 300})

	fc := s.Trajectory("!a1b2", nil, nil, 0)
	require.Len(t, fc.Features, 1)
	f := fc.Features[0]
	assert.Equal(t, "LineString", f.Geometry.Type)
	coords := f.Geometry.Coordinates.([][]float64)
	require.Len(t, coords, 3)
	assert.Equal(t, []float64{-104.0, 39.0}, coords[0])
	assert.Equal(t, int64(200), f.Properties["time_span_seconds"])

	// Bounded window
	since, until := int64(150), int64(250)
	fc = s.Trajectory("!a1b2", &since, &until, 0)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, 1, fc.Features[0].Properties["point_count"])
	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)
}

func TestTrajectory_Empty(t *testing.T) {
	s := openTestStore(t)
	fc := s.Trajectory("!nobody", nil, nil, 0)
	assert.Empty(t, fc.Features)
}

func TestSnapshot_LatestPerNodeAtOrBefore(t *testing.T) {
	s := openTestStore(t)
	// Bypass throttle with distinct nodes / spaced timestamps
	s.RecordObservation("!a", 39.0, -104.0, Record{Timestamp: 100})
	s.RecordObservation("!a", 39.1, -104.1, Record{Timestamp: 200})
	s.RecordObservation("!a", 39.2, -104.2, Record{Timestamp: 300})
	s.RecordObservation("!b", 40.0, -105.0, Record{Timestamp: 150})
	s.RecordObservation("!b", 40.1, -105.1, Record{Timestamp: 250})

	fc := s.Snapshot(220)
	require.Len(t, fc.Features, 2)

	byID := map[string]int64{}
	for _, f := range fc.Features {
		byID[f.Properties["id"].(string)] = f.Properties["last_seen"].(int64)
	}
	assert.Equal(t, int64(200), byID["!a"])
	assert.Equal(t, int64(150), byID["!b"])
	assert.Equal(t, 2, fc.Properties["node_count"])
}

func TestSnapshot_DuplicateTimestampsNoDuplicates(t *testing.T) {
	s, err := Open(":memory:", time.Nanosecond, DefaultRetention, nil)
	require.NoError(t, err)
	defer s.Close()

	// Two rows with identical node and timestamp: MAX(id) must pick one
	s.RecordObservation("!a", 39.0, -104.0, Record{Timestamp: 100})
	s.RecordObservation("!a", 39.5, -104.5, Record{Timestamp: 100})

	fc := s.Snapshot(100)
	require.Len(t, fc.Features, 1)
	lat, _, ok := fc.Features[0].LatLon()
	require.True(t, ok)
	assert.Equal(t, 39.5, lat, "the later row (higher id) wins")
}

func TestTrackedNodes(t *testing.T) {
	s := openTestStore(t)
	s.RecordObservation("!a", 39.0, -104.0, Record{Timestamp: 100})
	s.RecordObservation("!b", 40.0, -105.0, Record{Timestamp: 500})

	nodes := s.TrackedNodes()
	require.Len(t, nodes, 2)
	// Most recently seen first
	assert.Equal(t, "!b", nodes[0].NodeID)
	assert.Equal(t, int64(1), nodes[0].ObservationCount)
	assert.Equal(t, int64(2), s.NodeCount())
}

func TestPruneOldData(t *testing.T) {
	s := openTestStore(t)
	s.RecordObservation("!old", 39.0, -104.0, Record{Timestamp: 100})
	s.RecordObservation("!new", 40.0, -105.0, Record{Timestamp: 5000})

	deleted := s.PruneOldData(1000)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, int64(1), s.ObservationCount())
	assert.Empty(t, s.NodeHistory("!old", nil, 10))
}

func TestDensityPoints(t *testing.T) {
	s, err := Open(":memory:", time.Nanosecond, DefaultRetention, nil)
	require.NoError(t, err)
	defer s.Close()

	// Three observations in one cell, one in another
	s.RecordObservation("!a", 39.70001, -104.90001, Record{Timestamp: 100, Network: "meshtastic"})
	s.RecordObservation("!b", 39.70002, -104.90002, Record{Timestamp: 110, Network: "meshtastic"})
	s.RecordObservation("!c", 39.70001, -104.90003, Record{Timestamp: 120, Network: "meshtastic"})
	s.RecordObservation("!d", 45.0, -100.0, Record{Timestamp: 130, Network: "aredn"})

	points := s.DensityPoints(nil, nil, 3, "")
	require.NotEmpty(t, points)
	assert.Equal(t, int64(3), points[0].Count, "densest cell first")

	filtered := s.DensityPoints(nil, nil, 3, "aredn")
	require.Len(t, filtered, 1)
	assert.Equal(t, int64(1), filtered[0].Count)
}

func TestClosedStoreIsNoOp(t *testing.T) {
	s := openTestStore(t)
	s.Close()

	assert.False(t, s.RecordObservation("!a", 39.0, -104.0, Record{Timestamp: 100}))
	assert.Empty(t, s.NodeHistory("!a", nil, 10))
	assert.Zero(t, s.ObservationCount())
}
