package mqttsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUpdateAndGet(t *testing.T) {
	s := NewNodeStore()

	s.UpdatePosition("!a1b2c3d4", 39.7, -104.9, nil, 1000)
	s.UpdateNodeInfo("!a1b2c3d4", User{LongName: "Denver Node", ShortName: "DEN", HwModel: "TBEAM"})
	s.UpdateTelemetry("!a1b2c3d4", map[string]float64{"battery": 85, "voltage": 3.9})

	node := s.GetNode("!a1b2c3d4")
	require.NotNil(t, node)
	assert.Equal(t, 39.7, node["latitude"])
	assert.Equal(t, "Denver Node", node["name"])
	assert.Equal(t, 85.0, node["battery"])

	// Prefix normalization on lookup
	assert.NotNil(t, s.GetNode("a1b2c3d4"))
	assert.Nil(t, s.GetNode("!ffffffff"))
}

func TestGetNodeReturnsCopy(t *testing.T) {
	s := NewNodeStore()
	s.UpdatePosition("!abc", 10, 20, nil, 0)

	node := s.GetNode("!abc")
	node["battery"] = 1.0

	again := s.GetNode("!abc")
	assert.NotContains(t, again, "battery")
}

func TestAllFeatures_SkipsNonGeolocated(t *testing.T) {
	s := NewNodeStore()
	s.UpdatePosition("!located", 39.7, -104.9, nil, time.Now().Unix())
	s.UpdateNodeInfo("!identityonly", User{LongName: "No GPS"})

	features := s.AllFeatures()
	require.Len(t, features, 1)
	assert.Equal(t, "!located", features[0].ID())
	assert.Equal(t, "meshtastic", features[0].Network())
}

func TestAllFeatures_MarksStaleOffline(t *testing.T) {
	s := NewNodeStore(WithStaleTimeout(30 * time.Minute))
	old := time.Now().Add(-time.Hour).Unix()
	s.UpdatePosition("!stale", 39.7, -104.9, nil, old)
	s.UpdatePosition("!fresh", 40.0, -105.0, nil, time.Now().Unix())

	features := s.AllFeatures()
	require.Len(t, features, 2)
	for _, f := range features {
		online, _ := f.Properties["is_online"].(bool)
		switch f.ID() {
		case "!stale":
			assert.False(t, online)
		case "!fresh":
			assert.True(t, online)
		}
	}
}

func TestLRUEviction_InvokesCallbackOnce(t *testing.T) {
	var removed []string
	s := NewNodeStore(
		WithMaxNodes(2),
		WithRemovalCallback(func(id string) { removed = append(removed, id) }),
	)

	s.UpdatePosition("!oldest", 10, 20, nil, 100)
	s.UpdatePosition("!middle", 10, 20, nil, 200)
	s.UpdatePosition("!newest", 10, 20, nil, 300)

	assert.Equal(t, 2, s.NodeCount())
	assert.Equal(t, []string{"!oldest"}, removed)
	assert.Nil(t, s.GetNode("!oldest"))
	assert.NotNil(t, s.GetNode("!newest"))
}

func TestEviction_ExistingNodeUpdateDoesNotEvict(t *testing.T) {
	var removed []string
	s := NewNodeStore(
		WithMaxNodes(2),
		WithRemovalCallback(func(id string) { removed = append(removed, id) }),
	)

	s.UpdatePosition("!a", 10, 20, nil, 100)
	s.UpdatePosition("!b", 10, 20, nil, 200)
	s.UpdatePosition("!a", 11, 21, nil, 300) // update in place

	assert.Empty(t, removed)
	assert.Equal(t, 2, s.NodeCount())
}

func TestCleanupStale(t *testing.T) {
	var removed []string
	s := NewNodeStore(
		WithRemoveTimeout(time.Hour),
		WithRemovalCallback(func(id string) { removed = append(removed, id) }),
	)

	s.UpdatePosition("!ancient", 10, 20, nil, time.Now().Add(-2*time.Hour).Unix())
	s.UpdatePosition("!recent", 10, 20, nil, time.Now().Unix())

	count := s.CleanupStale()
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"!ancient"}, removed)
	assert.Equal(t, 1, s.NodeCount())
}

func TestTopologyLinks(t *testing.T) {
	s := NewNodeStore()
	s.UpdatePosition("!aaaa", 40.0, -105.0, nil, time.Now().Unix())
	s.UpdatePosition("!bbbb", 40.1, -105.1, nil, time.Now().Unix())
	s.UpdateNodeInfo("!cccc", User{LongName: "no coords"})

	snr := 6.5
	s.UpdateNeighbors("!aaaa", []Neighbor{
		{NodeID: "!bbbb", SNR: &snr},
		{NodeID: "!cccc"}, // dropped: no coordinates
		{NodeID: "!dddd"}, // dropped: unknown node
	})

	links := s.TopologyLinks()
	require.Len(t, links, 1)
	assert.Equal(t, "!aaaa", links[0].Source)
	assert.Equal(t, "!bbbb", links[0].Target)
	assert.Equal(t, "good", string(links[0].Quality))
	assert.Equal(t, "#8bc34a", links[0].Color)
}
