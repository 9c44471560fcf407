package mqttsub

import (
	"strings"
	"sync"
	"time"

	"github.com/Nursedude/meshforge-maps/geo"
)

// Store defaults.
const (
	DefaultMaxNodes      = 10000
	DefaultStaleTimeout  = 30 * time.Minute
	DefaultRemoveTimeout = 72 * time.Hour
)

// NodeStore is the thread-safe in-memory store for live broker node data.
// Nodes are property bags keyed by node ID ("!a1b2c3d4" form). Entries are
// created on first observation, mutated on subsequent observations, and
// evicted LRU-by-last_seen when the cap is exceeded. Evictions invoke the
// configured removal callback exactly once, outside the store mutex, so the
// owner can prune the state machine, drift tracker, and health scorer in
// sync.
type NodeStore struct {
	maxNodes      int
	staleTimeout  time.Duration
	removeTimeout time.Duration
	onNodeRemoved func(nodeID string)

	mu        sync.Mutex
	nodes     map[string]map[string]any
	neighbors map[string][]Neighbor
}

// StoreOption configures a NodeStore.
type StoreOption func(*NodeStore)

// WithMaxNodes caps the store size.
func WithMaxNodes(n int) StoreOption {
	return func(s *NodeStore) { s.maxNodes = n }
}

// WithStaleTimeout sets the age beyond which nodes are marked offline on
// reads.
func WithStaleTimeout(d time.Duration) StoreOption {
	return func(s *NodeStore) { s.staleTimeout = d }
}

// WithRemoveTimeout sets the age beyond which CleanupStale removes nodes
// entirely.
func WithRemoveTimeout(d time.Duration) StoreOption {
	return func(s *NodeStore) { s.removeTimeout = d }
}

// WithRemovalCallback registers the eviction hook.
func WithRemovalCallback(fn func(nodeID string)) StoreOption {
	return func(s *NodeStore) { s.onNodeRemoved = fn }
}

// NewNodeStore creates a store with the given options.
func NewNodeStore(opts ...StoreOption) *NodeStore {
	s := &NodeStore{
		maxNodes:      DefaultMaxNodes,
		staleTimeout:  DefaultStaleTimeout,
		removeTimeout: DefaultRemoveTimeout,
		nodes:         make(map[string]map[string]any),
		neighbors:     make(map[string][]Neighbor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRemovalCallback replaces the eviction hook after construction.
func (s *NodeStore) SetRemovalCallback(fn func(nodeID string)) {
	s.mu.Lock()
	s.onNodeRemoved = fn
	s.mu.Unlock()
}

// UpdatePosition writes a position observation for a node.
func (s *NodeStore) UpdatePosition(nodeID string, lat, lon float64, altitude *float64, timestamp int64) {
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	var evicted string
	s.mu.Lock()
	evicted = s.makeRoomLocked(nodeID)
	node := s.nodeLocked(nodeID)
	node["latitude"] = lat
	node["longitude"] = lon
	if altitude != nil {
		node["altitude"] = *altitude
	}
	node["last_seen"] = timestamp
	node["is_online"] = true
	cb := s.onNodeRemoved
	s.mu.Unlock()

	s.notifyRemoved(cb, evicted)
}

// UpdateNodeInfo writes identity fields for a node. Empty values do not
// overwrite existing ones.
func (s *NodeStore) UpdateNodeInfo(nodeID string, user User) {
	var evicted string
	s.mu.Lock()
	evicted = s.makeRoomLocked(nodeID)
	node := s.nodeLocked(nodeID)
	if user.LongName != "" {
		node["name"] = user.LongName
	}
	if user.ShortName != "" {
		node["short_name"] = user.ShortName
	}
	if user.HwModel != "" {
		node["hardware"] = user.HwModel
	}
	if user.Role != "" {
		node["role"] = user.Role
	}
	node["last_seen"] = time.Now().Unix()
	cb := s.onNodeRemoved
	s.mu.Unlock()

	s.notifyRemoved(cb, evicted)
}

// UpdateTelemetry writes telemetry metrics for a node.
func (s *NodeStore) UpdateTelemetry(nodeID string, metrics map[string]float64) {
	var evicted string
	s.mu.Lock()
	evicted = s.makeRoomLocked(nodeID)
	node := s.nodeLocked(nodeID)
	for k, v := range metrics {
		node[k] = v
	}
	node["last_seen"] = time.Now().Unix()
	cb := s.onNodeRemoved
	s.mu.Unlock()

	s.notifyRemoved(cb, evicted)
}

// UpdateNeighbors replaces the neighbor list for a node.
func (s *NodeStore) UpdateNeighbors(nodeID string, neighbors []Neighbor) {
	s.mu.Lock()
	s.neighbors[nodeID] = neighbors
	s.mu.Unlock()
}

// GetNode returns a copy of a single node by ID, normalizing the '!' prefix,
// or nil when not present. The stored record is never exposed to readers.
func (s *NodeStore) GetNode(nodeID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		alt := "!" + nodeID
		if strings.HasPrefix(nodeID, "!") {
			alt = strings.TrimPrefix(nodeID, "!")
		}
		node, ok = s.nodes[alt]
	}
	if !ok {
		return nil
	}
	return copyNode(node)
}

// AllFeatures returns all geolocated nodes as Features, marking entries
// older than the stale timeout offline. Non-geolocated nodes are skipped;
// reads never mutate the stored records.
func (s *NodeStore) AllFeatures() []*geo.Feature {
	now := time.Now().Unix()
	stale := int64(s.staleTimeout.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	features := make([]*geo.Feature, 0, len(s.nodes))
	for nodeID, node := range s.nodes {
		lat, lon, ok := nodeCoords(node)
		if !ok {
			continue
		}
		props := copyNode(node)
		delete(props, "latitude")
		delete(props, "longitude")
		if lastSeen, ok := props["last_seen"].(int64); ok && now-lastSeen > stale {
			props["is_online"] = false
		}
		f, err := geo.MakeFeature(nodeID, lat, lon, "meshtastic", props)
		if err != nil {
			continue
		}
		features = append(features, f)
	}
	return features
}

// TopologyLinks returns the directed edges with both endpoints geolocated,
// classified on the SNR quality scale.
func (s *NodeStore) TopologyLinks() []*geo.TopologyLink {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := make([]*geo.TopologyLink, 0)
	for nodeID, neighbors := range s.neighbors {
		source, ok := s.nodes[nodeID]
		if !ok {
			continue
		}
		srcLat, srcLon, ok := nodeCoords(source)
		if !ok {
			continue
		}
		for _, n := range neighbors {
			target, ok := s.nodes[n.NodeID]
			if !ok {
				continue
			}
			tgtLat, tgtLon, ok := nodeCoords(target)
			if !ok {
				continue
			}
			link := &geo.TopologyLink{
				Source:    nodeID,
				Target:    n.NodeID,
				SourceLat: srcLat, SourceLon: srcLon,
				TargetLat: tgtLat, TargetLon: tgtLon,
				SNR:     n.SNR,
				Network: "meshtastic",
			}
			link.Classify()
			links = append(links, link)
		}
	}
	return links
}

// NodeCount returns the number of stored nodes.
func (s *NodeStore) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// CleanupStale removes nodes not seen within the remove timeout, invoking the
// removal callback for each outside the lock. Returns the number removed.
func (s *NodeStore) CleanupStale() int {
	now := time.Now().Unix()
	threshold := int64(s.removeTimeout.Seconds())

	var removed []string
	s.mu.Lock()
	for nodeID, node := range s.nodes {
		lastSeen, _ := node["last_seen"].(int64)
		if now-lastSeen > threshold {
			delete(s.nodes, nodeID)
			delete(s.neighbors, nodeID)
			removed = append(removed, nodeID)
		}
	}
	cb := s.onNodeRemoved
	s.mu.Unlock()

	for _, nodeID := range removed {
		s.notifyRemoved(cb, nodeID)
	}
	return len(removed)
}

// nodeLocked returns the record for nodeID, creating it if absent. Caller
// must hold the mutex.
func (s *NodeStore) nodeLocked(nodeID string) map[string]any {
	node, ok := s.nodes[nodeID]
	if !ok {
		node = map[string]any{"id": nodeID}
		s.nodes[nodeID] = node
	}
	return node
}

// makeRoomLocked evicts the node with the smallest last_seen when inserting
// nodeID would exceed the cap. Returns the evicted ID or "". Caller must
// hold the mutex.
func (s *NodeStore) makeRoomLocked(nodeID string) string {
	if _, exists := s.nodes[nodeID]; exists || len(s.nodes) < s.maxNodes {
		return ""
	}
	var oldestID string
	var oldestSeen int64 = -1
	for id, node := range s.nodes {
		lastSeen, _ := node["last_seen"].(int64)
		if oldestSeen < 0 || lastSeen < oldestSeen {
			oldestSeen = lastSeen
			oldestID = id
		}
	}
	if oldestID != "" {
		delete(s.nodes, oldestID)
		delete(s.neighbors, oldestID)
	}
	return oldestID
}

func (s *NodeStore) notifyRemoved(cb func(string), nodeID string) {
	if cb != nil && nodeID != "" {
		cb(nodeID)
	}
}

func copyNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}
	return out
}

func nodeCoords(node map[string]any) (float64, float64, bool) {
	lat, okLat := node["latitude"].(float64)
	lon, okLon := node["longitude"].(float64)
	if !okLat || !okLon {
		return 0, 0, false
	}
	if _, _, err := geo.ValidateCoordinates(lat, lon, false); err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
