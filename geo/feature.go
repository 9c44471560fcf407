// Package geo provides the unified geospatial node model shared by every
// collector and store: GeoJSON-style Features, coordinate and node-ID
// validation, topology links with SNR quality classification, and feature
// deduplication.
package geo

import (
	"time"

	"github.com/Nursedude/meshforge-maps/errors"
)

// Geometry is a GeoJSON geometry. Node features carry Point geometries
// ([lon, lat] or [lon, lat, alt]); topology links carry LineStrings.
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// NewPoint builds a Point geometry from validated coordinates.
func NewPoint(lat, lon float64) *Geometry {
	return &Geometry{Type: "Point", Coordinates: []float64{lon, lat}}
}

// NewPointWithAltitude builds a Point geometry including altitude in metres.
func NewPointWithAltitude(lat, lon, alt float64) *Geometry {
	return &Geometry{Type: "Point", Coordinates: []float64{lon, lat, alt}}
}

// NewLineString builds a LineString geometry from [lon, lat] pairs.
func NewLineString(coords [][]float64) *Geometry {
	return &Geometry{Type: "LineString", Coordinates: coords}
}

// Feature is the unified node record. Every collector produces Features and
// every store consumes them. Properties is an open bag: the recognized keys
// carry semantics, unknown keys are preserved end-to-end. Absent numeric
// values are represented by absence from the map, so zero is always a valid
// value (battery=0, snr=0, altitude=0).
type Feature struct {
	Type       string         `json:"type"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
	Properties map[string]any `json:"properties"`
}

// ID returns the node ID from the feature properties, or "" if absent.
func (f *Feature) ID() string {
	if f == nil || f.Properties == nil {
		return ""
	}
	id, _ := f.Properties["id"].(string)
	return id
}

// Network returns the source network tag, or "" if absent.
func (f *Feature) Network() string {
	if f == nil || f.Properties == nil {
		return ""
	}
	n, _ := f.Properties["network"].(string)
	return n
}

// LatLon returns the point coordinates if the feature has point geometry.
func (f *Feature) LatLon() (lat, lon float64, ok bool) {
	if f == nil || f.Geometry == nil || f.Geometry.Type != "Point" {
		return 0, 0, false
	}
	switch c := f.Geometry.Coordinates.(type) {
	case []float64:
		if len(c) >= 2 {
			return c[1], c[0], true
		}
	case []any:
		// Round-tripped through encoding/json
		if len(c) >= 2 {
			lonV, okLon := toFloat(c[0])
			latV, okLat := toFloat(c[1])
			if okLon && okLat {
				return latV, lonV, true
			}
		}
	}
	return 0, 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// MakeFeature creates a standardized Feature for a mesh node. Coordinates are
// validated; nil property values are stripped so that absence stays
// distinguishable from zero. Returns an error wrapping ErrInvalidCoordinates
// when the position is unusable.
func MakeFeature(nodeID string, lat, lon float64, network string, props map[string]any) (*Feature, error) {
	vlat, vlon, err := ValidateCoordinates(lat, lon, false)
	if err != nil {
		return nil, err
	}

	properties := map[string]any{
		"id":      nodeID,
		"network": network,
	}
	if _, ok := props["name"]; !ok {
		properties["name"] = nodeID
	}
	for k, v := range props {
		if v == nil {
			continue
		}
		properties[k] = v
	}

	return &Feature{
		Type:       "Feature",
		Geometry:   NewPoint(vlat, vlon),
		Properties: properties,
	}, nil
}

// FeatureCollection is a GeoJSON FeatureCollection with source metadata in
// its top-level properties.
type FeatureCollection struct {
	Type       string         `json:"type"`
	Features   []*Feature     `json:"features"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewFeatureCollection wraps features with source metadata. A nil feature
// slice becomes an empty one so the JSON output is always an array.
func NewFeatureCollection(features []*Feature, source string) *FeatureCollection {
	if features == nil {
		features = []*Feature{}
	}
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
		Properties: map[string]any{
			"source":       source,
			"collected_at": time.Now().UTC().Format(time.RFC3339),
			"node_count":   len(features),
		},
	}
}

// DeduplicateFeatures merges multiple feature lists, deduplicating by the
// properties.id field. The first occurrence of each ID wins; features without
// an ID are included unconditionally when allowNoID is true. Node-ID equality
// is case-insensitive: IDs are compared in the canonical form returned by
// ValidateNodeID, and each kept feature retains its ID as given.
func DeduplicateFeatures(featureLists [][]*Feature, allowNoID bool) []*Feature {
	result := make([]*Feature, 0)
	seen := make(map[string]struct{})
	for _, features := range featureLists {
		for _, f := range features {
			if f == nil {
				continue
			}
			id := f.ID()
			if id != "" {
				key, err := ValidateNodeID(id)
				if err != nil {
					key = id
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				result = append(result, f)
			} else if allowNoID {
				result = append(result, f)
			}
		}
	}
	return result
}

// TopologyLink is a directed edge between two node IDs with SNR-derived
// quality classification.
type TopologyLink struct {
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	SourceLat float64  `json:"source_lat"`
	SourceLon float64  `json:"source_lon"`
	TargetLat float64  `json:"target_lat"`
	TargetLon float64  `json:"target_lon"`
	SNR       *float64 `json:"snr,omitempty"`
	Quality   Quality  `json:"quality"`
	Color     string   `json:"color"`
	Network   string   `json:"network,omitempty"`
	LinkType  string   `json:"link_type,omitempty"`
}

// Classify fills Quality and Color from the link's SNR value.
func (l *TopologyLink) Classify() {
	l.Quality, l.Color = ClassifySNR(l.SNR)
}

// ToFeature renders the link as a GeoJSON LineString Feature with quality
// metadata in the properties for direct client-side styling.
func (l *TopologyLink) ToFeature() *Feature {
	props := map[string]any{
		"source":  l.Source,
		"target":  l.Target,
		"quality": string(l.Quality),
		"color":   l.Color,
	}
	if l.SNR != nil {
		props["snr"] = *l.SNR
	}
	if l.Network != "" {
		props["network"] = l.Network
	}
	if l.LinkType != "" {
		props["link_type"] = l.LinkType
	}
	return &Feature{
		Type: "Feature",
		Geometry: NewLineString([][]float64{
			{l.SourceLon, l.SourceLat},
			{l.TargetLon, l.TargetLat},
		}),
		Properties: props,
	}
}

// Wrap sentinel re-export so geo callers see the validation failures they
// care about without importing the errors package.
var (
	ErrInvalidCoordinates = errors.ErrInvalidCoordinates
	ErrInvalidNodeID      = errors.ErrInvalidNodeID
)
