package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/geo"
)

// arednHTTPTimeout bounds each per-node sysinfo request.
const arednHTTPTimeout = 5 * time.Second

// AREDNSource collects Wi-Fi mesh node data from each configured node's
// sysinfo API, including link-quality-manager data. The response parser
// produces both features and directed LQM edges; the edges are installed
// under a topology-private mutex and exposed to the aggregator.
type AREDNSource struct {
	targets []string
	client  *http.Client
	logger  *slog.Logger

	topoMu sync.Mutex
	links  []*geo.TopologyLink
}

// NewAREDNSource creates the AREDN source for the configured node endpoints.
func NewAREDNSource(targets []string, logger *slog.Logger) *AREDNSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AREDNSource{
		targets: targets,
		client:  &http.Client{Timeout: arednHTTPTimeout},
		logger:  logger,
	}
}

// Name implements Source.
func (s *AREDNSource) Name() string { return "aredn" }

// Fetch implements Source.
func (s *AREDNSource) Fetch(ctx context.Context) (*geo.FeatureCollection, error) {
	features := make([]*geo.Feature, 0)
	links := make([]*geo.TopologyLink, 0)
	seen := make(map[string]struct{})
	var lastErr error

	for _, target := range s.targets {
		nodeFeatures, nodeLinks, err := s.fetchFromNode(ctx, target)
		if err != nil {
			lastErr = err
			s.logger.Debug("node unreachable", "target", target, "error", err)
			continue
		}
		for _, f := range nodeFeatures {
			id := f.ID()
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			features = append(features, f)
		}
		links = append(links, nodeLinks...)
	}

	if len(features) == 0 && lastErr != nil && len(s.targets) > 0 {
		return nil, lastErr
	}

	s.topoMu.Lock()
	s.links = links
	s.topoMu.Unlock()

	return geo.NewFeatureCollection(features, s.Name()), nil
}

// TopologyLinks returns the LQM edges from the most recent successful fetch.
func (s *AREDNSource) TopologyLinks() []*geo.TopologyLink {
	s.topoMu.Lock()
	defer s.topoMu.Unlock()
	out := make([]*geo.TopologyLink, len(s.links))
	copy(out, s.links)
	return out
}

// sysinfoDoc mirrors the AREDN sysinfo.json schema (subset consumed).
type sysinfoDoc struct {
	Node       string          `json:"node"`
	Lat        json.RawMessage `json:"lat"`
	Lon        json.RawMessage `json:"lon"`
	Model      string          `json:"model"`
	Firmware   string          `json:"firmware_version"`
	APIVersion string          `json:"api_version"`
	GridSquare string          `json:"grid_square"`
	Sysinfo    struct {
		Uptime string    `json:"uptime"`
		Loads  []float64 `json:"loads"`
	} `json:"sysinfo"`
	Meshrf json.RawMessage `json:"meshrf"`
	LQM    struct {
		Info struct {
			Trackers map[string]lqmTracker `json:"trackers"`
		} `json:"info"`
	} `json:"lqm"`
}

type lqmTracker struct {
	Hostname string   `json:"hostname"`
	Type     string   `json:"type"`
	SNR      *float64 `json:"snr"`
	Quality  *float64 `json:"quality"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
}

func (s *AREDNSource) fetchFromNode(ctx context.Context, target string) ([]*geo.Feature, []*geo.TopologyLink, error) {
	reqCtx, cancel := context.WithTimeout(ctx, arednHTTPTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/a/sysinfo?lqm=1", target)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, errors.WrapInvalid(err, "AREDNSource", "fetchFromNode", "request build")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MeshForge/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "AREDNSource", "fetchFromNode", "http get")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode), "AREDNSource", "fetchFromNode", "http get")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "AREDNSource", "fetchFromNode", "body read")
	}

	var doc sysinfoDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, errors.WrapInvalid(errors.ErrParsingFailed, "AREDNSource", "fetchFromNode", "sysinfo decode")
	}
	// Confirm this is a real AREDN node and not some other HTTP service on
	// the same port
	if doc.Node == "" && doc.Meshrf == nil {
		return nil, nil, errors.WrapInvalid(errors.ErrInvalidData, "AREDNSource", "fetchFromNode", "missing AREDN fields")
	}

	return s.parseSysinfo(&doc, target)
}

func (s *AREDNSource) parseSysinfo(doc *sysinfoDoc, target string) ([]*geo.Feature, []*geo.TopologyLink, error) {
	lat, latOK := parseFlexibleFloat(doc.Lat)
	lon, lonOK := parseFlexibleFloat(doc.Lon)

	nodeName := doc.Node
	if nodeName == "" {
		nodeName = target
	}

	features := make([]*geo.Feature, 0, 1)
	links := make([]*geo.TopologyLink, 0)

	var selfLat, selfLon float64
	haveSelf := false
	if latOK && lonOK {
		props := map[string]any{
			"name":      nodeName,
			"node_type": "aredn_node",
			"is_online": true,
		}
		if doc.Model != "" {
			props["hardware"] = doc.Model
		}
		if doc.Firmware != "" {
			props["firmware"] = doc.Firmware
		}
		if doc.APIVersion != "" {
			props["api_version"] = doc.APIVersion
		}
		if doc.GridSquare != "" {
			props["grid_square"] = doc.GridSquare
		}
		if doc.Sysinfo.Uptime != "" {
			props["uptime"] = doc.Sysinfo.Uptime
		}
		if len(doc.Sysinfo.Loads) > 0 {
			props["load_avg"] = doc.Sysinfo.Loads[0]
		}
		if doc.Model != "" || doc.Firmware != "" {
			props["description"] = fmt.Sprintf("AREDN %s - %s", doc.Model, doc.Firmware)
		}

		f, err := geo.MakeFeature(nodeName, lat, lon, "aredn", props)
		if err == nil {
			features = append(features, f)
			selfLat, selfLon = lat, lon
			haveSelf = true
		}
	}

	// LQM trackers carry the directed edges; only edges with both endpoints
	// geolocated are renderable
	for _, tracker := range doc.LQM.Info.Trackers {
		if tracker.Hostname == "" || !haveSelf {
			continue
		}
		if tracker.Lat == nil || tracker.Lon == nil {
			continue
		}
		tgtLat, tgtLon, err := geo.ValidateCoordinates(*tracker.Lat, *tracker.Lon, false)
		if err != nil {
			continue
		}
		link := &geo.TopologyLink{
			Source:    nodeName,
			Target:    tracker.Hostname,
			SourceLat: selfLat, SourceLon: selfLon,
			TargetLat: tgtLat, TargetLon: tgtLon,
			SNR:      tracker.SNR,
			Network:  "aredn",
			LinkType: tracker.Type,
		}
		link.Classify()
		links = append(links, link)
	}

	return features, links, nil
}

// parseFlexibleFloat accepts a coordinate serialized as either a JSON number
// or a quoted string (AREDN firmware has shipped both).
func parseFlexibleFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
