package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Nursedude/meshforge-maps/config"
	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/geo"
)

// rnstatusTimeout bounds the diagnostic subprocess.
const rnstatusTimeout = 10 * time.Second

// rnsNodeTypes maps RNS interface types to display names.
var rnsNodeTypes = map[string]string{
	"rnode":     "RNode (LoRa)",
	"nomadnet":  "NomadNet",
	"rnsd":      "RNSD",
	"tcp":       "TCP Transport",
	"i2p":       "I2P",
	"tnc":       "TNC KiSS",
	"retibbs":   "RetiBBS",
	"lxmf_peer": "LXMF Peer",
	"multi":     "Multi-Interface",
}

// ReticulumSource collects Reticulum path-table data by invoking the local
// rnstatus diagnostic (argument vector only, no shell interpretation),
// falling back to the RNS node cache and then to the unified node cache on
// disk.
type ReticulumSource struct {
	command      []string
	rnsCache     string
	unifiedCache string
	logger       *slog.Logger
}

// NewReticulumSource creates the reticulum source with default cache paths.
func NewReticulumSource(logger *slog.Logger) *ReticulumSource {
	if logger == nil {
		logger = slog.Default()
	}
	dataDir := config.DataDir()
	return &ReticulumSource{
		command:      []string{"rnstatus", "-d", "--json"},
		rnsCache:     filepath.Join(dataDir, "rns_nodes.json"),
		unifiedCache: filepath.Join(dataDir, "node_cache.json"),
		logger:       logger,
	}
}

// Name implements Source.
func (s *ReticulumSource) Name() string { return "reticulum" }

// Fetch implements Source.
func (s *ReticulumSource) Fetch(ctx context.Context) (*geo.FeatureCollection, error) {
	lists := make([][]*geo.Feature, 0, 3)

	if live, err := s.fetchFromRnstatus(ctx); err == nil {
		lists = append(lists, live)
	} else {
		s.logger.Debug("rnstatus unavailable", "error", err)
	}

	lists = append(lists, s.readCacheFile(s.rnsCache, ""))
	lists = append(lists, s.readCacheFile(s.unifiedCache, "reticulum"))

	features := geo.DeduplicateFeatures(lists, false)
	return geo.NewFeatureCollection(features, s.Name()), nil
}

// rnstatusDoc mirrors the rnstatus --json output.
type rnstatusDoc struct {
	Interfaces []rnsInterface `json:"interfaces"`
}

type rnsInterface struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Hash        string   `json:"hash"`
	Status      string   `json:"status"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Height      *float64 `json:"height"`
	Description string   `json:"description"`
}

func (s *ReticulumSource) fetchFromRnstatus(ctx context.Context) ([]*geo.Feature, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, rnstatusTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, s.command[0], s.command[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.WrapTransient(err, "ReticulumSource", "fetchFromRnstatus", "rnstatus exec")
	}

	var doc rnstatusDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ReticulumSource", "fetchFromRnstatus", "rnstatus decode")
	}

	features := make([]*geo.Feature, 0, len(doc.Interfaces))
	for _, iface := range doc.Interfaces {
		if f := s.parseInterface(iface); f != nil {
			features = append(features, f)
		}
	}
	s.logger.Debug("rnstatus returned interfaces", "count", len(features))
	return features, nil
}

func (s *ReticulumSource) parseInterface(iface rnsInterface) *geo.Feature {
	if iface.Latitude == nil || iface.Longitude == nil {
		return nil
	}

	nodeID := iface.Hash
	if nodeID == "" {
		nodeID = iface.Name
	}
	nodeType := rnsNodeTypes[iface.Type]
	if nodeType == "" {
		nodeType = iface.Type
	}

	props := map[string]any{
		"node_type":          nodeType,
		"rns_interface_type": iface.Type,
		"is_online":          iface.Status == "up",
	}
	if iface.Name != "" {
		props["name"] = iface.Name
	}
	if iface.Description != "" {
		props["description"] = iface.Description
	}
	if iface.Height != nil {
		props["altitude"] = *iface.Height
	}

	f, err := geo.MakeFeature(nodeID, *iface.Latitude, *iface.Longitude, "reticulum", props)
	if err != nil {
		return nil
	}
	return f
}

// readCacheFile reads a GeoJSON FeatureCollection cache from disk,
// optionally filtered by network tag. Missing or corrupt caches yield nil.
func (s *ReticulumSource) readCacheFile(path, networkFilter string) []*geo.Feature {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var fc geo.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil || fc.Type != "FeatureCollection" {
		s.logger.Debug("cache read failed", "path", filepath.Base(path), "error", err)
		return nil
	}

	features := make([]*geo.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		if networkFilter != "" && f.Network() != networkFilter {
			continue
		}
		features = append(features, f)
	}
	s.logger.Debug("cache returned nodes", "path", filepath.Base(path), "count", len(features))
	return features
}
