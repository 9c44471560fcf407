package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/geo"
	"github.com/Nursedude/meshforge-maps/lease"
	"github.com/Nursedude/meshforge-maps/mqttsub"
)

// Meshtastic collector timeouts. The HTTP deadline runs one second shorter
// than the lease timeout so the request can never outlive the lease.
const (
	meshtasticLeaseTimeout = 6 * time.Second
	meshtasticHTTPTimeout  = meshtasticLeaseTimeout - time.Second
)

// MeshtasticSource reads live nodes from the broker subscriber's in-memory
// store. When the store is empty (broker down or still warming up) and a
// local meshtasticd HTTP endpoint is configured, it falls back to reading
// that — guarded by the per-host lease because meshtasticd accepts a single
// client at a time.
type MeshtasticSource struct {
	store  *mqttsub.NodeStore
	host   string
	port   int
	leases *lease.Manager
	client *http.Client
	logger *slog.Logger
}

// NewMeshtasticSource creates the meshtastic source. The store may be nil
// when the subscriber is disabled; host may be empty to disable the local
// HTTP fallback.
func NewMeshtasticSource(store *mqttsub.NodeStore, host string, port int, leases *lease.Manager, logger *slog.Logger) *MeshtasticSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshtasticSource{
		store:  store,
		host:   host,
		port:   port,
		leases: leases,
		client: &http.Client{Timeout: meshtasticHTTPTimeout},
		logger: logger,
	}
}

// Name implements Source.
func (s *MeshtasticSource) Name() string { return "meshtastic" }

// Fetch implements Source.
func (s *MeshtasticSource) Fetch(ctx context.Context) (*geo.FeatureCollection, error) {
	if s.store != nil {
		if features := s.store.AllFeatures(); len(features) > 0 {
			return geo.NewFeatureCollection(features, s.Name()), nil
		}
	}

	if s.host == "" {
		// No local endpoint: an empty store is still a valid (empty) result
		return geo.NewFeatureCollection(nil, s.Name()), nil
	}

	return s.fetchFromLocalAPI(ctx)
}

// fetchFromLocalAPI reads the meshtasticd node list, retrying once on
// transient transport errors. Parse errors are not retried.
func (s *MeshtasticSource) fetchFromLocalAPI(ctx context.Context) (*geo.FeatureCollection, error) {
	leaseName := lease.Key(s.host, s.port)
	l, ok := s.leases.Acquire(leaseName, meshtasticLeaseTimeout, "meshtastic-collector")
	if !ok {
		return nil, errors.WrapTransient(errors.ErrLeaseTimeout, "MeshtasticSource", "Fetch", "acquire "+leaseName)
	}
	defer l.Release()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		fc, err := s.readNodes(ctx)
		if err == nil {
			return fc, nil
		}
		lastErr = err
		if errors.IsInvalid(err) {
			break
		}
		s.logger.Debug("local node API read failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (s *MeshtasticSource) readNodes(ctx context.Context) (*geo.FeatureCollection, error) {
	reqCtx, cancel := context.WithTimeout(ctx, meshtasticHTTPTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/api/v1/nodes", s.host, s.port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "MeshtasticSource", "readNodes", "request build")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "MeshtasticSource", "readNodes", "http get")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode), "MeshtasticSource", "readNodes", "http get")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "MeshtasticSource", "readNodes", "body read")
	}

	var nodes []localNode
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "MeshtasticSource", "readNodes", "node list decode")
	}

	features := make([]*geo.Feature, 0, len(nodes))
	for _, n := range nodes {
		f := n.toFeature()
		if f != nil {
			features = append(features, f)
		}
	}
	return geo.NewFeatureCollection(features, s.Name()), nil
}

// localNode mirrors the meshtasticd JSON node schema, with integer-scaled
// coordinates.
type localNode struct {
	ID         string   `json:"id"`
	LongName   string   `json:"long_name"`
	ShortName  string   `json:"short_name"`
	HwModel    string   `json:"hw_model"`
	Role       string   `json:"role"`
	LatitudeI  int64    `json:"latitude_i"`
	LongitudeI int64    `json:"longitude_i"`
	Altitude   *float64 `json:"altitude"`
	Battery    *float64 `json:"battery_level"`
	SNR        *float64 `json:"snr"`
	HopsAway   *int     `json:"hops_away"`
	LastHeard  int64    `json:"last_heard"`
	ViaMQTT    bool     `json:"via_mqtt"`
}

func (n *localNode) toFeature() *geo.Feature {
	if n.ID == "" {
		return nil
	}
	lat, lon, err := geo.ValidateCoordinates(float64(n.LatitudeI), float64(n.LongitudeI), true)
	if err != nil {
		return nil
	}

	props := map[string]any{
		"short_name": emptyToNil(n.ShortName),
		"hardware":   emptyToNil(n.HwModel),
		"role":       emptyToNil(n.Role),
	}
	if n.LongName != "" {
		props["name"] = n.LongName
	}
	if n.Altitude != nil {
		props["altitude"] = *n.Altitude
	}
	if n.Battery != nil {
		props["battery"] = *n.Battery
	}
	if n.SNR != nil {
		props["snr"] = *n.SNR
	}
	if n.HopsAway != nil {
		props["hops_away"] = *n.HopsAway
	}
	if n.LastHeard > 0 {
		props["last_seen"] = n.LastHeard
	}
	if n.ViaMQTT {
		props["via_mqtt"] = true
	}

	f, err := geo.MakeFeature(n.ID, lat, lon, "meshtastic", props)
	if err != nil {
		return nil
	}
	return f
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
