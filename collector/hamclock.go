package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/geo"
	"github.com/Nursedude/meshforge-maps/hamclock"
)

// Public space-weather endpoints used when no local propagation service
// answers.
const (
	swpcSolarFlux = "https://services.swpc.noaa.gov/products/summary/10cm-flux.json"
	swpcKpIndex   = "https://services.swpc.noaa.gov/products/noaa-planetary-k-index.json"
	swpcSolarWind = "https://services.swpc.noaa.gov/products/summary/solar-wind-speed.json"

	hamclockHTTPTimeout = 10 * time.Second
)

// HamClockSource collects space weather and radio propagation overlay data.
// It probes the local propagation service on the OpenHamClock port first,
// then the legacy HamClock port, records which variant answered, and adapts
// endpoint names and key spellings through the compatibility layer. When
// neither local service responds it falls back to the public NOAA SWPC API.
type HamClockSource struct {
	host             string
	hamclockPort     int
	openHamClockPort int
	client           *http.Client
	logger           *slog.Logger

	mu       sync.Mutex
	variant  hamclock.Variant
	baseURL  string
	lastData map[string]any
}

// NewHamClockSource creates the propagation source.
func NewHamClockSource(host string, hamclockPort, openHamClockPort int, logger *slog.Logger) *HamClockSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &HamClockSource{
		host:             host,
		hamclockPort:     hamclockPort,
		openHamClockPort: openHamClockPort,
		client:           &http.Client{Timeout: hamclockHTTPTimeout},
		variant:          hamclock.VariantUnknown,
		logger:           logger,
	}
}

// Name implements Source.
func (s *HamClockSource) Name() string { return "hamclock" }

// Variant reports which propagation service variant last answered.
func (s *HamClockSource) Variant() hamclock.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variant
}

// Data returns the propagation aggregate from the most recent fetch, for
// /api/hamclock.
func (s *HamClockSource) Data() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastData == nil {
		return map[string]any{"available": false}
	}
	out := make(map[string]any, len(s.lastData))
	for k, v := range s.lastData {
		out[k] = v
	}
	return out
}

// Fetch implements Source. The propagation data is overlay metadata, not
// point features, so it rides in the FeatureCollection properties.
func (s *HamClockSource) Fetch(ctx context.Context) (*geo.FeatureCollection, error) {
	local := s.fetchLocal(ctx)

	var spaceWeather map[string]any
	if local != nil {
		spaceWeather = local
	} else {
		spaceWeather = s.fetchSWPC(ctx)
	}

	terminator := solarTerminator(time.Now().UTC())

	fc := geo.NewFeatureCollection(nil, s.Name())
	fc.Properties["space_weather"] = spaceWeather
	fc.Properties["solar_terminator"] = terminator

	s.mu.Lock()
	variant := s.variant
	s.mu.Unlock()
	if variant != hamclock.VariantUnknown {
		hamData := map[string]any{
			"available": local != nil,
			"variant":   string(variant),
		}
		fc.Properties["hamclock"] = hamData
		s.mu.Lock()
		s.lastData = map[string]any{
			"available":     local != nil,
			"variant":       string(variant),
			"space_weather": spaceWeather,
		}
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.lastData = map[string]any{
			"available":     false,
			"space_weather": spaceWeather,
		}
		s.mu.Unlock()
	}

	return fc, nil
}

// fetchLocal probes the local propagation service, OpenHamClock port first.
// Returns nil when neither variant answers.
func (s *HamClockSource) fetchLocal(ctx context.Context) map[string]any {
	for _, port := range []int{s.openHamClockPort, s.hamclockPort} {
		base := fmt.Sprintf("http://%s:%d", s.host, port)
		sysText, err := s.fetchText(ctx, base+"/get_sys.txt")
		if err != nil {
			continue
		}
		variant := hamclock.DetectVariant(sysText)
		endpoints := hamclock.EndpointMap(variant)

		s.mu.Lock()
		s.variant = variant
		s.baseURL = base
		s.mu.Unlock()
		s.logger.Info("propagation service detected", "variant", string(variant), "port", port)

		result := map[string]any{
			"source":     string(variant),
			"fetched_at": time.Now().UTC().Format(time.RFC3339),
		}

		if text, err := s.fetchText(ctx, base+endpoints["space_weather"]); err == nil {
			wx := hamclock.NormalizeSpaceWX(hamclock.ParseKeyValueText(text))
			if sfi, ok := wx["SFI"]; ok {
				result["solar_flux"] = parseNumeric(sfi)
			}
			if kp, ok := wx["Kp"]; ok {
				result["kp_index"] = parseNumeric(kp)
			}
			if xray, ok := wx["Xray"]; ok {
				result["xray_flux"] = xray
			}
		}
		if text, err := s.fetchText(ctx, base+endpoints["band_conditions"]); err == nil {
			result["bands"] = hamclock.NormalizeBandConditions(hamclock.ParseKeyValueText(text))
		}
		if text, err := s.fetchText(ctx, base+endpoints["de"]); err == nil {
			result["de_station"] = hamclock.NormalizeDeDx(hamclock.ParseKeyValueText(text))
		}

		result["band_conditions"] = assessBandConditions(result["solar_flux"], result["kp_index"])
		return result
	}
	return nil
}

// fetchSWPC pulls public space-weather data as the last-resort source.
func (s *HamClockSource) fetchSWPC(ctx context.Context) map[string]any {
	weather := map[string]any{
		"source":     "swpc",
		"fetched_at": time.Now().UTC().Format(time.RFC3339),
	}

	var flux struct {
		Flux string `json:"Flux"`
	}
	if err := s.fetchJSON(ctx, swpcSolarFlux, &flux); err == nil && flux.Flux != "" {
		weather["solar_flux"] = parseNumeric(flux.Flux)
	}

	var kpRows [][]any
	if err := s.fetchJSON(ctx, swpcKpIndex, &kpRows); err == nil && len(kpRows) > 1 {
		latest := kpRows[len(kpRows)-1]
		if len(latest) >= 2 {
			if kpStr, ok := latest[1].(string); ok {
				weather["kp_index"] = parseNumeric(kpStr)
			} else if kpNum, ok := latest[1].(float64); ok {
				weather["kp_index"] = kpNum
			}
		}
	}

	var wind struct {
		WindSpeed string `json:"WindSpeed"`
	}
	if err := s.fetchJSON(ctx, swpcSolarWind, &wind); err == nil && wind.WindSpeed != "" {
		weather["solar_wind_speed"] = parseNumeric(wind.WindSpeed)
	}

	weather["band_conditions"] = assessBandConditions(weather["solar_flux"], weather["kp_index"])
	return weather
}

func (s *HamClockSource) fetchText(ctx context.Context, url string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, hamclockHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.WrapInvalid(err, "HamClockSource", "fetchText", "request build")
	}
	req.Header.Set("User-Agent", "MeshForge-Maps/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.WrapTransient(err, "HamClockSource", "fetchText", "http get")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.WrapTransient(fmt.Errorf("status %d", resp.StatusCode), "HamClockSource", "fetchText", "http get")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.WrapTransient(err, "HamClockSource", "fetchText", "body read")
	}
	return string(body), nil
}

func (s *HamClockSource) fetchJSON(ctx context.Context, url string, out any) error {
	text, err := s.fetchText(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return errors.WrapInvalid(errors.ErrParsingFailed, "HamClockSource", "fetchJSON", "response decode")
	}
	return nil
}

// assessBandConditions derives a coarse HF band assessment from solar flux
// and the planetary K index.
func assessBandConditions(sfiVal, kpVal any) string {
	sfi, sfiOK := asFloat(sfiVal)
	kp, kpOK := asFloat(kpVal)
	if !sfiOK || !kpOK {
		return "unknown"
	}

	switch {
	case kp >= 7:
		return "poor" // major geomagnetic storm
	case kp >= 5:
		return "fair" // minor storm
	case sfi >= 150 && kp < 4:
		return "excellent"
	case sfi >= 100 && kp < 4:
		return "good"
	case sfi >= 70:
		return "fair"
	default:
		return "poor"
	}
}

// solarTerminator computes the subsolar point for the day/night boundary
// overlay. The terminator line itself is rendered client-side.
func solarTerminator(now time.Time) map[string]any {
	dayOfYear := float64(now.YearDay())
	hourUTC := float64(now.Hour()) + float64(now.Minute())/60.0

	declination := -23.44 * math.Cos(2*math.Pi/365*(dayOfYear+10))

	// The subsolar point moves 15 degrees per hour westward from solar noon
	subsolarLon := (12.0 - hourUTC) * 15.0
	if subsolarLon > 180 {
		subsolarLon -= 360
	} else if subsolarLon < -180 {
		subsolarLon += 360
	}

	return map[string]any{
		"subsolar_lat": declination,
		"subsolar_lon": subsolarLon,
		"timestamp":    now.Format(time.RFC3339),
	}
}

func parseNumeric(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
