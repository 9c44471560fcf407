// Package hamclock provides the propagation-service compatibility layer.
// Original HamClock and its community successor OpenHamClock expose the same
// dashboard data with diverging key spellings and endpoint sets; these pure
// functions fold either variant's responses into a canonical shape. No I/O
// happens here — the hamclock collector feeds raw documents in.
package hamclock

import (
	"regexp"
	"strings"
)

// Variant identifies which propagation service answered.
type Variant string

// Known service variants.
const (
	VariantHamClock     Variant = "hamclock"
	VariantOpenHamClock Variant = "openhamclock"
	VariantUnknown      Variant = "unknown"
)

// Key normalization mappings: lowercase variant spellings to canonical keys.
var spacewxKeyAliases = map[string]string{
	"sfi":         "SFI",
	"flux":        "SFI",
	"solar_flux":  "SFI",
	"kp":          "Kp",
	"kp_index":    "Kp",
	"a":           "A",
	"a_index":     "A",
	"xray":        "Xray",
	"x-ray":       "Xray",
	"xray_flux":   "Xray",
	"ssn":         "SSN",
	"sunspot":     "SSN",
	"sunspots":    "SSN",
	"proton":      "Proton",
	"pf":          "Proton",
	"proton_flux": "Proton",
	"aurora":      "Aurora",
	"aur":         "Aurora",
}

var deDxKeyAliases = map[string]string{
	"latitude":    "lat",
	"longitude":   "lng",
	"lon":         "lng",
	"callsign":    "call",
	"gridsquare":  "grid",
	"grid_square": "grid",
}

// Each band maps to its own canonical key; collapsing two bands into one
// would silently lose whichever was processed second.
var bandKeyAliases = map[string]string{
	"band80m": "80m",
	"band40m": "40m",
	"band30m": "30m",
	"band20m": "20m",
	"band17m": "17m",
	"band15m": "15m",
	"band12m": "12m",
	"band10m": "10m",
}

// bandKeyPattern matches a ham band designation (80m..10m) that is not part
// of a longer number.
var bandKeyPattern = regexp.MustCompile(`(^|[^0-9])(80|40|30|20|17|15|12|10)m?\b`)

// NormalizeKeyValue normalizes keys in a parsed key=value document using an
// alias map. Key matching is case-insensitive; keys without an alias are
// preserved as-is.
func NormalizeKeyValue(parsed map[string]string, aliases map[string]string) map[string]string {
	result := make(map[string]string, len(parsed))
	for key, value := range parsed {
		if canonical, ok := aliases[strings.ToLower(strings.TrimSpace(key))]; ok {
			result[canonical] = value
		} else {
			result[key] = value
		}
	}
	return result
}

// NormalizeSpaceWX normalizes space weather response keys from either
// variant.
func NormalizeSpaceWX(parsed map[string]string) map[string]string {
	return NormalizeKeyValue(parsed, spacewxKeyAliases)
}

// NormalizeDeDx normalizes DE/DX location response keys from either variant.
func NormalizeDeDx(parsed map[string]string) map[string]string {
	return NormalizeKeyValue(parsed, deDxKeyAliases)
}

// NormalizeBandConditions normalizes band condition response keys from
// either variant.
func NormalizeBandConditions(parsed map[string]string) map[string]string {
	return NormalizeKeyValue(parsed, bandKeyAliases)
}

// DetectVariant inspects a get_sys.txt response body for version
// identification. An empty document defaults to the original HamClock.
func DetectVariant(sysText string) Variant {
	if sysText == "" {
		return VariantHamClock
	}
	if strings.Contains(strings.ToLower(sysText), "openhamclock") {
		return VariantOpenHamClock
	}
	return VariantHamClock
}

// EndpointMap returns the logical-name to URL-path table for a variant.
// Both variants currently share the same paths; this table exists so future
// divergence lands here instead of in the collector.
func EndpointMap(variant Variant) map[string]string {
	endpoints := map[string]string{
		"sys":             "/get_sys.txt",
		"space_weather":   "/get_spacewx.txt",
		"band_conditions": "/get_bc.txt",
		"voacap":          "/get_voacap.txt",
		"de":              "/get_de.txt",
		"dx":              "/get_dx.txt",
		"dxspots":         "/get_dxspots.txt",
	}
	if variant == VariantOpenHamClock {
		endpoints["config"] = "/get_config.txt"
	}
	return endpoints
}

// ParseBandKey extracts the canonical band name ("80m".."10m") from a key
// like "band20m", "20m", or "20". Returns "" when no band is recognized.
func ParseBandKey(key string) string {
	m := bandKeyPattern.FindStringSubmatch(strings.ToLower(key))
	if m == nil {
		return ""
	}
	return m[2] + "m"
}

// ParseKeyValueText parses a HamClock key=value text document into a map.
// Blank lines and lines without '=' are skipped.
func ParseKeyValueText(text string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		result[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return result
}
