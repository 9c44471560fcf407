package hamclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectVariant(t *testing.T) {
	assert.Equal(t, VariantOpenHamClock, DetectVariant("Version=OpenHamClock 1.2.3"))
	assert.Equal(t, VariantOpenHamClock, DetectVariant("version=openhamclock 0.9"))
	assert.Equal(t, VariantHamClock, DetectVariant("Version=HamClock 4.09"))
	assert.Equal(t, VariantHamClock, DetectVariant(""))
}

func TestNormalizeSpaceWX(t *testing.T) {
	parsed := map[string]string{
		"sfi":      "142",
		"kp_index": "3.2",
		"XRAY":     "B4.1",
		"Custom":   "kept",
	}
	out := NormalizeSpaceWX(parsed)

	assert.Equal(t, "142", out["SFI"])
	assert.Equal(t, "3.2", out["Kp"])
	assert.Equal(t, "B4.1", out["Xray"])
	assert.Equal(t, "kept", out["Custom"])
	assert.NotContains(t, out, "sfi")
}

func TestNormalizeDeDx(t *testing.T) {
	out := NormalizeDeDx(map[string]string{
		"latitude":   "39.7",
		"lon":        "-104.9",
		"callsign":   "W0ABC",
		"gridsquare": "DM79",
	})
	assert.Equal(t, "39.7", out["lat"])
	assert.Equal(t, "-104.9", out["lng"])
	assert.Equal(t, "W0ABC", out["call"])
	assert.Equal(t, "DM79", out["grid"])
}

func TestNormalizeBandConditions(t *testing.T) {
	out := NormalizeBandConditions(map[string]string{
		"band80m": "Good",
		"band40m": "Fair",
		"band10m": "Poor",
	})
	// Each band keeps its own key
	assert.Equal(t, "Good", out["80m"])
	assert.Equal(t, "Fair", out["40m"])
	assert.Equal(t, "Poor", out["10m"])
}

func TestEndpointMap(t *testing.T) {
	ham := EndpointMap(VariantHamClock)
	assert.Equal(t, "/get_spacewx.txt", ham["space_weather"])
	assert.Equal(t, "/get_bc.txt", ham["band_conditions"])
	assert.NotContains(t, ham, "config")

	open := EndpointMap(VariantOpenHamClock)
	assert.Equal(t, "/get_config.txt", open["config"])
	assert.Equal(t, ham["voacap"], open["voacap"])
}

func TestParseBandKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"band20m", "20m"},
		{"20m", "20m"},
		{"80", "80m"},
		{"cond17m", "17m"},
		{"120m", ""}, // 20 preceded by a digit must not match
		{"nothing", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseBandKey(tt.key), tt.key)
	}
}

func TestParseKeyValueText(t *testing.T) {
	text := "SFI=142\nKp = 3.2\n\nbroken line\nCall=W0ABC\n"
	out := ParseKeyValueText(text)

	assert.Equal(t, "142", out["SFI"])
	assert.Equal(t, "3.2", out["Kp"])
	assert.Equal(t, "W0ABC", out["Call"])
	assert.Len(t, out, 3)
}
