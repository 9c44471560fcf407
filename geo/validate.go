package geo

import (
	"math"
	"regexp"
	"strings"

	"github.com/Nursedude/meshforge-maps/errors"
)

// Node IDs are hex strings, optionally prefixed with '!', up to 16 hex chars
// (e.g. "!a1b2c3d4" for Meshtastic, longer hashes for Reticulum).
var nodeIDPattern = regexp.MustCompile(`^!?[0-9a-fA-F]{1,16}$`)

// ValidateCoordinates validates and normalizes a WGS84 position. It rejects
// NaN and infinities, out-of-range values, and exact Null Island (0, 0) —
// the common artifact of an uninitialized GPS fix. When convertInt is true,
// values that look like Meshtastic's integer-scaled convention (lat*1e7) are
// divided down before validation.
func ValidateCoordinates(lat, lon float64, convertInt bool) (float64, float64, error) {
	if convertInt {
		if math.Abs(lat) > 900 {
			lat /= 1e7
		}
		if math.Abs(lon) > 1800 {
			lon /= 1e7
		}
	}

	if math.IsNaN(lat) || math.IsNaN(lon) {
		return 0, 0, errors.WrapInvalid(errors.ErrInvalidCoordinates, "geo", "ValidateCoordinates", "NaN coordinate")
	}
	if math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return 0, 0, errors.WrapInvalid(errors.ErrInvalidCoordinates, "geo", "ValidateCoordinates", "infinite coordinate")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, errors.WrapInvalid(errors.ErrInvalidCoordinates, "geo", "ValidateCoordinates", "out of WGS84 range")
	}
	if lat == 0 && lon == 0 {
		return 0, 0, errors.WrapInvalid(errors.ErrInvalidCoordinates, "geo", "ValidateCoordinates", "null island")
	}

	return lat, lon, nil
}

// ValidateNodeID returns the canonical form of a node ID: lowercased with any
// leading '!' stripped. Fails when the ID does not match the accepted pattern.
func ValidateNodeID(id string) (string, error) {
	if !nodeIDPattern.MatchString(id) {
		return "", errors.WrapInvalid(errors.ErrInvalidNodeID, "geo", "ValidateNodeID", "pattern mismatch")
	}
	return strings.ToLower(strings.TrimPrefix(id, "!")), nil
}
