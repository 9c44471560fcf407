package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstObservationNoDrift(t *testing.T) {
	d := NewDetector(nil)

	drifts := d.CheckNode("!abc", map[string]any{"role": "CLIENT", "hardware": "TBEAM"})
	assert.Empty(t, drifts)

	snap := d.NodeSnapshot("!abc")
	require.NotNil(t, snap)
	assert.Equal(t, "CLIENT", snap["role"])
}

func TestDriftDetectedWithSeverity(t *testing.T) {
	d := NewDetector(nil)

	d.CheckNode("!abc", map[string]any{"role": "CLIENT", "region": "US", "name": "Old Name"})
	drifts := d.CheckNode("!abc", map[string]any{"role": "ROUTER", "region": "EU_868", "name": "New Name"})

	require.Len(t, drifts, 3)
	bySeverity := map[string]Severity{}
	for _, dr := range drifts {
		bySeverity[dr.Field] = dr.Severity
	}
	assert.Equal(t, SeverityWarning, bySeverity["role"])
	assert.Equal(t, SeverityCritical, bySeverity["region"])
	assert.Equal(t, SeverityInfo, bySeverity["name"])

	// Snapshot updated atomically: re-checking the same values is quiet
	assert.Empty(t, d.CheckNode("!abc", map[string]any{"role": "ROUTER", "region": "EU_868"}))
}

func TestNumericNormalization(t *testing.T) {
	d := NewDetector(nil)

	d.CheckNode("!abc", map[string]any{"hop_limit": 3})
	// 3 == 3.0: no drift
	assert.Empty(t, d.CheckNode("!abc", map[string]any{"hop_limit": 3.0}))
	assert.Len(t, d.CheckNode("!abc", map[string]any{"hop_limit": 5}), 1)
}

func TestStringTrimNormalization(t *testing.T) {
	d := NewDetector(nil)
	d.CheckNode("!abc", map[string]any{"name": "Base Camp"})
	assert.Empty(t, d.CheckNode("!abc", map[string]any{"name": " Base Camp "}))
}

func TestUntrackedAndNilFieldsIgnored(t *testing.T) {
	d := NewDetector(nil)

	assert.Empty(t, d.CheckNode("!abc", map[string]any{"battery": 50, "snr": -3.0}))
	assert.Equal(t, 0, d.TrackedNodeCount())

	d.CheckNode("!abc", map[string]any{"role": "CLIENT", "hardware": nil})
	// A later nil does not register as a change
	assert.Empty(t, d.CheckNode("!abc", map[string]any{"role": "CLIENT", "hardware": nil}))
}

func TestCallbackOutsideLock(t *testing.T) {
	var got []Drift
	var d *Detector
	d = NewDetector(nil, WithDriftCallback(func(nodeID string, drifts []Drift) {
		_ = d.Summary() // would deadlock if fired under the lock
		got = append(got, drifts...)
	}))

	d.CheckNode("!abc", map[string]any{"role": "CLIENT"})
	d.CheckNode("!abc", map[string]any{"role": "ROUTER"})

	require.Len(t, got, 1)
	assert.Equal(t, "role", got[0].Field)
}

func TestAllDriftsFiltering(t *testing.T) {
	d := NewDetector(nil)
	d.CheckNode("!a", map[string]any{"role": "CLIENT", "region": "US"})
	d.CheckNode("!a", map[string]any{"role": "ROUTER", "region": "EU_868"})

	all := d.AllDrifts(0, "")
	assert.Len(t, all, 2)

	critical := d.AllDrifts(0, SeverityCritical)
	require.Len(t, critical, 1)
	assert.Equal(t, "region", critical[0].Field)

	future := d.AllDrifts(all[0].Timestamp+1000, "")
	assert.Empty(t, future)
}

func TestHistoryBounded(t *testing.T) {
	d := NewDetector(nil, WithMaxHistory(3))

	d.CheckNode("!a", map[string]any{"hop_limit": 0})
	for i := 1; i <= 10; i++ {
		d.CheckNode("!a", map[string]any{"hop_limit": i})
	}

	hist := d.NodeHistory("!a")
	require.Len(t, hist, 3)
	assert.Equal(t, 10.0, toMustFloat(hist[2].NewValue))
}

func TestSummaryAndRemove(t *testing.T) {
	d := NewDetector(nil)
	d.CheckNode("!quiet", map[string]any{"role": "CLIENT"})
	d.CheckNode("!noisy", map[string]any{"role": "CLIENT"})
	d.CheckNode("!noisy", map[string]any{"role": "ROUTER"})

	summary := d.Summary()
	assert.Equal(t, 2, summary.TrackedNodes)
	assert.Equal(t, 1, summary.NodesWithDrift)
	assert.Equal(t, int64(1), summary.TotalDrifts)
	assert.Len(t, summary.RecentDrifts, 1)

	d.RemoveNode("!noisy")
	assert.Equal(t, 1, d.TrackedNodeCount())
	assert.Empty(t, d.NodeHistory("!noisy"))
}

func toMustFloat(v any) float64 {
	f, _ := toFloat(v)
	return f
}
