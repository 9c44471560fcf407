package nodestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstHeartbeatIsNew(t *testing.T) {
	tr := NewTracker(nil)

	old, now := tr.RecordHeartbeat("!abc", time.Time{})
	assert.Equal(t, StateNew, old)
	assert.Equal(t, StateNew, now)
	assert.Equal(t, StateNew, tr.NodeState("!abc"))
}

func TestSteadyHeartbeatsBecomeStable(t *testing.T) {
	tr := NewTracker(nil, WithExpectedInterval(5*time.Minute))

	base := time.Unix(1_700_000_000, 0)
	var last State
	for i := 0; i < 4; i++ {
		_, last = tr.RecordHeartbeat("!abc", base.Add(time.Duration(i)*5*time.Minute))
	}
	assert.Equal(t, StateStable, last)
}

func TestGappyHeartbeatsBecomeIntermittent(t *testing.T) {
	tr := NewTracker(nil, WithExpectedInterval(5*time.Minute), WithIntermittentRatio(0.3))

	base := time.Unix(1_700_000_000, 0)
	// Gaps well beyond 2x the expected interval on most intervals
	times := []time.Duration{0, 30 * time.Minute, 60 * time.Minute, 95 * time.Minute}
	var last State
	for _, d := range times {
		_, last = tr.RecordHeartbeat("!abc", base.Add(d))
	}
	assert.Equal(t, StateIntermittent, last)
}

func TestIntermittentRecoversToStable(t *testing.T) {
	tr := NewTracker(nil,
		WithExpectedInterval(5*time.Minute),
		WithHeartbeatWindow(4),
	)

	base := time.Unix(1_700_000_000, 0)
	// Gappy start
	tr.RecordHeartbeat("!abc", base)
	tr.RecordHeartbeat("!abc", base.Add(30*time.Minute))
	tr.RecordHeartbeat("!abc", base.Add(60*time.Minute))
	require.Equal(t, StateIntermittent, tr.NodeState("!abc"))

	// Sustained steady heartbeats roll the gaps out of the window
	ts := base.Add(60 * time.Minute)
	for i := 0; i < 6; i++ {
		ts = ts.Add(5 * time.Minute)
		tr.RecordHeartbeat("!abc", ts)
	}
	assert.Equal(t, StateStable, tr.NodeState("!abc"))
}

func TestCheckOffline(t *testing.T) {
	tr := NewTracker(nil, WithOfflineThreshold(15*time.Minute))

	base := time.Unix(1_700_000_000, 0)
	tr.RecordHeartbeat("!quiet", base)
	tr.RecordHeartbeat("!chatty", base.Add(14*time.Minute))

	// Exactly at the deadline transitions on the sweep
	transitioned := tr.CheckOffline(base.Add(15 * time.Minute))
	assert.Equal(t, []string{"!quiet"}, transitioned)
	assert.Equal(t, StateOffline, tr.NodeState("!quiet"))
	assert.NotEqual(t, StateOffline, tr.NodeState("!chatty"))

	// Already-offline nodes do not transition again
	assert.Empty(t, tr.CheckOffline(base.Add(16*time.Minute)))
}

func TestOfflineNodeRestabilizes(t *testing.T) {
	tr := NewTracker(nil, WithOfflineThreshold(15*time.Minute))

	base := time.Unix(1_700_000_000, 0)
	tr.RecordHeartbeat("!abc", base)
	tr.CheckOffline(base.Add(time.Hour))
	require.Equal(t, StateOffline, tr.NodeState("!abc"))

	old, now := tr.RecordHeartbeat("!abc", base.Add(2*time.Hour))
	assert.Equal(t, StateOffline, old)
	assert.Equal(t, StateNew, now)
}

func TestTransitionCallbackOutsideLock(t *testing.T) {
	type event struct {
		nodeID   string
		from, to State
	}
	var events []event

	var tr *Tracker
	tr = NewTracker(nil,
		WithExpectedInterval(5*time.Minute),
		WithOfflineThreshold(15*time.Minute),
		WithTransitionCallback(func(nodeID string, from, to State) {
			// Re-entering the tracker here would deadlock if the callback
			// fired under the lock
			_ = tr.Summary()
			events = append(events, event{nodeID, from, to})
		}),
	)

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		tr.RecordHeartbeat("!abc", base.Add(time.Duration(i)*5*time.Minute))
	}
	require.NotEmpty(t, events)
	assert.Equal(t, StateNew, events[0].from)
	assert.Equal(t, StateStable, events[0].to)

	tr.CheckOffline(base.Add(24 * time.Hour))
	last := events[len(events)-1]
	assert.Equal(t, StateOffline, last.to)
}

func TestSummaryAndRemove(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordHeartbeat("!a", time.Time{})
	tr.RecordHeartbeat("!b", time.Time{})

	summary := tr.Summary()
	assert.Equal(t, 2, summary.TrackedNodes)
	assert.Equal(t, 2, summary.States[StateNew])

	tr.RemoveNode("!a")
	assert.Equal(t, 1, tr.Summary().TrackedNodes)
	assert.Equal(t, State(""), tr.NodeState("!a"))
}

func TestMaxNodesEviction(t *testing.T) {
	tr := NewTracker(nil, WithMaxNodes(2))

	base := time.Unix(1_700_000_000, 0)
	tr.RecordHeartbeat("!oldest", base)
	tr.RecordHeartbeat("!newer", base.Add(time.Minute))
	tr.RecordHeartbeat("!newest", base.Add(2*time.Minute))

	assert.Equal(t, 2, tr.Summary().TrackedNodes)
	assert.Equal(t, State(""), tr.NodeState("!oldest"))
}
