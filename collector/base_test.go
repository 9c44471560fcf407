package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nursedude/meshforge-maps/breaker"
	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/eventbus"
	"github.com/Nursedude/meshforge-maps/geo"
)

// fakeSource is a scriptable Source for exercising the collect template.
type fakeSource struct {
	name string

	mu      sync.Mutex
	calls   int
	results []func() (*geo.FeatureCollection, error)
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context) (*geo.FeatureCollection, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]()
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResult(name string, ids ...string) func() (*geo.FeatureCollection, error) {
	return func() (*geo.FeatureCollection, error) {
		features := make([]*geo.Feature, 0, len(ids))
		for _, id := range ids {
			f, _ := geo.MakeFeature(id, 40.0, -105.0, name, nil)
			features = append(features, f)
		}
		return geo.NewFeatureCollection(features, name), nil
	}
}

func failTransient() func() (*geo.FeatureCollection, error) {
	return func() (*geo.FeatureCollection, error) {
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "fake", "Fetch", "dial")
	}
}

func failInvalid() func() (*geo.FeatureCollection, error) {
	return func() (*geo.FeatureCollection, error) {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "fake", "Fetch", "decode")
	}
}

func TestCollect_Success(t *testing.T) {
	src := &fakeSource{name: "test", results: []func() (*geo.FeatureCollection, error){okResult("test", "!aa")}}
	c := New(src, nil)

	fc, fromCache := c.Collect(context.Background())
	assert.False(t, fromCache)
	assert.Len(t, fc.Features, 1)

	info := c.HealthInfo()
	assert.Equal(t, int64(1), info.TotalCollections)
	assert.True(t, info.HasCache)
}

func TestCollect_FreshCacheShortCircuits(t *testing.T) {
	src := &fakeSource{name: "test", results: []func() (*geo.FeatureCollection, error){okResult("test", "!aa")}}
	c := New(src, nil, WithCacheTTL(time.Hour))

	c.Collect(context.Background())
	_, fromCache := c.Collect(context.Background())

	assert.True(t, fromCache)
	assert.Equal(t, 1, src.callCount())
}

func TestCollect_RetriesTransientThenSucceeds(t *testing.T) {
	src := &fakeSource{name: "test", results: []func() (*geo.FeatureCollection, error){
		failTransient(),
		okResult("test", "!aa"),
	}}
	c := New(src, nil, WithMaxRetries(2))

	fc, fromCache := c.Collect(context.Background())
	assert.False(t, fromCache)
	assert.Len(t, fc.Features, 1)
	assert.Equal(t, 2, src.callCount())
}

func TestCollect_ParseErrorNotRetried(t *testing.T) {
	src := &fakeSource{name: "test", results: []func() (*geo.FeatureCollection, error){failInvalid()}}
	c := New(src, nil, WithMaxRetries(3))

	fc, _ := c.Collect(context.Background())
	assert.Empty(t, fc.Features)
	assert.Equal(t, 1, src.callCount(), "invalid errors must not be retried")
	assert.Equal(t, int64(1), c.HealthInfo().TotalErrors)
}

func TestCollect_StaleFallbackAfterFailure(t *testing.T) {
	src := &fakeSource{name: "test", results: []func() (*geo.FeatureCollection, error){
		okResult("test", "!aa"),
		failTransient(),
	}}
	c := New(src, nil, WithCacheTTL(time.Nanosecond))

	first, _ := c.Collect(context.Background())
	require.Len(t, first.Features, 1)
	time.Sleep(time.Millisecond)

	second, fromCache := c.Collect(context.Background())
	assert.True(t, fromCache)
	assert.Len(t, second.Features, 1, "stale cache beats no data")
}

func TestCollect_EmptyWhenNoCacheAndFailing(t *testing.T) {
	src := &fakeSource{name: "test", results: []func() (*geo.FeatureCollection, error){failTransient()}}
	c := New(src, nil)

	fc, fromCache := c.Collect(context.Background())
	assert.False(t, fromCache)
	assert.Empty(t, fc.Features)
	assert.NotEmpty(t, c.HealthInfo().LastError)
}

func TestCollect_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	src := &fakeSource{name: "aredn", results: []func() (*geo.FeatureCollection, error){failTransient()}}
	reg := breaker.NewRegistry(5, time.Minute, nil)
	b := reg.Get("aredn")
	c := New(src, nil, WithBreaker(b), WithCacheTTL(time.Nanosecond))

	for i := 0; i < 5; i++ {
		c.Collect(context.Background())
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, breaker.StateOpen, b.State())
	assert.False(t, b.CanSend())
	assert.Equal(t, 5, b.Stats().FailureCount)

	// With the circuit open the fetch is skipped entirely
	calls := src.callCount()
	_, fromCache := c.Collect(context.Background())
	assert.True(t, fromCache)
	assert.Equal(t, calls, src.callCount())
}

func TestCollect_BreakerRecovery(t *testing.T) {
	src := &fakeSource{name: "aredn", results: []func() (*geo.FeatureCollection, error){
		failTransient(),
		okResult("aredn", "!aa"),
	}}
	b := breaker.New("aredn", 1, 20*time.Millisecond, nil)
	c := New(src, nil, WithBreaker(b), WithCacheTTL(time.Nanosecond))

	c.Collect(context.Background())
	require.Equal(t, breaker.StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	c.Collect(context.Background())
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestAggregator_DedupAcrossSources(t *testing.T) {
	agg := NewAggregator(nil, nil, nil, nil, nil)
	agg.Add(New(&fakeSource{name: "meshtastic",
		results: []func() (*geo.FeatureCollection, error){okResult("meshtastic", "!deadbeef", "!cafe")}}, nil))
	agg.Add(New(&fakeSource{name: "aredn",
		results: []func() (*geo.FeatureCollection, error){okResult("aredn", "!deadbeef", "!f00d")}}, nil))

	result := agg.CollectAll(context.Background())

	require.Len(t, result.Features, 3)
	var dupe *geo.Feature
	for _, f := range result.Features {
		if f.ID() == "!deadbeef" {
			require.Nil(t, dupe, "exactly one feature per id per cycle")
			dupe = f
		}
	}
	require.NotNil(t, dupe)
	// First collector in enable-order wins
	assert.Equal(t, "meshtastic", dupe.Network())

	counts := result.Properties["sources"].(map[string]int)
	assert.Equal(t, 2, counts["meshtastic"])
	assert.Equal(t, 2, counts["aredn"])
}

func TestAggregator_ServiceTransitions(t *testing.T) {
	bus := eventbus.New(nil)
	var events []eventbus.Event
	bus.Subscribe(eventbus.TypeServiceUp, func(e eventbus.Event) { events = append(events, e) })
	bus.Subscribe(eventbus.TypeServiceDown, func(e eventbus.Event) { events = append(events, e) })

	src := &fakeSource{name: "aredn", results: []func() (*geo.FeatureCollection, error){
		okResult("aredn", "!aa"),
		failTransient(),
		okResult("aredn", "!aa"),
	}}
	agg := NewAggregator(nil, nil, bus, nil, nil)
	agg.Add(New(src, nil, WithCacheTTL(time.Nanosecond)))

	agg.CollectAll(context.Background()) // up (first observation, no event)
	time.Sleep(time.Millisecond)
	agg.CollectAll(context.Background()) // fetch fails, but the stale cache still serves
	time.Sleep(time.Millisecond)

	// The second cycle served stale cache with 1 feature, so the source
	// stayed up. Clear caches to surface the failure.
	agg.ClearAllCaches()
	src.results = []func() (*geo.FeatureCollection, error){failTransient()}
	agg.CollectAll(context.Background())

	require.NotEmpty(t, events)
	assert.Equal(t, eventbus.TypeServiceDown, events[len(events)-1].Type)
	assert.Equal(t, "aredn", events[len(events)-1].Service)
}

func TestAggregator_OverlayFolding(t *testing.T) {
	overlaySource := &fakeSource{name: "hamclock", results: []func() (*geo.FeatureCollection, error){
		func() (*geo.FeatureCollection, error) {
			fc := geo.NewFeatureCollection(nil, "hamclock")
			fc.Properties["space_weather"] = map[string]any{"kp_index": 3.0}
			fc.Properties["solar_terminator"] = map[string]any{"subsolar_lat": -10.0}
			return fc, nil
		},
	}}
	agg := NewAggregator(nil, nil, nil, nil, nil)
	agg.Add(New(overlaySource, nil))

	result := agg.CollectAll(context.Background())
	overlay := result.Properties["overlay_data"].(map[string]any)
	assert.Contains(t, overlay, "space_weather")
	assert.Contains(t, overlay, "solar_terminator")

	cached := agg.CachedOverlay(context.Background())
	assert.Contains(t, cached, "space_weather")
}

func TestAggregator_CollectSourceUnknown(t *testing.T) {
	agg := NewAggregator(nil, nil, nil, nil, nil)
	fc := agg.CollectSource(context.Background(), "nope")
	assert.Empty(t, fc.Features)
}
