// Package collector implements the per-source fetch framework: a base
// collector template providing caching, retry with backoff, circuit
// breaking, and stale fallback, the four concrete source collectors, and the
// aggregator that fans out across them and merges the results.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Nursedude/meshforge-maps/breaker"
	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/geo"
	"github.com/Nursedude/meshforge-maps/metric"
	"github.com/Nursedude/meshforge-maps/reconnect"
)

// DefaultCacheTTL is the default cache freshness window.
const DefaultCacheTTL = 15 * time.Minute

// Source is the single polymorphism point of the collector framework: it
// fetches a fresh feature sequence or fails. Everything else — retry, cache,
// breaker, stale fallback — lives in the base Collector.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*geo.FeatureCollection, error)
}

// HealthInfo is a collector's health snapshot for status reporting.
type HealthInfo struct {
	Source           string `json:"source"`
	TotalCollections int64  `json:"total_collections"`
	TotalErrors      int64  `json:"total_errors"`
	HasCache         bool   `json:"has_cache"`
	CacheAgeSeconds  *int64 `json:"cache_age_seconds,omitempty"`
	LastSuccessAge   *int64 `json:"last_success_age_seconds,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorAge     *int64 `json:"last_error_age_seconds,omitempty"`
}

// Collector wraps a Source with the collect template. Cache access is
// serialized by a per-collector mutex.
type Collector struct {
	source     Source
	breaker    *breaker.Breaker
	logger     *slog.Logger
	metrics    *metric.Metrics
	cacheTTL   time.Duration
	maxRetries int

	mu              sync.Mutex
	cache           *geo.FeatureCollection
	cacheTime       time.Time
	lastError       string
	lastErrorTime   time.Time
	lastSuccessTime time.Time
	totalCollects   int64
	totalErrors     int64
}

// Option configures a Collector.
type Option func(*Collector)

// WithCacheTTL sets the cache freshness window.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Collector) { c.cacheTTL = ttl }
}

// WithMaxRetries sets how many retries follow a failed fetch before the
// collector falls back to cache.
func WithMaxRetries(n int) Option {
	return func(c *Collector) { c.maxRetries = n }
}

// WithBreaker binds a circuit breaker to the collector.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Collector) { c.breaker = b }
}

// WithMetrics wires collection metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// New creates a collector around a source.
func New(source Source, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		source:   source,
		logger:   logger,
		cacheTTL: DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the source name.
func (c *Collector) Name() string { return c.source.Name() }

// Source returns the wrapped source.
func (c *Collector) Source() Source { return c.source }

// Collect returns an ordered feature sequence, applying the template:
//
//  1. A fresh cache short-circuits everything.
//  2. An open circuit skips the fetch and serves the cache, stale or not —
//     stale data beats no data.
//  3. Otherwise fetch with up to maxRetries retries (backoff between
//     attempts; invalid/parse errors are not retried since the same request
//     would fail again).
//  4. After retries are exhausted, record a breaker failure and serve the
//     stale cache, or an empty collection when there has never been data.
//
// The second return value reports whether the result came from cache.
func (c *Collector) Collect(ctx context.Context) (*geo.FeatureCollection, bool) {
	name := c.source.Name()

	c.mu.Lock()
	if c.cache != nil && time.Since(c.cacheTime) < c.cacheTTL {
		cached := c.cache
		c.mu.Unlock()
		c.logger.Debug("returning cached data", "source", name)
		c.countCacheHit(name)
		return cached, true
	}
	c.mu.Unlock()

	if c.breaker != nil && !c.breaker.CanSend() {
		c.logger.Debug("circuit open, serving cache", "source", name)
		c.countCacheHit(name)
		return c.cachedOrEmpty(), true
	}

	attempts := 1 + c.maxRetries
	strategy := reconnect.ForCollector()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		fc, err := c.source.Fetch(ctx)
		if c.metrics != nil {
			c.metrics.CollectDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		if err == nil && fc != nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			c.mu.Lock()
			c.cache = fc
			c.cacheTime = time.Now()
			c.lastSuccessTime = time.Now()
			c.totalCollects++
			c.mu.Unlock()

			if attempt > 0 {
				c.logger.Info("collected", "source", name, "nodes", len(fc.Features), "retries", attempt)
			} else {
				c.logger.Info("collected", "source", name, "nodes", len(fc.Features))
			}
			return fc, false
		}
		if err == nil {
			err = errors.WrapInvalid(errors.ErrInvalidData, "Collector", "Collect", "source returned no collection")
		}
		lastErr = err

		// Parse errors are deterministic: retrying the same request is
		// pointless
		if errors.IsInvalid(err) {
			break
		}
		if attempt < c.maxRetries {
			delay := strategy.NextDelay()
			c.logger.Debug("fetch attempt failed, retrying",
				"source", name, "attempt", attempt+1, "error", err,
				"retry_in", delay.Round(time.Millisecond))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				attempt = attempts // exit loop
			case <-timer.C:
			}
		}
	}

	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
	if c.metrics != nil {
		c.metrics.CollectErrors.WithLabelValues(name).Inc()
	}

	c.mu.Lock()
	c.lastError = lastErr.Error()
	c.lastErrorTime = time.Now()
	c.totalErrors++
	hasCache := c.cache != nil
	c.mu.Unlock()

	c.logger.Error("collection failed", "source", name, "error", lastErr)
	if hasCache {
		c.logger.Warn("returning stale cache", "source", name)
		c.countCacheHit(name)
		return c.cachedOrEmpty(), true
	}
	return geo.NewFeatureCollection(nil, name), false
}

// HealthInfo returns the collector's health snapshot.
func (c *Collector) HealthInfo() HealthInfo {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	info := HealthInfo{
		Source:           c.source.Name(),
		TotalCollections: c.totalCollects,
		TotalErrors:      c.totalErrors,
		HasCache:         c.cache != nil,
	}
	if c.cache != nil {
		age := int64(now.Sub(c.cacheTime).Seconds())
		info.CacheAgeSeconds = &age
	}
	if !c.lastSuccessTime.IsZero() {
		age := int64(now.Sub(c.lastSuccessTime).Seconds())
		info.LastSuccessAge = &age
	}
	if c.lastError != "" {
		info.LastError = c.lastError
		age := int64(now.Sub(c.lastErrorTime).Seconds())
		info.LastErrorAge = &age
	}
	return info
}

// ClearCache drops the cached collection.
func (c *Collector) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
	c.cacheTime = time.Time{}
}

// Breaker returns the bound circuit breaker, if any.
func (c *Collector) Breaker() *breaker.Breaker { return c.breaker }

func (c *Collector) cachedOrEmpty() *geo.FeatureCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		return c.cache
	}
	return geo.NewFeatureCollection(nil, c.source.Name())
}

func (c *Collector) countCacheHit(name string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(name).Inc()
	}
}
