package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"circuit open", ErrCircuitOpen, ErrorTransient},
		{"invalid coordinates", ErrInvalidCoordinates, ErrorInvalid},
		{"parse failure", ErrParsingFailed, ErrorInvalid},
		{"missing config", ErrMissingConfig, ErrorFatal},
		{"port unavailable", ErrPortUnavailable, ErrorFatal},
		{"unknown error defaults to transient", New("something odd"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestWrapTransient(t *testing.T) {
	base := New("dial tcp: refused")
	err := WrapTransient(base, "Collector", "Fetch", "http get")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsInvalid(err))
	assert.Contains(t, err.Error(), "Collector.Fetch: http get failed")
	assert.True(t, Is(err, base))
}

func TestWrapInvalid_NotRetried(t *testing.T) {
	err := WrapInvalid(ErrParsingFailed, "AREDNCollector", "Fetch", "sysinfo decode")

	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.True(t, Is(err, ErrParsingFailed))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestContextErrorsAreTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.Canceled)))
}

func TestClassSurvivesWrapping(t *testing.T) {
	inner := WrapInvalid(ErrInvalidData, "store", "decode", "json unmarshal")
	outer := fmt.Errorf("collect: %w", inner)

	assert.True(t, IsInvalid(outer))
	assert.Equal(t, ErrorInvalid, Classify(outer))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
}
