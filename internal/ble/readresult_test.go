package ble

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementReadResult_FreshTrackerRetriesImmediately(t *testing.T) {
	mock := clock.NewMock()
	result := NewAdvertisementReadResult(mock)

	assert.Equal(t, RetryStatusRetry, result.EvaluateRetryStatus())
}

func TestAdvertisementReadResult_BackoffGrowth(t *testing.T) {
	cfg := DefaultReadResultConfig()
	mock := clock.NewMock()
	result := NewAdvertisementReadResultWithConfig(mock, cfg)

	expected := cfg.BaseBackoff
	for failures := 1; failures <= 12; failures++ {
		result.RecordLastReadStatus(false)
		assert.Equal(t, expected, result.backoffForTesting(),
			"backoff after %d consecutive failures", failures)

		expected = time.Duration(float64(expected) * cfg.Multiplier)
		if expected > cfg.MaxBackoff {
			expected = cfg.MaxBackoff
		}
	}
	assert.Equal(t, cfg.MaxBackoff, result.backoffForTesting())
}

func TestAdvertisementReadResult_SuccessResetsBackoff(t *testing.T) {
	cfg := DefaultReadResultConfig()
	mock := clock.NewMock()
	result := NewAdvertisementReadResultWithConfig(mock, cfg)

	result.RecordLastReadStatus(false)
	result.RecordLastReadStatus(false)
	result.RecordLastReadStatus(false)
	require.Equal(t, 4*cfg.BaseBackoff, result.backoffForTesting())

	result.RecordLastReadStatus(true)
	assert.Equal(t, cfg.BaseBackoff, result.backoffForTesting())
	assert.Equal(t, RetryStatusPreviouslySucceeded, result.EvaluateRetryStatus())
}

func TestAdvertisementReadResult_FailureAfterSuccessStartsOver(t *testing.T) {
	cfg := DefaultReadResultConfig()
	mock := clock.NewMock()
	result := NewAdvertisementReadResultWithConfig(mock, cfg)

	result.RecordLastReadStatus(false)
	result.RecordLastReadStatus(false)
	result.RecordLastReadStatus(true)

	// The first failure after a success is not "consecutive": backoff
	// restarts at the base rather than continuing the old streak.
	result.RecordLastReadStatus(false)
	assert.Equal(t, cfg.BaseBackoff, result.backoffForTesting())
}

func TestAdvertisementReadResult_TooSoonUntilBackoffElapses(t *testing.T) {
	cfg := ReadResultConfig{Multiplier: 2.0, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	mock := clock.NewMock()
	result := NewAdvertisementReadResultWithConfig(mock, cfg)

	result.RecordLastReadStatus(false)
	assert.Equal(t, RetryStatusTooSoon, result.EvaluateRetryStatus())

	mock.Add(999 * time.Millisecond)
	assert.Equal(t, RetryStatusTooSoon, result.EvaluateRetryStatus())

	mock.Add(time.Millisecond)
	assert.Equal(t, RetryStatusRetry, result.EvaluateRetryStatus())
}

func TestAdvertisementReadResult_MultiplierBelowOneIsClamped(t *testing.T) {
	cfg := ReadResultConfig{Multiplier: 0.5, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	mock := clock.NewMock()
	result := NewAdvertisementReadResultWithConfig(mock, cfg)

	result.RecordLastReadStatus(false)
	result.RecordLastReadStatus(false)
	assert.Equal(t, cfg.BaseBackoff, result.backoffForTesting())
}

func TestAdvertisementReadResult_Advertisements(t *testing.T) {
	mock := clock.NewMock()
	result := NewAdvertisementReadResult(mock)

	assert.False(t, result.HasAdvertisement(0))
	assert.Empty(t, result.GetAdvertisements())

	result.AddAdvertisement(2, []byte{0x22})
	result.AddAdvertisement(0, []byte{0x00})
	result.AddAdvertisement(1, []byte{0x11})

	assert.True(t, result.HasAdvertisement(0))
	assert.True(t, result.HasAdvertisement(2))
	assert.False(t, result.HasAdvertisement(3))

	// Payloads come back ordered by slot regardless of insertion order.
	assert.Equal(t, [][]byte{{0x00}, {0x11}, {0x22}}, result.GetAdvertisements())
}

func TestAdvertisementReadResult_GetAdvertisementsCopies(t *testing.T) {
	mock := clock.NewMock()
	result := NewAdvertisementReadResult(mock)
	result.AddAdvertisement(0, []byte{0x01, 0x02})

	out := result.GetAdvertisements()
	require.Len(t, out, 1)
	out[0][0] = 0xFF

	assert.Equal(t, [][]byte{{0x01, 0x02}}, result.GetAdvertisements())
}

func TestRetryStatus_String(t *testing.T) {
	tests := []struct {
		status   RetryStatus
		expected string
	}{
		{RetryStatusUnknown, "unknown"},
		{RetryStatusRetry, "retry"},
		{RetryStatusPreviouslySucceeded, "previously-succeeded"},
		{RetryStatusTooSoon, "too-soon"},
		{RetryStatus(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.status.String())
	}
}
