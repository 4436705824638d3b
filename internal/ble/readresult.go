package ble

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryStatus is the three-valued answer to "should we attempt another GATT
// advertisement read for this subject right now".
type RetryStatus int

const (
	RetryStatusUnknown RetryStatus = iota
	RetryStatusRetry
	RetryStatusPreviouslySucceeded
	RetryStatusTooSoon
)

func (s RetryStatus) String() string {
	switch s {
	case RetryStatusRetry:
		return "retry"
	case RetryStatusPreviouslySucceeded:
		return "previously-succeeded"
	case RetryStatusTooSoon:
		return "too-soon"
	default:
		return "unknown"
	}
}

// ReadResultConfig tunes the exponential backoff between failed reads.
type ReadResultConfig struct {
	// Multiplier grows the backoff after consecutive failures. Must be
	// at least 1.
	Multiplier float64
	// BaseBackoff is the delay after a first failure and the floor the
	// backoff resets to on success.
	BaseBackoff time.Duration
	// MaxBackoff caps the growth.
	MaxBackoff time.Duration
}

// DefaultReadResultConfig mirrors the production tuning: doubling from one
// second up to five minutes.
func DefaultReadResultConfig() ReadResultConfig {
	return ReadResultConfig{
		Multiplier:  2.0,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

type readStatus int

const (
	readStatusUnknown readStatus = iota
	readStatusSuccess
	readStatusFailure
)

// AdvertisementReadResult keeps per-subject bookkeeping for GATT
// advertisement reads: whether the last attempt succeeded, how long to wait
// before retrying, and the per-slot payloads already fetched. Safe for
// concurrent use.
type AdvertisementReadResult struct {
	mu sync.Mutex

	clk clock.Clock
	cfg ReadResultConfig

	status         readStatus
	backoff        time.Duration
	lastReadTime   time.Time
	advertisements map[int][]byte
}

// NewAdvertisementReadResult creates a tracker with the default backoff
// tuning.
func NewAdvertisementReadResult(clk clock.Clock) *AdvertisementReadResult {
	return NewAdvertisementReadResultWithConfig(clk, DefaultReadResultConfig())
}

// NewAdvertisementReadResultWithConfig creates a tracker with explicit
// tuning. The last-read timestamp back-dates by MaxBackoff so a freshly
// constructed tracker always reports Retry.
func NewAdvertisementReadResultWithConfig(clk clock.Clock, cfg ReadResultConfig) *AdvertisementReadResult {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &AdvertisementReadResult{
		clk:            clk,
		cfg:            cfg,
		backoff:        cfg.BaseBackoff,
		lastReadTime:   clk.Now().Add(-cfg.MaxBackoff),
		advertisements: make(map[int][]byte),
	}
}

// EvaluateRetryStatus decides whether a new read attempt is worthwhile.
func (r *AdvertisementReadResult) EvaluateRetryStatus() RetryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == readStatusSuccess {
		return RetryStatusPreviouslySucceeded
	}
	if r.clk.Now().Sub(r.lastReadTime) < r.backoff {
		return RetryStatusTooSoon
	}
	return RetryStatusRetry
}

// RecordLastReadStatus records the outcome of a read attempt. Success resets
// the backoff to its base; a failure following another failure grows it up
// to the cap.
func (r *AdvertisementReadResult) RecordLastReadStatus(isSuccess bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastReadTime = r.clk.Now()
	if isSuccess {
		r.backoff = r.cfg.BaseBackoff
		r.status = readStatusSuccess
		return
	}
	if r.status == readStatusFailure {
		r.backoff = time.Duration(float64(r.backoff) * r.cfg.Multiplier)
		if r.backoff > r.cfg.MaxBackoff {
			r.backoff = r.cfg.MaxBackoff
		}
	} else {
		r.backoff = r.cfg.BaseBackoff
	}
	r.status = readStatusFailure
}

// AddAdvertisement stores the payload read from a slot. Slot contents are
// independent of the overall attempt outcome; a partially successful read
// may store some slots yet still record a failure.
func (r *AdvertisementReadResult) AddAdvertisement(slot int, advertisement []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertisements[slot] = append([]byte(nil), advertisement...)
}

// HasAdvertisement reports whether a payload was already read for the slot.
func (r *AdvertisementReadResult) HasAdvertisement(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.advertisements[slot]
	return ok
}

// GetAdvertisements returns the stored payloads in slot order.
func (r *AdvertisementReadResult) GetAdvertisements() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := make([]int, 0, len(r.advertisements))
	for slot := range r.advertisements {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	out := make([][]byte, 0, len(slots))
	for _, slot := range slots {
		out = append(out, append([]byte(nil), r.advertisements[slot]...))
	}
	return out
}

// backoffForTesting exposes the current backoff to package tests.
func (r *AdvertisementReadResult) backoffForTesting() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff
}
