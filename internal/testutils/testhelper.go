// Package testutils carries shared helpers for the package test suites:
// a logger-equipped test helper, builders for raw advertisement data and
// a polling wait.
package testutils

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/srg/nearfield/internal/driver"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *logrustest.Hook
}

// NewTestHelper creates a test helper whose logger records entries on the
// hook instead of writing to stderr.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// AdvertisementDataBuilder assembles driver.AdvertisementData for tests.
type AdvertisementDataBuilder struct {
	data driver.AdvertisementData
}

func NewAdvertisementData() *AdvertisementDataBuilder {
	return &AdvertisementDataBuilder{
		data: driver.AdvertisementData{ServiceData: make(map[uuid.UUID][]byte)},
	}
}

func (b *AdvertisementDataBuilder) WithServiceData(serviceUUID uuid.UUID, value []byte) *AdvertisementDataBuilder {
	b.data.ServiceData[serviceUUID] = value
	return b
}

func (b *AdvertisementDataBuilder) Extended() *AdvertisementDataBuilder {
	b.data.IsExtendedAdvertisement = true
	return b
}

func (b *AdvertisementDataBuilder) Build() driver.AdvertisementData {
	return b.data
}

// WaitFor polls cond until it returns true or the timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true: %s", msg)
}
