package ble

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearfield/internal/driver"
	"github.com/srg/nearfield/internal/driver/fake"
	"github.com/srg/nearfield/internal/testutils"
)

// beaconCapture scans the fake world and keeps the latest copresence
// service data it saw.
type beaconCapture struct {
	mu      sync.Mutex
	payload []byte
}

func (c *beaconCapture) callback(_ driver.Peripheral, data driver.AdvertisementData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payload, ok := data.ServiceData[CopresenceServiceUUID]; ok {
		c.payload = append([]byte(nil), payload...)
	}
}

func (c *beaconCapture) latest() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.payload...)
}

type onLostFixture struct {
	manager *InstantOnLostManager
	mock    *clock.Mock
	world   *fake.World
	capture *beaconCapture
}

func newOnLostFixture(t *testing.T) *onLostFixture {
	helper := testutils.NewTestHelper(t)
	world := fake.NewWorld()
	advertiser := world.NewAdapter("aa:bb:cc:dd:ee:01", false)
	observer := world.NewAdapter("aa:bb:cc:dd:ee:02", false)

	capture := &beaconCapture{}
	require.NoError(t, observer.StartScanning(CopresenceServiceUUID, driver.TxPowerHigh, capture.callback))

	mock := clock.NewMock()
	return &onLostFixture{
		manager: NewInstantOnLostManager(helper.Logger, mock, advertiser),
		mock:    mock,
		world:   world,
		capture: capture,
	}
}

func TestInstantOnLostManager_StopBroadcastsHash(t *testing.T) {
	f := newOnLostFixture(t)

	advertisement := []byte("service payload")
	f.manager.OnAdvertisingStarted("svc-a", advertisement)
	assert.False(t, f.manager.IsOnLostAdvertising())

	f.manager.OnAdvertisingStopped("svc-a")
	assert.True(t, f.manager.IsOnLostAdvertising())

	testutils.WaitFor(t, time.Second, func() bool {
		return len(f.capture.latest()) > 0
	}, "on-lost beacon never reached the scanner")

	beacon, err := ParseInstantOnLost(f.capture.latest())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{GenerateAdvertisementHash(advertisement)}, beacon.Hashes())
}

func TestInstantOnLostManager_UnknownServiceIgnored(t *testing.T) {
	f := newOnLostFixture(t)

	f.manager.OnAdvertisingStopped("never-started")
	assert.False(t, f.manager.IsOnLostAdvertising())
}

func TestInstantOnLostManager_EmptyAdvertisementIgnored(t *testing.T) {
	f := newOnLostFixture(t)

	f.manager.OnAdvertisingStarted("svc-a", nil)
	f.manager.OnAdvertisingStopped("svc-a")
	assert.False(t, f.manager.IsOnLostAdvertising())
}

func TestInstantOnLostManager_BeaconExpires(t *testing.T) {
	f := newOnLostFixture(t)

	f.manager.OnAdvertisingStarted("svc-a", []byte("payload"))
	f.manager.OnAdvertisingStopped("svc-a")
	require.True(t, f.manager.IsOnLostAdvertising())

	f.mock.Add(onLostBroadcastWindow)
	testutils.WaitFor(t, time.Second, func() bool {
		return !f.manager.IsOnLostAdvertising()
	}, "on-lost beacon never expired")
}

func TestInstantOnLostManager_RestartWithdrawsHash(t *testing.T) {
	f := newOnLostFixture(t)

	advertisement := []byte("payload")
	f.manager.OnAdvertisingStarted("svc-a", advertisement)
	f.manager.OnAdvertisingStopped("svc-a")
	require.True(t, f.manager.IsOnLostAdvertising())

	// The same advertisement coming back on the air must not keep being
	// announced as lost.
	f.manager.OnAdvertisingStarted("svc-a", advertisement)
	assert.False(t, f.manager.IsOnLostAdvertising())
}

func TestInstantOnLostManager_OldestHashEvicted(t *testing.T) {
	f := newOnLostFixture(t)

	payloads := make([][]byte, 0, MaxOnLostHashCount+1)
	for i := 0; i <= MaxOnLostHashCount; i++ {
		payload := []byte(fmt.Sprintf("payload-%d", i))
		payloads = append(payloads, payload)
		serviceID := fmt.Sprintf("svc-%d", i)
		f.manager.OnAdvertisingStarted(serviceID, payload)
		f.manager.OnAdvertisingStopped(serviceID)
	}

	expected := make([][]byte, 0, MaxOnLostHashCount)
	for _, payload := range payloads[1:] {
		expected = append(expected, GenerateAdvertisementHash(payload))
	}

	// Deliveries from the intermediate beacons race with the final one,
	// so keep rebroadcasting the surviving session until it wins.
	testutils.WaitFor(t, time.Second, func() bool {
		f.world.Broadcast()
		beacon, err := ParseInstantOnLost(f.capture.latest())
		if err != nil {
			return false
		}
		return assert.ObjectsAreEqual(expected, beacon.Hashes())
	}, "capped on-lost beacon never reached the scanner")
}

func TestInstantOnLostManager_Shutdown(t *testing.T) {
	f := newOnLostFixture(t)

	f.manager.OnAdvertisingStarted("svc-a", []byte("payload"))
	f.manager.OnAdvertisingStopped("svc-a")
	require.True(t, f.manager.IsOnLostAdvertising())

	f.manager.Shutdown()
	assert.False(t, f.manager.IsOnLostAdvertising())

	f.manager.OnAdvertisingStarted("svc-b", []byte("other"))
	f.manager.OnAdvertisingStopped("svc-b")
	assert.False(t, f.manager.IsOnLostAdvertising())

	f.manager.Shutdown()
	assert.False(t, f.manager.IsOnLostAdvertising())
}
