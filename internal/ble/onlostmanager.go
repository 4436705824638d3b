package ble

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/nearfield/internal/alarm"
	"github.com/srg/nearfield/internal/driver"
)

// How long a stopped advertisement's hash keeps being broadcast as lost.
const onLostBroadcastWindow = 2 * time.Second

type onLostEntry struct {
	startTime time.Time
	hash      []byte
}

// InstantOnLostManager broadcasts short-lived on-lost beacons so that peers
// learn about a stopped advertisement immediately instead of waiting out
// the passive lost timeout. Hashes are broadcast for onLostBroadcastWindow
// after their advertisement stops, at most MaxOnLostHashCount at a time
// with the oldest evicted first.
type InstantOnLostManager struct {
	mu      sync.Mutex
	log     *logrus.Logger
	clk     clock.Clock
	adapter driver.Adapter

	// Hash of the advertisement currently active per service ID.
	activeAdvertisements map[string][]byte

	// Oldest first.
	onLostEntries []onLostEntry

	session     driver.AdvertisingSession
	expiryAlarm *alarm.Alarm
	shutdown    bool
}

func NewInstantOnLostManager(log *logrus.Logger, clk clock.Clock, adapter driver.Adapter) *InstantOnLostManager {
	if log == nil {
		log = logrus.New()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &InstantOnLostManager{
		log:                  log,
		clk:                  clk,
		adapter:              adapter,
		activeAdvertisements: make(map[string][]byte),
	}
}

// OnAdvertisingStarted records a now-active advertisement. If its hash is
// still riding an on-lost beacon from an earlier stop, the hash is pulled
// out so the restart is not announced as a loss.
func (m *InstantOnLostManager) OnAdvertisingStarted(serviceID string, advertisement []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		m.log.Warn("Ignoring OnAdvertisingStarted after shutdown")
		return
	}
	if len(advertisement) == 0 {
		return
	}

	hash := GenerateAdvertisementHash(advertisement)
	m.activeAdvertisements[serviceID] = hash

	kept := m.onLostEntries[:0]
	removed := false
	for _, e := range m.onLostEntries {
		if string(e.hash) == string(hash) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	m.onLostEntries = kept
	if removed {
		m.log.WithField("service_id", serviceID).
			Debug("Advertisement restarted; withdrawing its on-lost hash")
		m.refreshBeaconLocked()
	}
}

// OnAdvertisingStopped queues the service's advertisement hash for on-lost
// broadcast. Unknown service IDs are ignored.
func (m *InstantOnLostManager) OnAdvertisingStopped(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		m.log.Warn("Ignoring OnAdvertisingStopped after shutdown")
		return
	}

	hash, ok := m.activeAdvertisements[serviceID]
	if !ok {
		return
	}
	delete(m.activeAdvertisements, serviceID)

	m.onLostEntries = append(m.onLostEntries, onLostEntry{startTime: m.clk.Now(), hash: hash})
	if len(m.onLostEntries) > MaxOnLostHashCount {
		m.onLostEntries = m.onLostEntries[len(m.onLostEntries)-MaxOnLostHashCount:]
	}
	m.refreshBeaconLocked()
}

// IsOnLostAdvertising reports whether an on-lost beacon is on the air.
func (m *InstantOnLostManager) IsOnLostAdvertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Shutdown stops any beacon and makes all later calls warn-and-return.
func (m *InstantOnLostManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	m.shutdown = true
	m.onLostEntries = nil
	m.activeAdvertisements = make(map[string][]byte)
	m.stopBeaconLocked()
	m.log.Info("Instant on-lost manager shut down")
}

// refreshBeaconLocked prunes expired entries, restarts the beacon with the
// surviving hashes, and arms the alarm for the next expiry.
func (m *InstantOnLostManager) refreshBeaconLocked() {
	now := m.clk.Now()
	kept := m.onLostEntries[:0]
	for _, e := range m.onLostEntries {
		if now.Sub(e.startTime) < onLostBroadcastWindow {
			kept = append(kept, e)
		}
	}
	m.onLostEntries = kept

	m.stopBeaconLocked()
	if len(m.onLostEntries) == 0 {
		return
	}

	hashes := make([][]byte, 0, len(m.onLostEntries))
	for _, e := range m.onLostEntries {
		hashes = append(hashes, e.hash)
	}
	beacon, err := NewInstantOnLostFromHashes(hashes)
	if err != nil {
		m.log.WithError(err).Error("Failed to build instant on-lost beacon")
		return
	}

	session, err := m.adapter.StartAdvertising(
		driver.AdvertisementData{
			ServiceData: map[uuid.UUID][]byte{CopresenceServiceUUID: beacon.Bytes()},
		},
		driver.AdvertiseParams{TxPowerLevel: driver.TxPowerHigh, IsConnectable: false},
	)
	if err != nil {
		m.log.WithError(err).Error("Failed to start instant on-lost beacon")
		return
	}
	m.session = session
	m.log.WithField("hash_count", len(hashes)).Debug("Instant on-lost beacon on air")

	// Oldest entry decides the next refresh.
	delay := onLostBroadcastWindow - now.Sub(m.onLostEntries[0].startTime)
	m.expiryAlarm = alarm.New(m.clk, m.onBeaconExpiry, delay)
}

func (m *InstantOnLostManager) onBeaconExpiry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	m.refreshBeaconLocked()
}

func (m *InstantOnLostManager) stopBeaconLocked() {
	if m.expiryAlarm != nil {
		m.expiryAlarm.Cancel()
		m.expiryAlarm = nil
	}
	if m.session != nil {
		if err := m.session.Stop(); err != nil {
			m.log.WithError(err).Warn("Failed to stop instant on-lost beacon")
		}
		m.session = nil
	}
}
