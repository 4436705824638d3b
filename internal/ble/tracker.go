package ble

import (
	"bytes"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/srg/nearfield/internal/driver"
)

// DiscoveryObserver receives discovery events for one tracked service ID.
// Callbacks run on the medium's internal goroutines; implementations must
// not block for long and must not call back into the medium while holding
// their own locks.
type DiscoveryObserver interface {
	OnPeripheralDiscovered(peripheral driver.Peripheral, serviceID string, advertisement []byte, isFastAdvertisement bool)
	OnPeripheralLost(peripheral driver.Peripheral, serviceID string, advertisement []byte, isFastAdvertisement bool)
	// OnInstantLost fires when a peer announced the loss via an instant
	// on-lost beacon, ahead of the passive timeout.
	OnInstantLost(peripheral driver.Peripheral, serviceID string, advertisement []byte, isFastAdvertisement bool)
	OnLegacyDeviceDiscovered()
}

// AdvertisementFetcher performs the GATT round-trip for a regular
// advertisement: it reads up to numSlots characteristic values from the
// peripheral and records payloads and the attempt outcome on result.
type AdvertisementFetcher func(peripheral driver.Peripheral, numSlots, psm int, interestingServiceIDs []string, result *AdvertisementReadResult)

// dummyAdvertisementValue is the fixed payload legacy devices broadcast
// under the copresence UUID when they cannot carry a real advertisement.
var dummyAdvertisementValue = []byte{
	0x51, 0x43, 0x41, 0x41, 0x41, 0x42, 0x41, 0x43, 0x41, 0x41, 0x41, 0x44,
	0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
}

// How long a hash reported via instant on-lost suppresses rediscovery.
const instantLostSuppression = 60 * time.Second

const instantLostCacheSize = 128

type serviceIDInfo struct {
	observer    DiscoveryObserver
	lostTracker *LostEntityTracker[string]
	// fastAdvertisementServiceUUID enables inline fast advertisements
	// for this service; uuid.Nil disables them.
	fastAdvertisementServiceUUID uuid.UUID
}

type gattAdvertisementInfo struct {
	serviceID     string
	header        AdvertisementHeader
	peripheral    driver.Peripheral
	advertisement Advertisement
}

// DiscoveredPeripheralTracker turns raw scan sightings into found/lost
// discovery events per service ID, throttling GATT fetches through
// AdvertisementReadResult backoff and detecting losses both passively (the
// periodic sweep) and instantly (on-lost beacons).
type DiscoveredPeripheralTracker struct {
	mu  sync.Mutex
	log *logrus.Logger
	clk clock.Clock

	extendedAdvertisementsAvailable bool
	readResultConfig                ReadResultConfig

	// Keyed by service ID.
	serviceIDInfos map[string]*serviceIDInfo

	// Keyed by AdvertisementHeader.Key().
	readResults        map[string]*AdvertisementReadResult
	gattAdvertisements map[string]map[string]struct{}

	// Keyed by the encoded medium advertisement.
	gattAdvertisementInfos map[string]*gattAdvertisementInfo

	// Advertisement hashes recently reported lost via instant on-lost;
	// sightings of these are suppressed while the entry lives.
	instantLostSeen *expirable.LRU[string, time.Time]
}

// NewDiscoveredPeripheralTracker creates a tracker. extendedAvailable
// mirrors the scanner's extended-advertising capability and controls
// whether GATT headers that promise an extended twin are skipped.
// backoffConfig tunes the per-header read retry policy.
func NewDiscoveredPeripheralTracker(log *logrus.Logger, clk clock.Clock, extendedAvailable bool, backoffConfig ReadResultConfig) *DiscoveredPeripheralTracker {
	if log == nil {
		log = logrus.New()
	}
	if clk == nil {
		clk = clock.New()
	}
	if backoffConfig.Multiplier <= 1 || backoffConfig.BaseBackoff <= 0 || backoffConfig.MaxBackoff <= 0 {
		backoffConfig = DefaultReadResultConfig()
	}
	return &DiscoveredPeripheralTracker{
		log:                             log,
		clk:                             clk,
		extendedAdvertisementsAvailable: extendedAvailable,
		readResultConfig:                backoffConfig,
		serviceIDInfos:                  make(map[string]*serviceIDInfo),
		readResults:                     make(map[string]*AdvertisementReadResult),
		gattAdvertisements:              make(map[string]map[string]struct{}),
		gattAdvertisementInfos:          make(map[string]*gattAdvertisementInfo),
		instantLostSeen:                 expirable.NewLRU[string, time.Time](instantLostCacheSize, nil, instantLostSuppression),
	}
}

// StartTracking registers a discovery observer for a service ID. All GATT
// read results are cleared so every visible peripheral gets re-fetched with
// the new service in its interest set.
func (t *DiscoveredPeripheralTracker) StartTracking(serviceID string, observer DiscoveryObserver, fastAdvertisementServiceUUID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.serviceIDInfos[serviceID] = &serviceIDInfo{
		observer:                     observer,
		lostTracker:                  NewLostEntityTracker[string](),
		fastAdvertisementServiceUUID: fastAdvertisementServiceUUID,
	}

	t.readResults = make(map[string]*AdvertisementReadResult)
	t.clearDataForServiceIDLocked(serviceID)
}

// StopTracking deregisters a service ID; no further events fire for it.
func (t *DiscoveredPeripheralTracker) StopTracking(serviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.serviceIDInfos, serviceID)
}

// ProcessFoundBleAdvertisement digests one raw scan sighting.
func (t *DiscoveredPeripheralTracker) ProcessFoundBleAdvertisement(peripheral driver.Peripheral, data driver.AdvertisementData, fetcher AdvertisementFetcher) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.serviceIDInfos) == 0 {
		t.log.Debug("Ignoring BLE advertisement: not tracking any service IDs")
		return
	}
	if peripheral == nil || !peripheral.IsValid() || len(data.ServiceData) == 0 {
		t.log.Debug("Ignoring BLE advertisement: invalid peripheral or empty service data")
		return
	}

	if t.handleOnLostAdvertisementLocked(data) {
		return
	}
	if t.isSkippableGattAdvertisementLocked(data) {
		t.log.Debug("Ignoring GATT advertisement header; waiting for its extended twin")
		return
	}
	if isLegacyDeviceAdvertisementData(data) {
		for _, info := range t.serviceIDInfos {
			info.observer.OnLegacyDeviceDiscovered()
		}
		return
	}

	t.handleAdvertisementLocked(peripheral, data)
	t.handleAdvertisementHeaderLocked(peripheral, data, fetcher)
}

// ProcessLostGattAdvertisements runs one passive lost sweep. Peripherals
// whose advertisements were not re-sighted since the previous sweep are
// reported lost and forgotten.
func (t *DiscoveredPeripheralTracker) ProcessLostGattAdvertisements() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for serviceID, info := range t.serviceIDInfos {
		for _, advKey := range info.lostTracker.ComputeLostEntities() {
			gai, ok := t.gattAdvertisementInfos[advKey]
			if ok && gai.peripheral != nil && gai.peripheral.IsValid() {
				info.observer.OnPeripheralLost(gai.peripheral, serviceID,
					gai.advertisement.Data, gai.advertisement.IsFastAdvertisement())
			}
			t.clearGattAdvertisementLocked(advKey)
		}
	}
}

// handleOnLostAdvertisementLocked reclassifies a sighting as an instant
// on-lost beacon. Returns true when the sighting was consumed.
func (t *DiscoveredPeripheralTracker) handleOnLostAdvertisementLocked(data driver.AdvertisementData) bool {
	serviceData, ok := data.ServiceData[CopresenceServiceUUID]
	if !ok {
		return false
	}
	beacon, err := ParseInstantOnLost(serviceData)
	if err != nil {
		return false
	}

	for _, hash := range beacon.Hashes() {
		for advKey, gai := range t.gattAdvertisementInfos {
			if !bytes.Equal(gai.header.AdvertisementHash, hash) {
				continue
			}
			info, tracked := t.serviceIDInfos[gai.serviceID]
			if !tracked {
				t.log.WithField("service_id", gai.serviceID).
					Debug("Discarding on-lost beacon for untracked service")
				break
			}
			t.instantLostSeen.Add(string(hash), t.clk.Now())
			if gai.peripheral != nil && gai.peripheral.IsValid() {
				info.observer.OnInstantLost(gai.peripheral, gai.serviceID,
					gai.advertisement.Data, gai.advertisement.IsFastAdvertisement())
				t.log.WithField("service_id", gai.serviceID).
					Info("Instant on-lost triggered")
			}
			t.clearGattAdvertisementLocked(advKey)
			break
		}
	}
	return true
}

func (t *DiscoveredPeripheralTracker) isSkippableGattAdvertisementLocked(data driver.AdvertisementData) bool {
	if !t.extendedAdvertisementsAvailable {
		return false
	}
	raw, ok := data.ServiceData[CopresenceServiceUUID]
	if !ok {
		return false
	}
	header, err := ParseAdvertisementHeader(raw)
	return err == nil && header.SupportsExtendedAdvertisement && !data.IsExtendedAdvertisement
}

// handleAdvertisementLocked covers the fast-advertisement path: the payload
// is already inline under a caller service UUID, no GATT round trip needed.
func (t *DiscoveredPeripheralTracker) handleAdvertisementLocked(peripheral driver.Peripheral, data driver.AdvertisementData) {
	advertisementBytes, serviceUUID := t.extractFastAdvertisementLocked(data)
	if len(advertisementBytes) == 0 {
		return
	}

	// Synthesize a header so fast advertisements share the same lost
	// tracking machinery as GATT ones.
	header, err := NewAdvertisementHeader(false, 1, NewBloomFilter().Bytes(),
		GenerateAdvertisementHash(advertisementBytes), DefaultPSM)
	if err != nil {
		return
	}
	if _, ok := t.readResults[header.Key()]; !ok {
		t.readResults[header.Key()] = NewAdvertisementReadResultWithConfig(t.clk, t.readResultConfig)
	}
	newHeader := t.handleRawGattAdvertisementsLocked(peripheral, header, [][]byte{advertisementBytes}, serviceUUID)
	t.updateCommonStateLocked(newHeader)
}

// extractFastAdvertisementLocked returns the first tracked service's inline
// payload, if any, and the UUID it rode under. A BLE advertisement carries
// at most one fast advertisement.
func (t *DiscoveredPeripheralTracker) extractFastAdvertisementLocked(data driver.AdvertisementData) ([]byte, uuid.UUID) {
	for _, info := range t.serviceIDInfos {
		if info.fastAdvertisementServiceUUID == uuid.Nil {
			continue
		}
		if raw, ok := data.ServiceData[info.fastAdvertisementServiceUUID]; ok {
			return raw, info.fastAdvertisementServiceUUID
		}
	}
	return nil, uuid.Nil
}

// handleAdvertisementHeaderLocked covers the regular path: only a header is
// present, the payloads sit behind a GATT read.
func (t *DiscoveredPeripheralTracker) handleAdvertisementHeaderLocked(peripheral driver.Peripheral, data driver.AdvertisementData, fetcher AdvertisementFetcher) {
	raw, ok := data.ServiceData[CopresenceServiceUUID]
	if !ok {
		return
	}
	header, err := ParseAdvertisementHeader(raw)
	if err != nil {
		t.log.WithError(err).Debug("Failed to deserialize BLE advertisement header; ignoring")
		return
	}
	if !t.isInterestingAdvertisementHeaderLocked(header) {
		t.log.Debug("Ignoring BLE advertisement header: no tracked service IDs in bloom filter")
		return
	}

	if t.shouldReadRawAdvertisementLocked(header) {
		advertisements := t.fetchRawAdvertisementsLocked(peripheral, header, fetcher)
		if len(advertisements) > 0 {
			t.handleRawGattAdvertisementsLocked(peripheral, header, advertisements, uuid.Nil)
		}
	}

	// Whether or not a fresh read happened the maps are up to date now;
	// refresh lost tracking.
	t.updateCommonStateLocked(header)
}

func (t *DiscoveredPeripheralTracker) isInterestingAdvertisementHeaderLocked(header AdvertisementHeader) bool {
	filter := NewBloomFilterFromBytes(header.ServiceIDBloomFilter)
	for serviceID := range t.serviceIDInfos {
		if filter.PossiblyContains(serviceID) {
			return true
		}
	}
	return false
}

func (t *DiscoveredPeripheralTracker) shouldReadRawAdvertisementLocked(header AdvertisementHeader) bool {
	result, ok := t.readResults[header.Key()]
	if !ok {
		// Never seen this header; always read.
		return true
	}
	switch result.EvaluateRetryStatus() {
	case RetryStatusRetry:
		return true
	case RetryStatusPreviouslySucceeded:
		return false
	case RetryStatusTooSoon:
		t.log.Debug("Recently failed to read GATT advertisement; backing off")
		return false
	default:
		return true
	}
}

func (t *DiscoveredPeripheralTracker) fetchRawAdvertisementsLocked(peripheral driver.Peripheral, header AdvertisementHeader, fetcher AdvertisementFetcher) [][]byte {
	result, ok := t.readResults[header.Key()]
	if !ok {
		result = NewAdvertisementReadResultWithConfig(t.clk, t.readResultConfig)
		t.readResults[header.Key()] = result
	}
	serviceIDs := make([]string, 0, len(t.serviceIDInfos))
	for serviceID := range t.serviceIDInfos {
		serviceIDs = append(serviceIDs, serviceID)
	}
	fetcher(peripheral, header.NumSlots, header.PSM, serviceIDs, result)
	return result.GetAdvertisements()
}

// handleRawGattAdvertisementsLocked updates tracking state for a batch of
// raw medium advertisements and reports first sightings.
func (t *DiscoveredPeripheralTracker) handleRawGattAdvertisementsLocked(peripheral driver.Peripheral, header AdvertisementHeader, rawAdvertisements [][]byte, serviceUUID uuid.UUID) AdvertisementHeader {
	parsed := t.parseRawGattAdvertisementsLocked(rawAdvertisements, serviceUUID)

	advKeys := make(map[string]struct{}, len(parsed))
	newHeader := header
	for serviceID, advertisement := range parsed {
		advKey := string(advertisement.Bytes())
		advKeys[advKey] = struct{}{}

		var oldHeader AdvertisementHeader
		if gai, ok := t.gattAdvertisementInfos[advKey]; ok {
			oldHeader = gai.header
		}

		if advertisement.PSM != DefaultPSM && advertisement.PSM != newHeader.PSM {
			newHeader.PSM = advertisement.PSM
		}

		switch {
		case !oldHeader.IsValid() || shouldNotifyForNewPSM(oldHeader.PSM, newHeader.PSM):
			info, ok := t.serviceIDInfos[serviceID]
			if !ok {
				t.log.WithField("service_id", serviceID).
					Warn("No observer registered for discovered advertisement")
				continue
			}
			if peripheral == nil || !peripheral.IsValid() {
				continue
			}
			if t.isInstantLostAdvertisementLocked(newHeader) {
				t.log.Debug("Skipping advertisement header recently reported lost")
				continue
			}
			info.observer.OnPeripheralDiscovered(peripheral, serviceID,
				advertisement.Data, advertisement.IsFastAdvertisement())
		case oldHeader.PSM != DefaultPSM && newHeader.PSM == DefaultPSM:
			// A legacy sighting must not clobber the extended header
			// that carried the PSM.
			continue
		case oldHeader.Key() != newHeader.Key():
			// Stale header; forget it so a returning peripheral is
			// re-read.
			delete(t.readResults, oldHeader.Key())
			delete(t.gattAdvertisements, oldHeader.Key())
		}

		t.gattAdvertisementInfos[advKey] = &gattAdvertisementInfo{
			serviceID:     serviceID,
			header:        newHeader,
			peripheral:    peripheral,
			advertisement: advertisement,
		}
	}

	existing, ok := t.gattAdvertisements[newHeader.Key()]
	if !ok {
		existing = make(map[string]struct{})
		t.gattAdvertisements[newHeader.Key()] = existing
	}
	for advKey := range advKeys {
		existing[advKey] = struct{}{}
	}
	return newHeader
}

// parseRawGattAdvertisementsLocked maps raw advertisement bytes onto
// tracked service IDs: fast advertisements by the UUID they rode under,
// regular ones by service ID hash.
func (t *DiscoveredPeripheralTracker) parseRawGattAdvertisementsLocked(rawAdvertisements [][]byte, serviceUUID uuid.UUID) map[string]Advertisement {
	parsed := make(map[string]Advertisement)
	for _, raw := range rawAdvertisements {
		advertisement, err := ParseAdvertisement(raw)
		if err != nil {
			t.log.WithError(err).Debug("Dropping malformed medium advertisement")
			continue
		}

		for serviceID, info := range t.serviceIDInfos {
			if prior, ok := parsed[serviceID]; ok && prior.Version > advertisement.Version {
				continue
			}

			if advertisement.IsFastAdvertisement() && serviceUUID != uuid.Nil {
				if info.fastAdvertisementServiceUUID == serviceUUID {
					parsed[serviceID] = advertisement
				}
				continue
			}

			if bytes.Equal(GenerateServiceIDHash(serviceID), advertisement.ServiceIDHash) {
				parsed[serviceID] = advertisement
				break
			}
		}
	}
	return parsed
}

// updateCommonStateLocked records a fresh sighting of every advertisement
// hosted under the header, keeping the passive lost sweep at bay.
func (t *DiscoveredPeripheralTracker) updateCommonStateLocked(header AdvertisementHeader) {
	advKeys, ok := t.gattAdvertisements[header.Key()]
	if !ok {
		return
	}
	for advKey := range advKeys {
		gai, ok := t.gattAdvertisementInfos[advKey]
		if !ok {
			continue
		}
		if info, ok := t.serviceIDInfos[gai.serviceID]; ok {
			info.lostTracker.RecordFoundEntity(advKey)
		}
	}
}

func (t *DiscoveredPeripheralTracker) clearDataForServiceIDLocked(serviceID string) {
	var stale []string
	for advKey, gai := range t.gattAdvertisementInfos {
		if gai.serviceID == serviceID {
			stale = append(stale, advKey)
		}
	}
	for _, advKey := range stale {
		t.clearGattAdvertisementLocked(advKey)
	}
}

func (t *DiscoveredPeripheralTracker) clearGattAdvertisementLocked(advKey string) {
	gai, ok := t.gattAdvertisementInfos[advKey]
	if !ok {
		return
	}
	delete(t.gattAdvertisementInfos, advKey)

	headerKey := gai.header.Key()
	if advSet, ok := t.gattAdvertisements[headerKey]; ok {
		delete(advSet, advKey)
		// Always drop the read result so a returning peripheral is
		// re-read rather than served a stale success.
		delete(t.readResults, headerKey)
		if len(advSet) == 0 {
			delete(t.gattAdvertisements, headerKey)
		}
	}
}

func (t *DiscoveredPeripheralTracker) isInstantLostAdvertisementLocked(header AdvertisementHeader) bool {
	_, ok := t.instantLostSeen.Get(string(header.AdvertisementHash))
	return ok
}

func shouldNotifyForNewPSM(oldPSM, newPSM int) bool {
	return newPSM != DefaultPSM && oldPSM != newPSM
}

func isLegacyDeviceAdvertisementData(data driver.AdvertisementData) bool {
	if data.IsExtendedAdvertisement || len(data.ServiceData) != 1 {
		return false
	}
	raw, ok := data.ServiceData[CopresenceServiceUUID]
	return ok && bytes.Equal(raw, dummyAdvertisementValue)
}
