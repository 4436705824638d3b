package ble

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/nearfield/internal/alarm"
	"github.com/srg/nearfield/internal/driver"
)

const (
	// MaxAdvertisementLength bounds the application payload accepted by
	// StartAdvertising.
	MaxAdvertisementLength = 512

	// A random service ID mixed into every advertisement header so the
	// bloom filter and hash never expose an empty slot set.
	dummyServiceIDLength = 128

	// DefaultPeripheralLostTimeout is the interval of the passive lost
	// sweep while scanning.
	DefaultPeripheralLostTimeout = 3 * time.Second

	// DefaultAcceptWorkers bounds concurrent accept loops across all
	// service IDs; further StartAcceptingConnections calls queue.
	DefaultAcceptWorkers = 5
)

var (
	ErrNotAvailable        = errors.New("ble is not available")
	ErrAlreadyAdvertising  = errors.New("already advertising for this service ID")
	ErrNotAdvertising      = errors.New("not advertising for this service ID")
	ErrAlreadyScanning     = errors.New("already scanning for this service ID")
	ErrNotScanning         = errors.New("not scanning for this service ID")
	ErrAlreadyAccepting    = errors.New("already accepting connections for this service ID")
	ErrNotAccepting        = errors.New("not accepting connections for this service ID")
	ErrEmptyServiceID      = errors.New("service ID must not be empty")
	ErrConnectCancelled    = errors.New("connect cancelled")
	ErrAdvertisingTooLarge = errors.New("advertisement exceeds maximum length")
)

type advertisingInfo struct {
	advertisement Advertisement
	power         driver.TxPowerLevel
	fast          bool
}

type gattSlot struct {
	serviceID     string
	advertisement []byte
}

// MediumOptions tunes a Medium. The zero value selects defaults.
type MediumOptions struct {
	Logger                *logrus.Logger
	Clock                 clock.Clock
	PeripheralLostTimeout time.Duration
	AcceptWorkers         int
	Backoff               ReadResultConfig
}

// Medium is the single owner of all per-service-ID BLE state: advertising,
// scanning, the shared GATT server, server sockets and the discovery
// machinery. All state mutations and adapter calls are serialized through
// one mutex; accept loops and alarms run on their own goroutines and
// re-acquire it.
type Medium struct {
	mu      sync.Mutex
	log     *logrus.Logger
	clk     clock.Clock
	adapter driver.Adapter

	tracker *DiscoveredPeripheralTracker
	onLost  *InstantOnLostManager

	lostTimeout time.Duration
	lostAlarm   *alarm.Alarm

	// Insertion-ordered so the advertiser restarted after a stop is the
	// oldest one still registered.
	advertisingInfos *orderedmap.OrderedMap[string, advertisingInfo]

	// Fast and extended advertising sessions, all services together.
	// The header broadcast has its own slot since it is rebuilt whenever
	// the GATT slot set changes.
	advertisingSessions []driver.AdvertisingSession
	headerSession       driver.AdvertisingSession

	gattServer            driver.GattServer
	hostedCharacteristics []driver.Characteristic
	gattAdvertisements    map[int]gattSlot

	scannedServiceIDs map[string]struct{}

	serverSockets   map[string]driver.ServerSocket
	incomingSockets map[string]driver.Socket
	acceptSem       chan struct{}
}

// NewMedium wires a coordinator over the given adapter.
func NewMedium(adapter driver.Adapter, opts MediumOptions) *Medium {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	lostTimeout := opts.PeripheralLostTimeout
	if lostTimeout <= 0 {
		lostTimeout = DefaultPeripheralLostTimeout
	}
	acceptWorkers := opts.AcceptWorkers
	if acceptWorkers <= 0 {
		acceptWorkers = DefaultAcceptWorkers
	}
	return &Medium{
		log:                log,
		clk:                clk,
		adapter:            adapter,
		tracker:            NewDiscoveredPeripheralTracker(log, clk, adapter.IsExtendedAdvertisementsAvailable(), opts.Backoff),
		onLost:             NewInstantOnLostManager(log, clk, adapter),
		lostTimeout:        lostTimeout,
		advertisingInfos:   orderedmap.New[string, advertisingInfo](),
		gattAdvertisements: make(map[int]gattSlot),
		scannedServiceIDs:  make(map[string]struct{}),
		serverSockets:      make(map[string]driver.ServerSocket),
		incomingSockets:    make(map[string]driver.Socket),
		acceptSem:          make(chan struct{}, acceptWorkers),
	}
}

// IsAvailable reports whether the underlying adapter is usable.
func (m *Medium) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAvailableLocked()
}

func (m *Medium) isAvailableLocked() bool { return m.adapter.IsValid() }

// StartAdvertising begins advertising the application payload for a
// service ID. Fast mode inlines the payload into the advertising packet;
// regular mode hosts it in a GATT characteristic slot and broadcasts an
// advertisement header. Starting an already-advertising service ID fails
// rather than overwriting it.
func (m *Medium) StartAdvertising(serviceID string, advertisement []byte, power driver.TxPowerLevel, fastAdvertisement bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(advertisement) == 0 {
		return errors.New("refusing to advertise empty advertisement data")
	}
	if len(advertisement) > MaxAdvertisementLength {
		return fmt.Errorf("%w: %d > %d bytes", ErrAdvertisingTooLarge, len(advertisement), MaxAdvertisementLength)
	}
	if _, ok := m.advertisingInfos.Get(serviceID); ok {
		return ErrAlreadyAdvertising
	}
	if !m.isAvailableLocked() {
		return ErrNotAvailable
	}

	var serviceIDHash []byte
	if !fastAdvertisement {
		serviceIDHash = GenerateServiceIDHash(serviceID)
	}
	mediumAdvertisement, err := NewAdvertisement(AdvertisementVersionV2, SocketVersionV2,
		serviceIDHash, advertisement, GenerateDeviceToken(), DefaultPSM)
	if err != nil {
		return fmt.Errorf("wrapping advertisement: %w", err)
	}

	m.advertisingInfos.Set(serviceID, advertisingInfo{
		advertisement: mediumAdvertisement,
		power:         power,
		fast:          fastAdvertisement,
	})
	if err := m.startAdvertisingLocked(serviceID); err != nil {
		m.advertisingInfos.Delete(serviceID)
		return err
	}
	m.log.WithFields(logrus.Fields{"service_id": serviceID, "fast": fastAdvertisement}).
		Info("Turned on BLE advertising")
	return nil
}

// StopAdvertising tears down advertising for one service ID and queues its
// instant on-lost beacon. If other advertisers remain, the oldest one is
// restarted; otherwise the GATT server is stopped aggressively unless an
// inbound socket still depends on it.
func (m *Medium) StopAdvertising(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.advertisingInfos.Get(serviceID); !ok {
		return ErrNotAdvertising
	}
	m.log.WithField("service_id", serviceID).Info("Turned off BLE advertising")
	m.advertisingInfos.Delete(serviceID)
	m.stopAllAdvertisingSessionsLocked()
	m.gattAdvertisements = make(map[int]gattSlot)

	if m.advertisingInfos.Len() > 0 {
		// Blank the stale characteristic values before the restart
		// repopulates slots.
		for _, c := range m.hostedCharacteristics {
			if m.gattServer != nil {
				if err := m.gattServer.UpdateCharacteristic(c, nil); err != nil {
					m.log.WithError(err).WithField("characteristic", c.UUID).
						Error("Failed to clear characteristic after stopping advertising")
				}
			}
		}
		m.hostedCharacteristics = nil

		next := m.advertisingInfos.Oldest()
		if err := m.startAdvertisingLocked(next.Key); err != nil {
			m.log.WithError(err).WithField("service_id", next.Key).
				Error("Failed to restart BLE advertising after a stop")
			m.advertisingInfos.Delete(next.Key)
		} else {
			m.log.WithField("service_id", next.Key).Info("Restarted BLE advertising")
		}
	} else if len(m.incomingSockets) == 0 {
		m.stopGattServerLocked()
	}

	m.onLost.OnAdvertisingStopped(serviceID)
	return nil
}

// IsAdvertising reports whether the service ID is registered as an
// advertiser.
func (m *Medium) IsAdvertising(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.advertisingInfos.Get(serviceID)
	return ok
}

func (m *Medium) startAdvertisingLocked(serviceID string) error {
	info, ok := m.advertisingInfos.Get(serviceID)
	if !ok {
		return fmt.Errorf("no advertising info for service ID %q", serviceID)
	}
	if info.fast {
		return m.startFastAdvertisingLocked(serviceID, info)
	}
	return m.startRegularAdvertisingLocked(serviceID, info)
}

func (m *Medium) startFastAdvertisingLocked(serviceID string, info advertisingInfo) error {
	payload := info.advertisement.Bytes()
	session, err := m.adapter.StartAdvertising(
		driver.AdvertisementData{
			ServiceData: map[uuid.UUID][]byte{CopresenceServiceUUID: payload},
		},
		driver.AdvertiseParams{TxPowerLevel: info.power, IsConnectable: true},
	)
	if err != nil {
		return fmt.Errorf("starting fast advertising: %w", err)
	}
	m.advertisingSessions = append(m.advertisingSessions, session)
	m.onLost.OnAdvertisingStarted(serviceID, payload)
	return nil
}

// startRegularAdvertisingLocked runs the extended broadcast when the radio
// supports it and always provisions the GATT path so legacy scanners that
// cannot see extended advertisements still find the payload.
func (m *Medium) startRegularAdvertisingLocked(serviceID string, info advertisingInfo) error {
	extendedAvailable := m.adapter.IsExtendedAdvertisementsAvailable()
	payload := info.advertisement.Bytes()
	if extendedAvailable {
		payload = info.advertisement.BytesWithExtraFields()
	}

	extendedStarted := false
	if extendedAvailable {
		session, err := m.adapter.StartAdvertising(
			driver.AdvertisementData{
				IsExtendedAdvertisement: true,
				ServiceData:             map[uuid.UUID][]byte{CopresenceServiceUUID: payload},
			},
			driver.AdvertiseParams{TxPowerLevel: info.power, IsConnectable: true},
		)
		if err != nil {
			m.log.WithError(err).Error("Failed to start extended BLE advertising")
		} else {
			m.advertisingSessions = append(m.advertisingSessions, session)
			m.onLost.OnAdvertisingStarted(serviceID, payload)
			extendedStarted = true
		}
	}

	gattErr := m.startGattAdvertisingLocked(serviceID, info.power, info.advertisement.PSM, payload, extendedStarted)
	if gattErr != nil && !extendedStarted {
		return gattErr
	}
	if gattErr != nil {
		m.log.WithError(gattErr).Warn("GATT advertising failed; extended advertising carries the payload alone")
	}
	return nil
}

// startGattAdvertisingLocked provisions a characteristic slot for the
// advertisement on the shared GATT server and (re)broadcasts the header
// covering all hosted slots. On failure no advertised-but-unreachable
// state is left behind.
func (m *Medium) startGattAdvertisingLocked(serviceID string, power driver.TxPowerLevel, psm int, advertisement []byte, extendedAdvertised bool) error {
	freshServer := false
	if m.gattServer == nil {
		server, err := m.adapter.StartGattServer()
		if err != nil {
			return fmt.Errorf("starting advertisement GATT server: %w", err)
		}
		m.gattServer = server
		freshServer = true
	}

	slot := len(m.gattAdvertisements)
	if err := m.createSlotCharacteristicLocked(slot, advertisement); err != nil {
		if freshServer {
			m.stopGattServerLocked()
		}
		return err
	}
	m.gattAdvertisements[slot] = gattSlot{serviceID: serviceID, advertisement: advertisement}

	headerBytes, err := m.createAdvertisementHeaderLocked(psm, extendedAdvertised)
	if err != nil {
		delete(m.gattAdvertisements, slot)
		if freshServer {
			m.stopGattServerLocked()
		}
		return fmt.Errorf("creating advertisement header: %w", err)
	}

	if m.headerSession != nil {
		if err := m.headerSession.Stop(); err != nil {
			m.log.WithError(err).Warn("Failed to stop previous header broadcast")
		}
		m.headerSession = nil
	}
	session, err := m.adapter.StartAdvertising(
		driver.AdvertisementData{
			ServiceData: map[uuid.UUID][]byte{CopresenceServiceUUID: headerBytes},
		},
		driver.AdvertiseParams{TxPowerLevel: power, IsConnectable: true},
	)
	if err != nil {
		delete(m.gattAdvertisements, slot)
		if freshServer {
			m.stopGattServerLocked()
		}
		return fmt.Errorf("starting header broadcast: %w", err)
	}
	m.headerSession = session
	m.onLost.OnAdvertisingStarted(serviceID, headerBytes)
	return nil
}

func (m *Medium) createSlotCharacteristicLocked(slot int, advertisement []byte) error {
	slotUUID, err := GenerateAdvertisementUUID(slot)
	if err != nil {
		return err
	}
	characteristic, err := m.gattServer.CreateCharacteristic(CopresenceServiceUUID, slotUUID)
	if err != nil {
		return fmt.Errorf("creating advertisement characteristic for slot %d: %w", slot, err)
	}
	if err := m.gattServer.UpdateCharacteristic(characteristic, advertisement); err != nil {
		return fmt.Errorf("writing advertisement characteristic for slot %d: %w", slot, err)
	}
	m.hostedCharacteristics = append(m.hostedCharacteristics, characteristic)
	return nil
}

// createAdvertisementHeaderLocked builds the header broadcast: a bloom
// filter over the hosted service IDs and a hash chained over the hosted
// advertisements, both seeded with a random dummy service ID so an
// otherwise-identical slot set never produces a stable header.
func (m *Medium) createAdvertisementHeaderLocked(psm int, extendedAdvertised bool) ([]byte, error) {
	dummyServiceID := make([]byte, dummyServiceIDLength)
	if _, err := rand.Read(dummyServiceID); err != nil {
		return nil, err
	}

	filter := NewBloomFilter()
	filter.Add(string(dummyServiceID))
	advertisementHash := GenerateAdvertisementHash(dummyServiceID)

	for slot := 0; slot < len(m.gattAdvertisements); slot++ {
		entry, ok := m.gattAdvertisements[slot]
		if !ok {
			continue
		}
		filter.Add(entry.serviceID)
		chained := make([]byte, 0, len(advertisementHash)+len(entry.advertisement))
		chained = append(chained, advertisementHash...)
		chained = append(chained, entry.advertisement...)
		advertisementHash = GenerateAdvertisementHash(chained)
	}

	header, err := NewAdvertisementHeader(extendedAdvertised, len(m.gattAdvertisements),
		filter.Bytes(), advertisementHash, psm)
	if err != nil {
		return nil, err
	}
	return header.Bytes(), nil
}

func (m *Medium) stopAllAdvertisingSessionsLocked() {
	for _, session := range m.advertisingSessions {
		if err := session.Stop(); err != nil {
			m.log.WithError(err).Warn("Failed to stop advertising session")
		}
	}
	m.advertisingSessions = nil
	if m.headerSession != nil {
		if err := m.headerSession.Stop(); err != nil {
			m.log.WithError(err).Warn("Failed to stop header broadcast")
		}
		m.headerSession = nil
	}
}

func (m *Medium) stopGattServerLocked() {
	if m.gattServer == nil {
		return
	}
	m.gattServer.Stop()
	m.gattServer = nil
	m.hostedCharacteristics = nil
}

// StartScanning registers a discovery observer for a service ID and, for
// the first scanner, turns on the physical scan and the recurring lost
// sweep. The physical scan is shared across service IDs.
func (m *Medium) StartScanning(serviceID string, power driver.TxPowerLevel, observer DiscoveryObserver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if serviceID == "" {
		return ErrEmptyServiceID
	}
	if _, ok := m.scannedServiceIDs[serviceID]; ok {
		return ErrAlreadyScanning
	}
	if !m.isAvailableLocked() {
		return ErrNotAvailable
	}

	m.tracker.StartTracking(serviceID, observer, CopresenceServiceUUID)

	if len(m.scannedServiceIDs) > 0 {
		m.scannedServiceIDs[serviceID] = struct{}{}
		m.log.WithField("service_id", serviceID).
			Info("Turned on BLE scanning without restarting the physical scan")
		return nil
	}

	m.scannedServiceIDs[serviceID] = struct{}{}
	if err := m.adapter.StartScanning(CopresenceServiceUUID, power, m.onRawAdvertisement); err != nil {
		m.tracker.StopTracking(serviceID)
		delete(m.scannedServiceIDs, serviceID)
		return fmt.Errorf("starting BLE scan: %w", err)
	}

	m.lostAlarm = alarm.NewRecurring(m.clk, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.tracker.ProcessLostGattAdvertisements()
	}, m.lostTimeout)

	m.log.WithField("service_id", serviceID).Info("Turned on BLE scanning")
	return nil
}

// StopScanning deregisters one service ID; the physical scan stops with
// the last one.
func (m *Medium) StopScanning(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scannedServiceIDs[serviceID]; !ok {
		return ErrNotScanning
	}
	m.tracker.StopTracking(serviceID)
	delete(m.scannedServiceIDs, serviceID)
	m.log.WithField("service_id", serviceID).Info("Turned off BLE scanning")

	if len(m.scannedServiceIDs) > 0 {
		return nil
	}
	if m.lostAlarm != nil {
		m.lostAlarm.Cancel()
		m.lostAlarm = nil
	}
	if err := m.adapter.StopScanning(); err != nil {
		return fmt.Errorf("stopping BLE scan: %w", err)
	}
	return nil
}

// IsScanning reports whether the service ID is registered as a scanner.
func (m *Medium) IsScanning(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scannedServiceIDs[serviceID]
	return ok
}

// onRawAdvertisement is the adapter scan callback. The adapter invokes it
// off the caller's goroutine, so taking the coordinator lock here is safe.
func (m *Medium) onRawAdvertisement(peripheral driver.Peripheral, data driver.AdvertisementData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker.ProcessFoundBleAdvertisement(peripheral, data, m.fetchGattAdvertisementsLocked)
}

// fetchGattAdvertisementsLocked performs the GATT round trip for one
// advertisement header: connect, discover, read every unread slot, record
// the outcome on the read result.
func (m *Medium) fetchGattAdvertisementsLocked(peripheral driver.Peripheral, numSlots, psm int, interestingServiceIDs []string, result *AdvertisementReadResult) {
	if peripheral == nil || !peripheral.IsValid() {
		m.log.Debug("Skipping GATT advertisement fetch: invalid peripheral")
		return
	}
	if !m.isAvailableLocked() {
		m.log.Debug("Skipping GATT advertisement fetch: BLE not available")
		return
	}

	client, err := m.adapter.ConnectToGattServer(peripheral, driver.TxPowerHigh)
	if err != nil {
		m.log.WithError(err).WithField("peripheral", peripheral.Address()).
			Debug("Failed to connect to advertisement GATT server")
		result.RecordLastReadStatus(false)
		return
	}
	defer client.Disconnect()

	slotUUIDs := make(map[int]uuid.UUID)
	for slot := 0; slot < numSlots; slot++ {
		if result.HasAdvertisement(slot) {
			continue
		}
		slotUUID, err := GenerateAdvertisementUUID(slot)
		if err != nil {
			continue
		}
		slotUUIDs[slot] = slotUUID
	}
	if len(slotUUIDs) == 0 {
		m.log.Warn("No advertisement slots left to read")
		result.RecordLastReadStatus(false)
		return
	}

	characteristicUUIDs := make([]uuid.UUID, 0, len(slotUUIDs))
	for _, u := range slotUUIDs {
		characteristicUUIDs = append(characteristicUUIDs, u)
	}
	if err := client.DiscoverServiceAndCharacteristics(CopresenceServiceUUID, characteristicUUIDs); err != nil {
		m.log.WithError(err).Debug("GATT service discovery failed")
		result.RecordLastReadStatus(false)
		return
	}

	readSuccess := true
	for slot, slotUUID := range slotUUIDs {
		value, err := client.ReadCharacteristic(CopresenceServiceUUID, slotUUID)
		if err != nil {
			m.log.WithError(err).WithField("slot", slot).Debug("Failed to read advertisement slot")
			readSuccess = false
			continue
		}
		if len(value) > 0 {
			result.AddAdvertisement(slot, value)
			m.log.WithField("slot", slot).Debug("Read advertisement slot")
		}
	}
	result.RecordLastReadStatus(readSuccess)
}

// AcceptedConnectionCallback receives each inbound socket together with
// the service ID it arrived for.
type AcceptedConnectionCallback func(socket driver.Socket, serviceID string)

// StartAcceptingConnections opens a server socket for the service ID and
// runs its accept loop on the bounded worker pool. The loop ends when the
// server socket closes.
func (m *Medium) StartAcceptingConnections(serviceID string, callback AcceptedConnectionCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if serviceID == "" {
		return ErrEmptyServiceID
	}
	if _, ok := m.serverSockets[serviceID]; ok {
		return ErrAlreadyAccepting
	}
	if !m.isAvailableLocked() {
		return ErrNotAvailable
	}

	serverSocket, err := m.adapter.OpenServerSocket(serviceID)
	if err != nil {
		return fmt.Errorf("opening BLE server socket: %w", err)
	}
	m.serverSockets[serviceID] = serverSocket

	go m.acceptLoop(serviceID, serverSocket, callback)
	return nil
}

func (m *Medium) acceptLoop(serviceID string, serverSocket driver.ServerSocket, callback AcceptedConnectionCallback) {
	m.acceptSem <- struct{}{}
	defer func() { <-m.acceptSem }()

	for {
		socket, err := serverSocket.Accept()
		if err != nil {
			m.log.WithError(err).WithField("service_id", serviceID).
				Debug("BLE accept loop terminated")
			serverSocket.Close()
			return
		}

		m.mu.Lock()
		socket.SetCloseNotifier(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.incomingSockets, serviceID)
		})
		m.incomingSockets[serviceID] = socket
		m.mu.Unlock()

		if callback != nil {
			callback(socket, serviceID)
		}
	}
}

// StopAcceptingConnections closes the service's server socket; the accept
// loop exits on its next accept-or-error.
func (m *Medium) StopAcceptingConnections(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	serverSocket, ok := m.serverSockets[serviceID]
	if !ok {
		return ErrNotAccepting
	}
	delete(m.serverSockets, serviceID)
	if err := serverSocket.Close(); err != nil {
		return fmt.Errorf("closing BLE server socket: %w", err)
	}
	return nil
}

// IsAcceptingConnections reports whether a server socket is open for the
// service ID.
func (m *Medium) IsAcceptingConnections(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.serverSockets[serviceID]
	return ok
}

// Connect blocks until an outbound connection to the peripheral resolves
// or the cancellation flag fires. A pre-cancelled flag aborts without
// touching the radio.
func (m *Medium) Connect(serviceID string, peripheral driver.Peripheral, cancel driver.Canceller) (driver.Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if serviceID == "" {
		return nil, ErrEmptyServiceID
	}
	if !m.isAvailableLocked() {
		return nil, ErrNotAvailable
	}
	if cancel != nil && cancel.Cancelled() {
		m.log.WithField("service_id", serviceID).Info("Refusing BLE connect: already cancelled")
		return nil, ErrConnectCancelled
	}

	socket, err := m.adapter.Connect(serviceID, driver.TxPowerHigh, peripheral, cancel)
	if err != nil {
		return nil, fmt.Errorf("ble connect for service ID %q: %w", serviceID, err)
	}
	return socket, nil
}

// Close tears down every advertiser, scanner and server socket, then shuts
// the instant on-lost manager down. The Medium must not be used after.
func (m *Medium) Close() {
	m.mu.Lock()
	for serviceID := range m.scannedServiceIDs {
		m.tracker.StopTracking(serviceID)
		delete(m.scannedServiceIDs, serviceID)
	}
	if m.lostAlarm != nil {
		m.lostAlarm.Cancel()
		m.lostAlarm = nil
	}
	if err := m.adapter.StopScanning(); err != nil && !errors.Is(err, driver.ErrUnsupported) {
		m.log.WithError(err).Debug("Failed to stop scanning during close")
	}

	m.stopAllAdvertisingSessionsLocked()
	for pair := m.advertisingInfos.Oldest(); pair != nil; pair = pair.Next() {
		m.onLost.OnAdvertisingStopped(pair.Key)
	}
	m.advertisingInfos = orderedmap.New[string, advertisingInfo]()
	m.gattAdvertisements = make(map[int]gattSlot)
	m.stopGattServerLocked()

	for serviceID, serverSocket := range m.serverSockets {
		if err := serverSocket.Close(); err != nil {
			m.log.WithError(err).WithField("service_id", serviceID).
				Debug("Failed to close server socket during close")
		}
		delete(m.serverSockets, serviceID)
	}
	m.mu.Unlock()

	m.onLost.Shutdown()
}
