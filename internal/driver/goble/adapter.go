// Package goble implements the driver.Adapter boundary on top of the
// go-ble stack. It covers advertising, scanning and the GATT paths; BLE
// socket streams have no go-ble equivalent and report ErrUnsupported, so
// connection-oriented flows run on the fake driver or a platform with a
// richer backend.
package goble

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/nearfield/internal/driver"
)

// Adapter drives one go-ble device.
type Adapter struct {
	log *logrus.Logger

	mu         sync.Mutex
	device     ble.Device
	deviceErr  error
	deviceOnce sync.Once

	scanCancel context.CancelFunc
	advSession *advertisingSession
	gattServer *gattServer
}

var _ driver.Adapter = (*Adapter)(nil)

func NewAdapter(log *logrus.Logger) *Adapter {
	if log == nil {
		log = logrus.New()
	}
	return &Adapter{log: log}
}

func (a *Adapter) dev() (ble.Device, error) {
	a.deviceOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			a.deviceErr = fmt.Errorf("failed to create BLE device: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
		a.device = dev
	})
	return a.device, a.deviceErr
}

func (a *Adapter) IsValid() bool {
	_, err := a.dev()
	return err == nil
}

// go-ble exposes no extended-advertising control.
func (a *Adapter) IsExtendedAdvertisementsAvailable() bool { return false }

type advertisingSession struct {
	adapter *Adapter
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *advertisingSession) Stop() error {
	s.once.Do(func() {
		s.cancel()
		s.adapter.mu.Lock()
		if s.adapter.advSession == s {
			s.adapter.advSession = nil
		}
		s.adapter.mu.Unlock()
	})
	return nil
}

// StartAdvertising broadcasts the first 16-bit-expressible service data
// entry. go-ble runs a single advertisement at a time; a second concurrent
// session fails.
func (a *Adapter) StartAdvertising(data driver.AdvertisementData, params driver.AdvertiseParams) (driver.AdvertisingSession, error) {
	dev, err := a.dev()
	if err != nil {
		return nil, err
	}

	var serviceID16 uint16
	var payload []byte
	found := false
	for u, value := range data.ServiceData {
		id, ok := shortServiceID(u)
		if !ok {
			continue
		}
		serviceID16 = id
		payload = value
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: no 16-bit service data entry to advertise", driver.ErrUnsupported)
	}

	a.mu.Lock()
	if a.advSession != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: only one concurrent advertisement", driver.ErrUnsupported)
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &advertisingSession{adapter: a, cancel: cancel}
	a.advSession = session
	a.mu.Unlock()

	go func() {
		err := dev.AdvertiseServiceData16(ctx, serviceID16, payload)
		if err != nil && ctx.Err() == nil {
			a.log.WithError(err).Error("BLE advertising terminated unexpectedly")
		}
	}()
	return session, nil
}

func (a *Adapter) StartScanning(serviceUUID uuid.UUID, power driver.TxPowerLevel, cb driver.ScanCallback) error {
	dev, err := a.dev()
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.scanCancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("scan already in progress")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel
	a.mu.Unlock()

	go func() {
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			cb(Peripheral{address: adv.Addr().String()}, convertAdvertisement(adv))
		})
		if err != nil && ctx.Err() == nil {
			a.log.WithError(err).Error("BLE scan terminated unexpectedly")
		}
	}()
	return nil
}

func (a *Adapter) StopScanning() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

// Peripheral identifies a scanned device by its address.
type Peripheral struct {
	address string
}

func (p Peripheral) IsValid() bool   { return p.address != "" }
func (p Peripheral) Address() string { return p.address }

func convertAdvertisement(adv ble.Advertisement) driver.AdvertisementData {
	data := driver.AdvertisementData{ServiceData: make(map[uuid.UUID][]byte)}
	for _, sd := range adv.ServiceData() {
		u, err := normalizeUUID(sd.UUID.String())
		if err != nil {
			continue
		}
		data.ServiceData[u] = sd.Data
	}
	return data
}

type gattServer struct {
	adapter *Adapter

	mu     sync.Mutex
	values map[uuid.UUID][]byte
}

func (a *Adapter) StartGattServer() (driver.GattServer, error) {
	dev, err := a.dev()
	if err != nil {
		return nil, err
	}
	_ = dev

	a.mu.Lock()
	defer a.mu.Unlock()
	server := &gattServer{adapter: a, values: make(map[uuid.UUID][]byte)}
	a.gattServer = server
	return server, nil
}

func (g *gattServer) CreateCharacteristic(serviceUUID, characteristicUUID uuid.UUID) (driver.Characteristic, error) {
	dev, err := g.adapter.dev()
	if err != nil {
		return driver.Characteristic{}, err
	}

	svcUUID, err := ble.Parse(serviceUUID.String())
	if err != nil {
		return driver.Characteristic{}, fmt.Errorf("parsing service UUID: %w", err)
	}
	chrUUID, err := ble.Parse(characteristicUUID.String())
	if err != nil {
		return driver.Characteristic{}, fmt.Errorf("parsing characteristic UUID: %w", err)
	}

	svc := ble.NewService(svcUUID)
	chr := svc.NewCharacteristic(chrUUID)
	charID := characteristicUUID
	chr.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		g.mu.Lock()
		value := g.values[charID]
		g.mu.Unlock()
		if _, err := rsp.Write(value); err != nil {
			g.adapter.log.WithError(err).Debug("Failed to serve characteristic read")
		}
	}))
	if err := dev.AddService(svc); err != nil {
		return driver.Characteristic{}, fmt.Errorf("adding GATT service: %w", err)
	}

	g.mu.Lock()
	g.values[charID] = nil
	g.mu.Unlock()
	return driver.Characteristic{ServiceUUID: serviceUUID, UUID: characteristicUUID}, nil
}

func (g *gattServer) UpdateCharacteristic(c driver.Characteristic, value []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[c.UUID] = append([]byte(nil), value...)
	return nil
}

func (g *gattServer) Stop() {
	dev, err := g.adapter.dev()
	if err == nil {
		if err := dev.RemoveAllServices(); err != nil {
			g.adapter.log.WithError(err).Warn("Failed to remove GATT services")
		}
	}
	g.adapter.mu.Lock()
	if g.adapter.gattServer == g {
		g.adapter.gattServer = nil
	}
	g.adapter.mu.Unlock()
}

type gattClient struct {
	log     *logrus.Logger
	client  ble.Client
	profile *ble.Profile
}

func (a *Adapter) ConnectToGattServer(p driver.Peripheral, power driver.TxPowerLevel) (driver.GattClient, error) {
	if _, err := a.dev(); err != nil {
		return nil, err
	}
	client, err := ble.Dial(context.Background(), ble.NewAddr(p.Address()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", p.Address(), err)
	}
	return &gattClient{log: a.log, client: client}, nil
}

func (c *gattClient) DiscoverServiceAndCharacteristics(serviceUUID uuid.UUID, characteristicUUIDs []uuid.UUID) error {
	profile, err := c.client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("failed to discover profile: %w", err)
	}
	c.profile = profile

	for _, svc := range profile.Services {
		u, err := normalizeUUID(svc.UUID.String())
		if err != nil || u != serviceUUID {
			continue
		}
		return nil
	}
	return fmt.Errorf("service %s not found on peer", serviceUUID)
}

func (c *gattClient) ReadCharacteristic(serviceUUID, characteristicUUID uuid.UUID) ([]byte, error) {
	if c.profile == nil {
		return nil, fmt.Errorf("profile not discovered")
	}
	for _, svc := range c.profile.Services {
		svcID, err := normalizeUUID(svc.UUID.String())
		if err != nil || svcID != serviceUUID {
			continue
		}
		for _, chr := range svc.Characteristics {
			chrID, err := normalizeUUID(chr.UUID.String())
			if err != nil || chrID != characteristicUUID {
				continue
			}
			return c.client.ReadCharacteristic(chr)
		}
	}
	return nil, fmt.Errorf("characteristic %s not found", characteristicUUID)
}

func (c *gattClient) Disconnect() {
	if err := c.client.CancelConnection(); err != nil {
		c.log.WithError(err).Debug("Failed to cancel GATT connection")
	}
}

// OpenServerSocket is not available through go-ble.
func (a *Adapter) OpenServerSocket(serviceID string) (driver.ServerSocket, error) {
	return nil, driver.ErrUnsupported
}

// Connect is not available through go-ble.
func (a *Adapter) Connect(serviceID string, power driver.TxPowerLevel, p driver.Peripheral, cancel driver.Canceller) (driver.Socket, error) {
	return nil, driver.ErrUnsupported
}

// shortServiceID extracts the 16-bit service ID from a Bluetooth-base-range
// UUID (0000xxxx-0000-1000-8000-00805F9B34FB).
func shortServiceID(u uuid.UUID) (uint16, bool) {
	s := strings.ToLower(u.String())
	if !strings.HasPrefix(s, "0000") || !strings.HasSuffix(s, "-0000-1000-8000-00805f9b34fb") {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

// normalizeUUID converts go-ble's dash-less, possibly 16-bit UUID strings
// into canonical 128-bit UUIDs.
func normalizeUUID(raw string) (uuid.UUID, error) {
	s := strings.ToLower(strings.ReplaceAll(raw, "-", ""))
	switch len(s) {
	case 4:
		s = "0000" + s + "00001000800000805f9b34fb"
	case 8:
		s = s + "00001000800000805f9b34fb"
	case 32:
	default:
		return uuid.Nil, fmt.Errorf("unrecognized UUID %q", raw)
	}
	return uuid.Parse(s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32])
}
