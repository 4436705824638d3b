// Package driver defines the boundary to the OS-level BLE adapter: raw
// advertising, scanning, GATT primitives and socket objects. The medium
// layer never touches radio I/O directly; it talks to these interfaces.
// Implementations live in the goble (hardware) and fake (in-memory)
// subpackages.
package driver

import (
	"errors"
	"io"

	"github.com/google/uuid"
)

// ErrUnsupported is returned by adapters for primitives their platform
// backend cannot provide.
var ErrUnsupported = errors.New("operation not supported by this BLE adapter")

// TxPowerLevel is the requested radio power for advertising or scanning.
type TxPowerLevel int

const (
	TxPowerUnknown TxPowerLevel = iota
	TxPowerUltraLow
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

// AdvertisementData is the service-data payload of one advertising packet.
type AdvertisementData struct {
	IsExtendedAdvertisement bool
	// ServiceData maps a service UUID to the bytes broadcast under it.
	ServiceData map[uuid.UUID][]byte
}

// AdvertiseParams tunes one advertising operation.
type AdvertiseParams struct {
	TxPowerLevel  TxPowerLevel
	IsConnectable bool
}

// ScanCallback receives every raw advertisement sighting.
type ScanCallback func(peripheral Peripheral, data AdvertisementData)

// AdvertisingSession is one active advertisement. Stop is idempotent.
type AdvertisingSession interface {
	Stop() error
}

// Peripheral is an opaque handle to a remote device observed while
// scanning. Handles are cheap to copy and remain usable after the scan that
// produced them ends.
type Peripheral interface {
	IsValid() bool
	// Address uniquely identifies the remote device for the lifetime of
	// the process.
	Address() string
}

// Characteristic identifies one hosted GATT characteristic.
type Characteristic struct {
	ServiceUUID uuid.UUID
	UUID        uuid.UUID
}

// GattServer hosts readable characteristics for remote GATT clients.
type GattServer interface {
	CreateCharacteristic(serviceUUID, characteristicUUID uuid.UUID) (Characteristic, error)
	UpdateCharacteristic(c Characteristic, value []byte) error
	// Stop tears the server down; hosted characteristics disappear.
	Stop()
}

// GattClient reads characteristics from a remote GATT server. Close it with
// Disconnect when done.
type GattClient interface {
	DiscoverServiceAndCharacteristics(serviceUUID uuid.UUID, characteristicUUIDs []uuid.UUID) error
	ReadCharacteristic(serviceUUID, characteristicUUID uuid.UUID) ([]byte, error)
	Disconnect()
}

// Socket is one end of an established BLE byte-stream connection. Handles
// are shared: Close is idempotent and safe from any holder, and the close
// notifier fires exactly once.
type Socket interface {
	IsValid() bool
	RemotePeripheral() Peripheral
	// InputStream and OutputStream return nil on an invalid socket.
	InputStream() io.Reader
	OutputStream() io.Writer
	SetCloseNotifier(func())
	Close() error
}

// ServerSocket accepts inbound BLE connections for one service.
type ServerSocket interface {
	IsValid() bool
	// Accept blocks until a connection arrives or the socket closes, in
	// which case it returns an error.
	Accept() (Socket, error)
	Close() error
}

// Canceller is the polled cancellation signal passed into blocking
// connects. Satisfied by *cancellation.Flag.
type Canceller interface {
	Cancelled() bool
	Done() <-chan struct{}
}

// Adapter is the OS BLE driver surface consumed by the medium layer. The
// medium layer serializes all calls through its own lock; implementations
// need not add their own cross-call ordering.
type Adapter interface {
	// IsValid reports whether BLE is usable on this platform right now.
	IsValid() bool
	IsExtendedAdvertisementsAvailable() bool

	// StartAdvertising begins broadcasting data until the returned
	// session is stopped. Adapters that cannot run multiple concurrent
	// advertisement sets fail the second StartAdvertising call.
	StartAdvertising(data AdvertisementData, params AdvertiseParams) (AdvertisingSession, error)

	StartScanning(serviceUUID uuid.UUID, power TxPowerLevel, cb ScanCallback) error
	StopScanning() error

	StartGattServer() (GattServer, error)
	ConnectToGattServer(p Peripheral, power TxPowerLevel) (GattClient, error)

	OpenServerSocket(serviceID string) (ServerSocket, error)
	// Connect blocks until the connection attempt resolves or the
	// canceller fires.
	Connect(serviceID string, power TxPowerLevel, p Peripheral, cancel Canceller) (Socket, error)
}
