// Package fake provides an in-memory driver.Adapter implementation: a
// World of virtual devices whose advertisements, GATT servers and sockets
// reach each other without radio hardware. It backs the test suites and
// the loopback demo mode of the CLI.
package fake

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/nearfield/internal/driver"
)

const socketBufferSize = 64 * 1024

var (
	errAdapterInvalid  = errors.New("fake adapter marked invalid")
	errUnknownPeer     = errors.New("no such peer in the fake world")
	errNoGattServer    = errors.New("peer has no GATT server running")
	errNoServerSocket  = errors.New("peer is not accepting connections for this service ID")
	errServerClosed    = errors.New("server socket closed")
	errConnectAborted  = errors.New("connect cancelled")
	errCharacteristic  = errors.New("no such characteristic")
	errAlreadyScanning = errors.New("already scanning")
)

// World is a shared in-memory radio environment. Adapters registered on
// the same World see each other's advertisements and can connect to each
// other.
type World struct {
	adapters *hashmap.Map[string, *Adapter]
}

func NewWorld() *World {
	return &World{adapters: hashmap.New[string, *Adapter]()}
}

// NewAdapter registers a virtual device under the given address.
func (w *World) NewAdapter(address string, extendedAdvertisements bool) *Adapter {
	a := &Adapter{
		world:    w,
		address:  address,
		valid:    true,
		extended: extendedAdvertisements,
		sessions: make(map[*advertisingSession]struct{}),
		servers:  make(map[string]*serverSocket),
	}
	w.adapters.Set(address, a)
	return a
}

// Broadcast re-delivers every active advertisement to every scanner. Real
// radios repeat advertising packets continuously; tests call this between
// lost sweeps to keep a peripheral alive.
func (w *World) Broadcast() {
	w.adapters.Range(func(_ string, a *Adapter) bool {
		a.mu.Lock()
		sessions := make([]*advertisingSession, 0, len(a.sessions))
		for s := range a.sessions {
			sessions = append(sessions, s)
		}
		a.mu.Unlock()
		for _, s := range sessions {
			w.deliver(a, s.data)
		}
		return true
	})
}

// deliver pushes one advertisement to every other scanning adapter. The
// callback runs on a fresh goroutine so delivery never happens on the
// advertiser's calling goroutine.
func (w *World) deliver(from *Adapter, data driver.AdvertisementData) {
	w.adapters.Range(func(_ string, peer *Adapter) bool {
		if peer == from {
			return true
		}
		peer.mu.Lock()
		cb := peer.scanCallback
		peer.mu.Unlock()
		if cb != nil {
			go cb(Peripheral{address: from.address}, data)
		}
		return true
	})
}

// Peripheral is the fake world's handle to a remote device.
type Peripheral struct {
	address string
}

func (p Peripheral) IsValid() bool { return p.address != "" }

func (p Peripheral) Address() string { return p.address }

// Adapter is one virtual device in a World.
type Adapter struct {
	world    *World
	address  string
	extended bool

	mu           sync.Mutex
	valid        bool
	sessions     map[*advertisingSession]struct{}
	scanCallback driver.ScanCallback
	gattServer   *gattServer
	servers      map[string]*serverSocket
}

var _ driver.Adapter = (*Adapter)(nil)

func (a *Adapter) Address() string { return a.address }

// SetValid flips the adapter's availability, simulating the radio being
// switched off and on.
func (a *Adapter) SetValid(valid bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid = valid
}

func (a *Adapter) IsValid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid
}

func (a *Adapter) IsExtendedAdvertisementsAvailable() bool { return a.extended }

func (a *Adapter) StartAdvertising(data driver.AdvertisementData, params driver.AdvertiseParams) (driver.AdvertisingSession, error) {
	a.mu.Lock()
	if !a.valid {
		a.mu.Unlock()
		return nil, errAdapterInvalid
	}
	session := &advertisingSession{adapter: a, data: data, params: params}
	a.sessions[session] = struct{}{}
	a.mu.Unlock()

	a.world.deliver(a, data)
	return session, nil
}

type advertisingSession struct {
	adapter *Adapter
	data    driver.AdvertisementData
	params  driver.AdvertiseParams
	once    sync.Once
}

func (s *advertisingSession) Stop() error {
	s.once.Do(func() {
		s.adapter.mu.Lock()
		delete(s.adapter.sessions, s)
		s.adapter.mu.Unlock()
	})
	return nil
}

func (a *Adapter) StartScanning(serviceUUID uuid.UUID, power driver.TxPowerLevel, cb driver.ScanCallback) error {
	a.mu.Lock()
	if !a.valid {
		a.mu.Unlock()
		return errAdapterInvalid
	}
	if a.scanCallback != nil {
		a.mu.Unlock()
		return errAlreadyScanning
	}
	a.scanCallback = cb
	a.mu.Unlock()

	// A freshly started scanner sees everything already on the air.
	a.world.Broadcast()
	return nil
}

func (a *Adapter) StopScanning() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanCallback = nil
	return nil
}

type characteristicKey struct {
	service        uuid.UUID
	characteristic uuid.UUID
}

type gattServer struct {
	mu     sync.Mutex
	values map[characteristicKey][]byte
}

func (g *gattServer) CreateCharacteristic(serviceUUID, characteristicUUID uuid.UUID) (driver.Characteristic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[characteristicKey{serviceUUID, characteristicUUID}] = nil
	return driver.Characteristic{ServiceUUID: serviceUUID, UUID: characteristicUUID}, nil
}

func (g *gattServer) UpdateCharacteristic(c driver.Characteristic, value []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := characteristicKey{c.ServiceUUID, c.UUID}
	if _, ok := g.values[key]; !ok {
		return errCharacteristic
	}
	g.values[key] = append([]byte(nil), value...)
	return nil
}

func (g *gattServer) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = make(map[characteristicKey][]byte)
}

func (a *Adapter) StartGattServer() (driver.GattServer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return nil, errAdapterInvalid
	}
	server := &gattServer{values: make(map[characteristicKey][]byte)}
	a.gattServer = server
	return server, nil
}

type gattClient struct {
	server *gattServer
}

func (c *gattClient) DiscoverServiceAndCharacteristics(serviceUUID uuid.UUID, characteristicUUIDs []uuid.UUID) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	for _, u := range characteristicUUIDs {
		if _, ok := c.server.values[characteristicKey{serviceUUID, u}]; ok {
			return nil
		}
	}
	return errCharacteristic
}

func (c *gattClient) ReadCharacteristic(serviceUUID, characteristicUUID uuid.UUID) ([]byte, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	value, ok := c.server.values[characteristicKey{serviceUUID, characteristicUUID}]
	if !ok {
		return nil, errCharacteristic
	}
	return append([]byte(nil), value...), nil
}

func (c *gattClient) Disconnect() {}

func (a *Adapter) ConnectToGattServer(p driver.Peripheral, power driver.TxPowerLevel) (driver.GattClient, error) {
	peer, ok := a.world.adapters.Get(p.Address())
	if !ok {
		return nil, errUnknownPeer
	}
	peer.mu.Lock()
	server := peer.gattServer
	peer.mu.Unlock()
	if server == nil {
		return nil, errNoGattServer
	}
	return &gattClient{server: server}, nil
}

type serverSocket struct {
	adapter   *Adapter
	serviceID string
	incoming  chan *socket
	closed    chan struct{}
	once      sync.Once
}

func (s *serverSocket) IsValid() bool { return true }

func (s *serverSocket) Accept() (driver.Socket, error) {
	select {
	case sock := <-s.incoming:
		return sock, nil
	case <-s.closed:
		return nil, errServerClosed
	}
}

func (s *serverSocket) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.adapter.mu.Lock()
		if s.adapter.servers[s.serviceID] == s {
			delete(s.adapter.servers, s.serviceID)
		}
		s.adapter.mu.Unlock()
	})
	return nil
}

func (a *Adapter) OpenServerSocket(serviceID string) (driver.ServerSocket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return nil, errAdapterInvalid
	}
	if _, ok := a.servers[serviceID]; ok {
		return nil, fmt.Errorf("server socket already open for service ID %q", serviceID)
	}
	ss := &serverSocket{
		adapter:   a,
		serviceID: serviceID,
		incoming:  make(chan *socket),
		closed:    make(chan struct{}),
	}
	a.servers[serviceID] = ss
	return ss, nil
}

// socket is one end of an in-memory duplex pipe.
type socket struct {
	remote Peripheral
	in     *ringbuffer.RingBuffer
	out    *ringbuffer.RingBuffer

	mu       sync.Mutex
	closed   bool
	notifier func()
}

func newSocketPair(a, b Peripheral) (*socket, *socket) {
	aToB := ringbuffer.New(socketBufferSize).SetBlocking(true)
	bToA := ringbuffer.New(socketBufferSize).SetBlocking(true)
	sa := &socket{remote: b, in: bToA, out: aToB}
	sb := &socket{remote: a, in: aToB, out: bToA}
	return sa, sb
}

func (s *socket) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *socket) RemotePeripheral() driver.Peripheral { return s.remote }

func (s *socket) InputStream() io.Reader {
	if !s.IsValid() {
		return nil
	}
	return s.in
}

func (s *socket) OutputStream() io.Writer {
	if !s.IsValid() {
		return nil
	}
	return s.out
}

func (s *socket) SetCloseNotifier(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = fn
}

func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	notifier := s.notifier
	s.mu.Unlock()

	// The peer's pending reads drain and then see EOF; our own pending
	// reads abort.
	s.out.CloseWriter()
	s.in.CloseWithError(io.ErrClosedPipe)
	if notifier != nil {
		notifier()
	}
	return nil
}

// Connect dials a peer's server socket for the service ID. It blocks until
// the peer accepts, the canceller fires, or the server socket closes; a
// cancelled connect never surfaces a socket on the peer.
func (a *Adapter) Connect(serviceID string, power driver.TxPowerLevel, p driver.Peripheral, cancel driver.Canceller) (driver.Socket, error) {
	a.mu.Lock()
	if !a.valid {
		a.mu.Unlock()
		return nil, errAdapterInvalid
	}
	a.mu.Unlock()

	peer, ok := a.world.adapters.Get(p.Address())
	if !ok {
		return nil, errUnknownPeer
	}
	peer.mu.Lock()
	ss := peer.servers[serviceID]
	peer.mu.Unlock()
	if ss == nil {
		return nil, errNoServerSocket
	}

	local, remote := newSocketPair(Peripheral{address: a.address}, Peripheral{address: peer.address})

	var cancelled <-chan struct{}
	if cancel != nil {
		cancelled = cancel.Done()
	}
	select {
	case ss.incoming <- remote:
		return local, nil
	case <-ss.closed:
		return nil, errServerClosed
	case <-cancelled:
		return nil, errConnectAborted
	}
}
