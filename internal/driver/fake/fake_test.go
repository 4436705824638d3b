package fake

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearfield/internal/cancellation"
	"github.com/srg/nearfield/internal/driver"
)

const serviceID = "com.example.app"

func connectedPair(t *testing.T) (driver.Socket, driver.Socket) {
	world := NewWorld()
	server := world.NewAdapter("aa:bb:cc:dd:ee:01", false)
	client := world.NewAdapter("aa:bb:cc:dd:ee:02", false)

	ss, err := server.OpenServerSocket(serviceID)
	require.NoError(t, err)

	type acceptResult struct {
		socket driver.Socket
		err    error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		socket, err := ss.Accept()
		acceptCh <- acceptResult{socket, err}
	}()

	local, err := client.Connect(serviceID, driver.TxPowerHigh, Peripheral{address: "aa:bb:cc:dd:ee:01"}, nil)
	require.NoError(t, err)

	accepted := <-acceptCh
	require.NoError(t, accepted.err)
	t.Cleanup(func() { ss.Close() })
	return local, accepted.socket
}

func TestSocketPair_DuplexTransfer(t *testing.T) {
	local, remote := connectedPair(t)

	assert.Equal(t, "aa:bb:cc:dd:ee:01", local.RemotePeripheral().Address())
	assert.Equal(t, "aa:bb:cc:dd:ee:02", remote.RemotePeripheral().Address())

	_, err := local.OutputStream().Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(remote.InputStream(), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf)

	_, err = remote.OutputStream().Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(local.InputStream(), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), buf)
}

func TestSocketPair_CloseDrainsThenEOF(t *testing.T) {
	local, remote := connectedPair(t)

	_, err := local.OutputStream().Write([]byte("last words"))
	require.NoError(t, err)

	reader := local.InputStream()
	require.NoError(t, local.Close())
	assert.False(t, local.IsValid())

	// The peer still drains buffered data before seeing EOF.
	buf := make([]byte, 10)
	_, err = io.ReadFull(remote.InputStream(), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), buf)
	_, err = remote.InputStream().Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	// The closed side's own reads abort instead of blocking forever.
	_, err = reader.Read(buf)
	assert.Error(t, err)
}

func TestSocket_CloseNotifierFiresOnce(t *testing.T) {
	local, _ := connectedPair(t)

	notified := 0
	local.SetCloseNotifier(func() { notified++ })
	require.NoError(t, local.Close())
	require.NoError(t, local.Close())
	assert.Equal(t, 1, notified)
}

func TestConnect_CancelUnblocks(t *testing.T) {
	world := NewWorld()
	world.NewAdapter("aa:bb:cc:dd:ee:01", false).OpenServerSocket(serviceID)
	client := world.NewAdapter("aa:bb:cc:dd:ee:02", false)

	flag := cancellation.NewFlag()
	errCh := make(chan error, 1)
	go func() {
		// Nobody accepts; only the canceller can unblock this.
		_, err := client.Connect(serviceID, driver.TxPowerHigh, Peripheral{address: "aa:bb:cc:dd:ee:01"}, flag)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	flag.Cancel()
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled connect never returned")
	}
}

func TestConnect_Failures(t *testing.T) {
	world := NewWorld()
	server := world.NewAdapter("aa:bb:cc:dd:ee:01", false)
	client := world.NewAdapter("aa:bb:cc:dd:ee:02", false)

	// No server socket open.
	_, err := client.Connect(serviceID, driver.TxPowerHigh, Peripheral{address: "aa:bb:cc:dd:ee:01"}, nil)
	assert.Error(t, err)

	// Unknown peer.
	_, err = client.Connect(serviceID, driver.TxPowerHigh, Peripheral{address: "ff:ff:ff:ff:ff:ff"}, nil)
	assert.Error(t, err)

	// Server socket closed while a connect waits.
	ss, err := server.OpenServerSocket(serviceID)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Connect(serviceID, driver.TxPowerHigh, Peripheral{address: "aa:bb:cc:dd:ee:01"}, nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ss.Close())
	assert.Error(t, <-errCh)
}

func TestServerSocket_AcceptAfterClose(t *testing.T) {
	world := NewWorld()
	adapter := world.NewAdapter("aa:bb:cc:dd:ee:01", false)

	ss, err := adapter.OpenServerSocket(serviceID)
	require.NoError(t, err)
	require.NoError(t, ss.Close())

	_, err = ss.Accept()
	assert.Error(t, err)

	// The slot is free for a fresh server socket.
	_, err = adapter.OpenServerSocket(serviceID)
	assert.NoError(t, err)
}

func TestAdapter_InvalidRejectsEverything(t *testing.T) {
	world := NewWorld()
	adapter := world.NewAdapter("aa:bb:cc:dd:ee:01", false)
	adapter.SetValid(false)

	_, err := adapter.StartAdvertising(driver.AdvertisementData{}, driver.AdvertiseParams{})
	assert.Error(t, err)
	assert.Error(t, adapter.StartScanning(uuid.Nil, driver.TxPowerHigh, nil))
	_, err = adapter.StartGattServer()
	assert.Error(t, err)
	_, err = adapter.OpenServerSocket(serviceID)
	assert.Error(t, err)
	_, err = adapter.Connect(serviceID, driver.TxPowerHigh, Peripheral{address: "aa:bb:cc:dd:ee:02"}, nil)
	assert.Error(t, err)
}
