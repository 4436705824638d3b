// Package endpoint adapts connected BLE sockets into the generic channel
// shape the connection layer consumes.
package endpoint

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/nearfield/internal/driver"
)

// MaxPacketSize is the largest frame a BLE channel transmits in one write.
const MaxPacketSize = 512

// Channel is one duplex link to a remote endpoint. Input and Output return
// nil when the channel is unusable; callers must check before use.
type Channel interface {
	// Medium names the transport, e.g. "BLE".
	Medium() string
	Name() string
	MaxPacketSize() int
	Input() io.Reader
	Output() io.Writer
	Close() error
}

// BLEChannel wraps one connected BLE socket.
type BLEChannel struct {
	log    *logrus.Logger
	name   string
	socket driver.Socket
}

var _ Channel = (*BLEChannel)(nil)

// NewBLEChannel builds a channel over a connected socket. The channel is
// created even for an invalid socket; it then yields nil streams so the
// caller's liveness checks fail fast instead of panicking here.
func NewBLEChannel(log *logrus.Logger, name string, socket driver.Socket) *BLEChannel {
	if log == nil {
		log = logrus.New()
	}
	return &BLEChannel{log: log, name: name, socket: socket}
}

func (c *BLEChannel) Medium() string { return "BLE" }

func (c *BLEChannel) Name() string { return c.name }

func (c *BLEChannel) MaxPacketSize() int { return MaxPacketSize }

// Input returns the socket's read side, or nil when the socket or its
// remote peripheral is invalid.
func (c *BLEChannel) Input() io.Reader {
	if !c.usable() {
		return nil
	}
	return c.socket.InputStream()
}

// Output returns the socket's write side, or nil when the socket or its
// remote peripheral is invalid.
func (c *BLEChannel) Output() io.Writer {
	if !c.usable() {
		return nil
	}
	return c.socket.OutputStream()
}

// Close closes the underlying socket. A close failure is logged, not
// escalated: the channel is unusable either way.
func (c *BLEChannel) Close() error {
	if c.socket == nil {
		return nil
	}
	if err := c.socket.Close(); err != nil {
		c.log.WithError(err).WithField("channel", c.name).
			Warn("Failed to close underlying BLE socket")
	}
	return nil
}

func (c *BLEChannel) usable() bool {
	if c.socket == nil || !c.socket.IsValid() {
		return false
	}
	remote := c.socket.RemotePeripheral()
	return remote != nil && remote.IsValid()
}
