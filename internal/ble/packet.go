package ble

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PacketType classifies a framed BLE socket packet.
type PacketType int

const (
	PacketTypeInvalid PacketType = iota
	PacketTypeControl
	PacketTypeData
)

const (
	// ServiceIDHashLength is the length of the service ID hash prefix on
	// every framed packet.
	ServiceIDHashLength = 3

	// MaxPacketDataSize bounds the payload so the total wire size fits an
	// int32 counter on the receiving side.
	MaxPacketDataSize = math.MaxInt32 - ServiceIDHashLength
)

// controlPacketHash is the reserved hash marking a control packet. A data
// packet must never use it.
var controlPacketHash = []byte{0x00, 0x00, 0x00}

var (
	ErrInvalidHash  = errors.New("service id hash must be exactly 3 bytes")
	ErrReservedHash = errors.New("service id hash is reserved for control packets")
	ErrDataTooLarge = errors.New("packet data too large")
)

// Packet is the wire frame for bytes exchanged over an established BLE
// socket: a 3-byte service ID hash followed by the payload. Immutable once
// constructed.
type Packet struct {
	packetType    PacketType
	serviceIDHash []byte
	data          []byte
}

// ControlFrameType identifies the payload of a control packet.
type ControlFrameType byte

const (
	ControlFrameIntroduction          ControlFrameType = 0x01
	ControlFrameDisconnection         ControlFrameType = 0x02
	ControlFramePacketAcknowledgement ControlFrameType = 0x03
)

// NewControlIntroductionPacket frames an introduction for the service
// identified by hash.
func NewControlIntroductionPacket(serviceIDHash []byte) (Packet, error) {
	frame, err := encodeControlFrame(ControlFrameIntroduction, serviceIDHash, 0)
	if err != nil {
		return Packet{}, err
	}
	return NewControlPacket(frame)
}

// NewControlDisconnectionPacket frames a disconnection notice for the
// service identified by hash.
func NewControlDisconnectionPacket(serviceIDHash []byte) (Packet, error) {
	frame, err := encodeControlFrame(ControlFrameDisconnection, serviceIDHash, 0)
	if err != nil {
		return Packet{}, err
	}
	return NewControlPacket(frame)
}

// NewControlPacketAcknowledgementPacket frames an acknowledgement carrying
// the number of bytes received so far.
func NewControlPacketAcknowledgementPacket(serviceIDHash []byte, receivedSize int) (Packet, error) {
	if receivedSize < 0 {
		return Packet{}, fmt.Errorf("negative received size %d", receivedSize)
	}
	frame, err := encodeControlFrame(ControlFramePacketAcknowledgement, serviceIDHash, uint32(receivedSize))
	if err != nil {
		return Packet{}, err
	}
	return NewControlPacket(frame)
}

// NewControlPacket builds a control packet around an already-encoded control
// frame. The packet carries the reserved all-zero hash.
func NewControlPacket(data []byte) (Packet, error) {
	if len(data) > MaxPacketDataSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(data))
	}
	return Packet{
		packetType:    PacketTypeControl,
		serviceIDHash: append([]byte(nil), controlPacketHash...),
		data:          append([]byte(nil), data...),
	}, nil
}

// NewDataPacket builds a data packet for the service identified by hash.
func NewDataPacket(serviceIDHash, data []byte) (Packet, error) {
	if len(serviceIDHash) != ServiceIDHashLength {
		return Packet{}, fmt.Errorf("%w: got %d", ErrInvalidHash, len(serviceIDHash))
	}
	if bytes.Equal(serviceIDHash, controlPacketHash) {
		return Packet{}, ErrReservedHash
	}
	if len(data) > MaxPacketDataSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(data))
	}
	return Packet{
		packetType:    PacketTypeData,
		serviceIDHash: append([]byte(nil), serviceIDHash...),
		data:          append([]byte(nil), data...),
	}, nil
}

// ParsePacket deserializes raw socket bytes. A buffer shorter than the hash
// yields an invalid packet rather than an error; note that a control packet
// whose first byte was corrupted silently reclassifies as a data packet.
// That is the documented wire behavior, not something to repair here.
func ParsePacket(raw []byte) Packet {
	if len(raw) < ServiceIDHashLength {
		return Packet{}
	}
	hash := append([]byte(nil), raw[:ServiceIDHashLength]...)
	data := append([]byte(nil), raw[ServiceIDHashLength:]...)
	packetType := PacketTypeData
	if bytes.Equal(hash, controlPacketHash) {
		packetType = PacketTypeControl
	}
	return Packet{packetType: packetType, serviceIDHash: hash, data: data}
}

// Bytes serializes the packet back to hash ++ payload. Invalid packets
// serialize to nil.
func (p Packet) Bytes() []byte {
	if !p.IsValid() {
		return nil
	}
	out := make([]byte, 0, len(p.serviceIDHash)+len(p.data))
	out = append(out, p.serviceIDHash...)
	return append(out, p.data...)
}

func (p Packet) IsValid() bool { return p.packetType != PacketTypeInvalid }

func (p Packet) IsControlPacket() bool { return p.packetType == PacketTypeControl }

func (p Packet) Type() PacketType { return p.packetType }

// ServiceIDHash returns the 3-byte hash, or nil for an invalid packet.
func (p Packet) ServiceIDHash() []byte { return append([]byte(nil), p.serviceIDHash...) }

// Data returns the payload bytes.
func (p Packet) Data() []byte { return append([]byte(nil), p.data...) }

// ControlFrame is the decoded payload of a control packet.
type ControlFrame struct {
	Type          ControlFrameType
	ServiceIDHash []byte
	// ReceivedSize is populated for acknowledgement frames only.
	ReceivedSize int
}

// Control frame wire form: 1-byte frame type, 3-byte service ID hash, and a
// big-endian uint32 received-size for acknowledgements.
func encodeControlFrame(frameType ControlFrameType, serviceIDHash []byte, receivedSize uint32) ([]byte, error) {
	if len(serviceIDHash) != ServiceIDHashLength {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidHash, len(serviceIDHash))
	}
	out := make([]byte, 0, 1+ServiceIDHashLength+4)
	out = append(out, byte(frameType))
	out = append(out, serviceIDHash...)
	if frameType == ControlFramePacketAcknowledgement {
		out = binary.BigEndian.AppendUint32(out, receivedSize)
	}
	return out, nil
}

// ParseControlFrame decodes the payload of a control packet.
func ParseControlFrame(raw []byte) (ControlFrame, error) {
	if len(raw) < 1+ServiceIDHashLength {
		return ControlFrame{}, fmt.Errorf("control frame too short: %d bytes", len(raw))
	}
	frame := ControlFrame{
		Type:          ControlFrameType(raw[0]),
		ServiceIDHash: append([]byte(nil), raw[1:1+ServiceIDHashLength]...),
	}
	switch frame.Type {
	case ControlFrameIntroduction, ControlFrameDisconnection:
	case ControlFramePacketAcknowledgement:
		if len(raw) < 1+ServiceIDHashLength+4 {
			return ControlFrame{}, errors.New("acknowledgement frame missing received size")
		}
		frame.ReceivedSize = int(binary.BigEndian.Uint32(raw[1+ServiceIDHashLength:]))
	default:
		return ControlFrame{}, fmt.Errorf("unknown control frame type 0x%02x", raw[0])
	}
	return frame, nil
}
