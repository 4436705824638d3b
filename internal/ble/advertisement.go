package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Medium advertisement versions. V1 sockets predate the packet framing in
// this package; everything this stack emits is V2.
const (
	AdvertisementVersionV1 = 1
	AdvertisementVersionV2 = 2

	SocketVersionV1 = 1
	SocketVersionV2 = 2
)

const (
	// DefaultPSM marks the absence of an L2CAP PSM value.
	DefaultPSM = -1

	// MaxFastAdvertisementDataSize bounds the inline payload of a fast
	// advertisement, which must fit the raw advertising packet.
	MaxFastAdvertisementDataSize = 24

	// MaxAdvertisementDataSize bounds the payload of a regular (GATT
	// hosted) medium advertisement.
	MaxAdvertisementDataSize = 512

	advVersionBitmask       = 0xE0
	advSocketVersionBitmask = 0x1C
	advFastFlagBitmask      = 0x02

	advFastDataSizeLength = 1
	advDataSizeLength     = 4

	advExtraPSMBitmask = 0x01
)

var ErrAdvertisementTooShort = errors.New("advertisement bytes too short")

// Advertisement is the medium-level advertisement wrapping a connection
// layer payload. A fast advertisement carries no service ID hash because the
// payload rides inline under the caller's service UUID; a regular
// advertisement is hosted on a GATT characteristic and matched by hash.
type Advertisement struct {
	Version       int
	SocketVersion int
	ServiceIDHash []byte
	Data          []byte
	DeviceToken   []byte
	PSM           int
}

// NewAdvertisement validates and builds a medium advertisement. Passing an
// empty serviceIDHash marks it as a fast advertisement.
func NewAdvertisement(version, socketVersion int, serviceIDHash, data, deviceToken []byte, psm int) (Advertisement, error) {
	fast := len(serviceIDHash) == 0
	if !fast && len(serviceIDHash) != ServiceIDHashLength {
		return Advertisement{}, fmt.Errorf("%w: got %d", ErrInvalidHash, len(serviceIDHash))
	}
	if !isSupportedAdvertisementVersion(version) || !isSupportedAdvertisementVersion(socketVersion) {
		return Advertisement{}, fmt.Errorf("unsupported advertisement version %d/%d", version, socketVersion)
	}
	if len(deviceToken) != 0 && len(deviceToken) != DeviceTokenLength {
		return Advertisement{}, fmt.Errorf("device token must be %d bytes, got %d", DeviceTokenLength, len(deviceToken))
	}
	maxData := MaxAdvertisementDataSize
	if fast {
		maxData = MaxFastAdvertisementDataSize
	}
	if len(data) > maxData {
		return Advertisement{}, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(data))
	}
	return Advertisement{
		Version:       version,
		SocketVersion: socketVersion,
		ServiceIDHash: append([]byte(nil), serviceIDHash...),
		Data:          append([]byte(nil), data...),
		DeviceToken:   append([]byte(nil), deviceToken...),
		PSM:           psm,
	}, nil
}

// ParseAdvertisement decodes a medium advertisement from service data or a
// GATT characteristic value.
func ParseAdvertisement(raw []byte) (Advertisement, error) {
	if len(raw) < 1 {
		return Advertisement{}, ErrAdvertisementTooShort
	}
	adv := Advertisement{PSM: DefaultPSM}
	adv.Version = int(raw[0]&advVersionBitmask) >> 5
	adv.SocketVersion = int(raw[0]&advSocketVersionBitmask) >> 2
	fast := raw[0]&advFastFlagBitmask != 0
	if !isSupportedAdvertisementVersion(adv.Version) {
		return Advertisement{}, fmt.Errorf("unsupported advertisement version %d", adv.Version)
	}
	if !isSupportedAdvertisementVersion(adv.SocketVersion) {
		return Advertisement{}, fmt.Errorf("unsupported socket version %d", adv.SocketVersion)
	}
	rest := raw[1:]

	if !fast {
		if len(rest) < ServiceIDHashLength {
			return Advertisement{}, ErrAdvertisementTooShort
		}
		adv.ServiceIDHash = append([]byte(nil), rest[:ServiceIDHashLength]...)
		rest = rest[ServiceIDHashLength:]
	}

	var dataSize int
	if fast {
		if len(rest) < advFastDataSizeLength {
			return Advertisement{}, ErrAdvertisementTooShort
		}
		dataSize = int(rest[0])
		rest = rest[advFastDataSizeLength:]
	} else {
		if len(rest) < advDataSizeLength {
			return Advertisement{}, ErrAdvertisementTooShort
		}
		dataSize = int(binary.BigEndian.Uint32(rest))
		rest = rest[advDataSizeLength:]
	}
	if dataSize < 0 || len(rest) < dataSize {
		return Advertisement{}, fmt.Errorf("advertisement data size %d exceeds remaining %d bytes", dataSize, len(rest))
	}
	adv.Data = append([]byte(nil), rest[:dataSize]...)
	rest = rest[dataSize:]

	if len(rest) >= DeviceTokenLength {
		adv.DeviceToken = append([]byte(nil), rest[:DeviceTokenLength]...)
		rest = rest[DeviceTokenLength:]
	}

	// Extra fields trail the token for backward compatibility.
	if len(rest) >= 1 {
		mask := rest[0]
		rest = rest[1:]
		if mask&advExtraPSMBitmask != 0 {
			if len(rest) < 2 {
				return Advertisement{}, errors.New("advertisement psm field truncated")
			}
			adv.PSM = int(binary.BigEndian.Uint16(rest))
		}
	}
	return adv, nil
}

// IsFastAdvertisement reports whether the payload rides inline in the raw
// advertising packet rather than behind a GATT read.
func (a Advertisement) IsFastAdvertisement() bool { return len(a.ServiceIDHash) == 0 }

// Bytes serializes without the extra-fields trailer; legacy fast
// advertisements have no room for it.
func (a Advertisement) Bytes() []byte {
	var out []byte
	versionByte := byte(a.Version<<5) & advVersionBitmask
	versionByte |= byte(a.SocketVersion<<2) & advSocketVersionBitmask
	if a.IsFastAdvertisement() {
		versionByte |= advFastFlagBitmask
	}
	out = append(out, versionByte)
	if a.IsFastAdvertisement() {
		out = append(out, byte(len(a.Data)))
	} else {
		out = append(out, a.ServiceIDHash...)
		out = binary.BigEndian.AppendUint32(out, uint32(len(a.Data)))
	}
	out = append(out, a.Data...)
	return append(out, a.DeviceToken...)
}

// BytesWithExtraFields appends the extra-fields trailer carrying the PSM,
// used for extended advertising where the size budget allows it.
func (a Advertisement) BytesWithExtraFields() []byte {
	out := a.Bytes()
	if a.PSM == DefaultPSM {
		return append(out, 0x00)
	}
	out = append(out, advExtraPSMBitmask)
	return binary.BigEndian.AppendUint16(out, uint16(a.PSM))
}

func isSupportedAdvertisementVersion(v int) bool {
	return v >= AdvertisementVersionV1 && v <= AdvertisementVersionV2
}
