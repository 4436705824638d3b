package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AdvertisementHeaderVersion is the only header version this stack emits or
// accepts.
const AdvertisementHeaderVersion = 2

const (
	headerVersionBitmask  = 0xE0
	headerExtendedBitmask = 0x10
	headerNumSlotsBitmask = 0x0F

	// headerLength = version byte + bloom filter + advertisement hash +
	// 2-byte PSM.
	headerLength = 1 + BloomFilterByteLength + AdvertisementHashLength + 2
)

var ErrInvalidHeader = errors.New("invalid advertisement header")

// AdvertisementHeader is the compact frame broadcast in the raw advertising
// packet for regular advertisements: it tells scanners how many GATT slots
// to read, which service IDs may be present (bloom filter) and a hash of the
// hosted advertisements so re-reads can be skipped.
type AdvertisementHeader struct {
	Version                       int
	SupportsExtendedAdvertisement bool
	NumSlots                      int
	ServiceIDBloomFilter          []byte
	AdvertisementHash             []byte
	PSM                           int
}

// NewAdvertisementHeader validates and builds a header.
func NewAdvertisementHeader(extended bool, numSlots int, bloomFilter, advertisementHash []byte, psm int) (AdvertisementHeader, error) {
	if numSlots < 0 || numSlots > headerNumSlotsBitmask {
		return AdvertisementHeader{}, fmt.Errorf("%w: num slots %d out of range", ErrInvalidHeader, numSlots)
	}
	if len(bloomFilter) != BloomFilterByteLength {
		return AdvertisementHeader{}, fmt.Errorf("%w: bloom filter must be %d bytes, got %d", ErrInvalidHeader, BloomFilterByteLength, len(bloomFilter))
	}
	if len(advertisementHash) != AdvertisementHashLength {
		return AdvertisementHeader{}, fmt.Errorf("%w: advertisement hash must be %d bytes, got %d", ErrInvalidHeader, AdvertisementHashLength, len(advertisementHash))
	}
	return AdvertisementHeader{
		Version:                       AdvertisementHeaderVersion,
		SupportsExtendedAdvertisement: extended,
		NumSlots:                      numSlots,
		ServiceIDBloomFilter:          append([]byte(nil), bloomFilter...),
		AdvertisementHash:             append([]byte(nil), advertisementHash...),
		PSM:                           psm,
	}, nil
}

// ParseAdvertisementHeader decodes a header from copresence service data.
func ParseAdvertisementHeader(raw []byte) (AdvertisementHeader, error) {
	if len(raw) < headerLength {
		return AdvertisementHeader{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHeader, len(raw), headerLength)
	}
	version := int(raw[0]&headerVersionBitmask) >> 5
	if version != AdvertisementHeaderVersion {
		return AdvertisementHeader{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, version)
	}
	h := AdvertisementHeader{
		Version:                       version,
		SupportsExtendedAdvertisement: raw[0]&headerExtendedBitmask != 0,
		NumSlots:                      int(raw[0] & headerNumSlotsBitmask),
	}
	rest := raw[1:]
	h.ServiceIDBloomFilter = append([]byte(nil), rest[:BloomFilterByteLength]...)
	rest = rest[BloomFilterByteLength:]
	h.AdvertisementHash = append([]byte(nil), rest[:AdvertisementHashLength]...)
	rest = rest[AdvertisementHashLength:]
	psm := binary.BigEndian.Uint16(rest)
	if psm == 0xFFFF {
		h.PSM = DefaultPSM
	} else {
		h.PSM = int(psm)
	}
	return h, nil
}

// Bytes serializes the header.
func (h AdvertisementHeader) Bytes() []byte {
	out := make([]byte, 0, headerLength)
	b := byte(h.Version<<5) & headerVersionBitmask
	if h.SupportsExtendedAdvertisement {
		b |= headerExtendedBitmask
	}
	b |= byte(h.NumSlots) & headerNumSlotsBitmask
	out = append(out, b)
	out = append(out, h.ServiceIDBloomFilter...)
	out = append(out, h.AdvertisementHash...)
	if h.PSM == DefaultPSM {
		return binary.BigEndian.AppendUint16(out, 0xFFFF)
	}
	return binary.BigEndian.AppendUint16(out, uint16(h.PSM))
}

// Key returns a stable map key for the header.
func (h AdvertisementHeader) Key() string { return string(h.Bytes()) }

// IsValid reports whether the header carries a supported version and
// well-formed fields.
func (h AdvertisementHeader) IsValid() bool {
	return h.Version == AdvertisementHeaderVersion &&
		len(h.ServiceIDBloomFilter) == BloomFilterByteLength &&
		len(h.AdvertisementHash) == AdvertisementHashLength
}
