package ble

import "crypto/sha256"

// BloomFilterByteLength is the service ID bloom filter size carried inside
// an advertisement header.
const BloomFilterByteLength = 10

const bloomFilterHashCount = 5

// BloomFilter is the fixed-size filter advertisement headers use to let
// scanners cheaply test whether a header may concern a tracked service ID.
// False positives are possible, false negatives are not.
type BloomFilter struct {
	bits [BloomFilterByteLength]byte
}

// NewBloomFilter returns an empty filter.
func NewBloomFilter() *BloomFilter {
	return &BloomFilter{}
}

// NewBloomFilterFromBytes restores a filter from its wire form. Input of the
// wrong length yields an empty filter.
func NewBloomFilterFromBytes(raw []byte) *BloomFilter {
	f := &BloomFilter{}
	if len(raw) == BloomFilterByteLength {
		copy(f.bits[:], raw)
	}
	return f
}

// Add inserts a service ID.
func (f *BloomFilter) Add(serviceID string) {
	for _, pos := range bloomPositions(serviceID) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// PossiblyContains reports whether the service ID may have been inserted.
func (f *BloomFilter) PossiblyContains(serviceID string) bool {
	for _, pos := range bloomPositions(serviceID) {
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the wire form.
func (f *BloomFilter) Bytes() []byte {
	out := make([]byte, BloomFilterByteLength)
	copy(out, f.bits[:])
	return out
}

// Bit positions are carved out of one SHA-256 digest, 2 bytes per hash
// function, reduced modulo the filter width.
func bloomPositions(serviceID string) [bloomFilterHashCount]uint16 {
	sum := sha256.Sum256([]byte(serviceID))
	var positions [bloomFilterHashCount]uint16
	for i := range positions {
		v := uint16(sum[2*i])<<8 | uint16(sum[2*i+1])
		positions[i] = v % (BloomFilterByteLength * 8)
	}
	return positions
}
