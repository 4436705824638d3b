package ble

import (
	"errors"
	"fmt"
)

const (
	// MaxOnLostHashCount is the most advertisement hashes one instant
	// on-lost beacon can carry: 22 usable advertising bytes divided by
	// the 4-byte hash, after header and BT overhead.
	MaxOnLostHashCount = 5

	instantOnLostVersion        = 1
	instantOnLostVersionBitmask = 0xE0
)

var ErrInvalidOnLostBeacon = errors.New("invalid instant on-lost beacon")

// InstantOnLostAdvertisement announces that specific advertisements have
// just stopped, letting peers skip the passive lost timeout. Wire form is a
// single header byte carrying a 3-bit version followed by concatenated
// 4-byte advertisement hashes.
type InstantOnLostAdvertisement struct {
	hashes [][]byte
}

// NewInstantOnLostFromHash wraps a single 4-byte advertisement hash.
func NewInstantOnLostFromHash(hash []byte) (InstantOnLostAdvertisement, error) {
	return NewInstantOnLostFromHashes([][]byte{hash})
}

// NewInstantOnLostFromHashes wraps up to MaxOnLostHashCount hashes.
func NewInstantOnLostFromHashes(hashes [][]byte) (InstantOnLostAdvertisement, error) {
	if len(hashes) == 0 || len(hashes) > MaxOnLostHashCount {
		return InstantOnLostAdvertisement{}, fmt.Errorf("%w: %d hashes", ErrInvalidOnLostBeacon, len(hashes))
	}
	adv := InstantOnLostAdvertisement{}
	for _, h := range hashes {
		if len(h) != AdvertisementHashLength {
			return InstantOnLostAdvertisement{}, fmt.Errorf("%w: hash length %d", ErrInvalidOnLostBeacon, len(h))
		}
		adv.hashes = append(adv.hashes, append([]byte(nil), h...))
	}
	return adv, nil
}

// ParseInstantOnLost decodes a beacon. The payload must be a header byte
// with the expected version plus a whole number of 4-byte hashes.
func ParseInstantOnLost(raw []byte) (InstantOnLostAdvertisement, error) {
	if len(raw) < 1+AdvertisementHashLength {
		return InstantOnLostAdvertisement{}, fmt.Errorf("%w: %d bytes", ErrInvalidOnLostBeacon, len(raw))
	}
	if (len(raw)-1)%AdvertisementHashLength != 0 {
		return InstantOnLostAdvertisement{}, fmt.Errorf("%w: %d bytes is not a whole number of hashes", ErrInvalidOnLostBeacon, len(raw))
	}
	count := (len(raw) - 1) / AdvertisementHashLength
	if count > MaxOnLostHashCount {
		return InstantOnLostAdvertisement{}, fmt.Errorf("%w: %d hashes", ErrInvalidOnLostBeacon, count)
	}
	if version := int(raw[0]&instantOnLostVersionBitmask) >> 5; version != instantOnLostVersion {
		return InstantOnLostAdvertisement{}, fmt.Errorf("%w: version %d", ErrInvalidOnLostBeacon, version)
	}
	adv := InstantOnLostAdvertisement{}
	for i := 0; i < count; i++ {
		start := 1 + i*AdvertisementHashLength
		adv.hashes = append(adv.hashes, append([]byte(nil), raw[start:start+AdvertisementHashLength]...))
	}
	return adv, nil
}

// Bytes serializes the beacon.
func (a InstantOnLostAdvertisement) Bytes() []byte {
	out := make([]byte, 0, 1+len(a.hashes)*AdvertisementHashLength)
	out = append(out, byte(instantOnLostVersion<<5)&instantOnLostVersionBitmask)
	for _, h := range a.hashes {
		out = append(out, h...)
	}
	return out
}

// Hashes returns the advertisement hashes in order.
func (a InstantOnLostAdvertisement) Hashes() [][]byte {
	out := make([][]byte, 0, len(a.hashes))
	for _, h := range a.hashes {
		out = append(out, append([]byte(nil), h...))
	}
	return out
}
