package ble

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// CopresenceServiceUUID is the fixed service UUID all copresence
// advertisements, headers and instant on-lost beacons broadcast under.
var CopresenceServiceUUID = uuid.MustParse("0000FEF3-0000-1000-8000-00805F9B34FB")

const (
	// AdvertisementHashLength is the truncated hash identifying one
	// advertisement payload.
	AdvertisementHashLength = 4

	// DeviceTokenLength is the length of the random per-session token
	// embedded in medium advertisements.
	DeviceTokenLength = 2

	advertisementUUIDMsb = uint64(0x0000000000003000)
	advertisementUUIDLsb = uint64(0x8000000000000000)
)

// GenerateServiceIDHash derives the 3-byte hash used to match
// advertisements against a service ID.
func GenerateServiceIDHash(serviceID string) []byte {
	sum := sha256.Sum256([]byte(serviceID))
	return sum[:ServiceIDHashLength]
}

// GenerateAdvertisementHash derives the 4-byte hash identifying an
// advertisement payload, used by headers and on-lost beacons.
func GenerateAdvertisementHash(advertisement []byte) []byte {
	sum := sha256.Sum256(advertisement)
	return sum[:AdvertisementHashLength]
}

// GenerateDeviceToken returns a fresh random device token.
func GenerateDeviceToken() []byte {
	token := make([]byte, DeviceTokenLength)
	// crypto/rand never fails on supported platforms.
	_, _ = rand.Read(token)
	return token
}

// GenerateAdvertisementUUID derives the deterministic characteristic UUID
// hosting the GATT advertisement for the given slot.
func GenerateAdvertisementUUID(slot int) (uuid.UUID, error) {
	if slot < 0 {
		return uuid.Nil, fmt.Errorf("negative advertisement slot %d", slot)
	}
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[:8], advertisementUUIDMsb)
	binary.BigEndian.PutUint64(u[8:], advertisementUUIDLsb|uint64(slot))
	return u, nil
}
