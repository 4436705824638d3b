package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementHeader_RoundTrip(t *testing.T) {
	filter := NewBloomFilter()
	filter.Add("com.example.service")
	hash := GenerateAdvertisementHash([]byte("hosted advertisement"))

	tests := []struct {
		name     string
		extended bool
		numSlots int
		psm      int
	}{
		{"single slot", false, 1, DefaultPSM},
		{"extended with psm", true, 3, 4097},
		{"max slots", false, 15, DefaultPSM},
		{"zero slots", false, 0, 37},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, err := NewAdvertisementHeader(tt.extended, tt.numSlots, filter.Bytes(), hash, tt.psm)
			require.NoError(t, err)
			require.True(t, header.IsValid())

			parsed, err := ParseAdvertisementHeader(header.Bytes())
			require.NoError(t, err)

			assert.Equal(t, AdvertisementHeaderVersion, parsed.Version)
			assert.Equal(t, tt.extended, parsed.SupportsExtendedAdvertisement)
			assert.Equal(t, tt.numSlots, parsed.NumSlots)
			assert.Equal(t, filter.Bytes(), parsed.ServiceIDBloomFilter)
			assert.Equal(t, hash, parsed.AdvertisementHash)
			assert.Equal(t, tt.psm, parsed.PSM)
		})
	}
}

func TestNewAdvertisementHeader_Rejections(t *testing.T) {
	filter := NewBloomFilter().Bytes()
	hash := GenerateAdvertisementHash([]byte("x"))

	tests := []struct {
		name        string
		numSlots    int
		bloomFilter []byte
		hash        []byte
	}{
		{"negative slots", -1, filter, hash},
		{"too many slots", 16, filter, hash},
		{"short bloom filter", 1, filter[:5], hash},
		{"nil bloom filter", 1, nil, hash},
		{"short hash", 1, filter, hash[:2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdvertisementHeader(false, tt.numSlots, tt.bloomFilter, tt.hash, DefaultPSM)
			assert.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestParseAdvertisementHeader_Rejections(t *testing.T) {
	header, err := NewAdvertisementHeader(false, 1, NewBloomFilter().Bytes(),
		GenerateAdvertisementHash([]byte("x")), DefaultPSM)
	require.NoError(t, err)
	good := header.Bytes()

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)-1]},
		{"wrong version", append([]byte{0x20}, good[1:]...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAdvertisementHeader(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestAdvertisementHeader_Key(t *testing.T) {
	filter := NewBloomFilter().Bytes()
	a, err := NewAdvertisementHeader(false, 1, filter, GenerateAdvertisementHash([]byte("a")), DefaultPSM)
	require.NoError(t, err)
	b, err := NewAdvertisementHeader(false, 1, filter, GenerateAdvertisementHash([]byte("b")), DefaultPSM)
	require.NoError(t, err)

	assert.Equal(t, a.Key(), a.Key())
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestAdvertisementHeader_IsValid(t *testing.T) {
	assert.False(t, AdvertisementHeader{}.IsValid())
	assert.False(t, AdvertisementHeader{Version: AdvertisementHeaderVersion}.IsValid())
}
