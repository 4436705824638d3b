package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateServiceIDHash(t *testing.T) {
	hash := GenerateServiceIDHash("com.example.service")
	assert.Len(t, hash, ServiceIDHashLength)

	// Deterministic per service ID, distinct across service IDs.
	assert.Equal(t, hash, GenerateServiceIDHash("com.example.service"))
	assert.NotEqual(t, hash, GenerateServiceIDHash("com.example.other"))
}

func TestGenerateAdvertisementHash(t *testing.T) {
	hash := GenerateAdvertisementHash([]byte("payload"))
	assert.Len(t, hash, AdvertisementHashLength)
	assert.Equal(t, hash, GenerateAdvertisementHash([]byte("payload")))
	assert.NotEqual(t, hash, GenerateAdvertisementHash([]byte("other payload")))
}

func TestGenerateDeviceToken(t *testing.T) {
	token := GenerateDeviceToken()
	assert.Len(t, token, DeviceTokenLength)
}

func TestGenerateAdvertisementUUID(t *testing.T) {
	first, err := GenerateAdvertisementUUID(0)
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-3000-8000-000000000000", first.String())

	tenth, err := GenerateAdvertisementUUID(10)
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-3000-8000-00000000000a", tenth.String())

	_, err = GenerateAdvertisementUUID(-1)
	assert.Error(t, err)
}

func TestCopresenceServiceUUID(t *testing.T) {
	assert.Equal(t, "0000fef3-0000-1000-8000-00805f9b34fb", CopresenceServiceUUID.String())
}
