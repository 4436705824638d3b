package goble

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortServiceID(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected uint16
		ok       bool
	}{
		{"copresence", "0000FEF3-0000-1000-8000-00805F9B34FB", 0xFEF3, true},
		{"heart rate", "0000180D-0000-1000-8000-00805F9B34FB", 0x180D, true},
		{"wrong tail", "0000FEF3-0000-1000-8000-000000000000", 0, false},
		{"wide head", "1234FEF3-0000-1000-8000-00805F9B34FB", 0, false},
		{"random uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := shortServiceID(uuid.MustParse(tt.uuid))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"16-bit", "fef3", "0000fef3-0000-1000-8000-00805f9b34fb"},
		{"16-bit uppercase", "FEF3", "0000fef3-0000-1000-8000-00805f9b34fb"},
		{"32-bit", "0000fef3", "0000fef3-0000-1000-8000-00805f9b34fb"},
		{"128-bit dashless", "0000fef300001000800000805f9b34fb", "0000fef3-0000-1000-8000-00805f9b34fb"},
		{"128-bit canonical", "0000fef3-0000-1000-8000-00805f9b34fb", "0000fef3-0000-1000-8000-00805f9b34fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := normalizeUUID(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u.String())
		})
	}
}

func TestNormalizeUUID_Rejections(t *testing.T) {
	for _, raw := range []string{"", "fe", "fef3aa", "not-a-uuid", "zzzz"} {
		_, err := normalizeUUID(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}
