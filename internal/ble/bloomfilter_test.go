package ble

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomFilter_AddAndQuery(t *testing.T) {
	filter := NewBloomFilter()
	assert.False(t, filter.PossiblyContains("com.example.service"))

	filter.Add("com.example.service")
	assert.True(t, filter.PossiblyContains("com.example.service"))
}

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	filter := NewBloomFilter()
	for i := 0; i < 10; i++ {
		filter.Add(fmt.Sprintf("com.example.service.%d", i))
	}
	for i := 0; i < 10; i++ {
		assert.True(t, filter.PossiblyContains(fmt.Sprintf("com.example.service.%d", i)))
	}
}

func TestBloomFilter_EmptyMatchesNothing(t *testing.T) {
	filter := NewBloomFilter()
	for i := 0; i < 100; i++ {
		assert.False(t, filter.PossiblyContains(fmt.Sprintf("service-%d", i)))
	}
}

func TestBloomFilter_BytesRoundTrip(t *testing.T) {
	filter := NewBloomFilter()
	filter.Add("com.example.service")

	raw := filter.Bytes()
	assert.Len(t, raw, BloomFilterByteLength)

	restored := NewBloomFilterFromBytes(raw)
	assert.True(t, restored.PossiblyContains("com.example.service"))
	assert.Equal(t, raw, restored.Bytes())
}

func TestNewBloomFilterFromBytes_WrongLengthYieldsEmpty(t *testing.T) {
	filter := NewBloomFilterFromBytes([]byte{0xFF, 0xFF})
	assert.Equal(t, make([]byte, BloomFilterByteLength), filter.Bytes())
}

func TestBloomFilter_BytesAreCopies(t *testing.T) {
	filter := NewBloomFilter()
	raw := filter.Bytes()
	raw[0] = 0xFF
	assert.Equal(t, make([]byte, BloomFilterByteLength), filter.Bytes())
}
