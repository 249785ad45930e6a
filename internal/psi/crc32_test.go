package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32_EmptyInput(t *testing.T) {
	assert.Equal(t, uint32(0xFFFFFFFF), CRC32(nil))
}

func TestCRC32_KnownVector(t *testing.T) {
	// "123456789" is the standard CRC self-check string; this polynomial
	// and seed combination (CRC-32/MPEG-2) is specified to yield 0x0376E6E7.
	got := CRC32([]byte("123456789"))
	assert.Equal(t, uint32(0x0376E6E7), got)
}

func TestCRC32_Deterministic(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, CRC32(data), CRC32(data))
}
