package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RollUp_RoundTrip(t *testing.T) {
	raw := []byte{
		0x09, 0x04, 0x01, 0x02, 0x03, 0x04, // CA descriptor, 4 bytes
		0x48, 0x02, 0xAA, 0xBB, // service descriptor, 2 bytes
	}
	list, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint8(0x09), list[0].Tag)
	assert.Equal(t, uint8(0x48), list[1].Tag)

	assert.Equal(t, raw, RollUp(list))
}

func TestParse_EmptyInput(t *testing.T) {
	list, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestParse_TruncatedLength(t *testing.T) {
	_, err := Parse([]byte{0x09, 0x04, 0x01})
	require.Error(t, err)
}

func TestFind(t *testing.T) {
	list := []Descriptor{{Tag: 0x48, Data: []byte{1}}, {Tag: 0x09, Data: []byte{2}}}
	d, ok := Find(list, 0x09)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, d.Data)

	_, ok = Find(list, 0xFF)
	assert.False(t, ok)
}

func TestFilterOut(t *testing.T) {
	list := []Descriptor{{Tag: 0x50}, {Tag: 0x52}, {Tag: 0x48}}
	out := FilterOut(list, map[uint8]bool{0x50: true, 0x52: true})
	require.Len(t, out, 1)
	assert.Equal(t, uint8(0x48), out[0].Tag)
}
