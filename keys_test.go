package dstate

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 1}, SlotKey(nil, 1))
	assert.Equal(t, []byte{'p', '/', 0, 0, 1, 0}, SlotKey([]byte("p/"), 256))
	assert.Equal(t, []byte("p/state"), StateKey([]byte("p/")))

	// big-endian keys sort numerically
	assert.Equal(t, -1, bytes.Compare(SlotKey(nil, 255), SlotKey(nil, 256)))

	slot, ok := SlotFromKey([]byte("p/"), SlotKey([]byte("p/"), 77))
	assert.True(t, ok)
	assert.EqualValues(t, 77, slot)

	_, ok = SlotFromKey([]byte("p/"), StateKey([]byte("p/")))
	assert.False(t, ok)
	_, ok = SlotFromKey([]byte("p/"), SlotKey([]byte("q/"), 77))
	assert.False(t, ok)
}

func TestRecord(t *testing.T) {
	data, err := encodeRecord(map[string]any{"abc": 123}, 4)
	require.NoError(t, err)

	state, next, err := decodeRecord(data)
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"abc": int64(123)}, state)
	assert.EqualValues(t, 4, next)

	data[len(data)-1] ^= 1
	_, _, err = decodeRecord(data)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, _, err = decodeRecord([]byte{0xc1})
	assert.Error(t, err)
}
