package dstate

import (
	"encoding/binary"
	"math"
)

// Slot keys are the store prefix followed by a 4-byte big-endian slot
// number, so pebble keeps the delta chain in order. The snapshot record
// lives under prefix+"state", which never has the length of a slot key.
const SlotKeyLen = 4

var stateSuffix = []byte("state")

func SlotKey(prefix []byte, slot uint32) []byte {
	key := make([]byte, 0, len(prefix)+SlotKeyLen)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint32(key, slot)
}

func StateKey(prefix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(stateSuffix))
	key = append(key, prefix...)
	return append(key, stateSuffix...)
}

// SlotFromKey returns ok=false for keys that are not slot keys of prefix.
func SlotFromKey(prefix, key []byte) (slot uint32, ok bool) {
	if len(key) != len(prefix)+SlotKeyLen || string(key[:len(prefix)]) != string(prefix) {
		return 0, false
	}
	return binary.BigEndian.Uint32(key[len(prefix):]), true
}

// slotRange bounds an iterator to the slot keys of prefix (plus, possibly,
// a few same-prefix keys of other lengths that SlotFromKey filters out).
func slotRange(prefix []byte) (lower, upper []byte) {
	lower = SlotKey(prefix, 0)
	upper = append(SlotKey(prefix, math.MaxUint32), 0)
	return
}
