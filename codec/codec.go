// Package codec is the binary encoding used for everything dstate persists:
// states, deltas and the snapshot record. Values are msgpack; decoding into
// an interface yields a normalized tree of map[string]any, []any, int64,
// uint64, float64, string, bool, []byte and nil.
//
// msgpack does not keep the signedness of a non-negative integer (a Go int
// of 456 goes on the wire as uint16), so every integer that fits comes back
// as int64. Only unsigned values above math.MaxInt64 stay uint64.
package codec

import (
	"bytes"
	"math"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "codec: marshal")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into out, which must be a pointer.
func Unmarshal(data []byte, out any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	dec.SetMapDecoder(decodeMap)
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, "codec: unmarshal")
	}
	return nil
}

// Decode returns the normalized generic value held in data.
func Decode(data []byte) (v any, err error) {
	if err = Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// Clone returns a structurally independent, normalized copy of v.
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// msgpack maps with non-string keys would otherwise decode into
// map[any]any, which the delta engine does not walk.
func decodeMap(dec *msgpack.Decoder) (any, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	m := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, err
		}
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, err
		}
		m[keyString(k)] = v
	}
	return m, nil
}

// normalize rewrites, in place, unsigned integers that fit into int64.
func normalize(v any) any {
	switch t := v.(type) {
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
	}
	return v
}
