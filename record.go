package dstate

import (
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/dstate/codec"
	"github.com/drpcorg/dstate/dstate_errors"
)

// record is the persisted snapshot: the encoded current state and the next
// slot to write. Sum guards the state bytes.
type record struct {
	State []byte `msgpack:"s"`
	Next  uint32 `msgpack:"n"`
	Sum   uint64 `msgpack:"h"`
}

func encodeRecord(state any, next uint32) ([]byte, error) {
	data, err := codec.Marshal(state)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(&record{State: data, Next: next, Sum: xxhash.Sum64(data)})
}

func decodeRecord(data []byte) (state any, next uint32, err error) {
	var rec record
	if err = codec.Unmarshal(data, &rec); err != nil {
		return
	}
	if sum := xxhash.Sum64(rec.State); sum != rec.Sum {
		err = fmt.Errorf("%w: %016x != %016x", dstate_errors.ErrCorruptRecord, sum, rec.Sum)
		return
	}
	state, err = codec.Decode(rec.State)
	return state, rec.Next, err
}
