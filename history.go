package dstate

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/dstate/codec"
	"github.com/drpcorg/dstate/delta"
	"github.com/pkg/errors"
)

// StateAt reconstructs the state of an earlier version without changing
// anything. Versions reachable by Rollback are reachable here, plus the
// current one.
func (s *Store) StateAt(ctx context.Context, version int64) (any, error) {
	val, err := s.do(ctx, &request{op: "state_at", exec: func(ctx context.Context, _ *Txn) (any, error) {
		return s.stateAt(ctx, version)
	}})
	if err != nil {
		return nil, err
	}
	return codec.Clone(val)
}

// Oldest returns the lowest version Rollback can still reach, NoIndex if
// there is none.
func (s *Store) Oldest(ctx context.Context) (int64, error) {
	val, err := s.do(ctx, &request{op: "oldest", exec: func(context.Context, *Txn) (any, error) {
		return s.oldest(s.db)
	}})
	if err != nil {
		return NoIndex, err
	}
	return val.(int64), nil
}

func (s *Store) stateAt(ctx context.Context, version int64) (any, error) {
	// the snapshot and the published view must describe the same batch
	s.commitLock.Lock()
	cur, gen := s.generation()
	snap := s.db.NewSnapshot()
	s.commitLock.Unlock()
	defer snap.Close()

	current := int64(cur.next) - 1
	if version == current && version >= 0 {
		return cur.state, nil
	}
	if err := s.checkTarget(&cur, version); err != nil {
		return nil, err
	}
	if _, ok, err := get(snap, SlotKey(s.opts.Prefix, uint32(version))); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %d", ErrHistoryMissing, version)
	}
	state := cur.state
	for slot := cur.next - 1; int64(slot) > version; slot-- {
		d, err := s.cachedDelta(snap, gen, slot)
		if err != nil {
			return nil, err
		}
		if state, err = delta.Unpatch(state, d); err != nil {
			return nil, errors.Wrapf(err, "dstate: undo slot %d", slot)
		}
	}
	s.log.DebugCtx(ctx, "state reconstructed", "index", version, "from", current)
	return state, nil
}

func (s *Store) generation() (view, uint64) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.cur, s.gen
}

// cachedDelta reads slot as of the snapshot r taken at generation gen. Once
// another version is published the cache is neither read nor filled.
func (s *Store) cachedDelta(r pebble.Reader, gen uint64, slot uint32) (*delta.Delta, error) {
	s.lock.RLock()
	d, ok := s.history.Get(slot)
	ok = ok && s.gen == gen
	s.lock.RUnlock()
	if ok {
		return d, nil
	}
	d, ok, err := s.readDelta(r, slot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrHistoryMissing, slot)
	}
	s.lock.Lock()
	if s.gen == gen {
		s.history.Add(slot, d)
	}
	s.lock.Unlock()
	return d, nil
}

func (s *Store) oldest(r pebble.Reader) (int64, error) {
	lower, upper := slotRange(s.opts.Prefix)
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return NoIndex, err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if slot, ok := SlotFromKey(s.opts.Prefix, it.Key()); ok {
			return int64(slot), nil
		}
	}
	return NoIndex, it.Error()
}
