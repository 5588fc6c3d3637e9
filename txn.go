package dstate

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/dstate/dstate_errors"
	"github.com/pkg/errors"
)

// Txn is an atomic multi-key write over a pebble indexed batch. Reads see
// the transaction's own writes. Stores that take part in a Txn stage their
// new state in it and only publish it once the batch is committed.
type Txn struct {
	db    *pebble.DB
	batch *pebble.Batch
	wo    *pebble.WriteOptions

	lock  sync.Mutex
	done  bool
	hooks []func()
	views map[*Store]*view
}

func NewTxn(db *pebble.DB, wo *pebble.WriteOptions) *Txn {
	if wo == nil {
		wo = &WriteOptions
	}
	return &Txn{
		db:    db,
		batch: db.NewIndexedBatch(),
		wo:    wo,
		views: make(map[*Store]*view),
	}
}

// Batch exposes the underlying batch so that callers can add their own
// writes to the same atomic commit.
func (tx *Txn) Batch() *pebble.Batch {
	return tx.batch
}

// Get returns a copy of the value; ok is false if the key does not exist.
func (tx *Txn) Get(key []byte) (value []byte, ok bool, err error) {
	if err = tx.check(); err != nil {
		return
	}
	return get(tx.batch, key)
}

func (tx *Txn) Set(key, value []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.batch.Set(key, value, tx.wo)
}

func (tx *Txn) Delete(key []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.batch.Delete(key, tx.wo)
}

// OnCommit registers f to run after a successful Commit, in registration
// order.
func (tx *Txn) OnCommit(f func()) {
	tx.lock.Lock()
	tx.hooks = append(tx.hooks, f)
	tx.lock.Unlock()
}

// Commit applies every write at once. It fails with ErrConflict, applying
// nothing, if a store staged in tx has published another version since tx
// first read it. On failure no hook runs; either way the Txn is finished.
func (tx *Txn) Commit() error {
	tx.lock.Lock()
	if tx.done {
		tx.lock.Unlock()
		return dstate_errors.ErrTxnDone
	}
	tx.done = true
	hooks := tx.hooks
	stores := make([]*Store, 0, len(tx.views))
	for s := range tx.views {
		stores = append(stores, s)
	}
	tx.lock.Unlock()

	if err := tx.apply(stores); err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// apply commits the batch and publishes the staged views while holding the
// commit lock of every store involved, in id order.
func (tx *Txn) apply(stores []*Store) error {
	defer tx.batch.Close()
	slices.SortFunc(stores, func(a, b *Store) int {
		return bytes.Compare(a.id[:], b.id[:])
	})
	for _, s := range stores {
		s.commitLock.Lock()
		defer s.commitLock.Unlock()
	}
	for _, s := range stores {
		v, _ := tx.view(s)
		if cur := s.current(); cur.next != v.base {
			return fmt.Errorf("%w: %s is at index %d, transaction built on %d",
				dstate_errors.ErrConflict, s.opts.Name, int64(cur.next)-1, int64(v.base)-1)
		}
	}
	if err := tx.batch.Commit(tx.wo); err != nil {
		return errors.Wrap(err, "dstate: transaction commit")
	}
	for _, s := range stores {
		v, _ := tx.view(s)
		s.publish(v)
	}
	return nil
}

// Discard drops all writes. Discarding a finished Txn is a no-op.
func (tx *Txn) Discard() error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.batch.Close()
}

func (tx *Txn) check() error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.done {
		return dstate_errors.ErrTxnDone
	}
	return nil
}

func (tx *Txn) view(s *Store) (*view, bool) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	v, ok := tx.views[s]
	return v, ok
}

// stage records the store's state as of this transaction.
func (tx *Txn) stage(s *Store, v *view) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if prev, seen := tx.views[s]; seen {
		v.touched = append(prev.touched, v.touched...)
	}
	tx.views[s] = v
}

func get(r pebble.Reader, key []byte) (value []byte, ok bool, err error) {
	val, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value = append([]byte(nil), val...)
	_ = closer.Close()
	return value, true, nil
}
