package dstate

import (
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrBadName = errors.New("dstate: store name must be non-empty and must not contain '/'")

// Registry hosts several named stores in one pebble database, each one
// under the key prefix "<name>/".
type Registry struct {
	db     *pebble.DB
	opts   Options
	stores *xsync.MapOf[string, *Store]
}

// NewRegistry uses opts as the template for every store it opens; Name and
// Prefix are set per store.
func NewRegistry(db *pebble.DB, opts Options) (*Registry, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}
	return &Registry{
		db:     db,
		opts:   opts,
		stores: xsync.NewMapOf[string, *Store](),
	}, nil
}

// Open returns the store called name, starting it on first use.
func (r *Registry) Open(name string) (store *Store, err error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, ErrBadName
	}
	store, _ = r.stores.Compute(name, func(old *Store, loaded bool) (*Store, bool) {
		if loaded {
			return old, false
		}
		opts := r.opts
		opts.Name = name
		opts.Prefix = append([]byte(name), '/')
		var s *Store
		s, err = New(r.db, opts)
		return s, err != nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Get returns an already opened store.
func (r *Registry) Get(name string) (*Store, bool) {
	return r.stores.Load(name)
}

func (r *Registry) Names() (names []string) {
	r.stores.Range(func(name string, _ *Store) bool {
		names = append(names, name)
		return true
	})
	return
}

// Close closes every store; the database stays open.
func (r *Registry) Close() error {
	r.stores.Range(func(name string, s *Store) bool {
		_ = s.Close()
		r.stores.Delete(name)
		return true
	})
	return nil
}
