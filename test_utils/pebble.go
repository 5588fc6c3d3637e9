package testutils

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

// OpenMemDB opens a throwaway in-memory database, closed with the test.
func OpenMemDB(t testing.TB) *pebble.DB {
	return OpenFS(t, vfs.NewMem())
}

// OpenFS opens the database kept in fs; closing it and calling OpenFS again
// with the same fs reopens the same data.
func OpenFS(t testing.TB, fs vfs.FS) *pebble.DB {
	db, err := pebble.Open("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
