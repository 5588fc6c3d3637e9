package dstate

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	testutils "github.com/drpcorg/dstate/test_utils"
	"github.com/drpcorg/dstate/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(name string) Options {
	return Options{
		Name:   name,
		Logger: utils.NewDefaultLogger(slog.LevelError),
	}
}

func newTestStore(t *testing.T, name string) (*Store, *pebble.DB) {
	db := testutils.OpenMemDB(t)
	s, err := New(db, testOptions(name))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, db
}

func assertState(t *testing.T, s *Store, state any, index int64) {
	t.Helper()
	ctx := context.Background()
	actual, err := s.State(ctx)
	assert.NoError(t, err)
	assert.Equal(t, state, actual)
	idx, err := s.Index(ctx)
	assert.NoError(t, err)
	assert.Equal(t, index, idx)
}

func TestStore_New(t *testing.T) {
	s, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoDatabase)
	assert.Nil(t, s)
	assert.Equal(t, `dstate: "db" argument is required`, err.Error())

	s, _ = newTestStore(t, "new")
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("store never became ready")
	}
	assertState(t, s, nil, NoIndex)
}

func TestStore_SimpleUsage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, "simple")

	idx, err := s.Commit(ctx, map[string]any{"abc": 123})
	assert.NoError(t, err)
	assert.EqualValues(t, 0, idx)
	assertState(t, s, map[string]any{"abc": int64(123)}, 0)

	idx, err = s.Commit(ctx, map[string]any{"abc": 456})
	assert.NoError(t, err)
	assert.EqualValues(t, 1, idx)
	assertState(t, s, map[string]any{"abc": int64(456)}, 1)

	idx, err = s.Commit(ctx, 100)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, idx)
	assertState(t, s, int64(100), 2)

	// no dedup for an unchanged state
	idx, err = s.Commit(ctx, 100)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, idx)
	assertState(t, s, int64(100), 3)

	s.CommitAsync(map[string]any{"foo": "bar"})
	assertState(t, s, map[string]any{"foo": "bar"}, 4)

	state, err := s.Rollback(ctx, 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), state)
	assertState(t, s, int64(100), 3)

	state, err = s.Rollback(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), state)
	assertState(t, s, int64(100), 2)

	state, err = s.Rollback(ctx, 20)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, "dstate: index must be less than current index (2)", err.Error())
	assert.Nil(t, state)
	assertState(t, s, int64(100), 2)

	state, err = s.Rollback(ctx, 2)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, "dstate: index must be less than current index (2)", err.Error())
	assert.Nil(t, state)
	assertState(t, s, int64(100), 2)

	state, err = s.Rollback(ctx, 0)
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"abc": int64(123)}, state)
	assertState(t, s, map[string]any{"abc": int64(123)}, 0)
}

func TestStore_RollbackEmpty(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, "rollback-empty")

	_, err := s.Rollback(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, "dstate: index must be less than current index (-1)", err.Error())

	_, err = s.Commit(ctx, "only")
	require.NoError(t, err)
	_, err = s.Rollback(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assertState(t, s, "only", 0)
}

func TestStore_StateIsACopy(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, "copy")

	input := map[string]any{"list": []any{"a"}}
	_, err := s.Commit(ctx, input)
	require.NoError(t, err)
	input["list"].([]any)[0] = "mutated input"

	state, err := s.State(ctx)
	require.NoError(t, err)
	state.(map[string]any)["list"].([]any)[0] = "mutated output"

	assertState(t, s, map[string]any{"list": []any{"a"}}, 0)
}

func TestStore_RollbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	states := []any{
		nil,
		map[string]any{"a": int64(1)},
		map[string]any{"a": int64(1), "b": []any{"x", "y"}},
		map[string]any{"b": []any{"x", "z"}, "c": map[string]any{"d": true}},
		[]any{int64(1), int64(2), int64(3)},
		"scalar",
		map[string]any{"c": map[string]any{"d": false, "e": 2.5}},
	}
	for k := 0; k < len(states)-1; k++ {
		s, _ := newTestStore(t, "roundtrip")
		for _, state := range states {
			_, err := s.Commit(ctx, state)
			require.NoError(t, err)
		}
		assertState(t, s, states[len(states)-1], int64(len(states)-1))

		state, err := s.Rollback(ctx, int64(k))
		require.NoError(t, err)
		assert.Equal(t, states[k], state)
		assertState(t, s, states[k], int64(k))

		// history keeps growing from the restored version
		idx, err := s.Commit(ctx, "after")
		require.NoError(t, err)
		assert.EqualValues(t, k+1, idx)
		state, err = s.Rollback(ctx, int64(k))
		require.NoError(t, err)
		assert.Equal(t, states[k], state)
	}
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t, "prune")
	for _, v := range []any{"v0", "v1", "v2", "v3"} {
		_, err := s.Commit(ctx, v)
		require.NoError(t, err)
	}

	err := s.Prune(ctx, 3)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, "dstate: index must be less than current index (3)", err.Error())

	assert.NoError(t, s.Prune(ctx, 1))
	assertState(t, s, "v3", 3)
	for _, slot := range []uint32{0, 1} {
		_, ok, err := get(db, SlotKey(nil, slot))
		assert.NoError(t, err)
		assert.False(t, ok)
	}

	// pruning again is fine, there is just nothing left to delete
	assert.NoError(t, s.Prune(ctx, 1))
	assert.NoError(t, s.Prune(ctx, 0))

	oldest, err := s.Oldest(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, oldest)

	_, err = s.Rollback(ctx, 1)
	assert.True(t, IsNotFound(err))
	_, err = s.Rollback(ctx, 0)
	assert.True(t, IsNotFound(err))
	assertState(t, s, "v3", 3)

	state, err := s.Rollback(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, "v2", state)
}

func TestStore_Reload(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t, "reload")
	for _, v := range []any{map[string]any{"n": int64(0)}, map[string]any{"n": int64(1)}, map[string]any{"n": int64(2)}} {
		_, err := s.Commit(ctx, v)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	_, err := s.Index(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := New(db, testOptions("reload"))
	require.NoError(t, err)
	defer reopened.Close()
	assertState(t, reopened, map[string]any{"n": int64(2)}, 2)

	idx, err := reopened.Commit(ctx, map[string]any{"n": int64(3)})
	assert.NoError(t, err)
	assert.EqualValues(t, 3, idx)

	state, err := reopened.Rollback(ctx, 0)
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(0)}, state)
}

func TestStore_LoadFailure(t *testing.T) {
	db := testutils.OpenMemDB(t)
	rec, err := encodeRecord("state", 1)
	require.NoError(t, err)
	rec[len(rec)-1] ^= 0xff // damage the checksum
	require.NoError(t, db.Set(StateKey(nil), rec, pebble.Sync))

	s, err := New(db, testOptions("broken"))
	require.NoError(t, err)

	select {
	case err = <-s.Errors():
		assert.ErrorIs(t, err, ErrCorruptRecord)
	case <-time.After(5 * time.Second):
		t.Fatal("no load error reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Index(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-s.Ready():
		t.Fatal("broken store must never become ready")
	default:
	}

	assert.NoError(t, s.Close())
	_, err = s.State(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_CommitFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, "commit-failure")
	_, err := s.Commit(ctx, "kept")
	require.NoError(t, err)

	_, err = s.Commit(ctx, map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
	assertState(t, s, "kept", 0)

	tx := s.NewTxn()
	require.NoError(t, tx.Discard())
	_, err = s.Commit(ctx, "lost", WithTxn(tx))
	assert.Error(t, err)
	assertState(t, s, "kept", 0)
}

func TestStore_AsyncErrors(t *testing.T) {
	s, _ := newTestStore(t, "async")
	s.RollbackAsync(5)
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, ErrInvalidTarget)
	case <-time.After(5 * time.Second):
		t.Fatal("async error was not reported")
	}

	s.PruneAsync(0)
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, ErrInvalidTarget)
	case <-time.After(5 * time.Second):
		t.Fatal("async error was not reported")
	}
}

func TestStore_ArrivalOrder(t *testing.T) {
	db := testutils.OpenMemDB(t)
	s, err := New(db, testOptions("order"))
	require.NoError(t, err)
	defer s.Close()

	// issued before the load is known to be done
	for i := 0; i < 100; i++ {
		s.CommitAsync(map[string]any{"i": i})
	}
	s.RollbackAsync(49)
	assertState(t, s, map[string]any{"i": int64(49)}, 49)
}

func TestStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, "concurrent")

	const writers, each = 8, 25
	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < each; i++ {
				if _, err := s.Commit(ctx, map[string]any{"w": w, "i": i}); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(w)
	}
	for w := 0; w < writers; w++ {
		assert.NoError(t, <-done)
	}

	idx, err := s.Index(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, writers*each-1, idx)

	// every delta was computed against its true predecessor, so the whole
	// chain unwinds cleanly
	state, err := s.Rollback(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, state, 2)
}

func TestStore_AsyncQueueFull(t *testing.T) {
	db := testutils.OpenMemDB(t)
	rec, err := encodeRecord("state", 1)
	require.NoError(t, err)
	rec[len(rec)-1] ^= 0xff
	require.NoError(t, db.Set(StateKey(nil), rec, pebble.Sync))

	opts := testOptions("queue-full")
	opts.QueueLen = 1
	s, err := New(db, opts)
	require.NoError(t, err)
	defer s.Close()

	select {
	case err = <-s.Errors():
		assert.ErrorIs(t, err, ErrCorruptRecord)
	case <-time.After(5 * time.Second):
		t.Fatal("no load error reported")
	}

	// nothing is ever served, so the second request finds the queue full
	// and must not block the caller
	s.CommitAsync("queued")
	s.CommitAsync("dropped")
	select {
	case err = <-s.Errors():
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(5 * time.Second):
		t.Fatal("full queue was not reported")
	}
}
