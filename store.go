// Package dstate keeps one structured document and its version history in
// a pebble database.
//
// Every Commit stores the structural delta from the previous state under a
// numbered slot and rewrites a snapshot record holding the whole current
// state. Rollback walks the slots backwards, undoing and deleting deltas;
// Prune drops old slots to reclaim space. All of it goes through atomic
// batches and the in-memory copy of the state changes only after a batch
// has been committed.
//
// A Store serves its operations one at a time, in arrival order, from a
// single goroutine that first loads the snapshot record. Operations issued
// while loading simply wait in the queue.
package dstate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/dstate/codec"
	"github.com/drpcorg/dstate/delta"
	"github.com/drpcorg/dstate/dstate_errors"
	"github.com/drpcorg/dstate/utils"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NoIndex is what Index reports before the first commit.
const NoIndex int64 = -1

var (
	ErrNoDatabase     = dstate_errors.ErrNoDatabase
	ErrClosed         = dstate_errors.ErrClosed
	ErrInvalidTarget  = dstate_errors.ErrInvalidTarget
	ErrHistoryMissing = dstate_errors.ErrHistoryMissing
	ErrCorruptRecord  = dstate_errors.ErrCorruptRecord
	ErrConflict       = dstate_errors.ErrConflict
	ErrForeignTxn     = dstate_errors.ErrForeignTxn
	ErrQueueFull      = dstate_errors.ErrQueueFull
)

// IsNotFound tells whether err was caused by history that is no longer in
// the database (pruned or never written).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHistoryMissing)
}

type view struct {
	state any
	next  uint32
	// published next the chain of staged views started from
	base uint32
	// slots written or deleted while producing this view
	touched []uint32
}

const (
	reqPending int32 = iota
	reqRunning
	reqCanceled
)

type result struct {
	val any
	err error
}

type request struct {
	op      string
	ctx     context.Context
	tx      *Txn
	mutates bool
	exec    func(ctx context.Context, tx *Txn) (any, error)
	state   atomic.Int32
	done    chan result // nil for fire-and-forget requests
}

type Store struct {
	id       uuid.UUID
	db       *pebble.DB
	opts     Options
	log      utils.Logger
	stateKey []byte

	// commitLock makes checking, committing and publishing a batch atomic
	// with respect to other batches touching this store
	commitLock sync.Mutex

	lock    sync.RWMutex
	cur     view
	gen     uint64 // bumped by every publish
	history *lru.Cache[uint32, *delta.Delta]

	reqs      chan *request
	errs      chan error
	ready     chan struct{}
	quit      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// New starts loading the snapshot record of the store in the background and
// returns immediately. Operations queue until the load is done; if it fails,
// the error is sent to Errors() and the store never becomes ready.
func New(db *pebble.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}
	opts.SetDefaults()
	history, err := lru.New[uint32, *delta.Delta](opts.HistoryCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		id:       uuid.Must(uuid.NewV7()),
		db:       db,
		opts:     opts,
		stateKey: StateKey(opts.Prefix),
		history:  history,
		reqs:     make(chan *request, opts.QueueLen),
		errs:     make(chan error, opts.ErrorBuffer),
		ready:    make(chan struct{}),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	s.log = opts.Logger.With("store", opts.Name, "id", s.id.String())
	go s.loop()
	return s, nil
}

func (s *Store) Name() string {
	return s.opts.Name
}

func (s *Store) ID() uuid.UUID {
	return s.id
}

func (s *Store) Database() *pebble.DB {
	return s.db
}

// NewTxn opens a transaction on the store's database with its write options.
func (s *Store) NewTxn() *Txn {
	return NewTxn(s.db, s.opts.WriteOptions)
}

// Ready is closed once the snapshot record has been loaded.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Errors delivers failures nobody else can receive: the initial load error
// and errors of the *Async operations.
func (s *Store) Errors() <-chan error {
	return s.errs
}

// Close stops the writer goroutine. Queued operations fail with ErrClosed.
// The pebble database is not closed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.exited
	return nil
}

// Commit makes state the new current state and returns its version index.
// state is copied before Commit returns.
func (s *Store) Commit(ctx context.Context, state any, opts ...OpOption) (int64, error) {
	req, err := s.commitRequest(state, opts)
	if err != nil {
		return NoIndex, err
	}
	val, err := s.do(ctx, req)
	if err != nil {
		return NoIndex, err
	}
	return val.(int64), nil
}

// CommitAsync is Commit without waiting; failures go to Errors().
func (s *Store) CommitAsync(state any, opts ...OpOption) {
	req, err := s.commitRequest(state, opts)
	if err != nil {
		s.report(err)
		return
	}
	s.submit(req)
}

// Rollback restores the state of version target, which must be below the
// current one, and discards the history after it.
func (s *Store) Rollback(ctx context.Context, target int64, opts ...OpOption) (any, error) {
	val, err := s.do(ctx, s.rollbackRequest(target, opts))
	if err != nil {
		return nil, err
	}
	return codec.Clone(val)
}

func (s *Store) RollbackAsync(target int64, opts ...OpOption) {
	s.submit(s.rollbackRequest(target, opts))
}

// Prune deletes the deltas of versions upTo and below. The current state and
// index are unchanged, but those versions can no longer be rolled back to.
func (s *Store) Prune(ctx context.Context, upTo int64, opts ...OpOption) error {
	_, err := s.do(ctx, s.pruneRequest(upTo, opts))
	return err
}

func (s *Store) PruneAsync(upTo int64, opts ...OpOption) {
	s.submit(s.pruneRequest(upTo, opts))
}

// State returns a copy of the current state, nil before the first commit.
func (s *Store) State(ctx context.Context) (any, error) {
	val, err := s.do(ctx, &request{op: "state", exec: func(context.Context, *Txn) (any, error) {
		return s.current().state, nil
	}})
	if err != nil {
		return nil, err
	}
	return codec.Clone(val)
}

// Index returns the current version, NoIndex before the first commit.
func (s *Store) Index(ctx context.Context) (int64, error) {
	val, err := s.do(ctx, &request{op: "index", exec: func(context.Context, *Txn) (any, error) {
		return int64(s.current().next) - 1, nil
	}})
	if err != nil {
		return NoIndex, err
	}
	return val.(int64), nil
}

func (s *Store) commitRequest(state any, opts []OpOption) (*request, error) {
	captured, err := codec.Clone(state)
	if err != nil {
		return nil, err
	}
	cfg := newOpConfig(opts)
	return &request{op: "commit", tx: cfg.tx, mutates: true, exec: func(ctx context.Context, tx *Txn) (any, error) {
		return s.commit(ctx, tx, captured)
	}}, nil
}

func (s *Store) rollbackRequest(target int64, opts []OpOption) *request {
	cfg := newOpConfig(opts)
	return &request{op: "rollback", tx: cfg.tx, mutates: true, exec: func(ctx context.Context, tx *Txn) (any, error) {
		return s.rollback(ctx, tx, target)
	}}
}

func (s *Store) pruneRequest(upTo int64, opts []OpOption) *request {
	cfg := newOpConfig(opts)
	return &request{op: "prune", tx: cfg.tx, mutates: true, exec: func(ctx context.Context, tx *Txn) (any, error) {
		return nil, s.prune(ctx, tx, upTo)
	}}
}

func (s *Store) commit(ctx context.Context, tx *Txn, state any) (any, error) {
	base := s.base(tx)
	if base.next == math.MaxUint32 {
		return nil, dstate_errors.ErrIndexOverflow
	}
	data, err := codec.Marshal(delta.Diff(base.state, state))
	if err != nil {
		return nil, err
	}
	if err = tx.Set(SlotKey(s.opts.Prefix, base.next), data); err != nil {
		return nil, errors.Wrapf(err, "dstate: write slot %d", base.next)
	}
	if err = s.writeRecord(tx, state, base.next+1); err != nil {
		return nil, err
	}
	tx.stage(s, &view{state: state, next: base.next + 1, base: base.base, touched: []uint32{base.next}})
	s.log.DebugCtx(ctx, "commit staged", "index", base.next)
	return int64(base.next), nil
}

func (s *Store) rollback(ctx context.Context, tx *Txn, target int64) (any, error) {
	base := s.base(tx)
	if err := s.checkTarget(base, target); err != nil {
		return nil, err
	}
	// the target's own slot must still be there: pruning up to a version
	// forbids rolling back to it
	if _, ok, err := tx.Get(SlotKey(s.opts.Prefix, uint32(target))); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %d", ErrHistoryMissing, target)
	}
	state := base.state
	touched := make([]uint32, 0, int64(base.next)-1-target)
	for slot := base.next - 1; int64(slot) > target; slot-- {
		d, ok, err := s.readDelta(tx.batch, slot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrHistoryMissing, slot)
		}
		if state, err = delta.Unpatch(state, d); err != nil {
			return nil, errors.Wrapf(err, "dstate: undo slot %d", slot)
		}
		if err = tx.Delete(SlotKey(s.opts.Prefix, slot)); err != nil {
			return nil, errors.Wrapf(err, "dstate: delete slot %d", slot)
		}
		touched = append(touched, slot)
	}
	next := uint32(target) + 1
	if err := s.writeRecord(tx, state, next); err != nil {
		return nil, err
	}
	tx.stage(s, &view{state: state, next: next, base: base.base, touched: touched})
	SlotsDeleted.WithLabelValues(s.opts.Name, "rollback").Add(float64(len(touched)))
	s.log.DebugCtx(ctx, "rollback staged", "index", target, "undone", len(touched))
	return state, nil
}

func (s *Store) prune(ctx context.Context, tx *Txn, upTo int64) error {
	base := s.base(tx)
	if err := s.checkTarget(base, upTo); err != nil {
		return err
	}
	var touched []uint32
	for slot := uint32(upTo); ; slot-- {
		_, ok, err := tx.Get(SlotKey(s.opts.Prefix, slot))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err = tx.Delete(SlotKey(s.opts.Prefix, slot)); err != nil {
			return errors.Wrapf(err, "dstate: delete slot %d", slot)
		}
		touched = append(touched, slot)
		if slot == 0 {
			break
		}
	}
	tx.stage(s, &view{state: base.state, next: base.next, base: base.base, touched: touched})
	SlotsDeleted.WithLabelValues(s.opts.Name, "prune").Add(float64(len(touched)))
	s.log.DebugCtx(ctx, "prune staged", "index", upTo, "deleted", len(touched))
	return nil
}

func (s *Store) checkTarget(base *view, target int64) error {
	current := int64(base.next) - 1
	if target >= current {
		return fmt.Errorf("%w (%d)", ErrInvalidTarget, current)
	}
	if target < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidTarget, target)
	}
	return nil
}

func (s *Store) writeRecord(tx *Txn, state any, next uint32) error {
	rec, err := encodeRecord(state, next)
	if err != nil {
		return err
	}
	return errors.Wrap(tx.Set(s.stateKey, rec), "dstate: write snapshot record")
}

func (s *Store) readDelta(r pebble.Reader, slot uint32) (d *delta.Delta, ok bool, err error) {
	data, ok, err := get(r, SlotKey(s.opts.Prefix, slot))
	if err != nil || !ok {
		return nil, ok, err
	}
	if err = codec.Unmarshal(data, &d); err != nil {
		return nil, true, errors.Wrapf(err, "dstate: slot %d", slot)
	}
	return d, true, nil
}

// base is the state an operation in tx builds on: whatever an earlier
// operation of the same transaction staged, else the published state.
func (s *Store) base(tx *Txn) *view {
	if v, ok := tx.view(s); ok {
		return v
	}
	cur := s.current()
	return &view{state: cur.state, next: cur.next, base: cur.next}
}

func (s *Store) current() view {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.cur
}

// publish runs after the batch carrying v has been committed.
func (s *Store) publish(v *view) {
	s.lock.Lock()
	s.cur = view{state: v.state, next: v.next}
	s.gen++
	for _, slot := range v.touched {
		s.history.Remove(slot)
	}
	s.lock.Unlock()
	CurrentIndex.WithLabelValues(s.opts.Name).Set(float64(int64(v.next) - 1))
}

func (s *Store) load() error {
	data, ok, err := get(s.db, s.stateKey)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("no snapshot record, starting empty")
		return nil
	}
	state, next, err := decodeRecord(data)
	if err != nil {
		return err
	}
	s.publish(&view{state: state, next: next})
	s.log.Info("snapshot record loaded", "index", int64(next)-1)
	return nil
}

func (s *Store) loop() {
	defer close(s.exited)
	if err := s.load(); err != nil {
		s.report(errors.Wrap(err, "dstate: load snapshot record"))
		<-s.quit
		s.drain()
		return
	}
	close(s.ready)
	for {
		select {
		case req := <-s.reqs:
			s.serve(req)
		case <-s.quit:
			s.drain()
			return
		}
	}
}

func (s *Store) drain() {
	for {
		select {
		case req := <-s.reqs:
			s.finish(req, result{err: ErrClosed}, reqPending)
		default:
			return
		}
	}
}

func (s *Store) serve(req *request) {
	if !req.state.CompareAndSwap(reqPending, reqRunning) {
		return
	}
	start := time.Now()
	ctx, span := s.opts.Tracer.Start(req.ctx, "dstate."+req.op,
		trace.WithAttributes(attribute.String("dstate.store", s.opts.Name)))
	val, err := s.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		OpCount.WithLabelValues(s.opts.Name, req.op, "error").Inc()
		if req.done != nil {
			s.log.DebugCtx(ctx, "operation failed", "op", req.op, "err", err)
		}
	} else {
		OpCount.WithLabelValues(s.opts.Name, req.op, "ok").Inc()
	}
	span.End()
	OpDuration.WithLabelValues(s.opts.Name, req.op).Observe(time.Since(start).Seconds())
	s.finish(req, result{val: val, err: err}, reqRunning)
}

func (s *Store) execute(ctx context.Context, req *request) (any, error) {
	if !req.mutates {
		return req.exec(ctx, nil)
	}
	if req.tx != nil {
		if req.tx.db != s.db {
			return nil, ErrForeignTxn
		}
		if err := req.tx.check(); err != nil {
			return nil, err
		}
		return req.exec(ctx, req.tx)
	}
	tx := s.NewTxn()
	val, err := req.exec(ctx, tx)
	if err != nil {
		_ = tx.Discard()
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return val, nil
}

func (s *Store) finish(req *request, res result, from int32) {
	if from == reqPending && !req.state.CompareAndSwap(reqPending, reqCanceled) {
		return
	}
	if req.done != nil {
		req.done <- res
	} else if res.err != nil {
		s.report(errors.Wrapf(res.err, "dstate: %s", req.op))
	}
}

func (s *Store) do(ctx context.Context, req *request) (any, error) {
	req.ctx = ctx
	req.done = make(chan result, 1)
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, ErrClosed
	}
	var res result
	select {
	case res = <-req.done:
	case <-ctx.Done():
		if req.state.CompareAndSwap(reqPending, reqCanceled) {
			return nil, ctx.Err()
		}
		res = <-req.done
	case <-s.exited:
		if req.state.CompareAndSwap(reqPending, reqCanceled) {
			return nil, ErrClosed
		}
		res = <-req.done
	}
	return res.val, res.err
}

// submit never blocks: with QueueLen operations already waiting the request
// is dropped and ErrQueueFull goes to Errors().
func (s *Store) submit(req *request) {
	req.ctx = context.Background()
	select {
	case s.reqs <- req:
	case <-s.quit:
		s.report(errors.Wrapf(ErrClosed, "dstate: %s", req.op))
	default:
		s.report(errors.Wrapf(ErrQueueFull, "dstate: %s", req.op))
	}
}

func (s *Store) report(err error) {
	s.log.Error("operation failed", "err", err)
	select {
	case s.errs <- err:
	default:
		s.log.Warn("error channel is full, dropping error", "err", err)
	}
}
