package transaction

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

type fakeEngine struct {
	beginErr    error
	commitErr   error
	rollbackErr error

	begins, commits, rollbacks, closes int
}

func (e *fakeEngine) Begin() error    { e.begins++; return e.beginErr }
func (e *fakeEngine) Commit() error   { e.commits++; return e.commitErr }
func (e *fakeEngine) Rollback() error { e.rollbacks++; return e.rollbackErr }
func (e *fakeEngine) Close() error    { e.closes++; return nil }

func sourceOf(e *fakeEngine) EngineSource {
	return func() (Engine, error) { return e, nil }
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handler() EventHandler {
	return func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	}
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

type mapRegistry struct {
	mu     sync.Mutex
	active map[int64]*Transaction
}

func newMapRegistry() *mapRegistry { return &mapRegistry{active: make(map[int64]*Transaction)} }

func (r *mapRegistry) Acquire(goid int64, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[goid]; ok {
		return fmt.Errorf("%w: nested transaction", ErrInvalidState)
	}
	r.active[goid] = tx
	return nil
}

func (r *mapRegistry) Release(goid int64, tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[goid] == tx {
		delete(r.active, goid)
	}
}

type countingRecorder struct {
	began    int
	finished map[State]int
	events   map[Event]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{finished: map[State]int{}, events: map[Event]int{}}
}

func (r *countingRecorder) Began()               { r.began++ }
func (r *countingRecorder) Finished(state State) { r.finished[state]++ }
func (r *countingRecorder) Event(ev Event)       { r.events[ev]++ }

func newTestTxn(t *testing.T, e *fakeEngine, log *eventLog, opts ...Option) *Transaction {
	t.Helper()
	opts = append(opts, WithEventHandler(log.handler()), WithLogger(zaptest.NewLogger(t)))
	return New(sourceOf(e), opts...)
}

// onOtherGoroutine runs fn on a fresh goroutine and waits for it.
func onOtherGoroutine(fn func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
	wg.Wait()
}

// --- State machine ---

func TestBeginCommit(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)

	require.Equal(t, StateIdle, tx.State())
	require.NoError(t, tx.Begin())
	require.Equal(t, StateActive, tx.State())
	require.NotZero(t, tx.Owner())

	require.NoError(t, tx.Commit())
	assert.Equal(t, StateCommitted, tx.State())
	assert.Empty(t, log.all())
	assert.Equal(t, 1, e.closes)
}

func TestBeginFailureStaysIdle(t *testing.T) {
	e := &fakeEngine{beginErr: errors.New("database is locked")}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)

	err := tx.Begin()
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.Equal(t, StateIdle, tx.State())
	assert.Equal(t, []Event{EventBeginFailed}, log.all())
	assert.Equal(t, 1, e.closes)

	e.beginErr = nil
	require.NoError(t, tx.Begin(), "idle transaction may begin again")
}

func TestBeginSessionFailure(t *testing.T) {
	log := &eventLog{}
	tx := New(func() (Engine, error) { return nil, errors.New("no connection") },
		WithEventHandler(log.handler()))

	require.ErrorIs(t, tx.Begin(), ErrEngineFailure)
	assert.Equal(t, []Event{EventBeginFailed}, log.all())
}

func TestCommitFailureRollsBack(t *testing.T) {
	e := &fakeEngine{commitErr: errors.New("disk full")}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)
	require.NoError(t, tx.Begin())

	err := tx.Commit()
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, []Event{EventCommitFailed, EventRollback}, log.all())
	assert.Equal(t, 1, e.rollbacks)
}

func TestCommitAndRollbackFailure(t *testing.T) {
	e := &fakeEngine{commitErr: errors.New("disk full"), rollbackErr: errors.New("io error")}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)
	require.NoError(t, tx.Begin())

	err := tx.Commit()
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, []Event{EventCommitFailed, EventRollbackFailed}, log.all())
}

func TestRollback(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)
	require.NoError(t, tx.Begin())

	require.NoError(t, tx.Rollback())
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, []Event{EventRollback}, log.all())
}

func TestRollbackFailureStillTerminal(t *testing.T) {
	e := &fakeEngine{rollbackErr: errors.New("io error")}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)
	require.NoError(t, tx.Begin())

	require.ErrorIs(t, tx.Rollback(), ErrEngineFailure)
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, []Event{EventRollbackFailed}, log.all())
}

func TestTerminalTransactionCannotBeReused(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Begin(), ErrInvalidState)
	require.ErrorIs(t, tx.Commit(), ErrInvalidState)
	require.ErrorIs(t, tx.Rollback(), ErrInvalidState)
	assert.Equal(t, 1, e.begins)
	assert.Equal(t, StateCommitted, tx.State())
	assert.Equal(t, []Event{EventBeginFailed}, log.all())
}

func TestCommitBeforeBegin(t *testing.T) {
	tx := newTestTxn(t, &fakeEngine{}, &eventLog{})
	require.ErrorIs(t, tx.Commit(), ErrInvalidState)
	require.ErrorIs(t, tx.Rollback(), ErrInvalidState)
}

func TestCrossThreadRejected(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)
	require.NoError(t, tx.Begin())

	var beginErr, commitErr, rollbackErr, execErr error
	onOtherGoroutine(func() {
		beginErr = tx.Begin()
		commitErr = tx.Commit()
		rollbackErr = tx.Rollback()
		execErr = tx.Exec(func(Engine) error { return nil })
	})
	require.ErrorIs(t, beginErr, ErrCrossThread)
	require.ErrorIs(t, commitErr, ErrCrossThread)
	require.ErrorIs(t, rollbackErr, ErrCrossThread)
	require.ErrorIs(t, execErr, ErrCrossThread)

	assert.Equal(t, StateActive, tx.State())
	assert.Zero(t, e.commits)
	assert.Zero(t, e.rollbacks)
	assert.Empty(t, log.all())

	require.NoError(t, tx.Commit())
}

func TestCrossThreadOnTerminalTransaction(t *testing.T) {
	tx := newTestTxn(t, &fakeEngine{}, &eventLog{})
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.Rollback())

	var err error
	onOtherGoroutine(func() { err = tx.Commit() })
	require.ErrorIs(t, err, ErrCrossThread)
	onOtherGoroutine(func() { err = tx.Begin() })
	require.ErrorIs(t, err, ErrCrossThread)
	assert.Equal(t, StateRolledBack, tx.State())
}

func TestExecRunsOnSession(t *testing.T) {
	e := &fakeEngine{}
	tx := newTestTxn(t, e, &eventLog{})
	require.ErrorIs(t, tx.Exec(func(Engine) error { return nil }), ErrInvalidState)

	require.NoError(t, tx.Begin())
	var got Engine
	require.NoError(t, tx.Exec(func(eng Engine) error {
		got = eng
		return nil
	}))
	assert.Same(t, e, got)

	boom := errors.New("constraint failed")
	require.ErrorIs(t, tx.Exec(func(Engine) error { return boom }), boom)
}

func TestEventHandlerMayInspectTransaction(t *testing.T) {
	e := &fakeEngine{}
	var seen State
	var tx *Transaction
	tx = New(sourceOf(e), WithEventHandler(func(Event) { seen = tx.State() }))
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.Rollback())
	assert.Equal(t, StateRolledBack, seen)
}

func TestRegistryRejectsNestedBegin(t *testing.T) {
	reg := newMapRegistry()
	outerLog, innerLog := &eventLog{}, &eventLog{}
	outer := newTestTxn(t, &fakeEngine{}, outerLog, WithRegistry(reg))
	inner := newTestTxn(t, &fakeEngine{}, innerLog, WithRegistry(reg))

	require.NoError(t, outer.Begin())
	require.ErrorIs(t, inner.Begin(), ErrInvalidState)
	assert.Equal(t, []Event{EventBeginFailed}, innerLog.all())
	assert.Equal(t, StateIdle, inner.State())

	// Another goroutine has its own slot.
	other := newTestTxn(t, &fakeEngine{}, &eventLog{}, WithRegistry(reg))
	var beginErr, commitErr error
	onOtherGoroutine(func() {
		beginErr = other.Begin()
		commitErr = other.Commit()
	})
	require.NoError(t, beginErr)
	require.NoError(t, commitErr)

	require.NoError(t, outer.Commit())
	require.NoError(t, inner.Begin())
	require.NoError(t, inner.Rollback())
	assert.Empty(t, reg.active)
}

func TestRecorder(t *testing.T) {
	rec := newCountingRecorder()
	e := &fakeEngine{commitErr: errors.New("busy")}
	tx := newTestTxn(t, e, &eventLog{}, WithRecorder(rec))
	require.NoError(t, tx.Begin())
	require.Error(t, tx.Commit())

	assert.Equal(t, 1, rec.began)
	assert.Equal(t, 1, rec.finished[StateRolledBack])
	assert.Equal(t, 1, rec.events[EventCommitFailed])
	assert.Equal(t, 1, rec.events[EventRollback])
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "rolledback", StateRolledBack.String())
	assert.True(t, StateCommitted.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.Equal(t, "commit_failed", EventCommitFailed.String())
	assert.Equal(t, "unknown", Event(0).String())
}
