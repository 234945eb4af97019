// Package transaction implements a goroutine-confined transaction over a
// storage engine session, with lifecycle events for failed begins, failed
// commits and rollbacks.
package transaction

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonutils "github.com/sushant-115/gojounit/internal/common_utils"
)

// State represents the lifecycle position of a Transaction.
type State int

const (
	StateIdle       State = iota // Not begun, or begin failed
	StateActive                  // Begun; statements may run
	StateCommitted               // Terminal
	StateRolledBack              // Terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolledback"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCommitted || s == StateRolledBack }

// Transaction is one unit of work bound to the goroutine that began it.
// Every method except State, Owner and ID must be called from that goroutine
// once the transaction is active.
type Transaction struct {
	ID uuid.UUID

	mu       sync.Mutex
	state    State
	owner    int64
	source   EngineSource
	engine   Engine
	handler  EventHandler
	registry Registry
	recorder Recorder
	logger   *zap.Logger
}

// Option configures a Transaction.
type Option func(*Transaction)

// WithEventHandler sets the observer for lifecycle events.
func WithEventHandler(h EventHandler) Option {
	return func(t *Transaction) { t.handler = h }
}

// WithRegistry binds the transaction into a per-goroutine registry.
func WithRegistry(r Registry) Option {
	return func(t *Transaction) { t.registry = r }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(t *Transaction) { t.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transaction) { t.logger = l }
}

// New creates an idle transaction. The engine session is opened on Begin.
func New(source EngineSource, opts ...Option) *Transaction {
	t := &Transaction{
		ID:     uuid.New(),
		source: source,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("txn_id", t.ID.String()))
	return t
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Owner returns the goroutine id that began the transaction, or 0 when idle.
func (t *Transaction) Owner() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// report delivers events after the lock is released so that a handler may
// inspect the transaction.
func (t *Transaction) report(events *[]Event) {
	for _, ev := range *events {
		if t.recorder != nil {
			t.recorder.Event(ev)
		}
		t.handler.Deliver(ev)
	}
}

// Begin starts the native transaction and binds it to the calling goroutine.
// On failure the transaction keeps its state and EventBeginFailed is
// reported. A begin from a goroutine other than the owner of a begun
// transaction fails with ErrCrossThread and reports nothing.
func (t *Transaction) Begin() error {
	gid := commonutils.GoID()
	var events []Event
	defer t.report(&events)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateIdle {
		if t.owner != gid {
			return fmt.Errorf("%w: begin from goroutine %d, owner is %d", ErrCrossThread, gid, t.owner)
		}
		events = append(events, EventBeginFailed)
		return fmt.Errorf("%w: begin on %s transaction", ErrInvalidState, t.state)
	}
	if t.registry != nil {
		if err := t.registry.Acquire(gid, t); err != nil {
			events = append(events, EventBeginFailed)
			return err
		}
	}

	eng, err := t.source()
	if err != nil {
		t.releaseSlot(gid)
		events = append(events, EventBeginFailed)
		return fmt.Errorf("%w: open session: %w", ErrEngineFailure, err)
	}
	if err := eng.Begin(); err != nil {
		if cerr := eng.Close(); cerr != nil {
			t.logger.Warn("Failed to close session after begin failure", zap.Error(cerr))
		}
		t.releaseSlot(gid)
		events = append(events, EventBeginFailed)
		return fmt.Errorf("%w: begin: %w", ErrEngineFailure, err)
	}

	t.engine = eng
	t.owner = gid
	t.state = StateActive
	if t.recorder != nil {
		t.recorder.Began()
	}
	t.logger.Debug("Transaction begun", zap.Int64("goroutine", gid))
	return nil
}

// checkActive must be called with t.mu held. A call from a foreign goroutine
// is rejected before any state is consulted further.
func (t *Transaction) checkActive(gid int64, op string) error {
	if t.state == StateIdle {
		return fmt.Errorf("%w: %s before begin", ErrInvalidState, op)
	}
	if t.owner != gid {
		return fmt.Errorf("%w: %s from goroutine %d, owner is %d", ErrCrossThread, op, gid, t.owner)
	}
	if t.state != StateActive {
		return fmt.Errorf("%w: %s on %s transaction", ErrInvalidState, op, t.state)
	}
	return nil
}

// Commit commits the native transaction. If the engine refuses, the
// transaction is rolled back and ends rolled back; EventCommitFailed is
// followed by EventRollback or EventRollbackFailed.
func (t *Transaction) Commit() error {
	gid := commonutils.GoID()
	var events []Event
	defer t.report(&events)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkActive(gid, "commit"); err != nil {
		return err
	}
	err := t.engine.Commit()
	if err == nil {
		t.finish(StateCommitted)
		return nil
	}

	commitErr := fmt.Errorf("%w: commit: %w", ErrEngineFailure, err)
	events = append(events, EventCommitFailed)
	t.logger.Warn("Commit failed, rolling back", zap.Error(err))
	if rbErr := t.engine.Rollback(); rbErr != nil {
		events = append(events, EventRollbackFailed)
		t.finish(StateRolledBack)
		return errors.Join(commitErr, fmt.Errorf("%w: rollback: %w", ErrEngineFailure, rbErr))
	}
	events = append(events, EventRollback)
	t.finish(StateRolledBack)
	return commitErr
}

// Rollback rolls the native transaction back. The transaction ends rolled
// back even when the engine reports failure.
func (t *Transaction) Rollback() error {
	gid := commonutils.GoID()
	var events []Event
	defer t.report(&events)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkActive(gid, "rollback"); err != nil {
		return err
	}
	err := t.engine.Rollback()
	t.finish(StateRolledBack)
	if err != nil {
		events = append(events, EventRollbackFailed)
		return fmt.Errorf("%w: rollback: %w", ErrEngineFailure, err)
	}
	events = append(events, EventRollback)
	return nil
}

// Exec runs fn against the engine session. It is rejected unless the
// transaction is active and called from its owner goroutine.
func (t *Transaction) Exec(fn func(Engine) error) error {
	gid := commonutils.GoID()
	t.mu.Lock()
	if err := t.checkActive(gid, "exec"); err != nil {
		t.mu.Unlock()
		return err
	}
	eng := t.engine
	t.mu.Unlock()
	return fn(eng)
}

// finish must be called with t.mu held.
func (t *Transaction) finish(state State) {
	t.state = state
	if err := t.engine.Close(); err != nil {
		t.logger.Warn("Failed to close engine session", zap.Error(err))
	}
	t.engine = nil
	t.releaseSlot(t.owner)
	if t.recorder != nil {
		t.recorder.Finished(state)
	}
	t.logger.Debug("Transaction finished", zap.String("state", state.String()))
}

func (t *Transaction) releaseSlot(gid int64) {
	if t.registry != nil {
		t.registry.Release(gid, t)
	}
}
