package transaction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CommitProducesNoEvents(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)

	committed, err := Run(tx, func(*Transaction) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Empty(t, log.all())
	assert.Equal(t, 1, e.commits)
}

func TestRun_FalseRollsBackWithOneEvent(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)

	committed, err := Run(tx, func(*Transaction) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, []Event{EventRollback}, log.all())
	assert.Zero(t, e.commits)
}

func TestRun_WorkErrorRollsBack(t *testing.T) {
	log := &eventLog{}
	tx := newTestTxn(t, &fakeEngine{}, log)
	boom := errors.New("insert failed")

	committed, err := Run(tx, func(*Transaction) (bool, error) { return true, boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, committed)
	assert.Equal(t, []Event{EventRollback}, log.all())
	assert.Equal(t, StateRolledBack, tx.State())
}

func TestRun_BeginFailureSkipsWork(t *testing.T) {
	log := &eventLog{}
	tx := newTestTxn(t, &fakeEngine{beginErr: errors.New("locked")}, log)

	called := false
	committed, err := Run(tx, func(*Transaction) (bool, error) {
		called = true
		return true, nil
	})
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.False(t, committed)
	assert.False(t, called)
	assert.Equal(t, []Event{EventBeginFailed}, log.all())
}

func TestRun_CommitFailure(t *testing.T) {
	log := &eventLog{}
	tx := newTestTxn(t, &fakeEngine{commitErr: errors.New("busy")}, log)

	committed, err := Run(tx, func(*Transaction) (bool, error) { return true, nil })
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.False(t, committed)
	assert.Equal(t, []Event{EventCommitFailed, EventRollback}, log.all())
}

func TestRun_RollbackFailure(t *testing.T) {
	log := &eventLog{}
	tx := newTestTxn(t, &fakeEngine{rollbackErr: errors.New("io")}, log)

	committed, err := Run(tx, func(*Transaction) (bool, error) { return false, nil })
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.False(t, committed)
	assert.Equal(t, []Event{EventRollbackFailed}, log.all())
}

func TestRun_PanicRollsBackAndRepanics(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = Run(tx, func(*Transaction) (bool, error) { panic("boom") })
	})
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, []Event{EventRollback}, log.all())
	assert.Equal(t, 1, e.rollbacks)
}

func TestRun_WorkEndsTransactionItself(t *testing.T) {
	tx := newTestTxn(t, &fakeEngine{}, &eventLog{})

	committed, err := Run(tx, func(tx *Transaction) (bool, error) {
		return false, tx.Commit()
	})
	require.NoError(t, err)
	assert.True(t, committed)

	boom := errors.New("audit write failed")
	tx = newTestTxn(t, &fakeEngine{}, &eventLog{})
	committed, err = Run(tx, func(tx *Transaction) (bool, error) {
		require.NoError(t, tx.Commit())
		return false, boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, committed)
	assert.Equal(t, StateCommitted, tx.State())
}

func TestRun_ReusedTransactionReportsBeginFailed(t *testing.T) {
	e := &fakeEngine{}
	log := &eventLog{}
	tx := newTestTxn(t, e, log)

	committed, err := Run(tx, func(*Transaction) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, committed)

	called := false
	committed, err = Run(tx, func(*Transaction) (bool, error) {
		called = true
		return true, nil
	})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, committed)
	assert.False(t, called)
	assert.Equal(t, []Event{EventBeginFailed}, log.all())
	assert.Equal(t, 1, e.begins)
}

func TestRun_NilHandlerDropsEvents(t *testing.T) {
	tx := New(sourceOf(&fakeEngine{}))
	committed, err := Run(tx, func(*Transaction) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.False(t, committed)
}
