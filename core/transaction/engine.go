package transaction

// Engine is one storage engine session able to run a native transaction.
// A session is used by exactly one Transaction and closed when it ends.
type Engine interface {
	Begin() error
	Commit() error
	Rollback() error
	Close() error
}

// EngineSource opens a fresh session for a transaction about to begin.
type EngineSource func() (Engine, error)

// Registry tracks which goroutine owns an active transaction. Acquire fails
// when the goroutine already owns one.
type Registry interface {
	Acquire(goid int64, tx *Transaction) error
	Release(goid int64, tx *Transaction)
}

// Recorder receives lifecycle measurements.
type Recorder interface {
	Began()
	Finished(state State)
	Event(ev Event)
}
