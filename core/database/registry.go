package database

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gojounit/core/transaction"
)

// goroutineRegistry allows one active transaction per goroutine per handle.
type goroutineRegistry struct {
	mu     sync.Mutex
	active map[int64]*transaction.Transaction
}

func newGoroutineRegistry() *goroutineRegistry {
	return &goroutineRegistry{active: make(map[int64]*transaction.Transaction)}
}

func (r *goroutineRegistry) Acquire(goid int64, tx *transaction.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[goid]; ok && cur != tx {
		return fmt.Errorf("%w: goroutine %d already has active transaction %s",
			transaction.ErrInvalidState, goid, cur.ID)
	}
	r.active[goid] = tx
	return nil
}

func (r *goroutineRegistry) Release(goid int64, tx *transaction.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[goid] == tx {
		delete(r.active, goid)
	}
}

func (r *goroutineRegistry) get(goid int64) *transaction.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[goid]
}

func (r *goroutineRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
