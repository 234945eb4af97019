// Package boltengine runs transactions on a bolt database file. A session
// holds a single writable bolt transaction.
package boltengine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/sushant-115/gojounit/core/transaction"
)

var (
	ErrNotOpen        = errors.New("bolt driver is not open")
	ErrAlreadyOpen    = errors.New("bolt driver is already open")
	ErrNoTransaction  = errors.New("bolt session has no transaction")
	ErrForeignSession = errors.New("transaction is not backed by a bolt session")
)

// Driver owns the bolt handle for one database file.
type Driver struct {
	// Timeout bounds the wait for the file lock on Open.
	Timeout time.Duration

	mu sync.Mutex
	db *bolt.DB
}

// NewDriver creates a closed driver.
func NewDriver() *Driver {
	return &Driver{Timeout: time.Second}
}

// Open opens or creates the bolt file at path.
func (d *Driver) Open(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return ErrAlreadyOpen
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: d.Timeout})
	if err != nil {
		return fmt.Errorf("open bolt file %s: %w", path, err)
	}
	d.db = db
	return nil
}

// Close closes the bolt handle. Closing a closed driver is a no-op.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// View runs a read-only bolt transaction outside the controller.
func (d *Driver) View(fn func(*bolt.Tx) error) error {
	d.mu.Lock()
	db := d.db
	d.mu.Unlock()
	if db == nil {
		return ErrNotOpen
	}
	return db.View(fn)
}

// Session returns a session on the open handle.
func (d *Driver) Session() (transaction.Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil, ErrNotOpen
	}
	return &Session{db: d.db}, nil
}

// Session wraps one writable bolt transaction.
type Session struct {
	db *bolt.DB
	tx *bolt.Tx
}

func (s *Session) Begin() error {
	if s.tx != nil {
		return errors.New("bolt session already has a transaction")
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// Commit commits the bolt transaction. Bolt rolls a failed commit back itself.
func (s *Session) Commit() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	return s.tx.Commit()
}

// Rollback rolls back the bolt transaction. A transaction bolt already closed
// after a failed commit counts as rolled back.
func (s *Session) Rollback() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return err
	}
	return nil
}

// Close releases a transaction that was never ended.
func (s *Session) Close() error {
	if s.tx == nil || s.tx.DB() == nil {
		return nil
	}
	return s.tx.Rollback()
}

// Tx returns the underlying bolt transaction.
func (s *Session) Tx() *bolt.Tx { return s.tx }

// Update runs fn on the bolt transaction behind tx, enforcing goroutine confinement.
func Update(tx *transaction.Transaction, fn func(*bolt.Tx) error) error {
	return tx.Exec(func(e transaction.Engine) error {
		s, ok := e.(*Session)
		if !ok {
			return ErrForeignSession
		}
		if s.tx == nil {
			return ErrNoTransaction
		}
		return fn(s.tx)
	})
}
