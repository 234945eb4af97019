package transaction

import (
	"errors"
	"fmt"
)

// Work is the body of a block-scoped transaction. Returning commit=true with
// a nil error asks for a commit; anything else rolls back.
type Work func(tx *Transaction) (commit bool, err error)

// Run begins tx, runs work and commits or rolls back according to its
// result. committed is true only if the commit succeeded. A panic in work
// rolls back and is re-raised. If work ends tx itself, Run reports the state
// it left along with any error work returned.
func Run(tx *Transaction, work Work) (committed bool, err error) {
	if err := tx.Begin(); err != nil {
		return false, err
	}

	returned := false
	defer func() {
		if returned {
			return
		}
		r := recover()
		if tx.State() == StateActive {
			_ = tx.Rollback()
		}
		if r != nil {
			panic(r)
		}
	}()
	commit, werr := work(tx)
	returned = true

	if s := tx.State(); s != StateActive {
		if werr != nil {
			return s == StateCommitted, fmt.Errorf("transaction work: %w", werr)
		}
		return s == StateCommitted, nil
	}
	if werr != nil || !commit {
		rbErr := tx.Rollback()
		if werr != nil {
			return false, errors.Join(fmt.Errorf("transaction work: %w", werr), rbErr)
		}
		return false, rbErr
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
