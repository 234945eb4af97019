package transaction

import "errors"

var (
	ErrEngineFailure = errors.New("storage engine rejected the transaction operation")
	ErrInvalidState  = errors.New("transaction is in an invalid state for this operation")
	ErrCrossThread   = errors.New("transaction used from a goroutine other than its owner")
)
