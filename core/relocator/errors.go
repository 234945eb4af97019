package relocator

import (
	"errors"
	"fmt"
)

var (
	ErrDestinationConflict = errors.New("destination already holds files for this database")
	ErrPartialIO           = errors.New("file operation failed mid-sequence")
	ErrNotFound            = errors.New("expected database file is missing")
)

// Stage tells which side of the main-file checkpoint a move failed on.
type Stage int

const (
	// StagePrepare failures leave the source complete and the destination free
	// of this database's files.
	StagePrepare Stage = iota
	// StagePublish failures happen after the main file moved: the database
	// lives at the destination and some companions may remain at the source.
	StagePublish
)

func (s Stage) String() string {
	switch s {
	case StagePrepare:
		return "before main-file checkpoint"
	case StagePublish:
		return "after main-file checkpoint"
	default:
		return "unknown stage"
	}
}

// MoveError reports a failed move together with the stage it failed in.
type MoveError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s failed %s: %v", e.Path, e.Stage, e.Err)
}

func (e *MoveError) Unwrap() error { return e.Err }

// DataAtDestination reports whether the main file already lives at the destination.
func (e *MoveError) DataAtDestination() bool { return e.Stage == StagePublish }
