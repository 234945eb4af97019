// Package relocator moves and removes every file of one database as a unit.
//
// A move never leaves the data split between source and destination. The
// main file is the checkpoint: companions are first staged inside a hidden
// directory at the destination while the source stays untouched, then the
// main file moves, then the staged companions are published and their
// source copies removed. A crash before the checkpoint leaves a complete
// source and no file named for this database at the destination; a crash
// after it leaves the main file at the destination, and anything missing
// there is engine state that is regenerated on open.
package relocator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojounit/core/fileset"
)

// Relocator applies file operations to FileSets.
type Relocator struct {
	fs     FileSystem
	logger *zap.Logger
}

// Option configures a Relocator.
type Option func(*Relocator)

// WithFileSystem replaces the operating system file system.
func WithFileSystem(fs FileSystem) Option {
	return func(r *Relocator) { r.fs = fs }
}

// New creates a Relocator. A nil logger disables logging.
func New(logger *zap.Logger, opts ...Option) *Relocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relocator{
		fs:     OSFileSystem{},
		logger: logger.Named("relocator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// movePriority orders companions for staging and publishing. The main file
// is not listed; it always moves between the two phases.
var movePriority = map[fileset.Kind]int{
	fileset.KindJournal: 0,
	fileset.KindSHM:     1,
	fileset.KindWAL:     2,
	fileset.KindBackup:  3,
	fileset.KindExtra:   4,
}

type moveStep struct {
	src    string
	staged string
	dst    string
	kind   fileset.Kind
}

// Move relocates every existing member of set into destDir, creating destDir
// if needed. Members absent at the source must also be absent at the
// destination. Failures are returned as *MoveError.
func (r *Relocator) Move(set fileset.FileSet, destDir string) error {
	if len(set.Files()) == 0 {
		return &MoveError{Stage: StagePrepare, Path: destDir, Err: fileset.ErrEmptyPath}
	}
	main := set.Main()
	base := filepath.Base(main.Path)

	planned, err := set.Plan(destDir)
	if err != nil {
		return &MoveError{Stage: StagePrepare, Path: destDir, Err: err}
	}
	if dup := planned.Collisions(); len(dup) > 0 {
		return &MoveError{Stage: StagePrepare, Path: dup[0],
			Err: fmt.Errorf("%w: several files map to %s", ErrDestinationConflict, dup[0])}
	}
	sources := set.Files()
	targets := planned.Files()
	dest := filepath.Dir(targets[0].Path)

	existing, _, err := set.Existing(r.fs)
	if err != nil {
		return &MoveError{Stage: StagePrepare, Path: main.Path, Err: fmt.Errorf("%w: %w", ErrPartialIO, err)}
	}
	present := make(map[string]bool, len(existing))
	for _, f := range existing {
		present[f.Path] = true
	}

	for i, dst := range targets {
		if dst.Path == sources[i].Path {
			continue
		}
		if _, err := r.fs.Stat(dst.Path); err == nil {
			return &MoveError{Stage: StagePrepare, Path: dst.Path,
				Err: fmt.Errorf("%w: %s exists", ErrDestinationConflict, dst.Path)}
		} else if !errors.Is(err, os.ErrNotExist) {
			return &MoveError{Stage: StagePrepare, Path: dst.Path, Err: fmt.Errorf("%w: stat %s: %w", ErrPartialIO, dst.Path, err)}
		}
	}

	if len(existing) == 0 {
		r.logger.Debug("No database files to move", zap.String("path", main.Path))
		return nil
	}
	if !present[main.Path] {
		return &MoveError{Stage: StagePrepare, Path: main.Path,
			Err: fmt.Errorf("%w: %s is absent but companion files exist", ErrNotFound, main.Path)}
	}

	if err := r.fs.MkdirAll(dest, 0755); err != nil {
		return &MoveError{Stage: StagePrepare, Path: dest, Err: fmt.Errorf("%w: create %s: %w", ErrPartialIO, dest, err)}
	}
	r.sweepStaging(filepath.Dir(main.Path), base)
	r.sweepStaging(dest, base)

	steps := make([]moveStep, 0, len(sources))
	for i, src := range sources {
		if src.Kind == fileset.KindMain || !present[src.Path] || src.Path == targets[i].Path {
			continue
		}
		steps = append(steps, moveStep{src: src.Path, dst: targets[i].Path, kind: src.Kind})
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return movePriority[steps[i].kind] < movePriority[steps[j].kind]
	})
	mainInPlace := targets[0].Path == main.Path
	if len(steps) == 0 && mainInPlace {
		return nil
	}

	staging := filepath.Join(dest, stagingPrefix(base)+uuid.NewString())
	if err := r.fs.MkdirAll(staging, 0755); err != nil {
		return &MoveError{Stage: StagePrepare, Path: staging, Err: fmt.Errorf("%w: create staging %s: %w", ErrPartialIO, staging, err)}
	}

	// Phase 1: stage companions. The source is not modified.
	for i := range steps {
		steps[i].staged = filepath.Join(staging, filepath.Base(steps[i].dst))
		if err := r.stage(steps[i].src, steps[i].staged); err != nil {
			r.discardStaging(staging)
			return &MoveError{Stage: StagePrepare, Path: steps[i].src,
				Err: fmt.Errorf("%w: stage %s: %w", ErrPartialIO, steps[i].src, err)}
		}
		r.logger.Debug("Staged companion file", zap.String("src", steps[i].src), zap.String("kind", steps[i].kind.String()))
	}

	// Phase 2: the main file. Once it has moved the destination is authoritative.
	var failures []error
	if !mainInPlace {
		published, err := r.moveMain(main.Path, targets[0].Path, staging)
		if err != nil && !published {
			r.discardStaging(staging)
			return &MoveError{Stage: StagePrepare, Path: main.Path,
				Err: fmt.Errorf("%w: move %s: %w", ErrPartialIO, main.Path, err)}
		}
		if err != nil {
			failures = append(failures, err)
		}
		r.logger.Info("Main database file moved", zap.String("src", main.Path), zap.String("dst", targets[0].Path))
	}

	// Phase 3: publish companions and drop their source copies.
	for _, s := range steps {
		if err := r.fs.Rename(s.staged, s.dst); err != nil {
			r.logger.Warn("Companion file left at source", zap.String("path", s.src), zap.Error(err))
			failures = append(failures, fmt.Errorf("publish %s: %w", s.dst, err))
			continue
		}
		if err := r.fs.Remove(s.src); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("Could not remove moved companion from source", zap.String("path", s.src), zap.Error(err))
			failures = append(failures, fmt.Errorf("remove source %s: %w", s.src, err))
		}
	}
	r.discardStaging(staging)

	for _, dir := range []string{dest, filepath.Dir(main.Path)} {
		if err := r.fs.SyncDir(dir); err != nil {
			r.logger.Warn("Directory sync failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	if len(failures) > 0 {
		return &MoveError{Stage: StagePublish, Path: main.Path,
			Err: fmt.Errorf("%w: %w", ErrPartialIO, errors.Join(failures...))}
	}
	return nil
}

// moveMain renames the main file into place. Across devices it copies into
// the staging directory first so the final rename inside dst's file system
// is atomic. published reports whether dst now holds the main file.
func (r *Relocator) moveMain(src, dst, staging string) (published bool, err error) {
	err = r.fs.Rename(src, dst)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return false, err
	}
	r.logger.Info("Main file crosses devices, copying", zap.String("src", src), zap.String("dst", dst))
	tmp := filepath.Join(staging, filepath.Base(dst))
	if err := r.fs.Copy(src, tmp); err != nil {
		return false, err
	}
	if err := r.fs.Rename(tmp, dst); err != nil {
		return false, err
	}
	if err := r.fs.Remove(src); err != nil {
		return true, fmt.Errorf("remove source main %s: %w", src, err)
	}
	return true, nil
}

// stage places a copy of src at staged, by hard link when the file system allows it.
func (r *Relocator) stage(src, staged string) error {
	if err := r.fs.Link(src, staged); err == nil {
		return nil
	}
	return r.fs.Copy(src, staged)
}

func (r *Relocator) discardStaging(staging string) {
	if err := r.fs.RemoveAll(staging); err != nil {
		r.logger.Warn("Could not remove staging directory", zap.String("dir", staging), zap.Error(err))
	}
}

func stagingPrefix(base string) string {
	return "." + base + ".staging-"
}

// sweepStaging removes staging directories left in dir by an interrupted move.
func (r *Relocator) sweepStaging(dir, base string) {
	entries, err := r.fs.ReadDir(dir)
	if err != nil {
		return
	}
	prefix := stagingPrefix(base)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		stale := filepath.Join(dir, e.Name())
		if err := r.fs.RemoveAll(stale); err != nil {
			r.logger.Warn("Could not remove stale staging directory", zap.String("dir", stale), zap.Error(err))
			continue
		}
		r.logger.Info("Removed stale staging directory", zap.String("dir", stale))
	}
}

// Remove deletes every existing member of set in FileSet order. The first
// failure stops the sequence; files already deleted stay deleted.
func (r *Relocator) Remove(set fileset.FileSet) error {
	if len(set.Files()) == 0 {
		return fileset.ErrEmptyPath
	}
	existing, _, err := set.Existing(r.fs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPartialIO, err)
	}
	for _, f := range existing {
		if err := r.fs.Remove(f.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%w: remove %s: %w", ErrPartialIO, f.Path, err)
		}
		r.logger.Debug("Removed database file", zap.String("path", f.Path), zap.String("kind", f.Kind.String()))
	}
	main := set.Main().Path
	r.sweepStaging(filepath.Dir(main), filepath.Base(main))
	return nil
}

// Size returns the summed size of every existing member of set.
func (r *Relocator) Size(set fileset.FileSet) (uint64, error) {
	_, sizes, err := set.Existing(r.fs)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPartialIO, err)
	}
	var total uint64
	for _, s := range sizes {
		total += uint64(s)
	}
	return total, nil
}
