// Package fileset enumerates the physical files that make up one logical
// database: the main file, the engine's companion files and any extra files
// the caller associates with it.
package fileset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	commonutils "github.com/sushant-115/gojounit/internal/common_utils"
)

// Kind classifies a member of a FileSet.
type Kind int

const (
	KindMain    Kind = iota // Authoritative database file
	KindWAL                 // Write-ahead log
	KindSHM                 // Shared-memory index for the WAL
	KindJournal             // Rollback journal
	KindBackup              // Repair backup material
	KindExtra               // Caller-supplied auxiliary file
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindMain:
		return "main"
	case KindWAL:
		return "wal"
	case KindSHM:
		return "shm"
	case KindJournal:
		return "journal"
	case KindBackup:
		return "backup"
	case KindExtra:
		return "extra"
	default:
		return "unknown"
	}
}

// companionSuffixes are appended to the main path, in FileSet order.
var companionSuffixes = []struct {
	suffix string
	kind   Kind
}{
	{"-wal", KindWAL},
	{"-shm", KindSHM},
	{"-journal", KindJournal},
	{"-backup", KindBackup},
}

// ErrEmptyPath is returned when no database path is given.
var ErrEmptyPath = errors.New("database path must not be empty")

// File is one member of a FileSet.
type File struct {
	Path string
	Kind Kind
}

// FileSet is the ordered list of files belonging to one database. The main
// file is always first; companions follow in suffix order, then extras.
type FileSet struct {
	files []File
}

// Resolve computes the FileSet for databasePath. Paths are made absolute and
// deduplicated; no file needs to exist.
func Resolve(databasePath string, extraFiles ...string) (FileSet, error) {
	if databasePath == "" {
		return FileSet{}, ErrEmptyPath
	}
	main, err := filepath.Abs(databasePath)
	if err != nil {
		return FileSet{}, fmt.Errorf("resolve database path %s: %w", databasePath, err)
	}

	files := []File{{Path: main, Kind: KindMain}}
	for _, c := range companionSuffixes {
		files = append(files, File{Path: main + c.suffix, Kind: c.kind})
	}

	extras := make([]string, 0, len(extraFiles))
	for _, extra := range extraFiles {
		if extra == "" {
			continue
		}
		abs, err := filepath.Abs(extra)
		if err != nil {
			return FileSet{}, fmt.Errorf("resolve extra file %s: %w", extra, err)
		}
		extras = append(extras, abs)
	}

	known := make(map[string]struct{}, len(files))
	for _, f := range files {
		known[f.Path] = struct{}{}
	}
	for _, extra := range commonutils.Dedupe(extras) {
		if _, ok := known[extra]; ok {
			continue
		}
		files = append(files, File{Path: extra, Kind: KindExtra})
	}
	return FileSet{files: files}, nil
}

// Main returns the main database file.
func (s FileSet) Main() File {
	if len(s.files) == 0 {
		return File{Kind: KindMain}
	}
	return s.files[0]
}

// Files returns every candidate member in order. The slice is a copy.
func (s FileSet) Files() []File {
	out := make([]File, len(s.files))
	copy(out, s.files)
	return out
}

// Paths returns the full ordered candidate path list.
func (s FileSet) Paths() []string {
	paths := make([]string, len(s.files))
	for i, f := range s.files {
		paths[i] = f.Path
	}
	return paths
}

// Companions returns every member except the main file.
func (s FileSet) Companions() []File {
	if len(s.files) < 2 {
		return nil
	}
	return s.Files()[1:]
}

// Stater is the file system view needed to filter a FileSet.
type Stater interface {
	Stat(path string) (os.FileInfo, error)
}

// Existing returns the members present on disk, in FileSet order, with their
// sizes. A stat failure other than "not exist" is returned as an error.
func (s FileSet) Existing(fs Stater) ([]File, []int64, error) {
	var files []File
	var sizes []int64
	for _, f := range s.files {
		info, err := fs.Stat(f.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("stat %s: %w", f.Path, err)
		}
		files = append(files, f)
		sizes = append(sizes, info.Size())
	}
	return files, sizes, nil
}

// Plan maps every member to its path inside destDir, keeping kinds and order.
// Two members with the same base name map to the same destination; callers
// detect that with Collisions.
func (s FileSet) Plan(destDir string) (FileSet, error) {
	dir, err := filepath.Abs(destDir)
	if err != nil {
		return FileSet{}, fmt.Errorf("resolve destination %s: %w", destDir, err)
	}
	planned := make([]File, len(s.files))
	for i, f := range s.files {
		planned[i] = File{Path: filepath.Join(dir, filepath.Base(f.Path)), Kind: f.Kind}
	}
	return FileSet{files: planned}, nil
}

// Collisions returns destination paths that more than one member maps to.
func (s FileSet) Collisions() []string {
	counts := make(map[string]int, len(s.files))
	var dup []string
	for _, f := range s.files {
		counts[f.Path]++
		if counts[f.Path] == 2 {
			dup = append(dup, f.Path)
		}
	}
	return dup
}
