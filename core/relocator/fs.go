package relocator

import (
	"context"
	"os"

	"github.com/sushant-115/gojounit/core/storage_engine/common"
)

// FileSystem is the set of primitives the relocator needs. Tests substitute
// implementations that fail or stop at chosen points.
type FileSystem interface {
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(dir string) ([]os.DirEntry, error)
	Rename(oldpath, newpath string) error
	Link(oldpath, newpath string) error
	Copy(src, dst string) error
	Remove(path string) error
	RemoveAll(path string) error
	SyncDir(dir string) error
}

// OSFileSystem is the FileSystem backed by the operating system.
type OSFileSystem struct {
	// CopyRateBytesPerSec throttles cross-device copies; zero means unlimited.
	CopyRateBytesPerSec int64
	// VerifyCopies re-reads copied files and compares xxhash64 checksums.
	VerifyCopies bool
}

func (OSFileSystem) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OSFileSystem) ReadDir(dir string) ([]os.DirEntry, error) { return os.ReadDir(dir) }

func (OSFileSystem) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (OSFileSystem) Link(oldpath, newpath string) error { return os.Link(oldpath, newpath) }

func (o OSFileSystem) Copy(src, dst string) error {
	return common.CopyThrottled(context.Background(), src, dst, o.CopyRateBytesPerSec, o.VerifyCopies)
}

func (OSFileSystem) Remove(path string) error { return os.Remove(path) }

func (OSFileSystem) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OSFileSystem) SyncDir(dir string) error { return common.SyncDir(dir) }
