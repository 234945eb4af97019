package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// ErrChecksumMismatch is returned when a verified copy reads back different bytes.
var ErrChecksumMismatch = errors.New("copy checksum mismatch")

// CopyThrottled copies srcPath to dstPath, creating or truncating dstPath with
// the source's permissions. A positive rateBytesPerSec caps throughput. With
// verify set, the destination is re-read after fsync and its xxhash64 must
// match the source stream.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("open dst: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = dst.Close()
		}
	}()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	srcSum := xxhash.New64()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var readOff int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write error: %w", werr)
			}
			if verify {
				srcSum.Write(buf[:n])
			}
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	closed = true
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close dst: %w", err)
	}

	if !verify {
		return nil
	}
	dstSum, err := FileChecksum(dstPath)
	if err != nil {
		return err
	}
	if dstSum != srcSum.Sum64() {
		return fmt.Errorf("%w: %s -> %s", ErrChecksumMismatch, srcPath, dstPath)
	}
	return nil
}

// FileChecksum returns the xxhash64 of the file contents.
func FileChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New64()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum64(), nil
}

// SyncDir fsyncs a directory so that renames and creations inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
