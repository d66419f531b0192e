package fs

import (
	"context"
	"os"

	"github.com/ncw/directio"
	retry "github.com/sethvargo/go-retry"
	"github.com/sharedcode/asyncfs"
)

// DirectIO exposes unbuffered file operations using O_DIRECT semantics where
// supported. It is intended for large, block-aligned I/O that should bypass
// the page cache, e.g. bulk loads that would otherwise evict hot data.
// Implementations should be used with AlignedBlock buffers and block-aligned offsets.
type DirectIO interface {
	// Open opens a file with the given name and flags using direct I/O when possible.
	Open(ctx context.Context, filename string, flag int, permission os.FileMode) (*os.File, error)
	// WriteAt writes a block at the given offset.
	WriteAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error)
	// ReadAt reads a block at the given offset.
	ReadAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error)
	// Close closes the provided file handle.
	Close(file *os.File) error
}

const (
	// blockSize is the alignment size required by the direct I/O implementation.
	blockSize = directio.BlockSize
)

// AlignedBlock returns a buffer aligned to the device sector size, usable for
// direct reads and writes.
func AlignedBlock(size int) []byte {
	return directio.AlignedBlock(size)
}

type directIOImpl struct{}

// NewDirectIO returns a DirectIO implementation backed by github.com/ncw/directio.
func NewDirectIO() DirectIO {
	return &directIOImpl{}
}

func retryIO(ctx context.Context, task func(ctx context.Context) error) error {
	return asyncfs.Retry(ctx, func(ctx context.Context) error {
		err := task(ctx)
		if asyncfs.ShouldRetry(err) {
			return retry.RetryableError(
				asyncfs.Error{
					Code: asyncfs.FileIOError,
					Err:  err,
				})
		}
		return err
	}, nil)
}

// Open wraps directio.OpenFile with retry semantics. Transient errors are
// wrapped as retryable to allow the caller's policy to reattempt.
func (dio directIOImpl) Open(ctx context.Context, filename string, flag int, permission os.FileMode) (*os.File, error) {
	var f *os.File
	err := retryIO(ctx, func(context.Context) error {
		var e error
		f, e = directio.OpenFile(filename, flag, permission)
		return e
	})
	return f, err
}

// WriteAt writes a block at an aligned offset, retrying transient errors.
// The caller is responsible for providing an aligned buffer (e.g., via AlignedBlock).
func (dio directIOImpl) WriteAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error) {
	var i int
	err := retryIO(ctx, func(context.Context) error {
		var e error
		i, e = file.WriteAt(block, offset)
		return e
	})
	return i, err
}

// ReadAt reads a block at an aligned offset, retrying transient errors.
// The caller is responsible for providing an aligned buffer (e.g., via AlignedBlock).
func (dio directIOImpl) ReadAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error) {
	var i int
	err := retryIO(ctx, func(context.Context) error {
		var e error
		i, e = file.ReadAt(block, offset)
		return e
	})
	return i, err
}

func (dio directIOImpl) Close(file *os.File) error {
	return file.Close()
}
