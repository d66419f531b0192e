package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	retry "github.com/sethvargo/go-retry"
	"github.com/sharedcode/asyncfs"
)

// File is a handle to an open device file. Handles are created by a FileIO's
// Open and must be passed back to the FileIO that created them.
type File interface {
	Path() string
}

// FileIO defines the raw device operations used by this module. The default
// implementation delegates to the standard library's os package, dispatched
// through the scheduler, with retry semantics for transient errors on
// mutating operations.
//
// The safefile layer arbitrates concurrent access on top of this interface;
// FileIO itself performs no locking or caching. The directory and path
// primitives are forwarded uncached and unlocked.
type FileIO interface {
	Open(ctx context.Context, name string, mode asyncfs.OpenMode, perm os.FileMode) (File, error)
	ReadAt(ctx context.Context, f File, p []byte, off int64) (int, error)
	// ReadFull reads the entire current content of the file.
	ReadFull(ctx context.Context, f File) ([]byte, error)
	WriteAt(ctx context.Context, f File, p []byte, off int64, opts asyncfs.WriteOptions) (int, error)
	// WriteAll replaces the entire file content with p.
	WriteAll(ctx context.Context, f File, p []byte, opts asyncfs.WriteOptions) (int, error)
	Size(ctx context.Context, f File) (int64, error)
	Close(f File) error

	// Directory and path API.
	CreateDir(ctx context.Context, path string, perm os.FileMode) error
	RemoveFile(ctx context.Context, name string) error
	RemoveDir(ctx context.Context, path string) error
	RemoveDirAll(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	CopyFile(ctx context.Context, from, to string) (int64, error)
	Exists(ctx context.Context, path string) bool
}

type localFile struct {
	f    *os.File
	path string
}

func (lf *localFile) Path() string { return lf.path }

type defaultFileIO struct {
	sched *asyncfs.Scheduler
}

// NewFileIO returns a FileIO that performs I/O via the os package. Device
// calls run through sched's concurrency bound; a nil sched runs them inline.
func NewFileIO(sched *asyncfs.Scheduler) FileIO {
	return &defaultFileIO{sched: sched}
}

// run dispatches a device call through the scheduler, if one is configured.
func (dio *defaultFileIO) run(ctx context.Context, task func(ctx context.Context) error) error {
	if dio.sched == nil {
		return task(ctx)
	}
	return dio.sched.Execute(ctx, task)
}

func (dio *defaultFileIO) local(f File) (*localFile, error) {
	lf, ok := f.(*localFile)
	if !ok {
		return nil, fmt.Errorf("file handle %q was not opened by this FileIO", f.Path())
	}
	return lf, nil
}

func openFlags(mode asyncfs.OpenMode) int {
	switch mode {
	case asyncfs.ReadOnly:
		return os.O_RDONLY
	default:
		// TruncateWrite replaces content per write via WriteAll, not at open
		// time, so the handle stays readable until the first write lands.
		return os.O_CREATE | os.O_RDWR
	}
}

func (dio *defaultFileIO) Open(ctx context.Context, name string, mode asyncfs.OpenMode, perm os.FileMode) (File, error) {
	var lf *localFile
	err := dio.run(ctx, func(context.Context) error {
		f, err := os.OpenFile(name, openFlags(mode), perm)
		if err != nil {
			return err
		}
		lf = &localFile{f: f, path: name}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lf, nil
}

func (dio *defaultFileIO) ReadAt(ctx context.Context, f File, p []byte, off int64) (int, error) {
	lf, err := dio.local(f)
	if err != nil {
		return 0, err
	}
	var n int
	err = dio.run(ctx, func(context.Context) error {
		var rerr error
		n, rerr = lf.f.ReadAt(p, off)
		if rerr == io.EOF {
			// Short read at end of file is not a failure for positional reads.
			return nil
		}
		return rerr
	})
	return n, err
}

func (dio *defaultFileIO) ReadFull(ctx context.Context, f File) ([]byte, error) {
	lf, err := dio.local(f)
	if err != nil {
		return nil, err
	}
	var ba []byte
	err = dio.run(ctx, func(context.Context) error {
		fi, serr := lf.f.Stat()
		if serr != nil {
			return serr
		}
		ba = make([]byte, fi.Size())
		if len(ba) == 0 {
			return nil
		}
		n, rerr := lf.f.ReadAt(ba, 0)
		if rerr == io.EOF && int64(n) == fi.Size() {
			rerr = nil
		}
		ba = ba[:n]
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return ba, nil
}

func (dio *defaultFileIO) WriteAt(ctx context.Context, f File, p []byte, off int64, opts asyncfs.WriteOptions) (int, error) {
	lf, err := dio.local(f)
	if err != nil {
		return 0, err
	}
	var n int
	err = asyncfs.Retry(ctx, func(ctx context.Context) error {
		return dio.run(ctx, func(context.Context) error {
			var werr error
			n, werr = lf.f.WriteAt(p, off)
			if werr == nil && opts.Sync {
				werr = lf.f.Sync()
			}
			if asyncfs.ShouldRetry(werr) {
				return retry.RetryableError(
					asyncfs.Error{
						Code: asyncfs.FileIOError,
						Err:  werr,
					})
			}
			return werr
		})
	}, nil)
	return n, err
}

func (dio *defaultFileIO) WriteAll(ctx context.Context, f File, p []byte, opts asyncfs.WriteOptions) (int, error) {
	lf, err := dio.local(f)
	if err != nil {
		return 0, err
	}
	var n int
	err = asyncfs.Retry(ctx, func(ctx context.Context) error {
		return dio.run(ctx, func(context.Context) error {
			var werr error
			n, werr = lf.f.WriteAt(p, 0)
			if werr == nil {
				werr = lf.f.Truncate(int64(len(p)))
			}
			if werr == nil && opts.Sync {
				werr = lf.f.Sync()
			}
			if asyncfs.ShouldRetry(werr) {
				return retry.RetryableError(
					asyncfs.Error{
						Code: asyncfs.FileIOError,
						Err:  werr,
					})
			}
			return werr
		})
	}, nil)
	return n, err
}

func (dio *defaultFileIO) Size(ctx context.Context, f File) (int64, error) {
	lf, err := dio.local(f)
	if err != nil {
		return 0, err
	}
	var size int64
	err = dio.run(ctx, func(context.Context) error {
		fi, serr := lf.f.Stat()
		if serr != nil {
			return serr
		}
		size = fi.Size()
		return nil
	})
	return size, err
}

func (dio *defaultFileIO) Close(f File) error {
	lf, err := dio.local(f)
	if err != nil {
		return err
	}
	return lf.f.Close()
}

func (dio *defaultFileIO) CreateDir(ctx context.Context, path string, perm os.FileMode) error {
	return asyncfs.Retry(ctx, func(ctx context.Context) error {
		return dio.run(ctx, func(context.Context) error {
			err := os.MkdirAll(path, perm)
			if asyncfs.ShouldRetry(err) {
				return retry.RetryableError(
					asyncfs.Error{
						Code: asyncfs.FileIOError,
						Err:  err,
					})
			}
			return err
		})
	}, nil)
}

func (dio *defaultFileIO) RemoveFile(ctx context.Context, name string) error {
	return asyncfs.Retry(ctx, func(ctx context.Context) error {
		return dio.run(ctx, func(context.Context) error {
			err := os.Remove(name)
			if asyncfs.ShouldRetry(err) {
				return retry.RetryableError(
					asyncfs.Error{
						Code: asyncfs.FileIOError,
						Err:  err,
					})
			}
			return err
		})
	}, nil)
}

func (dio *defaultFileIO) RemoveDir(ctx context.Context, path string) error {
	return dio.RemoveFile(ctx, path)
}

func (dio *defaultFileIO) RemoveDirAll(ctx context.Context, path string) error {
	return asyncfs.Retry(ctx, func(ctx context.Context) error {
		return dio.run(ctx, func(context.Context) error {
			err := os.RemoveAll(path)
			if asyncfs.ShouldRetry(err) {
				return retry.RetryableError(
					asyncfs.Error{
						Code: asyncfs.FileIOError,
						Err:  err,
					})
			}
			return err
		})
	}, nil)
}

func (dio *defaultFileIO) Rename(ctx context.Context, from, to string) error {
	return asyncfs.Retry(ctx, func(ctx context.Context) error {
		return dio.run(ctx, func(context.Context) error {
			err := os.Rename(from, to)
			if asyncfs.ShouldRetry(err) {
				return retry.RetryableError(
					asyncfs.Error{
						Code: asyncfs.FileIOError,
						Err:  err,
					})
			}
			return err
		})
	}, nil)
}

func (dio *defaultFileIO) CopyFile(ctx context.Context, from, to string) (int64, error) {
	var copied int64
	err := dio.run(ctx, func(context.Context) error {
		src, err := os.Open(from)
		if err != nil {
			return err
		}
		defer src.Close()
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		dst, err := os.Create(to)
		if err != nil {
			return err
		}
		copied, err = io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return err
	})
	return copied, err
}

func (dio *defaultFileIO) Exists(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return true
	}
	return false
}
