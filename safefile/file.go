package safefile

import (
	"context"
	log "log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/asyncfs"
	"github.com/sharedcode/asyncfs/fs"
)

// SafeFile bundles a raw device file with the lock strategy chosen at open
// time and, for truncate-write handles, the coalescing buffer. All callers
// that opened the same path share one SafeFile; its lifetime is that of the
// longest holder.
type SafeFile struct {
	id   asyncfs.UUID
	path string
	mode asyncfs.OpenMode
	dev  fs.File
	io   fs.FileIO

	// rw arbitrates shared-exclusive handles; wl arbitrates single-writer
	// handles. Only the one matching the mode is ever used.
	rw  sync.RWMutex
	wl  sync.Mutex
	buf coalescingBuffer

	// refs counts strong holders. The registry entry is a non-owning
	// back-reference; when refs reaches zero the entry is retired and the
	// device file closed.
	refs atomic.Int64
	reg  *Registry
}

func newSafeFile(reg *Registry, dev fs.File, path string, mode asyncfs.OpenMode) *SafeFile {
	f := &SafeFile{
		id:   asyncfs.NewUUID(),
		path: path,
		mode: mode,
		dev:  dev,
		io:   reg.io,
		reg:  reg,
	}
	f.refs.Store(1)
	return f
}

// Path returns the canonical path the handle was opened with.
func (f *SafeFile) Path() string { return f.path }

// Mode returns the open mode, and with it the lock strategy, fixed for the
// handle's life.
func (f *SafeFile) Mode() asyncfs.OpenMode { return f.mode }

// ID returns the handle's debug identity.
func (f *SafeFile) ID() asyncfs.UUID { return f.id }

// Size returns the current device file size.
func (f *SafeFile) Size(ctx context.Context) (int64, error) {
	return f.io.Size(ctx, f.dev)
}

func (f *SafeFile) singleWriter() bool {
	return f.mode == asyncfs.TruncateWrite
}

// acquire adds a strong hold, failing if the handle is already dead. The CAS
// loop keeps a concurrent last-Close from resurrecting the handle.
func (f *SafeFile) acquire() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Close releases one strong hold. The last release retires the registry entry
// and closes the device file. Closing an already-dead handle returns
// os.ErrClosed.
func (f *SafeFile) Close() error {
	n := f.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return os.ErrClosed
	}
	f.reg.evict(f.path, f)
	log.Debug("file handle released", "path", f.path, "id", f.id.String())
	return f.io.Close(f.dev)
}

// Read returns up to length bytes starting at off.
//
// A zero length returns an empty result immediately, touching neither lock
// nor device. Shared-exclusive handles hold the shared lock for the duration
// of the device read; unlimited readers proceed concurrently, blocked only
// while a writer holds the exclusive lock. Single-writer handles hold the
// exclusive lock and are served from the cached whole-file payload when one
// exists — the most recently written or fetched full content, clipped to
// [off, off+length) — otherwise the full file is read from the device and
// cached opportunistically.
//
// A read past end of content returns a short (possibly empty) result, not an
// error. Device errors propagate unchanged.
func (f *SafeFile) Read(ctx context.Context, off int64, length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	if f.singleWriter() {
		f.wl.Lock()
		defer f.wl.Unlock()

		if data, ok := f.buf.cached(); ok {
			return clip(data, off, length), nil
		}
		data, err := f.io.ReadFull(ctx, f.dev)
		if err != nil {
			return nil, err
		}
		// Not a pending write: cached at version 0.
		f.buf.prime(data)
		return clip(data, off, length), nil
	}

	f.rw.RLock()
	defer f.rw.RUnlock()

	p := make([]byte, length)
	n, err := f.io.ReadAt(ctx, f.dev, p, off)
	if err != nil {
		return nil, err
	}
	return p[:n], nil
}

// Write writes data through the handle's lock strategy and returns the number
// of bytes written.
//
// Empty data is a no-op returning (0, nil) with no lock and no device call.
// Shared-exclusive handles pass (off, data, opts) straight through to the
// device under the exclusive lock.
//
// Single-writer handles implement truncate-write semantics: every write
// replaces the entire file from offset 0, so off is ignored. The write is
// staged in the coalescing buffer, then flushed under the exclusive lock with
// a version fence: a writer that finds its staged version already confirmed
// (a concurrent writer physically carried it) returns success without a
// device call, and a successful flush confirms only its own version, leaving
// any newer staged write dirty for its own flush. A device failure leaves the
// buffer dirty; no retry occurs here.
func (f *SafeFile) Write(ctx context.Context, off int64, data []byte, opts asyncfs.WriteOptions) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	if !f.singleWriter() {
		f.rw.Lock()
		defer f.rw.Unlock()
		return f.io.WriteAt(ctx, f.dev, data, off, opts)
	}

	f.buf.stage(data)

	f.wl.Lock()
	defer f.wl.Unlock()

	payload, ver := f.buf.snapshot()
	if ver == 0 {
		// Latest staged data already landed while waiting for the lock.
		log.Debug("coalesced write already flushed", "path", f.path, "id", f.id.String())
		return len(payload), nil
	}
	n, err := f.io.WriteAll(ctx, f.dev, payload, opts)
	if err != nil {
		// Buffer stays dirty; the next write attempt observes it.
		return 0, err
	}
	f.buf.confirm(ver)
	return n, nil
}

// clip returns a copy of the byte range [off, off+length) bounded to data.
func clip(data []byte, off int64, length int) []byte {
	if off < 0 || off >= int64(len(data)) {
		return []byte{}
	}
	end := off + int64(length)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-off)
	copy(out, data[off:end])
	return out
}
