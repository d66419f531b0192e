package safefile

import (
	"context"
	log "log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sharedcode/asyncfs"
	"github.com/sharedcode/asyncfs/fs"
)

const defaultFilePerm os.FileMode = 0o644

// Registry is the process-wide, path-keyed table of live SafeFile handles.
// It deduplicates opens: concurrent callers opening the same canonical path
// converge on one shared handle. Entries are non-owning back-references; a
// handle whose last holder closed is retired and never blocks a fresh open.
//
// Construct one explicitly with NewRegistry and stop it with Close. All
// methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	files map[string]*SafeFile

	io    fs.FileIO
	perm  os.FileMode
	sched *asyncfs.Scheduler

	sweepEvery time.Duration
	sweepStop  context.CancelFunc
	sweepDone  chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithFilePerm sets the permission bits used when Open creates a file.
func WithFilePerm(perm os.FileMode) Option {
	return func(r *Registry) {
		r.perm = perm
	}
}

// WithSweepInterval enables the periodic maintenance sweep that removes stale
// entries. Without it, stale entries are simply replaced lazily on the next
// open of the same path.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.sweepEvery = d
	}
}

// WithScheduler runs the maintenance sweep on the given scheduler instead of
// a dedicated goroutine.
func WithScheduler(sched *asyncfs.Scheduler) Option {
	return func(r *Registry) {
		r.sched = sched
	}
}

// NewRegistry creates a Registry over the given device layer.
func NewRegistry(io fs.FileIO, opts ...Option) *Registry {
	r := &Registry{
		files: make(map[string]*SafeFile),
		io:    io,
		perm:  defaultFilePerm,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sweepEvery > 0 {
		r.startSweeper()
	}
	return r
}

// Open returns the live shared handle for path, or constructs one through the
// device layer. The lock strategy is chosen from mode once, at construction;
// callers re-opening a live path get the existing handle and its existing
// strategy regardless of the mode they pass.
//
// A failed device open registers nothing and reports the device error
// verbatim.
func (r *Registry) Open(ctx context.Context, path string, mode asyncfs.OpenMode) (*SafeFile, error) {
	key := filepath.Clean(path)

	r.mu.Lock()
	if f := r.files[key]; f != nil && f.acquire() {
		r.mu.Unlock()
		log.Debug("file handle shared", "path", key, "id", f.id.String())
		return f, nil
	}
	r.mu.Unlock()

	// Construct outside the table lock; the device open may be slow.
	dev, err := r.io.Open(ctx, key, mode, r.perm)
	if err != nil {
		return nil, err
	}
	nf := newSafeFile(r, dev, key, mode)

	r.mu.Lock()
	if cur := r.files[key]; cur != nil && cur.acquire() {
		// Lost the registration race; the already-live handle wins and the
		// fresh device open is discarded silently.
		r.mu.Unlock()
		_ = r.io.Close(dev)
		return cur, nil
	}
	r.files[key] = nf
	r.mu.Unlock()

	log.Debug("file handle opened", "path", key, "id", nf.id.String(), "mode", mode.String())
	return nf, nil
}

// evict retires the entry for key if it still references f. Identity is
// compared so a fresh handle registered for the same path is never removed by
// a stale handle's last Close.
func (r *Registry) evict(key string, f *SafeFile) {
	r.mu.Lock()
	if r.files[key] == f {
		delete(r.files, key)
	}
	r.mu.Unlock()
}

// Collect sweeps entries whose handle has no strong holders left. Normally
// last-Close eviction keeps the table clean and this is a no-op; it exists as
// the maintenance hook for periodic sweeping, with no ordering guarantee
// relative to concurrent opens. It returns the number of entries removed.
func (r *Registry) Collect() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, f := range r.files {
		if f.refs.Load() <= 0 {
			delete(r.files, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug("registry sweep", "removed", removed)
	}
	return removed
}

// Len returns the number of registered entries, live or stale.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// Close stops the maintenance sweeper, if one was configured. Open handles
// are unaffected; they retire themselves on last Close.
func (r *Registry) Close() error {
	if r.sweepStop != nil {
		r.sweepStop()
		<-r.sweepDone
		r.sweepStop = nil
	}
	return nil
}

func (r *Registry) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	r.sweepStop = cancel
	r.sweepDone = make(chan struct{})

	sweep := func(ctx context.Context) error {
		defer close(r.sweepDone)
		for {
			asyncfs.Sleep(ctx, r.sweepEvery)
			if ctx.Err() != nil {
				return nil
			}
			r.Collect()
		}
	}
	if r.sched != nil {
		r.sched.Go(func(sctx context.Context) error {
			// Stop on whichever of registry close or scheduler shutdown
			// happens first.
			merged, mcancel := context.WithCancel(ctx)
			defer mcancel()
			go func() {
				select {
				case <-sctx.Done():
					mcancel()
				case <-merged.Done():
				}
			}()
			return sweep(merged)
		})
		return
	}
	go func() { _ = sweep(ctx) }()
}

// The primitives below forward to the device layer uncached and unlocked;
// they never consult or mutate the handle table.

// CreateDir creates the directory path, including parents.
func (r *Registry) CreateDir(ctx context.Context, path string, perm os.FileMode) error {
	return r.io.CreateDir(ctx, path, perm)
}

// RemoveFile removes the named file.
func (r *Registry) RemoveFile(ctx context.Context, name string) error {
	return r.io.RemoveFile(ctx, name)
}

// RemoveDir removes the named empty directory.
func (r *Registry) RemoveDir(ctx context.Context, path string) error {
	return r.io.RemoveDir(ctx, path)
}

// RemoveDirAll removes path and everything below it.
func (r *Registry) RemoveDirAll(ctx context.Context, path string) error {
	return r.io.RemoveDirAll(ctx, path)
}

// Rename renames a file or directory.
func (r *Registry) Rename(ctx context.Context, from, to string) error {
	return r.io.Rename(ctx, from, to)
}

// CopyFile copies from to to, returning the number of bytes copied.
func (r *Registry) CopyFile(ctx context.Context, from, to string) (int64, error) {
	return r.io.CopyFile(ctx, from, to)
}

// Exists reports whether path exists.
func (r *Registry) Exists(ctx context.Context, path string) bool {
	return r.io.Exists(ctx, path)
}
