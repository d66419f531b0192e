// Package safefile provides concurrency-safe shared file handles on top of the
// raw device layer in asyncfs/fs.
//
// Concurrent callers opening the same path through a [Registry] converge on one
// shared [SafeFile] instead of racing to open the file multiple times. All
// reads and writes on a handle are arbitrated by a lock strategy fixed at open
// time from the requested mode:
//
//   - Every mode except TruncateWrite uses a shared-read/exclusive-write lock:
//     unlimited concurrent readers, one exclusive writer.
//   - TruncateWrite uses a single-writer mutual-exclusion lock with a
//     version-fenced, whole-file, latest-write-wins coalescing buffer. Because
//     every write replaces the entire file, rapid overwrites coalesce into one
//     physical write; the version fence guarantees a writer that loses a lock
//     race neither double-writes nor clears a newer write's dirty flag.
//
// # Handle lifetime
//
// Registry.Open returns a handle holding one strong reference; each Open of the
// same path adds one. Close releases it. When the last holder closes, the
// device file is closed and the registry entry is retired, so a subsequent Open
// performs a fresh device open. The registry's entry is a non-owning
// back-reference and never extends a handle's life.
//
// # Errors
//
// Underlying device errors are reported verbatim; the package performs no
// retries. A failed physical write in truncate-write mode leaves the coalescing
// buffer dirty, observable to the next write attempt; re-driving it is the
// caller's responsibility.
//
// # Basic Usage
//
//	sched := asyncfs.NewScheduler(asyncfs.SchedulerOptions{})
//	reg := safefile.NewRegistry(fs.NewFileIO(sched))
//	defer reg.Close()
//
//	f, err := reg.Open(ctx, "data/config.json", asyncfs.TruncateWrite)
//	if err != nil { ... }
//	defer f.Close()
//
//	_, err = f.Write(ctx, 0, payload, asyncfs.WriteOptions{Sync: true})
package safefile
