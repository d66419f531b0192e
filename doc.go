// Package asyncfs defines the shared kernel used across the asyncfs codebase:
// open modes, write options, shared error codes, retry helpers, logging setup,
// and the bounded-concurrency I/O scheduler. The raw device layer lives in the
// fs subpackage, and the concurrency-safe shared file handles (the path-keyed
// handle registry with per-handle lock arbitration and write coalescing) live
// in the safefile subpackage.
//
// See `safefile.package` for the shared-handle layer most callers want.
package asyncfs

// Concurrency model
//
// All device operations execute through a Scheduler, a process-scoped execution
// context that bounds how many file operations run at once. The Scheduler is
// constructed explicitly and shut down explicitly; there is no lazily
// initialized package-level state. Callers block while their operation waits
// for a scheduler slot, a file lock, or the device itself. Cancellation follows
// the caller's context up to the point the device call starts; device calls
// themselves run to completion or return an I/O error.
