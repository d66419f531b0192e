package asyncfs

// OpenMode selects how a file is opened and, in the safefile layer, which lock
// strategy arbitrates access to it. The strategy is fixed for the life of the
// handle: TruncateWrite gets a single-writer mutual-exclusion lock with write
// coalescing, every other mode gets a shared-read/exclusive-write lock.
type OpenMode int

const (
	// NormalReadWrite opens the file for positional reads and writes,
	// creating it if missing.
	NormalReadWrite OpenMode = iota
	// ReadOnly opens the file for reads only.
	ReadOnly
	// TruncateWrite opens the file for whole-file replacement writes: every
	// write logically replaces the entire content from offset 0, regardless
	// of the offset argument supplied.
	TruncateWrite
)

// String returns the mode name for logs.
func (m OpenMode) String() string {
	switch m {
	case NormalReadWrite:
		return "normal-read-write"
	case ReadOnly:
		return "read-only"
	case TruncateWrite:
		return "truncate-write"
	}
	return "unknown"
}

// WriteOptions is forwarded verbatim to the device write call. The safefile
// layer does not interpret it.
type WriteOptions struct {
	// Sync requests an fsync after the write reaches the device.
	Sync bool
}
