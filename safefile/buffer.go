package safefile

import "sync"

// coalescingBuffer is the version-stamped, whole-file, latest-write-wins
// payload cache used by truncate-write handles.
//
// version == 0 means no write is pending: the payload, if any, matches what
// the read path should return. version > 0 means a write was staged and has
// not yet been confirmed flushed. The guard protects only in-memory metadata
// and must never be held across a device call.
type coalescingBuffer struct {
	mu      sync.Mutex
	payload []byte
	version uint64
}

// stage records data as the pending whole-file payload and returns the new
// version. The data is copied so later caller mutations cannot leak into a
// physical write.
func (b *coalescingBuffer) stage(data []byte) uint64 {
	p := make([]byte, len(data))
	copy(p, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.payload = p
	b.version++
	return b.version
}

// snapshot returns the current payload and version.
func (b *coalescingBuffer) snapshot() ([]byte, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payload, b.version
}

// confirm marks version v flushed by resetting to 0, unless a newer write has
// been staged since — that write owns its own flush. Reports whether the
// reset happened.
func (b *coalescingBuffer) confirm(v uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.version != v {
		return false
	}
	b.version = 0
	return true
}

// prime opportunistically caches full-file content fetched by the read path.
// It is a no-op when a write has been staged meanwhile; the staged payload is
// newer than anything read off the device.
func (b *coalescingBuffer) prime(data []byte) {
	p := make([]byte, len(data))
	copy(p, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.version != 0 {
		return
	}
	b.payload = p
}

// cached returns the cached full-file payload, if there is one. Empty content
// is treated as no cache so the read path falls through to the device.
func (b *coalescingBuffer) cached() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.payload) == 0 {
		return nil, false
	}
	return b.payload, true
}
