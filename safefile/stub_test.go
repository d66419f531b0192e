package safefile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/asyncfs"
	"github.com/sharedcode/asyncfs/fs"
)

// stubIO is an in-memory fs.FileIO that counts device calls and can inject
// failures and gates, so tests can assert exactly which device operations the
// safefile layer performed.
type stubFile struct {
	path string
}

func (s *stubFile) Path() string { return s.path }

type stubIO struct {
	mu      sync.Mutex
	content map[string][]byte

	opens     atomic.Int32
	closes    atomic.Int32
	readAts   atomic.Int32
	readFulls atomic.Int32
	writeAts  atomic.Int32
	writeAlls atomic.Int32
	dirCalls  atomic.Int32
	pathCalls atomic.Int32

	openErr  error
	writeErr error

	// readGate, when set, blocks ReadFull until the gate channel is closed;
	// readStarted is signaled once per blocked read.
	readGate    chan struct{}
	readStarted chan struct{}
	// writeGate/writeStarted do the same for WriteAll.
	writeGate    chan struct{}
	writeStarted chan struct{}

	// opDelay slows ReadAt/WriteAt so overlap is observable.
	opDelay time.Duration

	activeReaders atomic.Int32
	maxReaders    atomic.Int32
	activeWriters atomic.Int32
	raceDetected  atomic.Bool
}

func newStubIO() *stubIO {
	return &stubIO{content: make(map[string][]byte)}
}

func (s *stubIO) seed(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[path] = append([]byte{}, data...)
}

func (s *stubIO) get(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.content[path]...)
}

func (s *stubIO) Open(ctx context.Context, name string, mode asyncfs.OpenMode, perm os.FileMode) (fs.File, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opens.Add(1)
	s.mu.Lock()
	if _, ok := s.content[name]; !ok {
		s.content[name] = []byte{}
	}
	s.mu.Unlock()
	return &stubFile{path: name}, nil
}

func (s *stubIO) ReadAt(ctx context.Context, f fs.File, p []byte, off int64) (int, error) {
	s.readAts.Add(1)
	n := s.activeReaders.Add(1)
	for {
		seen := s.maxReaders.Load()
		if n <= seen || s.maxReaders.CompareAndSwap(seen, n) {
			break
		}
	}
	if s.activeWriters.Load() > 0 {
		s.raceDetected.Store(true)
	}
	if s.opDelay > 0 {
		time.Sleep(s.opDelay)
	}
	defer s.activeReaders.Add(-1)

	data := s.get(f.Path())
	if off >= int64(len(data)) {
		return 0, nil
	}
	return copy(p, data[off:]), nil
}

func (s *stubIO) ReadFull(ctx context.Context, f fs.File) ([]byte, error) {
	s.readFulls.Add(1)
	if s.readGate != nil {
		if s.readStarted != nil {
			s.readStarted <- struct{}{}
		}
		<-s.readGate
	}
	return s.get(f.Path()), nil
}

func (s *stubIO) WriteAt(ctx context.Context, f fs.File, p []byte, off int64, opts asyncfs.WriteOptions) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writeAts.Add(1)
	if s.activeWriters.Add(1) > 1 || s.activeReaders.Load() > 0 {
		s.raceDetected.Store(true)
	}
	if s.opDelay > 0 {
		time.Sleep(s.opDelay)
	}
	defer s.activeWriters.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.content[f.Path()]
	need := off + int64(len(p))
	if int64(len(data)) < need {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[off:], p)
	s.content[f.Path()] = data
	return len(p), nil
}

func (s *stubIO) WriteAll(ctx context.Context, f fs.File, p []byte, opts asyncfs.WriteOptions) (int, error) {
	if s.writeStarted != nil {
		s.writeStarted <- struct{}{}
	}
	if s.writeGate != nil {
		<-s.writeGate
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writeAlls.Add(1)
	if s.activeWriters.Add(1) > 1 {
		s.raceDetected.Store(true)
	}
	defer s.activeWriters.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[f.Path()] = append([]byte{}, p...)
	return len(p), nil
}

func (s *stubIO) Size(ctx context.Context, f fs.File) (int64, error) {
	return int64(len(s.get(f.Path()))), nil
}

func (s *stubIO) Close(f fs.File) error {
	s.closes.Add(1)
	return nil
}

func (s *stubIO) CreateDir(ctx context.Context, path string, perm os.FileMode) error {
	s.dirCalls.Add(1)
	return nil
}

func (s *stubIO) RemoveFile(ctx context.Context, name string) error {
	s.pathCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[name]; !ok {
		return fmt.Errorf("remove %s: %w", name, os.ErrNotExist)
	}
	delete(s.content, name)
	return nil
}

func (s *stubIO) RemoveDir(ctx context.Context, path string) error {
	s.dirCalls.Add(1)
	return nil
}

func (s *stubIO) RemoveDirAll(ctx context.Context, path string) error {
	s.dirCalls.Add(1)
	return nil
}

func (s *stubIO) Rename(ctx context.Context, from, to string) error {
	s.pathCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.content[from]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, os.ErrNotExist)
	}
	delete(s.content, from)
	s.content[to] = data
	return nil
}

func (s *stubIO) CopyFile(ctx context.Context, from, to string) (int64, error) {
	s.pathCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.content[from]
	if !ok {
		return 0, fmt.Errorf("copy %s: %w", from, os.ErrNotExist)
	}
	s.content[to] = append([]byte{}, data...)
	return int64(len(data)), nil
}

func (s *stubIO) Exists(ctx context.Context, path string) bool {
	s.pathCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.content[path]
	return ok
}
