package filesystem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"kozeki/internal/kozeki"
)

// MemoryFilesystem is an in-memory implementation of kozeki.Filesystem,
// useful for testing. It is safe for concurrent use.
type MemoryFilesystem struct {
	files map[string]memoryFile // path string -> file
	clock kozeki.Clock
	mu    sync.RWMutex
}

type memoryFile struct {
	path    kozeki.Path
	content []byte
	mtime   time.Time
}

// NewMemoryFilesystem creates an empty filesystem. Writes are stamped with
// clock, or the real time when clock is nil.
func NewMemoryFilesystem(clock kozeki.Clock) *MemoryFilesystem {
	if clock == nil {
		clock = kozeki.RealClock{}
	}
	return &MemoryFilesystem{
		files: make(map[string]memoryFile),
		clock: clock,
	}
}

// Put stores a file with an explicit mtime.
func (m *MemoryFilesystem) Put(path kozeki.Path, content []byte, mtime time.Time) error {
	if err := path.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[path.String()] = memoryFile{
		path:    append(kozeki.Path(nil), path...),
		content: append([]byte(nil), content...),
		mtime:   mtime,
	}
	return nil
}

func (m *MemoryFilesystem) Read(path kozeki.Path) ([]byte, error) {
	content, _, err := m.ReadWithMtime(path)
	return content, err
}

func (m *MemoryFilesystem) ReadWithMtime(path kozeki.Path) ([]byte, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[path.String()]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", kozeki.ErrNotFound, path)
	}
	return append([]byte(nil), f.content...), f.mtime, nil
}

func (m *MemoryFilesystem) Write(path kozeki.Path, content []byte) error {
	return m.Put(path, content, m.clock.Now())
}

func (m *MemoryFilesystem) Delete(path kozeki.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, path.String())
	return nil
}

// ListEntries returns every file sorted by path.
func (m *MemoryFilesystem) ListEntries() ([]kozeki.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]kozeki.Entry, 0, len(m.files))
	for _, f := range m.files {
		entries = append(entries, kozeki.Entry{Path: f.path, Mtime: f.mtime})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func (m *MemoryFilesystem) List() ([]kozeki.Path, error) {
	return kozeki.ListPaths(m)
}

func (m *MemoryFilesystem) RetainOnly(keep []kozeki.Path) ([]kozeki.Path, error) {
	return kozeki.RetainOnly(m, keep)
}

func (m *MemoryFilesystem) Flush() error {
	return nil
}

var _ kozeki.Filesystem = (*MemoryFilesystem)(nil)
