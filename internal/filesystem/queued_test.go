package filesystem

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"kozeki/internal/kozeki"
)

// failingFilesystem fails writes to one path and records the order of the
// operations it applied.
type failingFilesystem struct {
	*MemoryFilesystem
	failPath string

	mu      sync.Mutex
	applied []string
	flushed int
}

func (f *failingFilesystem) Write(path kozeki.Path, content []byte) error {
	if path.String() == f.failPath {
		return errors.New("disk full")
	}
	f.record("write " + path.String() + " " + string(content))
	return f.MemoryFilesystem.Write(path, content)
}

func (f *failingFilesystem) Delete(path kozeki.Path) error {
	f.record("delete " + path.String())
	return f.MemoryFilesystem.Delete(path)
}

func (f *failingFilesystem) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *failingFilesystem) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op)
}

func TestQueuedFilesystem_OrderPerPath(t *testing.T) {
	backend := &failingFilesystem{MemoryFilesystem: NewMemoryFilesystem(nil)}
	q := NewQueuedFilesystem(backend, 4)
	defer q.Close()

	path := kozeki.Path{"items", "1.json"}
	for i := 0; i < 50; i++ {
		if err := q.Write(path, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := q.Delete(path); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := q.Write(path, []byte("final")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := q.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got, err := backend.Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "final" {
		t.Errorf("content = %q, want final", got)
	}
	if n := len(backend.applied); n != 52 {
		t.Errorf("applied %d operations, want 52", n)
	}
	if backend.applied[50] != "delete items/1.json" {
		t.Errorf("applied[50] = %q, want delete", backend.applied[50])
	}
	if backend.flushed != 1 {
		t.Errorf("backend flushed %d times, want 1", backend.flushed)
	}
}

func TestQueuedFilesystem_ManyPaths(t *testing.T) {
	backend := NewMemoryFilesystem(nil)
	q := NewQueuedFilesystem(backend, 0)
	defer q.Close()

	for i := 0; i < 200; i++ {
		if err := q.Write(kozeki.Path{"items", fmt.Sprintf("%d.json", i)}, []byte("x")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	paths, err := q.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(paths) != 200 {
		t.Errorf("len(List()) = %d, want 200", len(paths))
	}
}

func TestQueuedFilesystem_FlushError(t *testing.T) {
	backend := &failingFilesystem{MemoryFilesystem: NewMemoryFilesystem(nil), failPath: "bad.json"}
	q := NewQueuedFilesystem(backend, 2)
	defer q.Close()

	if err := q.Write(kozeki.Path{"bad.json"}, []byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := q.Write(kozeki.Path{"good.json"}, []byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := q.Flush(); err == nil {
		t.Fatal("Flush() expected error, got nil")
	}

	// The pool restarts after a failed flush.
	if err := q.Write(kozeki.Path{"later.json"}, []byte("x")); err != nil {
		t.Fatalf("Write() after failed flush error = %v", err)
	}
	if err := q.Flush(); err != nil {
		t.Errorf("second Flush() error = %v", err)
	}
	if _, err := backend.Read(kozeki.Path{"later.json"}); err != nil {
		t.Errorf("later.json not written: %v", err)
	}
}

func TestQueuedFilesystem_Close(t *testing.T) {
	backend := NewMemoryFilesystem(nil)
	q := NewQueuedFilesystem(backend, 2)

	if err := q.Write(kozeki.Path{"a.json"}, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := backend.Read(kozeki.Path{"a.json"}); err != nil {
		t.Errorf("pending write lost on Close: %v", err)
	}

	if err := q.Write(kozeki.Path{"b.json"}, []byte("b")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Write() after Close error = %v, want ErrQueueClosed", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := q.Flush(); err != nil {
		t.Errorf("Flush() after Close error = %v", err)
	}
}

func TestQueuedFilesystem_InvalidPath(t *testing.T) {
	q := NewQueuedFilesystem(NewMemoryFilesystem(nil), 1)
	defer q.Close()

	if err := q.Write(kozeki.Path{}, []byte("x")); !errors.Is(err, kozeki.ErrInvalidPath) {
		t.Errorf("Write() error = %v, want ErrInvalidPath", err)
	}
}
