package kozeki

import (
	"context"
	"fmt"
	"time"
)

// Entry is a file listed by a Filesystem.
type Entry struct {
	Path  Path
	Mtime time.Time
}

// EventOp is the operation carried by a change event.
type EventOp string

const (
	EventUpdate EventOp = "update"
	EventDelete EventOp = "delete"
)

// Event is a change notification for a single path. A zero Time means the
// event carries no timestamp, which forces the update to be processed.
type Event struct {
	Op   EventOp
	Path Path
	Time time.Time
}

// HasTime reports whether the event carries a timestamp.
func (e Event) HasTime() bool {
	return !e.Time.IsZero()
}

// Filesystem is the storage abstraction used for both the source tree and
// the destination tree. Paths are relative to the filesystem's root.
type Filesystem interface {
	// Read returns the content of a file, or ErrNotFound.
	Read(path Path) ([]byte, error)

	// ReadWithMtime returns the content and modification time of a file, or ErrNotFound.
	ReadWithMtime(path Path) ([]byte, time.Time, error)

	// Write stores content at path, creating parents as needed.
	// Implementations may defer the write until Flush.
	Write(path Path, content []byte) error

	// Delete removes a file. Deleting a missing file is not an error.
	Delete(path Path) error

	// ListEntries returns every file under the root with its mtime.
	ListEntries() ([]Entry, error)

	// List returns every file path under the root.
	List() ([]Path, error)

	// RetainOnly deletes every file not contained in keep and returns the
	// deleted paths.
	RetainOnly(keep []Path) ([]Path, error)

	// Flush waits for deferred operations to complete and returns the first error.
	Flush() error
}

// Watcher is implemented by filesystems that can deliver change events.
// fn is called with batches of events until stop is called or ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func([]Event)) (stop func() error, err error)
}

// EntryLister is the subset of Filesystem needed to derive path listings.
type EntryLister interface {
	ListEntries() ([]Entry, error)
}

// ListPaths derives a path listing from ListEntries. Backends use it to
// implement List.
func ListPaths(fsys EntryLister) ([]Path, error) {
	entries, err := fsys.ListEntries()
	if err != nil {
		return nil, err
	}
	paths := make([]Path, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths, nil
}

// RetainOnly deletes every file of fsys whose path is not in keep. Backends
// use it to implement Filesystem.RetainOnly.
func RetainOnly(fsys Filesystem, keep []Path) ([]Path, error) {
	retained := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		retained[p.String()] = struct{}{}
	}

	paths, err := fsys.List()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	var deleted []Path
	for _, p := range paths {
		if _, ok := retained[p.String()]; ok {
			continue
		}
		if err := fsys.Delete(p); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", p, err)
		}
		deleted = append(deleted, p)
	}
	return deleted, nil
}
