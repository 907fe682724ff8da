package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"kozeki/internal/kozeki"
)

// DefaultWatchDebounce is how long Watch waits for changes to settle before
// delivering a batch.
const DefaultWatchDebounce = 300 * time.Millisecond

// LocalFilesystem is a kozeki.Filesystem backed by a directory on disk.
type LocalFilesystem struct {
	root     string
	ignore   *IgnoreMatcher
	debounce time.Duration
	logger   kozeki.Logger
}

// LocalOption configures a LocalFilesystem.
type LocalOption func(*LocalFilesystem)

// WithWatchDebounce overrides DefaultWatchDebounce.
func WithWatchDebounce(d time.Duration) LocalOption {
	return func(f *LocalFilesystem) { f.debounce = d }
}

// WithLogger sets the logger used by Watch.
func WithLogger(logger kozeki.Logger) LocalOption {
	return func(f *LocalFilesystem) { f.logger = logger }
}

// NewLocalFilesystem creates a filesystem rooted at root. The root does not
// have to exist yet; it is created on the first write.
func NewLocalFilesystem(root string, ignore *IgnoreMatcher, opts ...LocalOption) *LocalFilesystem {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}
	f := &LocalFilesystem{
		root:     filepath.Clean(root),
		ignore:   ignore,
		debounce: DefaultWatchDebounce,
		logger:   kozeki.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Root returns the absolute root directory.
func (f *LocalFilesystem) Root() string {
	return f.root
}

func (f *LocalFilesystem) abs(path kozeki.Path) (string, error) {
	if err := path.Validate(); err != nil {
		return "", err
	}
	for _, segment := range path {
		if segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: relative segment in %s", kozeki.ErrInvalidPath, path)
		}
	}
	return filepath.Join(append([]string{f.root}, path...)...), nil
}

func (f *LocalFilesystem) Read(path kozeki.Path) ([]byte, error) {
	content, _, err := f.ReadWithMtime(path)
	return content, err
}

func (f *LocalFilesystem) ReadWithMtime(path kozeki.Path) ([]byte, time.Time, error) {
	abs, err := f.abs(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, fmt.Errorf("%w: %s", kozeki.ErrNotFound, path)
		}
		return nil, time.Time{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, fmt.Errorf("%w: %s", kozeki.ErrNotFound, path)
		}
		return nil, time.Time{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return content, info.ModTime(), nil
}

// Write stores content using an atomic write (temp file + rename).
func (f *LocalFilesystem) Write(path kozeki.Path, content []byte) error {
	abs, err := f.abs(path)
	if err != nil {
		return err
	}

	// A concurrent Delete may prune the parent between MkdirAll and
	// CreateTemp; retry a few times before giving up.
	dir := filepath.Dir(abs)
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		err := writeFileAtomic(dir, abs, content)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) || attempt >= 3 {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
}

func writeFileAtomic(dir, destPath string, content []byte) error {
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(content); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return err
	}

	success = true
	return nil
}

// Delete removes the file and prunes parent directories left empty, up to
// the root. Deleting a missing file is not an error.
func (f *LocalFilesystem) Delete(path kozeki.Path) error {
	abs, err := f.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	for dir := filepath.Dir(abs); dir != f.root && strings.HasPrefix(dir, f.root); dir = filepath.Dir(dir) {
		// Fails on non-empty directories, which ends the pruning.
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// ListEntries walks the root and returns every regular file that is not
// ignored, sorted by path. A missing root lists as empty.
func (f *LocalFilesystem) ListEntries() ([]kozeki.Entry, error) {
	var entries []kozeki.Entry
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == f.root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if p == f.root {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		if f.ignore.Match(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		entries = append(entries, kozeki.Entry{
			Path:  kozeki.Path(strings.Split(filepath.ToSlash(rel), "/")),
			Mtime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", f.root, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func (f *LocalFilesystem) List() ([]kozeki.Path, error) {
	return kozeki.ListPaths(f)
}

func (f *LocalFilesystem) RetainOnly(keep []kozeki.Path) ([]kozeki.Path, error) {
	return kozeki.RetainOnly(f, keep)
}

// Flush is a no-op; writes are synchronous.
func (f *LocalFilesystem) Flush() error {
	return nil
}

// Watch delivers batches of change events for files under the root until
// stop is called or ctx is done. Events for the same path within one batch
// collapse into the latest one.
func (f *LocalFilesystem) Watch(ctx context.Context, fn func([]kozeki.Event)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := f.addDirsRecursive(watcher, f.root); err != nil {
		watcher.Close()
		return nil, err
	}
	entries, err := f.ListEntries()
	if err != nil {
		watcher.Close()
		return nil, err
	}
	batch := newEventBatch()
	for _, e := range entries {
		batch.known[e.Path.String()] = struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.watchLoop(ctx, watcher, batch, fn)
	}()

	stop := func() error {
		cancel()
		<-done
		return watcher.Close()
	}
	return stop, nil
}

func (f *LocalFilesystem) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, batch *eventBatch, fn func([]kozeki.Event)) {
	timer := time.NewTimer(f.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if f.handleFileEvent(watcher, ev, batch) {
				timer.Reset(f.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("watcher error", "error", err)
		case <-timer.C:
			if events := batch.drain(); len(events) > 0 {
				f.logger.Debug("delivering change events", "count", len(events))
				fn(events)
			}
		}
	}
}

// handleFileEvent translates one fsnotify event into batch entries and
// reports whether anything was added.
func (f *LocalFilesystem) handleFileEvent(watcher *fsnotify.Watcher, ev fsnotify.Event, batch *eventBatch) bool {
	rel, err := filepath.Rel(f.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	if f.ignore.Match(rel) {
		return false
	}
	path := kozeki.Path(strings.Split(filepath.ToSlash(rel), "/"))

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// A moved directory reports only itself, not the files it held.
		batch.removeTree(path)
		return true
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			// Gone before we could look at it.
			batch.add(kozeki.Event{Op: kozeki.EventDelete, Path: path})
			return true
		}
		if info.IsDir() {
			if err := f.addDirsRecursive(watcher, ev.Name); err != nil {
				f.logger.Warn("watch add failed", "dir", ev.Name, "error", err)
			}
			return f.addFilesUnder(ev.Name, batch)
		}
		if !info.Mode().IsRegular() {
			return false
		}
		batch.add(kozeki.Event{Op: kozeki.EventUpdate, Path: path, Time: info.ModTime()})
		return true
	default:
		return false
	}
}

// addFilesUnder emits updates for files of a directory that appeared after
// the watch started, since their own create events were never observed.
func (f *LocalFilesystem) addFilesUnder(dir string, batch *eventBatch) bool {
	added := false
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil || f.ignore.Match(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		batch.add(kozeki.Event{
			Op:   kozeki.EventUpdate,
			Path: kozeki.Path(strings.Split(filepath.ToSlash(rel), "/")),
			Time: info.ModTime(),
		})
		added = true
		return nil
	})
	return added
}

func (f *LocalFilesystem) addDirsRecursive(w *fsnotify.Watcher, root string) error {
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(f.root, p); err == nil && rel != "." && f.ignore.Match(rel) {
			return fs.SkipDir
		}
		if err := w.Add(p); err != nil {
			f.logger.Warn("watch add failed", "dir", p, "error", err)
		}
		return nil
	})
}

// eventBatch accumulates events in arrival order, keeping only the latest
// event per path. known holds every file present under the root as of the
// last event and survives drain.
type eventBatch struct {
	order  []string
	events map[string]kozeki.Event
	known  map[string]struct{}
}

func newEventBatch() *eventBatch {
	return &eventBatch{
		events: make(map[string]kozeki.Event),
		known:  make(map[string]struct{}),
	}
}

func (b *eventBatch) add(ev kozeki.Event) {
	key := ev.Path.String()
	if _, ok := b.events[key]; !ok {
		b.order = append(b.order, key)
	}
	b.events[key] = ev
	if ev.Op == kozeki.EventDelete {
		delete(b.known, key)
	} else {
		b.known[key] = struct{}{}
	}
}

// removeTree adds a delete for path and for every known file below it.
func (b *eventBatch) removeTree(path kozeki.Path) {
	prefix := path.String() + "/"
	var below []string
	for key := range b.known {
		if strings.HasPrefix(key, prefix) {
			below = append(below, key)
		}
	}
	sort.Strings(below)

	b.add(kozeki.Event{Op: kozeki.EventDelete, Path: path})
	for _, key := range below {
		b.add(kozeki.Event{Op: kozeki.EventDelete, Path: kozeki.ParsePath(key)})
	}
}

func (b *eventBatch) drain() []kozeki.Event {
	events := make([]kozeki.Event, 0, len(b.order))
	for _, key := range b.order {
		events = append(events, b.events[key])
	}
	b.order = nil
	b.events = make(map[string]kozeki.Event)
	return events
}

var (
	_ kozeki.Filesystem = (*LocalFilesystem)(nil)
	_ kozeki.Watcher    = (*LocalFilesystem)(nil)
)
