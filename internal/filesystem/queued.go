package filesystem

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kozeki/internal/kozeki"
)

// DefaultQueueWorkers is the number of workers of a QueuedFilesystem.
const DefaultQueueWorkers = 6

// ErrQueueClosed is returned by writes issued after Close.
var ErrQueueClosed = errors.New("queue closed")

type opKind int

const (
	opWrite opKind = iota
	opDelete
)

type queuedOp struct {
	kind    opKind
	path    kozeki.Path
	content []byte
}

// QueuedFilesystem wraps a backend and performs writes and deletes on a pool
// of workers. Operations on the same path go to the same worker, so they
// apply in the order they were issued. Flush waits for all of them.
type QueuedFilesystem struct {
	backend kozeki.Filesystem
	workers int

	mu     sync.Mutex
	queues []chan queuedOp
	group  *errgroup.Group
	closed bool
}

// NewQueuedFilesystem starts workers goroutines in front of backend.
func NewQueuedFilesystem(backend kozeki.Filesystem, workers int) *QueuedFilesystem {
	if workers <= 0 {
		workers = DefaultQueueWorkers
	}
	q := &QueuedFilesystem{backend: backend, workers: workers}
	q.start()
	return q
}

func (q *QueuedFilesystem) start() {
	q.group = new(errgroup.Group)
	q.queues = make([]chan queuedOp, q.workers)
	for i := range q.queues {
		ch := make(chan queuedOp, 64)
		q.queues[i] = ch
		q.group.Go(func() error { return q.drain(ch) })
	}
}

// drain applies operations until the queue is closed. After the first
// failure it keeps consuming so producers never block.
func (q *QueuedFilesystem) drain(ch <-chan queuedOp) error {
	var firstErr error
	for op := range ch {
		if firstErr != nil {
			continue
		}
		if err := q.apply(op); err != nil {
			firstErr = err
		}
	}
	return firstErr
}

func (q *QueuedFilesystem) apply(op queuedOp) error {
	switch op.kind {
	case opWrite:
		return q.backend.Write(op.path, op.content)
	case opDelete:
		return q.backend.Delete(op.path)
	default:
		return fmt.Errorf("unknown queued operation %d", op.kind)
	}
}

func (q *QueuedFilesystem) enqueue(op queuedOp) error {
	if err := op.path.Validate(); err != nil {
		return err
	}
	h := fnv.New32a()
	h.Write([]byte(op.path.String()))

	// Held while sending so Flush cannot close the channel underneath us.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.queues[h.Sum32()%uint32(len(q.queues))] <- op
	return nil
}

func (q *QueuedFilesystem) Write(path kozeki.Path, content []byte) error {
	return q.enqueue(queuedOp{kind: opWrite, path: path, content: content})
}

func (q *QueuedFilesystem) Delete(path kozeki.Path) error {
	return q.enqueue(queuedOp{kind: opDelete, path: path})
}

// Flush waits for every queued operation, returns the first error, and
// starts a fresh pool for subsequent operations.
func (q *QueuedFilesystem) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	err := q.stopLocked()
	q.start()
	if ferr := q.backend.Flush(); err == nil {
		err = ferr
	}
	return err
}

// Close waits for queued operations and stops the workers.
func (q *QueuedFilesystem) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.stopLocked()
}

func (q *QueuedFilesystem) stopLocked() error {
	for _, ch := range q.queues {
		close(ch)
	}
	return q.group.Wait()
}

func (q *QueuedFilesystem) Read(path kozeki.Path) ([]byte, error) {
	return q.backend.Read(path)
}

func (q *QueuedFilesystem) ReadWithMtime(path kozeki.Path) ([]byte, time.Time, error) {
	return q.backend.ReadWithMtime(path)
}

func (q *QueuedFilesystem) ListEntries() ([]kozeki.Entry, error) {
	return q.backend.ListEntries()
}

func (q *QueuedFilesystem) List() ([]kozeki.Path, error) {
	return q.backend.List()
}

// RetainOnly runs synchronously against the backend.
func (q *QueuedFilesystem) RetainOnly(keep []kozeki.Path) ([]kozeki.Path, error) {
	return q.backend.RetainOnly(keep)
}

var _ kozeki.Filesystem = (*QueuedFilesystem)(nil)
