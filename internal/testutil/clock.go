package testutil

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kozeki/internal/kozeki"
)

// BuildTime is the instant FixedClock starts at.
var BuildTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock is a kozeki.Clock that only moves when told to. Builds stamp
// built_at and source mtimes from it, so tests can place files before or
// after a build.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock at BuildTime.
func FixedClock() *StubClock {
	return NewStubClock(BuildTime)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward, e.g. between two builds.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StubIDGenerator hands out log session ids "id-1", "id-2", ...
type StubIDGenerator struct {
	n atomic.Int64
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	return "id-" + strconv.FormatInt(g.n.Add(1), 10)
}

var (
	_ kozeki.Clock       = (*StubClock)(nil)
	_ kozeki.IDGenerator = (*StubIDGenerator)(nil)
)
