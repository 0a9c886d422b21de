package clock

import (
	"sync/atomic"
	"time"
)

// Clock supplies the two monotonic counters the timing model requires:
// wall-clock time and a logical sequence counter (block-number analogue).
// Wall-clock time can be adversarially influenced within a bounded window,
// so the most security-critical checks require both counters to clear.
type Clock interface {
	Now() time.Time
	Sequence() uint64
}

// Advancer is the write half of the logical sequence. The serving shell
// advances it once per operation handed to the vault; the vault itself
// only ever reads the counter.
type Advancer interface {
	Advance() uint64
}

// SystemClock is the production clock: wall time plus a process-local
// sequence advanced by the host loop once per ingested operation.
type SystemClock struct {
	seq atomic.Uint64
}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Sequence() uint64 {
	return c.seq.Load()
}

// Advance increments the logical sequence. Called by the serving shell
// before each operation is handed to the vault.
func (c *SystemClock) Advance() uint64 {
	return c.seq.Add(1)
}

// Resume raises the sequence to seq if it is ahead of the current value.
// Used after a restart so deposit sequences restored from a snapshot stay
// behind the live counter.
func (c *SystemClock) Resume(seq uint64) {
	for {
		cur := c.seq.Load()
		if seq <= cur || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// ManualClock is a test clock with settable time and sequence.
type ManualClock struct {
	now time.Time
	seq uint64
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	return c.now
}

func (c *ManualClock) Sequence() uint64 {
	return c.seq
}

func (c *ManualClock) Set(t time.Time) {
	c.now = t
}

func (c *ManualClock) Tick(d time.Duration) {
	c.now = c.now.Add(d)
}

func (c *ManualClock) AdvanceSequence(n uint64) {
	c.seq += n
}

func (c *ManualClock) Advance() uint64 {
	c.seq++
	return c.seq
}
