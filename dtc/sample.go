package dtc

import "sync/atomic"

// Sample is a single timestamped raw reading from a monitored input.
// Immutable once produced; ownership transfers to the detector on drain.
type Sample struct {
	Timestamp uint64 // monotonic tick
	Channel   ChannelID
	RawValue  int32
	Valid     bool
}

// SampleChannel is a fixed-capacity single-producer/single-consumer ring.
// Push is called from the producer context and never blocks or allocates;
// when full it overwrites the oldest entry and counts the loss. DrainAll is
// called from the detector's periodic context and empties the ring in
// arrival order.
//
// Indexing discipline: the producer owns the write cursor, the read cursor
// advances by compare-and-swap from whichever side needs it (the consumer
// when draining, the producer when overwriting the oldest slot). A consumer
// copy of a slot is only kept if its cursor CAS succeeds, so a slot that the
// producer overwrote mid-read is discarded and re-read.
type SampleChannel struct {
	buf      []Sample
	capacity uint64
	read     atomic.Uint64
	write    atomic.Uint64
	overflow atomic.Uint64
}

// NewSampleChannel creates a ring holding up to capacity samples.
// Capacity must be at least 1; sizing is validated at configuration time.
func NewSampleChannel(capacity int) *SampleChannel {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleChannel{
		buf:      make([]Sample, capacity),
		capacity: uint64(capacity),
	}
}

// Push appends a sample, overwriting the oldest entry when the ring is full.
// Producer context only.
func (c *SampleChannel) Push(s Sample) {
	for {
		w := c.write.Load()
		r := c.read.Load()
		if w-r >= c.capacity {
			// Full: drop the oldest entry and record the loss. The CAS can
			// lose to a concurrent drain, in which case room just opened up.
			if c.read.CompareAndSwap(r, r+1) {
				c.overflow.Add(1)
			}
			continue
		}
		c.buf[w%c.capacity] = s
		c.write.Store(w + 1)
		return
	}
}

// DrainAll removes and returns all buffered samples in arrival order.
// Consumer context only. Returns nil when the ring is empty.
func (c *SampleChannel) DrainAll() []Sample {
	var out []Sample
	for {
		r := c.read.Load()
		w := c.write.Load()
		if r == w {
			return out
		}
		s := c.buf[r%c.capacity]
		if c.read.CompareAndSwap(r, r+1) {
			out = append(out, s)
		}
		// CAS failure means the producer overwrote this slot; the stale
		// copy is dropped and the loop re-reads at the new cursor.
	}
}

// Len returns the number of buffered samples.
func (c *SampleChannel) Len() int {
	w := c.write.Load()
	r := c.read.Load()
	return int(w - r)
}

// OverflowCount returns the total number of samples dropped to overwrite.
func (c *SampleChannel) OverflowCount() uint64 {
	return c.overflow.Load()
}
