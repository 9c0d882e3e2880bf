// ABOUTME: Bounded ring buffer of timestamped operational log lines.
// ABOUTME: Drop-oldest on overflow; every append is pushed to the notification fan-out.

package logbuf

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when the configuration doesn't say
// otherwise.
const DefaultCapacity = 1000

// Entry is one operational log line as shown on the dashboard.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Buffer is a bounded FIFO of log entries. Appending when full evicts the
// oldest entry; it never blocks and never grows past its capacity.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry // circular, oldest at head
	head    int
	count   int

	publish func(Entry)
	now     func() time.Time
}

// New creates a buffer. capacity <= 0 selects DefaultCapacity. publish, if
// non-nil, is invoked for every appended entry after the append completes;
// it must not block.
func New(capacity int, publish func(Entry)) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		publish: publish,
		now:     time.Now,
	}
}

// Append records a message with the current timestamp.
func (b *Buffer) Append(message string) {
	b.AppendEntry(Entry{Timestamp: b.now().UTC(), Message: message})
}

// AppendEntry records a pre-built entry.
func (b *Buffer) AppendEntry(e Entry) {
	b.mu.Lock()
	if b.count < len(b.entries) {
		b.entries[(b.head+b.count)%len(b.entries)] = e
		b.count++
	} else {
		b.entries[b.head] = e
		b.head = (b.head + 1) % len(b.entries)
	}
	b.mu.Unlock()

	if b.publish != nil {
		b.publish(e)
	}
}

// Snapshot returns the buffered entries newest-first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, b.count)
	for i := 0; i < b.count; i++ {
		// newest-first: walk backwards from the last written slot
		out[i] = b.entries[(b.head+b.count-1-i)%len(b.entries)]
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
