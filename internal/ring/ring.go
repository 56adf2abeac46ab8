// Package ring provides a fixed-capacity line buffer with oldest-eviction,
// used for background process stdout/stderr.
package ring

import "sync"

// Line is one buffered line with its absolute sequence number. Sequence
// numbers start at 0 and never repeat, so a reader holding the last seen
// sequence can resume without duplication or gaps even after eviction.
type Line struct {
	Seq  uint64
	Text string
}

// Buffer is a bounded, append-only line buffer. Once full, the oldest line
// is dropped silently on each append.
type Buffer struct {
	mu      sync.Mutex
	lines   []Line
	head    int // index of oldest line
	count   int
	next    uint64 // sequence of the next appended line
	dropped uint64
}

// New creates a buffer holding at most capacity lines.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{lines: make([]Line, capacity)}
}

// Append adds a line, evicting the oldest if the buffer is full.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := Line{Seq: b.next, Text: text}
	b.next++

	if b.count == len(b.lines) {
		b.lines[b.head] = line
		b.head = (b.head + 1) % len(b.lines)
		b.dropped++
		return
	}

	b.lines[(b.head+b.count)%len(b.lines)] = line
	b.count++
}

// Since returns all buffered lines with sequence >= seq, in order. Lines
// evicted before seq are gone; the caller observes the gap through the
// returned sequence numbers.
func (b *Buffer) Since(seq uint64) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Line, 0, b.count)
	for i := 0; i < b.count; i++ {
		line := b.lines[(b.head+i)%len(b.lines)]
		if line.Seq >= seq {
			out = append(out, line)
		}
	}
	return out
}

// Tail returns the last n buffered lines.
func (b *Buffer) Tail(n int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	out := make([]Line, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.lines[(b.head+i)%len(b.lines)])
	}
	return out
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// NextSeq returns the sequence number the next appended line will get.
func (b *Buffer) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Dropped returns how many lines were evicted.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
