package session

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// OverflowPolicy decides what Append does when the buffer is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest buffered text to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// Block makes Append wait until a Drain or Close frees space.
	Block OverflowPolicy = "block"
)

// OutputBuffer is a FIFO of decoded output chunks with one producer (the
// pump) and any number of consumers. Drain hands back everything appended
// before it, in order, exactly once.
type OutputBuffer struct {
	mu      sync.Mutex
	space   *sync.Cond
	chunks  []string
	size    int
	limit   int
	policy  OverflowPolicy
	dropped int64
	closed  bool
}

// NewOutputBuffer creates a buffer holding at most limit bytes. A limit of 0
// means unbounded.
func NewOutputBuffer(limit int, policy OverflowPolicy) *OutputBuffer {
	if policy == "" {
		policy = DropOldest
	}
	b := &OutputBuffer{limit: limit, policy: policy}
	b.space = sync.NewCond(&b.mu)
	return b
}

// Append adds chunk and returns how many bytes were discarded to fit it.
// Under Block it waits for room instead; after Close it discards the chunk.
func (b *OutputBuffer) Append(chunk string) (dropped int) {
	if chunk == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.policy == Block {
		for !b.closed && b.limit > 0 && b.size > 0 && b.size+len(chunk) > b.limit {
			b.space.Wait()
		}
		if b.closed {
			return 0
		}
	}

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	if b.policy == DropOldest && b.limit > 0 {
		dropped = b.trimLocked()
		b.dropped += int64(dropped)
	}
	return dropped
}

// trimLocked drops whole chunks from the front, then a prefix of the first
// remaining chunk cut at a rune boundary, until size <= limit.
func (b *OutputBuffer) trimLocked() int {
	dropped := 0
	for b.size > b.limit && len(b.chunks) > 1 {
		dropped += len(b.chunks[0])
		b.size -= len(b.chunks[0])
		b.chunks[0] = ""
		b.chunks = b.chunks[1:]
	}
	if b.size > b.limit {
		head := b.chunks[0]
		cut := len(head) - b.limit
		for cut < len(head) && !utf8.RuneStart(head[cut]) {
			cut++
		}
		b.chunks[0] = head[cut:]
		b.size -= cut
		dropped += cut
	}
	return dropped
}

// Drain returns the buffered text and empties the buffer. It returns "" when
// nothing is buffered.
func (b *OutputBuffer) Drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out string
	switch len(b.chunks) {
	case 0:
		return ""
	case 1:
		out = b.chunks[0]
	default:
		out = strings.Join(b.chunks, "")
	}
	b.chunks = nil
	b.size = 0
	b.space.Broadcast()
	return out
}

// Len returns the number of buffered bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the total bytes discarded by DropOldest.
func (b *OutputBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SetLimit changes the bound and policy. Buffered text over a lowered limit
// is trimmed under DropOldest.
func (b *OutputBuffer) SetLimit(limit int, policy OverflowPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if policy == "" {
		policy = DropOldest
	}
	b.limit = limit
	b.policy = policy
	if policy == DropOldest && limit > 0 && b.size > limit {
		b.dropped += int64(b.trimLocked())
	}
	b.space.Broadcast()
}

// Close releases a producer blocked in Append. Buffered text can still be
// drained.
func (b *OutputBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.space.Broadcast()
}
