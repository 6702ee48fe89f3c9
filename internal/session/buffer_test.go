package session

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestOutputBuffer_DrainOnce(t *testing.T) {
	b := NewOutputBuffer(0, DropOldest)
	if got := b.Drain(); got != "" {
		t.Errorf("Drain() on empty = %q", got)
	}
	b.Append("one ")
	b.Append("")
	b.Append("two")
	if got := b.Drain(); got != "one two" {
		t.Errorf("Drain() = %q, want %q", got, "one two")
	}
	if got := b.Drain(); got != "" {
		t.Errorf("second Drain() = %q, want empty", got)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after drain", b.Len())
	}
}

func TestOutputBuffer_DropOldest(t *testing.T) {
	b := NewOutputBuffer(10, DropOldest)
	b.Append("aaaa")
	b.Append("bbbb")
	if dropped := b.Append("cccc"); dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}
	if got := b.Drain(); got != "bbbbcccc" {
		t.Errorf("Drain() = %q", got)
	}

	if dropped := b.Append("0123456789abcdef"); dropped != 6 {
		t.Errorf("oversized chunk dropped = %d, want 6", dropped)
	}
	if got := b.Drain(); got != "6789abcdef" {
		t.Errorf("Drain() = %q, want the newest 10 bytes", got)
	}
	if b.Dropped() != 10 {
		t.Errorf("Dropped() = %d, want 10", b.Dropped())
	}
}

func TestOutputBuffer_TrimKeepsRunesWhole(t *testing.T) {
	b := NewOutputBuffer(4, DropOldest)
	b.Append("ab世界") // 2 + 3 + 3 bytes
	got := b.Drain()
	if got != "界" {
		t.Errorf("Drain() = %q, want %q", got, "界")
	}
}

func TestOutputBuffer_BlockWaitsForDrain(t *testing.T) {
	b := NewOutputBuffer(4, Block)
	b.Append("abcd")

	appended := make(chan struct{})
	go func() {
		b.Append("efgh")
		close(appended)
	}()

	select {
	case <-appended:
		t.Fatal("Append should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}
	if got := b.Drain(); got != "abcd" {
		t.Errorf("Drain() = %q", got)
	}
	select {
	case <-appended:
	case <-time.After(2 * time.Second):
		t.Fatal("Append still blocked after Drain")
	}
	if got := b.Drain(); got != "efgh" {
		t.Errorf("Drain() = %q", got)
	}
	if b.Dropped() != 0 {
		t.Errorf("Block policy dropped %d bytes", b.Dropped())
	}
}

func TestOutputBuffer_BlockOversizedChunkFitsEmptyBuffer(t *testing.T) {
	b := NewOutputBuffer(2, Block)
	done := make(chan struct{})
	go func() {
		b.Append("longer than limit")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("oversized chunk into an empty buffer must not block")
	}
}

func TestOutputBuffer_CloseReleasesBlockedAppend(t *testing.T) {
	b := NewOutputBuffer(1, Block)
	b.Append("x")
	done := make(chan struct{})
	go func() {
		b.Append("y")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release Append")
	}
	if got := b.Drain(); got != "x" {
		t.Errorf("Drain() after Close = %q, want %q", got, "x")
	}
}

func TestOutputBuffer_SetLimit(t *testing.T) {
	b := NewOutputBuffer(0, DropOldest)
	b.Append("0123456789")
	b.SetLimit(3, DropOldest)
	if got := b.Drain(); got != "789" {
		t.Errorf("Drain() after lowering limit = %q", got)
	}
}

func TestOutputBuffer_ConcurrentProducerConsumer(t *testing.T) {
	for _, policy := range []OverflowPolicy{DropOldest, Block} {
		t.Run(string(policy), func(t *testing.T) {
			b := NewOutputBuffer(64, policy)
			if policy == DropOldest {
				b.SetLimit(0, DropOldest)
			}

			var want strings.Builder
			chunks := make([]string, 2000)
			for i := range chunks {
				chunks[i] = string(rune('a'+i%26)) + "|"
				want.WriteString(chunks[i])
			}

			var got strings.Builder
			var wg sync.WaitGroup
			done := make(chan struct{})
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						got.WriteString(b.Drain())
						return
					default:
						got.WriteString(b.Drain())
					}
				}
			}()
			for _, c := range chunks {
				b.Append(c)
			}
			close(done)
			wg.Wait()

			if got.String() != want.String() {
				t.Errorf("consumer saw %d bytes, want %d in order", got.Len(), want.Len())
			}
		})
	}
}
