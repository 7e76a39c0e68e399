// Package display decouples the on-screen consumer from the acquisition
// path. The sink never blocks the producer: when the viewer falls behind,
// the oldest queued block is discarded and counted, and storage is
// unaffected because it receives its blocks on a separate path.
package display

import (
	"sync"

	"gocorder/internal/block"
)

// Sink is a bounded, lossy queue of display blocks.
type Sink struct {
	mu      sync.Mutex
	ch      chan *block.SampleBlock
	closed  bool
	dropped uint64
}

// NewSink creates a sink holding at most depth blocks; depth < 1 is
// raised to 1.
func NewSink(depth int) *Sink {
	if depth < 1 {
		depth = 1
	}
	return &Sink{ch: make(chan *block.SampleBlock, depth)}
}

// Offer queues a block without blocking. When the queue is full the
// oldest block is dropped so the viewer stays close to real time. The
// return value reports whether a drop happened.
func (s *Sink) Offer(b *block.SampleBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- b:
			return true
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Blocks is the consumer side. The channel closes when the sink closes.
func (s *Sink) Blocks() <-chan *block.SampleBlock {
	return s.ch
}

// Dropped reports how many blocks were discarded because the consumer
// fell behind.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close shuts the queue; pending blocks remain readable.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
