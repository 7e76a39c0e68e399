// Package trigger aligns asynchronous marker events with the sample
// stream. Hardware trigger-line events arrive already stamped by the
// amplifier; software events are injected at an arbitrary moment and get
// stamped with the stream position current at injection time.
package trigger

import (
	"sync"

	"gocorder/internal/block"
)

// DefaultQueueSize bounds the number of injected events waiting to be
// attached to a block.
const DefaultQueueSize = 256

// Handler collects injected software triggers and attaches them to the
// first block that covers their sample index. It is safe for concurrent
// use: Inject may be called from any goroutine while the pipeline calls
// Attach.
type Handler struct {
	mu       sync.Mutex
	pending  []block.TriggerEvent
	position uint64 // index of the next expected frame
	max      int
	dropped  uint64
}

// NewHandler creates a handler with the given queue bound; size <= 0
// selects DefaultQueueSize.
func NewHandler(size int) *Handler {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Handler{max: size}
}

// Inject queues a software trigger stamped at the current stream
// position. When the queue is full the oldest unattached event is
// dropped and counted.
func (h *Handler) Inject(code int, description string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) >= h.max {
		h.pending = h.pending[1:]
		h.dropped++
	}
	h.pending = append(h.pending, block.TriggerEvent{
		Code:        code,
		Description: description,
		SampleIndex: h.position,
		Source:      block.SourceSoftware,
	})
}

// Attach merges pending software events into blk and advances the stream
// position. An event stamped inside a data gap attaches to the first
// block after the gap, clamped to its first frame. The resulting trigger
// list is ordered by sample index; events never move to an earlier block.
func (h *Handler) Attach(blk *block.SampleBlock) {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := blk.EndIndex()
	kept := h.pending[:0]
	for _, ev := range h.pending {
		if ev.SampleIndex >= end {
			kept = append(kept, ev)
			continue
		}
		if ev.SampleIndex < blk.StartIndex {
			ev.SampleIndex = blk.StartIndex
		}
		blk.Triggers = insertOrdered(blk.Triggers, ev)
	}
	h.pending = kept
	if end > h.position {
		h.position = end
	}
}

// Dropped reports how many injected events were discarded because the
// queue bound was hit.
func (h *Handler) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// insertOrdered keeps the trigger list sorted by sample index. Hardware
// events stamped at the same index stay ahead of software ones because
// insertion is stable from the back.
func insertOrdered(list []block.TriggerEvent, ev block.TriggerEvent) []block.TriggerEvent {
	i := len(list)
	for i > 0 && list[i-1].SampleIndex > ev.SampleIndex {
		i--
	}
	list = append(list, block.TriggerEvent{})
	copy(list[i+1:], list[i:])
	list[i] = ev
	return list
}
