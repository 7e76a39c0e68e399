package trigger

import (
	"testing"

	"gocorder/internal/block"
)

func TestHandler_AttachToCoveringBlock(t *testing.T) {
	h := NewHandler(0)

	// Advance the stream position to 1000.
	b0 := block.New(1, 1000, 0, 1000)
	h.Attach(b0)
	if len(b0.Triggers) != 0 {
		t.Fatalf("unexpected triggers on first block: %d", len(b0.Triggers))
	}

	h.Inject(7, "Response")

	b1 := block.New(1, 100, 1000, 1000)
	h.Attach(b1)
	if len(b1.Triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(b1.Triggers))
	}
	ev := b1.Triggers[0]
	if ev.Code != 7 || ev.SampleIndex != 1000 || ev.Source != block.SourceSoftware {
		t.Fatalf("event = %+v", ev)
	}

	// Attached once, not again.
	b2 := block.New(1, 100, 1100, 1000)
	h.Attach(b2)
	if len(b2.Triggers) != 0 {
		t.Fatalf("event attached twice")
	}
}

func TestHandler_GapClampsToFirstFrameAfter(t *testing.T) {
	h := NewHandler(0)

	b0 := block.New(1, 100, 0, 1000)
	h.Attach(b0)

	// Injected at position 100, but frames 100..149 are then lost.
	h.Inject(1, "during-gap")

	b1 := block.New(1, 100, 150, 1000)
	b1.GapBefore = 50
	h.Attach(b1)
	if len(b1.Triggers) != 1 {
		t.Fatalf("got %d triggers, want 1", len(b1.Triggers))
	}
	if b1.Triggers[0].SampleIndex != 150 {
		t.Fatalf("event index = %d, want clamp to 150", b1.Triggers[0].SampleIndex)
	}
}

func TestHandler_MergeKeepsOrder(t *testing.T) {
	h := NewHandler(0)

	b0 := block.New(1, 50, 0, 1000)
	h.Attach(b0)
	h.Inject(9, "soft")

	b1 := block.New(1, 100, 50, 1000)
	b1.Triggers = []block.TriggerEvent{
		{Code: 1, SampleIndex: 40, Source: block.SourceHardware},  // stale, stays first
		{Code: 2, SampleIndex: 90, Source: block.SourceHardware},
	}
	h.Attach(b1)

	if len(b1.Triggers) != 3 {
		t.Fatalf("got %d triggers, want 3", len(b1.Triggers))
	}
	var last uint64
	for i, ev := range b1.Triggers {
		if ev.SampleIndex < last {
			t.Fatalf("trigger %d out of order: %+v", i, b1.Triggers)
		}
		last = ev.SampleIndex
	}
	if b1.Triggers[1].Code != 9 {
		t.Fatalf("software event not between hardware events: %+v", b1.Triggers)
	}
}

func TestHandler_QueueBound(t *testing.T) {
	h := NewHandler(4)
	for i := 0; i < 6; i++ {
		h.Inject(i, "x")
	}
	if h.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", h.Dropped())
	}

	b := block.New(1, 10, 0, 1000)
	h.Attach(b)
	if len(b.Triggers) != 4 {
		t.Fatalf("got %d triggers, want 4", len(b.Triggers))
	}
	// The oldest events were the ones discarded.
	if b.Triggers[0].Code != 2 {
		t.Fatalf("first kept code = %d, want 2", b.Triggers[0].Code)
	}
}
