package display

import (
	"testing"

	"gocorder/internal/block"
)

func TestSink_OfferNeverBlocks(t *testing.T) {
	s := NewSink(2)
	for i := 0; i < 10; i++ {
		s.Offer(block.New(1, 1, uint64(i), 1000))
	}
	if s.Dropped() != 8 {
		t.Fatalf("dropped = %d, want 8", s.Dropped())
	}

	// The survivors are the newest blocks.
	s.Close()
	var got []uint64
	for b := range s.Blocks() {
		got = append(got, b.StartIndex)
	}
	if len(got) != 2 || got[0] != 8 || got[1] != 9 {
		t.Fatalf("queued blocks = %v, want [8 9]", got)
	}
}

func TestSink_OfferAfterClose(t *testing.T) {
	s := NewSink(4)
	s.Close()
	if s.Offer(block.New(1, 1, 0, 1000)) {
		t.Fatal("offer accepted after close")
	}
	// Double close must not panic.
	s.Close()
}
