package display

import (
	"math"
	"testing"

	"gocorder/internal/block"
)

// TestDesignLowpassTaps checks the anti-aliasing filter properties.
func TestDesignLowpassTaps(t *testing.T) {
	taps := designLowpassTaps(17, 0.1)
	if len(taps) != 17 {
		t.Fatalf("got %d taps, want 17", len(taps))
	}

	// Linear phase: symmetric taps.
	for i := 0; i < len(taps)/2; i++ {
		if math.Abs(taps[i]-taps[len(taps)-1-i]) > 1e-12 {
			t.Errorf("taps not symmetric at %d: %g vs %g", i, taps[i], taps[len(taps)-1-i])
		}
	}

	// Unity DC gain.
	var sum float64
	for _, tap := range taps {
		sum += tap
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Errorf("tap sum = %g, want 1", sum)
	}
}

func rampBlock(channels, frames int, start uint64) *block.SampleBlock {
	b := block.New(channels, frames, start, 1000)
	for ch := range b.Data {
		for i := range b.Data[ch] {
			b.Data[ch][i] = float64(start) + float64(i)
		}
	}
	return b
}

// TestDecimator_BlockBoundaryTransparency verifies decimating a stream
// block by block matches decimating it whole.
func TestDecimator_BlockBoundaryTransparency(t *testing.T) {
	const frames = 200
	const factor = 4

	whole := NewDecimator(1, factor)
	full, err := whole.Process(rampBlock(1, frames, 0))
	if err != nil {
		t.Fatal(err)
	}

	chunked := NewDecimator(1, factor)
	var pieces []float64
	for _, split := range []struct{ start, n int }{{0, 73}, {73, 27}, {100, 100}} {
		out, err := chunked.Process(rampBlock(1, split.n, uint64(split.start)))
		if err != nil {
			t.Fatal(err)
		}
		pieces = append(pieces, out.Data[0]...)
	}

	if len(pieces) != len(full.Data[0]) {
		t.Fatalf("chunked output has %d frames, whole has %d", len(pieces), len(full.Data[0]))
	}
	for i := range pieces {
		if math.Abs(pieces[i]-full.Data[0][i]) > 1e-9 {
			t.Fatalf("mismatch at %d: chunked=%g whole=%g", i, pieces[i], full.Data[0][i])
		}
	}

	if full.Frames() != frames/factor {
		t.Fatalf("decimated frames = %d, want %d", full.Frames(), frames/factor)
	}
	if full.SampleRate != 250 {
		t.Fatalf("decimated rate = %g, want 250", full.SampleRate)
	}
}

// TestDecimator_ShortBlocksCanBeEmpty documents that a block shorter
// than the factor may keep no frames at all; the phase still advances so
// the kept frames stay evenly spaced across blocks.
func TestDecimator_ShortBlocksCanBeEmpty(t *testing.T) {
	d := NewDecimator(1, 4)

	var total int
	for i := 0; i < 8; i++ {
		out, err := d.Process(rampBlock(1, 1, uint64(i)))
		if err != nil {
			t.Fatal(err)
		}
		if i%4 == 0 {
			if out.Frames() != 1 {
				t.Fatalf("block %d: frames = %d, want 1", i, out.Frames())
			}
		} else if out.Frames() != 0 {
			t.Fatalf("block %d: frames = %d, want 0", i, out.Frames())
		}
		total += out.Frames()
	}
	if total != 2 {
		t.Fatalf("kept %d frames of 8, want 2", total)
	}
}

// TestDecimator_ImpedancePassThrough verifies readings are not filtered.
func TestDecimator_ImpedancePassThrough(t *testing.T) {
	d := NewDecimator(1, 4)
	b := block.New(1, 8, 0, 1000)
	b.Mode = block.ModeImpedance
	for i := range b.Data[0] {
		b.Data[0][i] = 5000
	}
	out, err := d.Process(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.Frames() != 8 || out.Data[0][0] != 5000 {
		t.Fatalf("impedance block was modified: %d frames", out.Frames())
	}
}
