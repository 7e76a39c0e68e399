package display

import (
	"math"

	"gocorder/internal/block"
)

// Decimator reduces the stream to a screen-friendly rate with an
// anti-aliasing lowpass ahead of the downsampling. State carries across
// blocks, so rendering a stream block by block produces the same trace
// as rendering it whole.
type Decimator struct {
	factor int
	taps   []float64
	state  [][]float64
	phase  int
}

// NewDecimator builds a decimator that keeps one of every factor frames.
// The anti-aliasing cutoff sits just under the decimated Nyquist rate.
func NewDecimator(channels, factor int) *Decimator {
	if factor < 1 {
		factor = 1
	}
	d := &Decimator{
		factor: factor,
		taps:   designLowpassTaps(4*factor+1, 0.45/float64(factor)),
		state:  make([][]float64, channels),
	}
	for ch := range d.state {
		d.state[ch] = make([]float64, len(d.taps)-1)
	}
	return d
}

// Process returns the decimated rendition of one block. Impedance-mode
// blocks pass through untouched; their values are readings, not signal.
func (d *Decimator) Process(b *block.SampleBlock) (*block.SampleBlock, error) {
	if d.factor == 1 || b.Mode == block.ModeImpedance {
		return b, nil
	}

	frames := b.Frames()
	out := &block.SampleBlock{
		Data:       make([][]float64, b.Channels()),
		StartIndex: b.StartIndex,
		Timestamp:  b.Timestamp,
		SampleRate: b.SampleRate / float64(d.factor),
		Mode:       b.Mode,
		GapBefore:  b.GapBefore,
		Triggers:   b.Triggers,
	}

	history := len(d.taps) - 1
	phase := d.phase
	for ch := range b.Data {
		if ch >= len(d.state) {
			break
		}
		buffer := make([]float64, history+frames)
		copy(buffer, d.state[ch])
		copy(buffer[history:], b.Data[ch])

		p := phase
		var kept []float64
		for i := 0; i < frames; i++ {
			if p == 0 {
				var acc float64
				for j, tap := range d.taps {
					acc += buffer[i+j] * tap
				}
				kept = append(kept, acc)
			}
			p++
			if p == d.factor {
				p = 0
			}
		}
		out.Data[ch] = kept
		d.state[ch] = buffer[len(buffer)-history:]
		if ch == len(b.Data)-1 {
			d.phase = p
		}
	}
	return out, nil
}

// Reset clears the filter history, e.g. across a stream gap.
func (d *Decimator) Reset() {
	for ch := range d.state {
		for i := range d.state[ch] {
			d.state[ch][i] = 0
		}
	}
	d.phase = 0
}

// designLowpassTaps is a windowed-sinc lowpass design; cutoff is
// normalized to the input sample rate.
func designLowpassTaps(numTaps int, cutoff float64) []float64 {
	taps := make([]float64, numTaps)
	m := float64(numTaps - 1)
	fc := cutoff * 2
	for n := 0; n < numTaps; n++ {
		x := float64(n) - m/2
		if x == 0 {
			taps[n] = fc
		} else {
			taps[n] = fc * math.Sin(math.Pi*fc*x) / (math.Pi * fc * x)
		}
		taps[n] *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(n)/m)
	}
	sum := 0.0
	for _, t := range taps {
		sum += t
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}
