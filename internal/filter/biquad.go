// Package filter implements the online filter engine: causal per-channel
// highpass, lowpass and notch filtering with state that persists across
// block boundaries, so that filtering a stream block by block is equivalent
// to filtering it as one continuous sequence.
package filter

import "math"

// Coefficients is one normalized second-order section (a0 == 1).
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Section is a biquad with its Direct Form I delay line.
type Section struct {
	Coefficients
	x1, x2 float64
	y1, y2 float64
}

// ProcessBlock filters buf in place.
func (s *Section) ProcessBlock(buf []float64) {
	x1, x2, y1, y2 := s.x1, s.x2, s.y1, s.y2
	for i, x0 := range buf {
		y0 := s.B0*x0 + s.B1*x1 + s.B2*x2 - s.A1*y1 - s.A2*y2
		x2, x1 = x1, x0
		y2, y1 = y1, y0
		buf[i] = y0
	}
	s.x1, s.x2, s.y1, s.y2 = x1, x2, y1, y2
}

// Reset clears the delay line.
func (s *Section) Reset() {
	s.x1, s.x2, s.y1, s.y2 = 0, 0, 0, 0
}

// Cascade is an ordered chain of sections sharing one channel's signal.
type Cascade struct {
	sections []Section
}

// NewCascade builds a cascade from coefficient sets, one section each.
func NewCascade(coeffs []Coefficients) *Cascade {
	c := &Cascade{sections: make([]Section, len(coeffs))}
	for i := range coeffs {
		c.sections[i].Coefficients = coeffs[i]
	}
	return c
}

// ProcessBlock runs buf through all sections in order, in place.
func (c *Cascade) ProcessBlock(buf []float64) {
	for i := range c.sections {
		c.sections[i].ProcessBlock(buf)
	}
}

// Reset clears all section states.
func (c *Cascade) Reset() {
	for i := range c.sections {
		c.sections[i].Reset()
	}
}

func normalize(b0, b1, b2, a0, a1, a2 float64) Coefficients {
	inv := 1.0 / a0
	return Coefficients{
		B0: b0 * inv, B1: b1 * inv, B2: b2 * inv,
		A1: a1 * inv, A2: a2 * inv,
	}
}

// butterworthQ returns the Q of the i-th of n cascaded sections of a
// Butterworth filter of order 2n.
func butterworthQ(i, n int) float64 {
	theta := math.Pi * (2.0*float64(i) + 1.0) / (4.0 * float64(n))
	return 1.0 / (2.0 * math.Sin(theta))
}

// DesignLowpass returns a Butterworth lowpass of the given even order.
func DesignLowpass(order int, sampleRate, cutoff float64) []Coefficients {
	return designButterworth(order, sampleRate, cutoff, lowpassSection)
}

// DesignHighpass returns a Butterworth highpass of the given even order.
func DesignHighpass(order int, sampleRate, cutoff float64) []Coefficients {
	return designButterworth(order, sampleRate, cutoff, highpassSection)
}

func designButterworth(order int, sampleRate, cutoff float64, section func(fs, fc, q float64) Coefficients) []Coefficients {
	n := order / 2
	coeffs := make([]Coefficients, n)
	for i := 0; i < n; i++ {
		coeffs[i] = section(sampleRate, cutoff, butterworthQ(i, n))
	}
	return coeffs
}

func lowpassSection(sampleRate, frequency, q float64) Coefficients {
	omega := 2.0 * math.Pi * frequency / sampleRate
	sinW, cosW := math.Sin(omega), math.Cos(omega)
	alpha := sinW / (2.0 * q)

	return normalize(
		(1.0-cosW)/2.0, 1.0-cosW, (1.0-cosW)/2.0,
		1.0+alpha, -2.0*cosW, 1.0-alpha,
	)
}

func highpassSection(sampleRate, frequency, q float64) Coefficients {
	omega := 2.0 * math.Pi * frequency / sampleRate
	sinW, cosW := math.Sin(omega), math.Cos(omega)
	alpha := sinW / (2.0 * q)

	return normalize(
		(1.0+cosW)/2.0, -(1.0 + cosW), (1.0+cosW)/2.0,
		1.0+alpha, -2.0*cosW, 1.0-alpha,
	)
}

// DesignNotch returns a band-reject section centered on frequency with a
// ±1 Hz stop band, matching the mains-hum rejection of the recording
// hardware family.
func DesignNotch(sampleRate, frequency float64) []Coefficients {
	q := frequency / 2.0 // bandwidth 2 Hz
	omega := 2.0 * math.Pi * frequency / sampleRate
	sinW, cosW := math.Sin(omega), math.Cos(omega)
	alpha := sinW / (2.0 * q)

	return []Coefficients{normalize(
		1.0, -2.0*cosW, 1.0,
		1.0+alpha, -2.0*cosW, 1.0-alpha,
	)}
}
