// Package montage implements the re-reference engine: a linear
// recombination of raw channels into derived display/storage channels via a
// configurable coefficient matrix.
package montage

import (
	"fmt"

	"gocorder/internal/block"
)

// Montage transforms N input channels into M output channels. The matrix
// is M×N; rows are arbitrary linear combinations and need not sum to one.
type Montage struct {
	matrix [][]float64
	labels []string
	inputs int
}

// New validates the matrix shape at setup time. A column count that does
// not match the input channel count is a configuration error here, never a
// per-block runtime error.
func New(matrix [][]float64, labels []string, inputChannels int) (*Montage, error) {
	if len(matrix) == 0 {
		return nil, &block.ConfigurationError{Reason: "montage matrix has no rows"}
	}
	for i, row := range matrix {
		if len(row) != inputChannels {
			return nil, &block.ConfigurationError{Reason: fmt.Sprintf(
				"montage row %d has %d columns, input has %d channels", i, len(row), inputChannels)}
		}
	}
	if len(labels) != len(matrix) {
		return nil, &block.ConfigurationError{Reason: fmt.Sprintf(
			"montage has %d labels for %d derived channels", len(labels), len(matrix))}
	}
	return &Montage{matrix: matrix, labels: labels, inputs: inputChannels}, nil
}

// Identity returns the pass-through montage for n channels.
func Identity(descriptors []block.ChannelDescriptor) (*Montage, error) {
	n := len(descriptors)
	matrix := make([][]float64, n)
	labels := make([]string, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
		labels[i] = descriptors[i].Label
	}
	return New(matrix, labels, n)
}

// AverageReference returns a montage subtracting the mean of all channels
// from each channel.
func AverageReference(descriptors []block.ChannelDescriptor) (*Montage, error) {
	n := len(descriptors)
	matrix := make([][]float64, n)
	labels := make([]string, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		for j := range matrix[i] {
			matrix[i][j] = -1.0 / float64(n)
		}
		matrix[i][i] += 1.0
		labels[i] = descriptors[i].Label + "-AVG"
	}
	return New(matrix, labels, n)
}

// BipolarPairs returns a montage of adjacent-channel differences
// (ch0-ch1, ch1-ch2, ...), the classic longitudinal derivation.
func BipolarPairs(descriptors []block.ChannelDescriptor) (*Montage, error) {
	n := len(descriptors)
	if n < 2 {
		return nil, &block.ConfigurationError{Reason: "bipolar montage needs at least 2 channels"}
	}
	matrix := make([][]float64, n-1)
	labels := make([]string, n-1)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
		matrix[i][i+1] = -1
		labels[i] = descriptors[i].Label + "-" + descriptors[i+1].Label
	}
	return New(matrix, labels, n)
}

// Labels returns the derived channel labels.
func (m *Montage) Labels() []string { return m.labels }

// OutputChannels returns the derived channel count M.
func (m *Montage) OutputChannels() int { return len(m.matrix) }

// Process applies the linear transform, producing a new block of M derived
// channels. The input block is not modified. Impedance blocks pass through
// untouched since their values are per-electrode, not per-derivation.
func (m *Montage) Process(b *block.SampleBlock) (*block.SampleBlock, error) {
	if b.Mode == block.ModeImpedance {
		return b, nil
	}
	if b.Channels() != m.inputs {
		return nil, &block.ConfigurationError{Reason: fmt.Sprintf(
			"montage configured for %d channels, block has %d", m.inputs, b.Channels())}
	}

	frames := b.Frames()
	out := &block.SampleBlock{
		Data:       make([][]float64, len(m.matrix)),
		StartIndex: b.StartIndex,
		Timestamp:  b.Timestamp,
		SampleRate: b.SampleRate,
		Mode:       b.Mode,
		GapBefore:  b.GapBefore,
		Triggers:   b.Triggers,
	}
	for r, row := range m.matrix {
		derived := make([]float64, frames)
		for c, w := range row {
			if w == 0 {
				continue
			}
			src := b.Data[c]
			for i := range derived {
				derived[i] += w * src[i]
			}
		}
		out.Data[r] = derived
	}
	return out, nil
}
