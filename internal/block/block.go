// Package block defines the data units that flow through the acquisition
// pipeline: multi-channel sample blocks, channel descriptors, trigger
// events and impedance readings.
package block

import "time"

// Mode classifies how the samples in a block were captured.
type Mode int

const (
	// ModeNormal is regular signal acquisition.
	ModeNormal Mode = iota
	// ModeImpedance marks blocks produced while the amplifier was in an
	// impedance measurement window. Such blocks carry no usable signal.
	ModeImpedance
	// ModeReducedFidelity marks signal blocks captured while an impedance
	// window was being scheduled on hardware without concurrent modes.
	ModeReducedFidelity
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeImpedance:
		return "impedance"
	case ModeReducedFidelity:
		return "reduced-fidelity"
	}
	return "unknown"
}

// TriggerSource identifies where a trigger event originated.
type TriggerSource int

const (
	// SourceHardware is a trigger captured from the amplifier trigger lines.
	SourceHardware TriggerSource = iota
	// SourceSoftware is a trigger injected by the application.
	SourceSoftware
)

func (s TriggerSource) String() string {
	if s == SourceHardware {
		return "hardware"
	}
	return "software"
}

// TriggerEvent is a discrete marker aligned to the sample stream.
type TriggerEvent struct {
	Code        int
	Description string
	SampleIndex uint64
	Source      TriggerSource
}

// ChannelDescriptor describes one recorded channel. Descriptors are owned
// by the amplifier and are immutable once a session has started.
type ChannelDescriptor struct {
	Label      string
	Unit       string  // physical unit, µV if empty
	Resolution float64 // physical units per ADC count
	Enabled    bool
	RefIndex   int // index of the reference channel, -1 if none
}

// ImpedanceSample is one per-channel electrode impedance estimate.
type ImpedanceSample struct {
	ChannelIndex int
	Ohms         float64
	Timestamp    time.Time
	// Stale is set when no fresh measurement was taken in the last duty
	// cycle and the previous value is carried over.
	Stale bool
}

// SampleBlock is a timestamped chunk of multi-channel samples.
//
// Data is laid out channels × frames in physical units. StartIndex is the
// stream position of the first frame; consecutive blocks from one amplifier
// are contiguous unless GapBefore is non-zero, in which case GapBefore
// frames were lost immediately before this block and the indices already
// account for them.
type SampleBlock struct {
	Data       [][]float64
	StartIndex uint64
	Timestamp  time.Time
	SampleRate float64
	Mode       Mode
	GapBefore  uint64
	Triggers   []TriggerEvent
}

// New allocates a block of the given shape.
func New(channels, frames int, startIndex uint64, rate float64) *SampleBlock {
	data := make([][]float64, channels)
	for i := range data {
		data[i] = make([]float64, frames)
	}
	return &SampleBlock{
		Data:       data,
		StartIndex: startIndex,
		Timestamp:  time.Now(),
		SampleRate: rate,
	}
}

// Channels returns the number of channels in the block.
func (b *SampleBlock) Channels() int { return len(b.Data) }

// Frames returns the number of frames per channel.
func (b *SampleBlock) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// EndIndex returns the index one past the last frame in the block.
func (b *SampleBlock) EndIndex() uint64 {
	return b.StartIndex + uint64(b.Frames())
}

// Covers reports whether idx falls within the block's frame range.
func (b *SampleBlock) Covers(idx uint64) bool {
	return idx >= b.StartIndex && idx < b.EndIndex()
}

// Clone returns a deep copy of the block. Stages that fan out a block to
// more than one consumer hand each consumer its own copy.
func (b *SampleBlock) Clone() *SampleBlock {
	nb := &SampleBlock{
		Data:       make([][]float64, len(b.Data)),
		StartIndex: b.StartIndex,
		Timestamp:  b.Timestamp,
		SampleRate: b.SampleRate,
		Mode:       b.Mode,
		GapBefore:  b.GapBefore,
	}
	for i, ch := range b.Data {
		nb.Data[i] = append([]float64(nil), ch...)
	}
	if b.Triggers != nil {
		nb.Triggers = append([]TriggerEvent(nil), b.Triggers...)
	}
	return nb
}
