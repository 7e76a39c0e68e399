package amplifier

import (
	"context"
	"math"
	"time"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

// Synth generates a deterministic test signal: a sine per channel whose
// frequency increases with the channel number, 100 µV amplitude. It
// supports concurrent impedance measurement, which makes it the reference
// implementation of the capability-probing paths.
type Synth struct {
	cfg       *config.Config
	nextIndex uint64
	open      bool

	// Paced throttles ReadBlock to real time.
	Paced bool
	// DropAfter/DropFrames simulate a transport drop: after DropAfter
	// frames, DropFrames frames go missing exactly once.
	DropAfter  uint64
	DropFrames uint64
	dropped    bool
}

// NewSynth creates the synthetic source.
func NewSynth(cfg *config.Config) *Synth {
	return &Synth{cfg: cfg}
}

func (s *Synth) Open(ctx context.Context) error {
	s.open = true
	s.nextIndex = 0
	s.dropped = false
	return nil
}

func (s *Synth) Info() DeviceInfo {
	return DeviceInfo{
		Name:       "Synth",
		Serial:     "SIM-000000",
		Channels:   s.cfg.Channels,
		Resolution: 1,
		Caps: config.Capabilities{
			SampleRates:  []float64{125, 250, 500, 1000, 2000, 5000, 10000},
			MaxChannels:  256,
			Impedance:    true,
			TriggerIn:    false,
			MinBlockSize: 1,
		},
	}
}

func (s *Synth) Descriptors() []block.ChannelDescriptor {
	return defaultDescriptors(s.cfg.Channels, 1)
}

// ReadBlock produces the next block of synthetic signal. A configured
// drop is reported once through the regular gap contract.
func (s *Synth) ReadBlock(ctx context.Context) (*block.SampleBlock, error) {
	if !s.open {
		return nil, &block.ConnectionError{Device: "synth", Err: context.Canceled}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var gapErr *block.DataGapError
	var gap uint64
	if !s.dropped && s.DropFrames > 0 && s.nextIndex >= s.DropAfter {
		s.dropped = true
		gap = s.DropFrames
		gapErr = &block.DataGapError{
			Expected: s.nextIndex,
			Got:      s.nextIndex + gap,
			Missing:  gap,
		}
		s.nextIndex += gap
	}

	rate := s.cfg.SampleRate
	blk := block.New(s.cfg.Channels, s.cfg.BlockFrames, s.nextIndex, rate)
	blk.GapBefore = gap
	for ch := range blk.Data {
		f := 5.0 + float64(ch) // Hz
		for i := range blk.Data[ch] {
			n := float64(s.nextIndex) + float64(i)
			blk.Data[ch][i] = 100.0 * math.Sin(2*math.Pi*f*n/rate)
		}
	}
	s.nextIndex += uint64(s.cfg.BlockFrames)

	if s.Paced {
		time.Sleep(time.Duration(float64(s.cfg.BlockFrames) / rate * float64(time.Second)))
	}
	if gapErr != nil {
		return blk, gapErr
	}
	return blk, nil
}

// MeasureImpedance returns a plausible impedance set without interrupting
// the signal stream; the synthetic device supports concurrent modes.
func (s *Synth) MeasureImpedance(ctx context.Context) ([]block.ImpedanceSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	samples := make([]block.ImpedanceSample, s.cfg.Channels)
	for i := range samples {
		samples[i] = block.ImpedanceSample{
			ChannelIndex: i,
			Ohms:         5000 + 100*float64(i),
			Timestamp:    now,
		}
	}
	return samples, nil
}

func (s *Synth) Close() error {
	s.open = false
	return nil
}
