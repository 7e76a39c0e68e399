package filter

import (
	"math"
	"math/cmplx"

	"gocorder/internal/block"
)

// Settings are the filter parameters shared by all EEG channels. A zero
// frequency disables that filter kind.
type Settings struct {
	HighpassHz float64
	LowpassHz  float64
	NotchHz    float64
	Order      int
	SampleRate float64
}

// Engine filters every channel of the stream with persistent per-channel
// state. Coefficients are designed once per configuration; each channel
// owns its delay lines and is never shared.
type Engine struct {
	settings Settings
	channels int

	highpass []*Cascade
	lowpass  []*Cascade
	notch    []*Cascade
}

// NewEngine designs the filters for the given settings and channel count.
func NewEngine(settings Settings, channels int) *Engine {
	e := &Engine{channels: channels}
	e.configure(settings)
	return e
}

func (e *Engine) configure(settings Settings) {
	e.settings = settings
	e.highpass = buildBanks(e.channels, settings.HighpassHz, func() []Coefficients {
		return DesignHighpass(settings.Order, settings.SampleRate, settings.HighpassHz)
	})
	e.lowpass = buildBanks(e.channels, settings.LowpassHz, func() []Coefficients {
		return DesignLowpass(settings.Order, settings.SampleRate, settings.LowpassHz)
	})
	e.notch = buildBanks(e.channels, settings.NotchHz, func() []Coefficients {
		return DesignNotch(settings.SampleRate, settings.NotchHz)
	})
}

func buildBanks(channels int, freq float64, design func() []Coefficients) []*Cascade {
	if freq == 0 {
		return nil
	}
	// One coefficient set shared by all channels, one state per channel.
	coeffs := design()
	banks := make([]*Cascade, channels)
	for i := range banks {
		banks[i] = NewCascade(coeffs)
	}
	return banks
}

// Reconfigure applies new settings between blocks. Setting identical
// parameters is a no-op: filter state survives and no transient is
// produced. Any actual change redesigns the coefficients and resets all
// channel state.
func (e *Engine) Reconfigure(settings Settings) {
	if settings == e.settings {
		return
	}
	e.configure(settings)
}

// Resize adapts the engine to a new channel count, resetting all state.
func (e *Engine) Resize(channels int) {
	if channels == e.channels {
		return
	}
	e.channels = channels
	e.configure(e.settings)
}

// Process filters the block in place. Impedance-mode blocks pass through
// untouched; their samples are not signal.
func (e *Engine) Process(b *block.SampleBlock) (*block.SampleBlock, error) {
	if b.Mode == block.ModeImpedance {
		return b, nil
	}
	if b.Channels() != e.channels {
		return nil, &block.ConfigurationError{
			Reason: "filter engine channel count does not match stream",
		}
	}
	for ch, data := range b.Data {
		if e.highpass != nil {
			e.highpass[ch].ProcessBlock(data)
		}
		if e.lowpass != nil {
			e.lowpass[ch].ProcessBlock(data)
		}
		if e.notch != nil {
			e.notch[ch].ProcessBlock(data)
		}
	}
	return b, nil
}

// Reset clears all per-channel delay lines, e.g. after a stream gap when a
// transient is preferable to smearing stale history into fresh data.
func (e *Engine) Reset() {
	for _, banks := range [][]*Cascade{e.highpass, e.lowpass, e.notch} {
		for _, c := range banks {
			c.Reset()
		}
	}
}

// Response returns the magnitude response of the configured chain at
// frequency f, useful for validating a design.
func (e *Engine) Response(f float64) float64 {
	mag := 1.0
	if e.highpass != nil {
		mag *= cascadeResponse(DesignHighpass(e.settings.Order, e.settings.SampleRate, e.settings.HighpassHz), f, e.settings.SampleRate)
	}
	if e.lowpass != nil {
		mag *= cascadeResponse(DesignLowpass(e.settings.Order, e.settings.SampleRate, e.settings.LowpassHz), f, e.settings.SampleRate)
	}
	if e.notch != nil {
		mag *= cascadeResponse(DesignNotch(e.settings.SampleRate, e.settings.NotchHz), f, e.settings.SampleRate)
	}
	return mag
}

func cascadeResponse(coeffs []Coefficients, f, sampleRate float64) float64 {
	omega := 2.0 * math.Pi * f / sampleRate
	z1 := complex(math.Cos(-omega), math.Sin(-omega))
	z2 := z1 * z1
	mag := 1.0
	for _, c := range coeffs {
		num := complex(c.B0, 0) + complex(c.B1, 0)*z1 + complex(c.B2, 0)*z2
		den := complex(1, 0) + complex(c.A1, 0)*z1 + complex(c.A2, 0)*z2
		mag *= cmplx.Abs(num) / cmplx.Abs(den)
	}
	return mag
}
