// Package impedance runs the electrode impedance duty cycle. Devices that
// can measure impedance concurrently with signal acquisition are polled
// directly; devices that cannot are switched into an impedance window,
// their impedance-mode blocks are accumulated from the regular read loop,
// and the device is switched back once the window has enough frames.
package impedance

import (
	"context"
	"sync"
	"time"

	"gocorder/internal/amplifier"
	"gocorder/internal/block"
)

// Engine schedules impedance measurement windows and holds the latest
// per-channel estimates. Between measurements the previous values are
// carried over; a value older than one duty cycle is marked stale.
type Engine struct {
	interval time.Duration
	channels int

	// WindowFrames fixes the length of an interleaved measurement window.
	// Zero derives a quarter second from the block sample rate.
	WindowFrames int

	mu         sync.Mutex
	latest     []block.ImpedanceSample
	inWindow   bool
	needFrames int
	collected  int
	sums       []float64
	lastWindow time.Time

	now func() time.Time // test hook
}

// New creates an engine for the given channel count and duty-cycle
// interval. An interval of zero disables measurement entirely.
func New(channels int, interval time.Duration) *Engine {
	return &Engine{
		interval: interval,
		channels: channels,
		sums:     make([]float64, channels),
		now:      time.Now,
	}
}

// Observe drives the duty cycle from the read loop. It must see every
// block the amplifier produces, in order. On hardware without concurrent
// measurement it opens and closes windows through the ModeSwitcher; the
// caller keeps pulling blocks as usual and the impedance-mode ones are
// consumed here.
func (e *Engine) Observe(ctx context.Context, amp amplifier.Amplifier, blk *block.SampleBlock) error {
	if e.interval == 0 {
		return nil
	}

	if blk.Mode == block.ModeImpedance {
		return e.accumulate(amp, blk)
	}

	e.mu.Lock()
	due := !e.inWindow && e.now().Sub(e.lastWindow) >= e.interval
	e.mu.Unlock()
	if !due {
		return nil
	}

	if m, ok := amp.(amplifier.ImpedanceMeasurer); ok {
		samples, err := m.MeasureImpedance(ctx)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.latest = samples
		e.lastWindow = e.now()
		e.mu.Unlock()
		return nil
	}

	if sw, ok := amp.(amplifier.ModeSwitcher); ok {
		e.mu.Lock()
		e.markStale()
		e.inWindow = true
		e.collected = 0
		for i := range e.sums {
			e.sums[i] = 0
		}
		e.needFrames = e.WindowFrames
		if e.needFrames == 0 {
			e.needFrames = int(blk.SampleRate / 4)
			if e.needFrames < 1 {
				e.needFrames = 1
			}
		}
		e.mu.Unlock()
		if err := sw.SetMode(block.ModeImpedance); err != nil {
			e.mu.Lock()
			e.inWindow = false
			e.mu.Unlock()
			return err
		}
		return nil
	}

	return &block.ConfigurationError{Reason: "device cannot measure impedance"}
}

// accumulate folds one impedance-mode block into the open window and
// closes the window once enough frames are in.
func (e *Engine) accumulate(amp amplifier.Amplifier, blk *block.SampleBlock) error {
	e.mu.Lock()
	if !e.inWindow {
		// Window already closed; trailing impedance blocks are discarded.
		e.mu.Unlock()
		return nil
	}
	frames := blk.Frames()
	for ch := 0; ch < e.channels && ch < blk.Channels(); ch++ {
		for _, v := range blk.Data[ch] {
			e.sums[ch] += v
		}
	}
	e.collected += frames
	done := e.collected >= e.needFrames
	if done {
		samples := make([]block.ImpedanceSample, e.channels)
		ts := e.now()
		for ch := range samples {
			ohms := e.sums[ch] / float64(e.collected)
			if ohms >= amplifier.InvalidImpedance {
				ohms = amplifier.InvalidImpedance
			}
			samples[ch] = block.ImpedanceSample{ChannelIndex: ch, Ohms: ohms, Timestamp: ts}
		}
		e.latest = samples
		e.inWindow = false
		e.lastWindow = ts
	}
	e.mu.Unlock()

	if done {
		if sw, ok := amp.(amplifier.ModeSwitcher); ok {
			return sw.SetMode(block.ModeNormal)
		}
	}
	return nil
}

// markStale flags the carried-over values; callers hold e.mu.
func (e *Engine) markStale() {
	for i := range e.latest {
		e.latest[i].Stale = true
	}
}

// Snapshot returns a copy of the latest per-channel estimates. Nil until
// the first window completes.
func (e *Engine) Snapshot() []block.ImpedanceSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return nil
	}
	return append([]block.ImpedanceSample(nil), e.latest...)
}
