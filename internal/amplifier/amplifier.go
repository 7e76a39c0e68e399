// Package amplifier provides a uniform capture interface over the two
// supported EEG amplifier families: the USB-connected CortiAmp and the
// Bluetooth-connected NeoCap. Each variant converts its native wire framing
// into uniform SampleBlocks, detects transport-level failures, and enforces
// sample-index continuity: a device-reported drop is surfaced as a marked
// gap, never as silently shifted indices.
//
// A WAV replay source and a synthetic source implement the same interface
// for bench work and tests.
package amplifier

import (
	"context"
	"io"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

// DeviceInfo describes the connected hardware.
type DeviceInfo struct {
	Name         string
	Serial       string
	Channels     int
	Resolution   float64 // physical units (µV) per ADC count
	BatteryVolts float64 // 0 when the device has no battery telemetry
	Caps         config.Capabilities
}

// Amplifier is the capture contract shared by all device variants.
//
// ReadBlock blocks on device I/O until a full SampleBlock is available; it
// honors ctx cancellation. On a detected sample-counter discontinuity it
// returns the block that follows the gap together with a *block.DataGapError
// describing it — the block's GapBefore accounts for the missing frames and
// the caller decides whether to continue. io.EOF signals a clean end of
// stream (replay sources); any other error without a block is fatal to the
// read loop.
type Amplifier interface {
	// Open connects to the device and builds the channel descriptors.
	// Descriptors are rebuilt from scratch on every Open: a reconnect
	// never appends to a previous descriptor set.
	Open(ctx context.Context) error
	ReadBlock(ctx context.Context) (*block.SampleBlock, error)
	Close() error

	Info() DeviceInfo
	Descriptors() []block.ChannelDescriptor
}

// ModeSwitcher is implemented by hardware that must be switched between
// signal acquisition and impedance measurement because it cannot do both
// concurrently.
type ModeSwitcher interface {
	SetMode(mode block.Mode) error
}

// ImpedanceMeasurer is implemented by devices that can produce per-channel
// electrode impedance estimates.
type ImpedanceMeasurer interface {
	MeasureImpedance(ctx context.Context) ([]block.ImpedanceSample, error)
}

// InvalidImpedance is the per-channel value reported for a disconnected
// electrode, in ohms.
const InvalidImpedance = 999900.0

// New constructs the variant selected by cfg.Device.
func New(cfg *config.Config) (Amplifier, error) {
	switch cfg.Device {
	case "cortiamp":
		return NewCortiAmp(cfg), nil
	case "neocap":
		return NewNeoCap(cfg), nil
	case "replay":
		return NewReplay(cfg), nil
	case "synth":
		return NewSynth(cfg), nil
	default:
		return nil, &block.ConfigurationError{Reason: "unknown device " + cfg.Device}
	}
}

// openWithTimeout runs open under the configured deadline so that a wedged
// driver reports a ConnectionError instead of blocking forever.
func openWithTimeout(ctx context.Context, device string, timeout func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- timeout(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			return &block.ConnectionError{Device: device, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &block.ConnectionError{Device: device, Err: ctx.Err()}
	}
}

// drainClose closes c if non-nil, ignoring the error; used on teardown
// paths where the transport may already be gone.
func drainClose(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
