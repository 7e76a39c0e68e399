package amplifier

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gocorder/internal/block"
	"gocorder/internal/config"
	"gocorder/internal/ringbuffer"
)

// CortiAmp wire framing, as delivered by the vendor USB driver in bulk
// transfers: a 32-bit little-endian hardware sample counter, one 24-bit
// big-endian two's-complement code per channel, then a 32-bit little-endian
// trigger input word. The driver never splits a frame across transfers, but
// transfer boundaries fall anywhere, so parsing goes through a byte ring.
const (
	cortiCounterBytes = 4
	cortiTriggerBytes = 4
	cortiSampleBytes  = 3
)

// cortiResolution is the EEG amplitude scale in µV per ADC count.
const cortiResolution = 0.0488

var cortiSampleRates = []float64{200, 500, 1000, 2000, 5000, 10000, 25000, 50000, 100000}

// CortiAmp is the USB-connected amplifier variant.
type CortiAmp struct {
	cfg  *config.Config
	info DeviceInfo

	// dial opens the opaque driver transport; overridable in tests.
	dial func() (io.ReadCloser, error)
	// control issues a mode-switch command to the driver; overridable in
	// tests, nil means accepted silently.
	control func(block.Mode) error

	mu          sync.Mutex
	transport   io.ReadCloser
	ring        *ringbuffer.Buffer
	readErr     error
	descriptors []block.ChannelDescriptor
	mode        block.Mode
	settling    bool // first signal block after an impedance window

	started     bool
	nextIndex   uint64 // stream index of the next expected frame
	hwCounter   uint64 // widened hardware counter of the last frame
	lastTrigger uint32

	pendingFrame []byte
	pendingGap   uint64
}

// NewCortiAmp creates the USB variant for the given configuration.
func NewCortiAmp(cfg *config.Config) *CortiAmp {
	c := &CortiAmp{cfg: cfg}
	c.dial = func() (io.ReadCloser, error) {
		path := cfg.DevicePath
		if path == "" {
			path = "/dev/cortiamp0"
		}
		return os.Open(path)
	}
	c.info = DeviceInfo{
		Name:         "CortiAmp",
		Serial:       "CA-000000",
		Channels:     cfg.Channels,
		Resolution:   cortiResolution,
		BatteryVolts: 5.2,
		Caps: config.Capabilities{
			SampleRates:  cortiSampleRates,
			MaxChannels:  168,
			Impedance:    true,
			TriggerIn:    true,
			MinBlockSize: 1,
		},
	}
	return c
}

func (c *CortiAmp) frameSize() int {
	return cortiCounterBytes + c.cfg.Channels*cortiSampleBytes + cortiTriggerBytes
}

// Open dials the vendor driver transport and builds a fresh descriptor
// set. On a reconnect the previous descriptors are discarded entirely.
func (c *CortiAmp) Open(ctx context.Context) error {
	return openWithTimeout(ctx, "cortiamp", func(ctx context.Context) error {
		t, err := c.dial()
		if err != nil {
			return err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.transport = t
		c.ring = ringbuffer.New(c.frameSize() * c.cfg.BlockFrames * 8)
		c.readErr = nil
		c.descriptors = defaultDescriptors(c.cfg.Channels, cortiResolution)
		c.pendingFrame = nil
		c.pendingGap = 0

		go c.pump(t, c.ring)
		return nil
	})
}

// pump moves transport bytes into the ring until the transport fails or is
// closed.
func (c *CortiAmp) pump(t io.ReadCloser, ring *ringbuffer.Buffer) {
	buf := make([]byte, 4096)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			if werr := ring.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			ring.Close()
			return
		}
	}
}

func (c *CortiAmp) Info() DeviceInfo { return c.info }

func (c *CortiAmp) Descriptors() []block.ChannelDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptors
}

// SetMode switches the device between signal acquisition and impedance
// measurement. The CortiAmp cannot run both concurrently, so the impedance
// engine interleaves measurement windows through this call.
func (c *CortiAmp) SetMode(mode block.Mode) error {
	if c.control != nil {
		if err := c.control(mode); err != nil {
			return &block.TransportError{Device: "cortiamp", Err: err}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == block.ModeImpedance && mode == block.ModeNormal {
		c.settling = true
	}
	c.mode = mode
	return nil
}

// ReadBlock assembles the next SampleBlock. When the hardware counter
// reports dropped frames, the block after the drop carries GapBefore and is
// returned together with a *block.DataGapError.
func (c *CortiAmp) ReadBlock(ctx context.Context) (*block.SampleBlock, error) {
	frameSize := c.frameSize()
	channels := c.cfg.Channels

	c.mu.Lock()
	ring := c.ring
	mode := c.mode
	settling := c.settling
	c.settling = false
	c.mu.Unlock()
	if ring == nil {
		return nil, &block.ConnectionError{Device: "cortiamp", Err: fmt.Errorf("not open")}
	}

	blk := block.New(channels, c.cfg.BlockFrames, c.nextIndex, c.cfg.SampleRate)
	blk.Mode = mode
	if mode == block.ModeNormal && settling {
		blk.Mode = block.ModeReducedFidelity
	}
	var gapErr *block.DataGapError

	collected := 0
	for collected < c.cfg.BlockFrames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var raw []byte
		if c.pendingFrame != nil {
			raw = c.pendingFrame
			c.pendingFrame = nil
		} else {
			raw = ring.Read(frameSize)
			if raw == nil || len(raw) < frameSize {
				return c.endOfStream(blk, collected, gapErr)
			}
		}

		hw := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
		widened := widenCounter(c.hwCounter, hw)

		if c.started {
			expected := c.hwCounter + 1
			if widened != expected {
				missing := widened - expected
				if collected > 0 {
					// Close out the contiguous part; the gap is
					// attributed to the next block.
					c.pendingFrame = raw
					c.pendingGap = missing
					c.hwCounter = widened - 1 // consumed on retry
					return c.truncate(blk, collected), gapErrOrNil(gapErr)
				}
				blk.GapBefore = missing
				c.nextIndex += missing
				blk.StartIndex = c.nextIndex
				gapErr = &block.DataGapError{
					Expected: c.nextIndex - missing,
					Got:      c.nextIndex,
					Missing:  missing,
				}
			}
		}
		if c.pendingGap > 0 && collected == 0 {
			missing := c.pendingGap
			c.pendingGap = 0
			blk.GapBefore = missing
			c.nextIndex += missing
			blk.StartIndex = c.nextIndex
			gapErr = &block.DataGapError{
				Expected: c.nextIndex - missing,
				Got:      c.nextIndex,
				Missing:  missing,
			}
		}
		c.hwCounter = widened
		c.started = true

		// Channel samples. In impedance mode the codes are electrode
		// impedances in ohms; in signal mode they are scaled to µV.
		off := cortiCounterBytes
		for ch := 0; ch < channels; ch++ {
			code := convert24(raw[off : off+cortiSampleBytes])
			if blk.Mode == block.ModeImpedance {
				blk.Data[ch][collected] = float64(code)
			} else {
				blk.Data[ch][collected] = float64(code) * cortiResolution
			}
			off += cortiSampleBytes
		}

		// Trigger input word: a rising bit is a hardware marker.
		trigger := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
		if rising := trigger &^ c.lastTrigger; rising != 0 {
			blk.Triggers = append(blk.Triggers, block.TriggerEvent{
				Code:        int(rising),
				Description: fmt.Sprintf("T%d", rising),
				SampleIndex: c.nextIndex,
				Source:      block.SourceHardware,
			})
		}
		c.lastTrigger = trigger

		c.nextIndex++
		collected++
	}

	return blk, gapErrOrNil(gapErr)
}

// endOfStream resolves a closed ring into the right stream-end error,
// returning any partial block first.
func (c *CortiAmp) endOfStream(blk *block.SampleBlock, collected int, gapErr *block.DataGapError) (*block.SampleBlock, error) {
	if collected > 0 {
		return c.truncate(blk, collected), gapErrOrNil(gapErr)
	}
	c.mu.Lock()
	err := c.readErr
	c.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, &block.TransportError{Device: "cortiamp", Err: err}
	}
	return nil, io.EOF
}

func (c *CortiAmp) truncate(blk *block.SampleBlock, frames int) *block.SampleBlock {
	for ch := range blk.Data {
		blk.Data[ch] = blk.Data[ch][:frames]
	}
	return blk
}

func gapErrOrNil(err *block.DataGapError) error {
	if err == nil {
		return nil
	}
	return err
}

// Close releases the transport. The ring is closed so a blocked ReadBlock
// drains and returns.
func (c *CortiAmp) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring != nil {
		c.ring.Close()
	}
	drainClose(c.transport)
	c.transport = nil
	return nil
}

// Reopen re-dials the transport after a link failure. The hardware sample
// counter keeps running across the drop, so the regular gap detection
// accounts for the lost frames on the first block after reconnection.
func (c *CortiAmp) Reopen(ctx context.Context) error {
	c.mu.Lock()
	drainClose(c.transport)
	c.transport = nil
	c.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return c.Open(ctx)
}

// defaultDescriptors builds a fresh descriptor set for n channels.
func defaultDescriptors(n int, resolution float64) []block.ChannelDescriptor {
	ds := make([]block.ChannelDescriptor, n)
	for i := range ds {
		ds[i] = block.ChannelDescriptor{
			Label:      fmt.Sprintf("Ch%d", i+1),
			Unit:       "µV",
			Resolution: resolution,
			Enabled:    true,
			RefIndex:   -1,
		}
	}
	return ds
}
