package amplifier

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

// replayResolution scales 16-bit PCM codes in a replay file to µV.
const replayResolution = 0.1

// Replay streams a previously recorded WAV-contained session through the
// amplifier interface. It drives the pipeline exactly like hardware,
// which makes it the emulation mode for bench work without a device.
type Replay struct {
	cfg  *config.Config
	info DeviceInfo

	file    *os.File
	decoder *wav.Decoder
	buf     *audio.IntBuffer

	channels  int
	rate      float64
	nextIndex uint64

	// leftover holds decoded interleaved samples not yet emitted.
	leftover []int

	// Paced throttles ReadBlock to real time; tests leave it off.
	Paced bool
}

// NewReplay creates a replay source for cfg.DevicePath.
func NewReplay(cfg *config.Config) *Replay {
	return &Replay{cfg: cfg}
}

// Open opens and validates the WAV container and takes channel count and
// sample rate from the file header.
func (r *Replay) Open(ctx context.Context) error {
	return openWithTimeout(ctx, "replay", func(ctx context.Context) error {
		f, err := os.Open(r.cfg.DevicePath)
		if err != nil {
			return err
		}
		d := wav.NewDecoder(f)
		if !d.IsValidFile() {
			f.Close()
			return fmt.Errorf("%s is not a valid WAV file", r.cfg.DevicePath)
		}
		if err := d.FwdToPCM(); err != nil {
			f.Close()
			return fmt.Errorf("seek to PCM data: %w", err)
		}
		if d.BitDepth != 16 {
			f.Close()
			return fmt.Errorf("replay supports 16-bit files, got %d-bit", d.BitDepth)
		}

		r.file = f
		r.decoder = d
		r.channels = int(d.NumChans)
		r.rate = float64(d.SampleRate)
		r.buf = &audio.IntBuffer{
			Format: d.Format(),
			Data:   make([]int, r.cfg.BlockFrames*r.channels),
		}
		r.info = DeviceInfo{
			Name:       "Replay",
			Serial:     r.cfg.DevicePath,
			Channels:   r.channels,
			Resolution: replayResolution,
			Caps: config.Capabilities{
				SampleRates:  []float64{r.rate},
				MaxChannels:  r.channels,
				MinBlockSize: 1,
			},
		}
		return nil
	})
}

func (r *Replay) Info() DeviceInfo { return r.info }

func (r *Replay) Descriptors() []block.ChannelDescriptor {
	return defaultDescriptors(r.channels, replayResolution)
}

// ReadBlock decodes the next BlockFrames frames. The stream has no
// transport, so the only stream-end condition is io.EOF.
func (r *Replay) ReadBlock(ctx context.Context) (*block.SampleBlock, error) {
	if r.decoder == nil {
		return nil, &block.ConnectionError{Device: "replay", Err: fmt.Errorf("not open")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames := r.cfg.BlockFrames
	need := frames * r.channels
	for len(r.leftover) < need {
		n, err := r.decoder.PCMBuffer(r.buf)
		if n > 0 {
			r.leftover = append(r.leftover, r.buf.Data[:n]...)
		}
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return nil, &block.TransportError{Device: "replay", Err: err}
		}
	}

	avail := len(r.leftover) / r.channels
	if avail == 0 {
		return nil, io.EOF
	}
	if avail > frames {
		avail = frames
	}

	blk := block.New(r.channels, avail, r.nextIndex, r.rate)
	for i := 0; i < avail; i++ {
		for ch := 0; ch < r.channels; ch++ {
			blk.Data[ch][i] = float64(int16(r.leftover[i*r.channels+ch])) * replayResolution
		}
	}
	r.leftover = r.leftover[avail*r.channels:]
	r.nextIndex += uint64(avail)

	if r.Paced {
		time.Sleep(time.Duration(float64(avail) / r.rate * float64(time.Second)))
	}
	return blk, nil
}

func (r *Replay) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.decoder = nil
		return err
	}
	return nil
}
