package amplifier

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"gocorder/internal/block"
	"gocorder/internal/config"
	"gocorder/internal/ringbuffer"
)

// NeoCap wire framing, one frame per Bluetooth packet: a sync byte, a
// uint8 sequence number, one 24-bit big-endian code per channel and a
// checksum over sequence number and samples. Radio loss shows up as missing
// sequence numbers; the wraparound difference recovers the gap size.
const (
	neoSync = 0xAA
)

// neoResolution is the NeoCap amplitude scale in µV per ADC count.
const neoResolution = 0.0715

var neoSampleRates = []float64{125, 250, 500, 1000}

// NeoCap is the Bluetooth-connected amplifier variant.
type NeoCap struct {
	cfg  *config.Config
	info DeviceInfo

	dial    func() (io.ReadCloser, error)
	control func(block.Mode) error

	mu          sync.Mutex
	transport   io.ReadCloser
	ring        *ringbuffer.Buffer
	readErr     error
	descriptors []block.ChannelDescriptor
	mode        block.Mode
	settling    bool

	started   bool
	lastSeq   uint8
	nextIndex uint64

	pendingGap    uint64
	pendingSample []byte
}

// NewNeoCap creates the Bluetooth variant for the given configuration.
func NewNeoCap(cfg *config.Config) *NeoCap {
	n := &NeoCap{cfg: cfg}
	n.dial = func() (io.ReadCloser, error) {
		path := cfg.DevicePath
		if path == "" {
			path = "/dev/rfcomm0"
		}
		return os.Open(path)
	}
	n.info = DeviceInfo{
		Name:       "NeoCap",
		Serial:     "NC-000000",
		Channels:   cfg.Channels,
		Resolution: neoResolution,
		Caps: config.Capabilities{
			SampleRates:  neoSampleRates,
			MaxChannels:  24,
			Impedance:    true,
			TriggerIn:    false,
			MinBlockSize: 1,
		},
	}
	return n
}

func (n *NeoCap) packetSize() int {
	return 2 + n.cfg.Channels*3 + 1 // sync + seq + samples + checksum
}

// Open dials the RFCOMM transport and rebuilds the channel descriptors
// from scratch. Rebuilding on every open is deliberate: a reconnect must
// never end up with a doubled descriptor set.
func (n *NeoCap) Open(ctx context.Context) error {
	return openWithTimeout(ctx, "neocap", func(ctx context.Context) error {
		t, err := n.dial()
		if err != nil {
			return err
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		n.transport = t
		n.ring = ringbuffer.New(n.packetSize() * n.cfg.BlockFrames * 8)
		n.readErr = nil
		n.descriptors = defaultDescriptors(n.cfg.Channels, neoResolution)

		go n.pump(t, n.ring)
		return nil
	})
}

func (n *NeoCap) pump(t io.ReadCloser, ring *ringbuffer.Buffer) {
	buf := make([]byte, 1024)
	for {
		cnt, err := t.Read(buf)
		if cnt > 0 {
			if werr := ring.Write(buf[:cnt]); werr != nil {
				return
			}
		}
		if err != nil {
			n.mu.Lock()
			n.readErr = err
			n.mu.Unlock()
			ring.Close()
			return
		}
	}
}

func (n *NeoCap) Info() DeviceInfo { return n.info }

func (n *NeoCap) Descriptors() []block.ChannelDescriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.descriptors
}

// SetMode switches between signal and impedance windows; the NeoCap has no
// concurrent impedance mode either.
func (n *NeoCap) SetMode(mode block.Mode) error {
	if n.control != nil {
		if err := n.control(mode); err != nil {
			return &block.TransportError{Device: "neocap", Err: err}
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mode == block.ModeImpedance && mode == block.ModeNormal {
		n.settling = true
	}
	n.mode = mode
	return nil
}

// nextPacket scans the ring to the next sync byte and returns one verified
// packet body (seq + samples), skipping corrupt packets.
func (n *NeoCap) nextPacket(ring *ringbuffer.Buffer) ([]byte, bool) {
	body := n.packetSize() - 1 // everything after the sync byte
	for {
		b := ring.Read(1)
		if b == nil {
			return nil, false
		}
		if b[0] != neoSync {
			continue
		}
		pkt := ring.Read(body)
		if pkt == nil || len(pkt) < body {
			return nil, false
		}
		var sum byte
		for _, v := range pkt[:body-1] {
			sum += v
		}
		if 0xFF&^sum != pkt[body-1] {
			// corrupt packet, resync
			continue
		}
		return pkt[:body-1], true
	}
}

// ReadBlock assembles BlockFrames packets into one SampleBlock. Sequence
// gaps are marked on the block following the drop and reported as a
// *block.DataGapError alongside it.
func (n *NeoCap) ReadBlock(ctx context.Context) (*block.SampleBlock, error) {
	channels := n.cfg.Channels

	n.mu.Lock()
	ring := n.ring
	mode := n.mode
	settling := n.settling
	n.settling = false
	n.mu.Unlock()
	if ring == nil {
		return nil, &block.ConnectionError{Device: "neocap", Err: fmt.Errorf("not open")}
	}

	blk := block.New(channels, n.cfg.BlockFrames, n.nextIndex, n.cfg.SampleRate)
	blk.Mode = mode
	if mode == block.ModeNormal && settling {
		blk.Mode = block.ModeReducedFidelity
	}
	var gapErr *block.DataGapError

	collected := 0
	for collected < n.cfg.BlockFrames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var samples []byte
		if n.pendingSample != nil {
			// Packet held over from a mid-block gap; its sequence number
			// was already committed when it was stashed.
			samples = n.pendingSample
			n.pendingSample = nil
		} else {
			pkt, ok := n.nextPacket(ring)
			if !ok {
				if collected > 0 {
					for ch := range blk.Data {
						blk.Data[ch] = blk.Data[ch][:collected]
					}
					return blk, gapErrOrNil(gapErr)
				}
				n.mu.Lock()
				err := n.readErr
				n.mu.Unlock()
				if err != nil && err != io.EOF {
					return nil, &block.TransportError{Device: "neocap", Err: err}
				}
				return nil, io.EOF
			}

			seq := pkt[0]
			if n.started {
				if diff := seqDifference(seq, n.lastSeq); diff != 1 {
					missing := uint64(diff - 1)
					if collected > 0 {
						// Close out the contiguous part of the block and
						// attribute the gap to the next one.
						n.pendingGap = missing
						n.pendingSample = pkt[1:]
						n.lastSeq = seq
						for ch := range blk.Data {
							blk.Data[ch] = blk.Data[ch][:collected]
						}
						return blk, gapErrOrNil(gapErr)
					}
					n.pendingGap = missing
				}
			}
			n.lastSeq = seq
			n.started = true
			samples = pkt[1:]
		}

		if n.pendingGap > 0 && collected == 0 {
			missing := n.pendingGap
			n.pendingGap = 0
			blk.GapBefore = missing
			n.nextIndex += missing
			blk.StartIndex = n.nextIndex
			gapErr = &block.DataGapError{
				Expected: n.nextIndex - missing,
				Got:      n.nextIndex,
				Missing:  missing,
			}
		}

		n.decodeInto(blk, collected, samples, channels)
		n.nextIndex++
		collected++
	}

	return blk, gapErrOrNil(gapErr)
}

func (n *NeoCap) decodeInto(blk *block.SampleBlock, frame int, samples []byte, channels int) {
	for ch := 0; ch < channels; ch++ {
		code := convert24(samples[ch*3 : ch*3+3])
		if blk.Mode == block.ModeImpedance {
			blk.Data[ch][frame] = float64(code)
		} else {
			blk.Data[ch][frame] = float64(code) * neoResolution
		}
	}
}

// Close releases the transport and unblocks any pending ReadBlock.
func (n *NeoCap) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ring != nil {
		n.ring.Close()
	}
	drainClose(n.transport)
	n.transport = nil
	return nil
}

// Reopen re-dials after a radio drop. Sequence numbering continues on the
// device, so the standard gap detection covers the lost packets.
func (n *NeoCap) Reopen(ctx context.Context) error {
	n.mu.Lock()
	drainClose(n.transport)
	n.transport = nil
	n.mu.Unlock()
	return n.Open(ctx)
}
