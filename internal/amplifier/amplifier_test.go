package amplifier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

func testConfig(device string) *config.Config {
	cfg := config.New()
	cfg.Device = device
	cfg.Channels = 2
	cfg.BlockFrames = 4
	cfg.SampleRate = 1000
	return cfg
}

func put24(dst []byte, code int32) {
	dst[0] = byte(code >> 16)
	dst[1] = byte(code >> 8)
	dst[2] = byte(code)
}

// cortiFrame encodes one USB wire frame: LE counter, 24-bit BE samples,
// LE trigger word.
func cortiFrame(counter uint32, codes []int32, trigger uint32) []byte {
	f := make([]byte, 4+len(codes)*3+4)
	f[0] = byte(counter)
	f[1] = byte(counter >> 8)
	f[2] = byte(counter >> 16)
	f[3] = byte(counter >> 24)
	for i, c := range codes {
		put24(f[4+i*3:], c)
	}
	off := 4 + len(codes)*3
	f[off] = byte(trigger)
	f[off+1] = byte(trigger >> 8)
	f[off+2] = byte(trigger >> 16)
	f[off+3] = byte(trigger >> 24)
	return f
}

// neoPacket encodes one Bluetooth packet: sync, seq, 24-bit BE samples,
// checksum. corrupt flips the checksum.
func neoPacket(seq uint8, codes []int32, corrupt bool) []byte {
	p := make([]byte, 2+len(codes)*3+1)
	p[0] = neoSync
	p[1] = seq
	for i, c := range codes {
		put24(p[2+i*3:], c)
	}
	var sum byte
	for _, v := range p[1 : len(p)-1] {
		sum += v
	}
	p[len(p)-1] = 0xFF &^ sum
	if corrupt {
		p[len(p)-1] ^= 0x55
	}
	return p
}

func newTestCorti(t *testing.T, wire []byte) *CortiAmp {
	t.Helper()
	c := NewCortiAmp(testConfig("cortiamp"))
	c.dial = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(wire)), nil
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func newTestNeo(t *testing.T, wire []byte) *NeoCap {
	t.Helper()
	n := NewNeoCap(testConfig("neocap"))
	n.dial = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(wire)), nil
	}
	if err := n.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCortiAmp_ReadBlock(t *testing.T) {
	var wire []byte
	for i := 0; i < 8; i++ {
		trigger := uint32(0)
		if i == 5 {
			trigger = 0x4
		}
		wire = append(wire, cortiFrame(uint32(100+i), []int32{int32(i), int32(-i)}, trigger)...)
	}
	c := newTestCorti(t, wire)
	defer c.Close()
	ctx := context.Background()

	b1, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1.StartIndex != 0 || b1.Frames() != 4 {
		t.Fatalf("block 1: start=%d frames=%d", b1.StartIndex, b1.Frames())
	}
	for i := 0; i < 4; i++ {
		want := float64(i) * cortiResolution
		if math.Abs(b1.Data[0][i]-want) > 1e-12 {
			t.Errorf("frame %d ch0 = %g, want %g", i, b1.Data[0][i], want)
		}
		if math.Abs(b1.Data[1][i]+want) > 1e-12 {
			t.Errorf("frame %d ch1 = %g, want %g", i, b1.Data[1][i], -want)
		}
	}

	b2, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b2.StartIndex != 4 {
		t.Fatalf("block 2 start = %d", b2.StartIndex)
	}
	if len(b2.Triggers) != 1 {
		t.Fatalf("block 2 has %d triggers, want 1", len(b2.Triggers))
	}
	tr := b2.Triggers[0]
	if tr.Code != 4 || tr.SampleIndex != 5 || tr.Source != block.SourceHardware {
		t.Fatalf("trigger = %+v", tr)
	}

	if _, err := c.ReadBlock(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestCortiAmp_CounterGap(t *testing.T) {
	var wire []byte
	for _, cnt := range []uint32{0, 1, 2, 10, 11, 12, 13, 14} {
		wire = append(wire, cortiFrame(cnt, []int32{1, 1}, 0)...)
	}
	c := newTestCorti(t, wire)
	defer c.Close()
	ctx := context.Background()

	// The contiguous run before the drop is closed out without an error.
	b1, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1.Frames() != 3 || b1.GapBefore != 0 {
		t.Fatalf("block 1: frames=%d gap=%d", b1.Frames(), b1.GapBefore)
	}

	// The block after the drop carries the gap and the error together.
	b2, err := c.ReadBlock(ctx)
	var gap *block.DataGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected DataGapError, got %v", err)
	}
	if gap.Missing != 7 {
		t.Fatalf("gap.Missing = %d, want 7", gap.Missing)
	}
	if b2 == nil || b2.GapBefore != 7 || b2.StartIndex != 10 || b2.Frames() != 4 {
		t.Fatalf("block 2 = %+v", b2)
	}

	b3, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b3.StartIndex != 14 || b3.Frames() != 1 {
		t.Fatalf("block 3: start=%d frames=%d", b3.StartIndex, b3.Frames())
	}
}

// TestCortiAmp_GapFieldsAreStreamIndices pins DataGapError to stream
// sample indices. The hardware counter starts at an arbitrary value, so
// counter values and stream indices diverge from the first frame.
func TestCortiAmp_GapFieldsAreStreamIndices(t *testing.T) {
	var wire []byte
	for _, cnt := range []uint32{100, 101, 110, 111, 112, 113, 120, 121, 122, 123} {
		wire = append(wire, cortiFrame(cnt, []int32{1, 1}, 0)...)
	}
	c := newTestCorti(t, wire)
	defer c.Close()
	ctx := context.Background()

	b1, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1.StartIndex != 0 || b1.Frames() != 2 {
		t.Fatalf("block 1: start=%d frames=%d", b1.StartIndex, b1.Frames())
	}

	b2, err := c.ReadBlock(ctx)
	var gap *block.DataGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected DataGapError, got %v", err)
	}
	// Counters 102..109 were lost: in stream terms, sample 2 was expected
	// and sample 10 arrived.
	if gap.Expected != 2 || gap.Got != 10 || gap.Missing != 8 {
		t.Fatalf("gap = %+v", gap)
	}
	if b2.StartIndex != 10 || b2.GapBefore != 8 || b2.Frames() != 4 {
		t.Fatalf("block 2: start=%d gap=%d frames=%d", b2.StartIndex, b2.GapBefore, b2.Frames())
	}

	// A gap on a block boundary reports stream indices too: counters
	// 114..119 were lost, so sample 14 was expected and 20 arrived.
	b3, err := c.ReadBlock(ctx)
	if !errors.As(err, &gap) {
		t.Fatalf("expected DataGapError, got %v", err)
	}
	if gap.Expected != 14 || gap.Got != 20 || gap.Missing != 6 {
		t.Fatalf("boundary gap = %+v", gap)
	}
	if b3.StartIndex != 20 || b3.GapBefore != 6 {
		t.Fatalf("block 3: start=%d gap=%d", b3.StartIndex, b3.GapBefore)
	}
}

func TestCortiAmp_ImpedanceAndSettling(t *testing.T) {
	var wire []byte
	for i := 0; i < 12; i++ {
		wire = append(wire, cortiFrame(uint32(i), []int32{25000, 25000}, 0)...)
	}
	c := newTestCorti(t, wire)
	defer c.Close()
	ctx := context.Background()

	if err := c.SetMode(block.ModeImpedance); err != nil {
		t.Fatal(err)
	}
	b1, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1.Mode != block.ModeImpedance {
		t.Fatalf("mode = %v", b1.Mode)
	}
	// Impedance-mode codes are ohms, not scaled to µV.
	if b1.Data[0][0] != 25000 {
		t.Fatalf("impedance value = %g", b1.Data[0][0])
	}

	if err := c.SetMode(block.ModeNormal); err != nil {
		t.Fatal(err)
	}
	b2, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b2.Mode != block.ModeReducedFidelity {
		t.Fatalf("first post-impedance block mode = %v", b2.Mode)
	}
	b3, err := c.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b3.Mode != block.ModeNormal {
		t.Fatalf("second post-impedance block mode = %v", b3.Mode)
	}
}

func TestCortiAmp_OpenTimeout(t *testing.T) {
	c := NewCortiAmp(testConfig("cortiamp"))
	c.dial = func() (io.ReadCloser, error) {
		select {} // wedged driver
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Open(ctx)
	var conn *block.ConnectionError
	if !errors.As(err, &conn) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestNeoCap_CorruptPacketBecomesGap(t *testing.T) {
	var wire []byte
	for seq := 0; seq < 9; seq++ {
		wire = append(wire, neoPacket(uint8(seq), []int32{int32(seq * 100), 0}, seq == 4)...)
	}
	n := newTestNeo(t, wire)
	defer n.Close()
	ctx := context.Background()

	b1, err := n.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1.StartIndex != 0 || b1.Frames() != 4 {
		t.Fatalf("block 1: start=%d frames=%d", b1.StartIndex, b1.Frames())
	}
	want := 100 * neoResolution
	if math.Abs(b1.Data[0][1]-want) > 1e-12 {
		t.Fatalf("scaled sample = %g, want %g", b1.Data[0][1], want)
	}

	// Packet 4 failed its checksum and was skipped; the sequence gap is
	// charged to the block that follows.
	b2, err := n.ReadBlock(ctx)
	var gap *block.DataGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected DataGapError, got %v", err)
	}
	if gap.Missing != 1 || b2.GapBefore != 1 || b2.StartIndex != 5 || b2.Frames() != 4 {
		t.Fatalf("block 2 = start=%d frames=%d gap=%d missing=%d",
			b2.StartIndex, b2.Frames(), b2.GapBefore, gap.Missing)
	}
}

func TestNeoCap_MidBlockSequenceGap(t *testing.T) {
	var wire []byte
	for _, seq := range []uint8{0, 1, 5, 6, 7, 8} {
		wire = append(wire, neoPacket(seq, []int32{1, 1}, false)...)
	}
	n := newTestNeo(t, wire)
	defer n.Close()
	ctx := context.Background()

	b1, err := n.ReadBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1.Frames() != 2 || b1.GapBefore != 0 {
		t.Fatalf("block 1: frames=%d gap=%d", b1.Frames(), b1.GapBefore)
	}

	b2, err := n.ReadBlock(ctx)
	var gap *block.DataGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected DataGapError, got %v", err)
	}
	if gap.Missing != 3 || b2.GapBefore != 3 || b2.StartIndex != 5 || b2.Frames() != 4 {
		t.Fatalf("block 2 = start=%d frames=%d gap=%d missing=%d",
			b2.StartIndex, b2.Frames(), b2.GapBefore, gap.Missing)
	}
}

func TestSynth_DropReportedOnce(t *testing.T) {
	cfg := testConfig("synth")
	cfg.BlockFrames = 100
	s := NewSynth(cfg)
	s.DropAfter = 200
	s.DropFrames = 50
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 2; i++ {
		b, err := s.ReadBlock(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if b.StartIndex != uint64(i*100) || b.GapBefore != 0 {
			t.Fatalf("block %d: start=%d gap=%d", i, b.StartIndex, b.GapBefore)
		}
	}

	b, err := s.ReadBlock(ctx)
	var gap *block.DataGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected DataGapError, got %v", err)
	}
	if gap.Missing != 50 || b.StartIndex != 250 || b.GapBefore != 50 {
		t.Fatalf("gap block = start=%d gap=%d missing=%d", b.StartIndex, b.GapBefore, gap.Missing)
	}

	// The drop is reported exactly once.
	if b, err = s.ReadBlock(ctx); err != nil || b.StartIndex != 350 {
		t.Fatalf("post-gap block = %v start=%d", err, b.StartIndex)
	}
}

func TestSynth_MeasureImpedance(t *testing.T) {
	cfg := testConfig("synth")
	s := NewSynth(cfg)
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	samples, err := s.MeasureImpedance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != cfg.Channels {
		t.Fatalf("got %d impedance samples, want %d", len(samples), cfg.Channels)
	}
	for i, is := range samples {
		if is.ChannelIndex != i || is.Ohms <= 0 || is.Stale {
			t.Fatalf("sample %d = %+v", i, is)
		}
	}
}

func writeTestWAV(t *testing.T, path string, channels, frames int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 500, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: 500},
		Data:   make([]int, frames*channels),
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			buf.Data[i*channels+ch] = i + ch*1000
		}
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReplay_StreamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.wav")
	writeTestWAV(t, path, 2, 250)

	cfg := testConfig("replay")
	cfg.DevicePath = path
	cfg.BlockFrames = 100
	r := NewReplay(cfg)
	ctx := context.Background()
	if err := r.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if info := r.Info(); info.Channels != 2 || info.Caps.SampleRates[0] != 500 {
		t.Fatalf("info = %+v", info)
	}

	total := 0
	for {
		b, err := r.ReadBlock(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if b.StartIndex != uint64(total) {
			t.Fatalf("start = %d, want %d", b.StartIndex, total)
		}
		for i := range b.Data[0] {
			frame := total + i
			want := float64(frame) * replayResolution
			if math.Abs(b.Data[0][i]-want) > 1e-9 {
				t.Fatalf("frame %d = %g, want %g", frame, b.Data[0][i], want)
			}
		}
		total += b.Frames()
	}
	if total != 250 {
		t.Fatalf("streamed %d frames, want 250", total)
	}
}

func TestNew_UnknownDevice(t *testing.T) {
	cfg := testConfig("telepathy")
	_, err := New(cfg)
	var cfgErr *block.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
