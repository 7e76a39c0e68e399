// Package monitor renders one selected channel as audio, the bedside
// check that signal is flowing without looking at a screen.
package monitor

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ebitengine/oto/v3"

	"gocorder/internal/block"
)

// DefaultGain maps microvolts to 16-bit PCM counts. EEG amplitudes sit
// around ±100 µV, which this gain places at roughly a third of full scale.
const DefaultGain = 100.0

// Monitor plays one channel of the sample stream through the system
// audio output.
type Monitor struct {
	channel int
	gain    float64

	pw     *io.PipeWriter
	player *oto.Player
}

// New opens the audio device at the acquisition sample rate and starts
// playback of the given channel.
func New(sampleRate float64, channel int) (*Monitor, error) {
	if channel < 0 {
		return nil, fmt.Errorf("monitor channel %d out of range", channel)
	}
	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   int(sampleRate),
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("audio output did not become ready")
	}

	pr, pw := io.Pipe()
	player := octx.NewPlayer(pr)
	player.Play()

	return &Monitor{
		channel: channel,
		gain:    DefaultGain,
		pw:      pw,
		player:  player,
	}, nil
}

// Feed renders the monitored channel of one block. Impedance-mode blocks
// are skipped; they carry ohms, not signal. Feed blocks on the audio
// pipe, so it belongs on a fan-out goroutine, never on the read loop.
func (m *Monitor) Feed(b *block.SampleBlock) error {
	if b.Mode == block.ModeImpedance || m.channel >= b.Channels() {
		return nil
	}
	_, err := m.pw.Write(encodePCM16(b.Data[m.channel], m.gain))
	return err
}

// Close stops playback and releases the audio device.
func (m *Monitor) Close() error {
	m.pw.Close()
	return m.player.Close()
}

// encodePCM16 converts µV samples to little-endian 16-bit PCM, clamping
// at full scale.
func encodePCM16(samples []float64, gain float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := v * gain
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		code := int16(s)
		out[i*2] = byte(code)
		out[i*2+1] = byte(uint16(code) >> 8)
	}
	return out
}
