package storage

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

func testHeader(channels int, format config.BinaryFormat) Header {
	ds := make([]block.ChannelDescriptor, channels)
	for i := range ds {
		ds[i] = block.ChannelDescriptor{
			Label:      "Ch" + string(rune('A'+i)),
			Unit:       "µV",
			Resolution: 0.1,
			Enabled:    true,
			RefIndex:   -1,
		}
	}
	return Header{
		Channels:   ds,
		SampleRate: 1000,
		Format:     format,
		Montage:    "none",
		StartTime:  time.Unix(1700000000, 0),
	}
}

func sineBlock(channels, frames int, start uint64) *block.SampleBlock {
	b := block.New(channels, frames, start, 1000)
	for ch := range b.Data {
		for i := range b.Data[ch] {
			n := float64(start) + float64(i)
			b.Data[ch][i] = 50 * math.Sin(2*math.Pi*(7+float64(ch))*n/1000)
		}
	}
	return b
}

// TestWriter_RoundTrip writes a known session and reads the set back:
// samples survive within format quantization, markers at exact indices.
func TestWriter_RoundTrip(t *testing.T) {
	for _, format := range []config.BinaryFormat{config.FormatFloat32, config.FormatInt16} {
		t.Run(string(format), func(t *testing.T) {
			base := filepath.Join(t.TempDir(), "session")
			w, err := NewWriter(base, testHeader(3, format))
			require.NoError(t, err)

			var want [][]float64
			for ch := 0; ch < 3; ch++ {
				want = append(want, nil)
			}
			for i := 0; i < 5; i++ {
				b := sineBlock(3, 100, uint64(i*100))
				if i == 2 {
					b.Triggers = []block.TriggerEvent{{
						Code: 1, Description: "S1", SampleIndex: 250, Source: block.SourceHardware,
					}}
				}
				for ch := range b.Data {
					want[ch] = append(want[ch], b.Data[ch]...)
				}
				require.NoError(t, w.WriteBlock(b))
			}
			require.NoError(t, w.Close())

			rec, err := Read(base)
			require.NoError(t, err)
			require.Equal(t, uint64(500), rec.Frames)
			require.Len(t, rec.Data, 3)

			tol := 1e-4
			if format == config.FormatInt16 {
				tol = 0.051 // half an LSB at resolution 0.1
			}
			for ch := range want {
				require.Len(t, rec.Data[ch], 500)
				for i := range want[ch] {
					require.InDelta(t, want[ch][i], rec.Data[ch][i], tol,
						"channel %d frame %d", ch, i)
				}
			}

			// One New Segment at the start, one Stimulus at frame 250.
			require.Len(t, rec.Markers, 2)
			require.Equal(t, "New Segment", rec.Markers[0].Type)
			require.Equal(t, uint64(0), rec.Markers[0].Position)
			require.Equal(t, "Stimulus", rec.Markers[1].Type)
			require.Equal(t, "S1", rec.Markers[1].Description)
			require.Equal(t, uint64(250), rec.Markers[1].Position)
		})
	}
}

// TestWriter_GapOpensNewSegment verifies a discontinuity is marked at
// the first frame after the gap and never shifts later markers.
func TestWriter_GapOpensNewSegment(t *testing.T) {
	base := filepath.Join(t.TempDir(), "gappy")
	w, err := NewWriter(base, testHeader(1, config.FormatFloat32))
	require.NoError(t, err)

	require.NoError(t, w.WriteBlock(sineBlock(1, 100, 0)))

	// 50 frames lost; the following block starts at stream index 150 but
	// lands at file frame 100.
	b := sineBlock(1, 100, 150)
	b.GapBefore = 50
	b.Triggers = []block.TriggerEvent{{Code: 2, Description: "S2", SampleIndex: 160, Source: block.SourceHardware}}
	require.NoError(t, w.WriteBlock(b))
	require.NoError(t, w.Close())

	rec, err := Read(base)
	require.NoError(t, err)
	require.Equal(t, uint64(200), rec.Frames)

	require.Len(t, rec.Markers, 3)
	require.Equal(t, "New Segment", rec.Markers[1].Type)
	require.Equal(t, "50 frames lost", rec.Markers[1].Description)
	require.Equal(t, uint64(100), rec.Markers[1].Position)
	require.NotEmpty(t, rec.Markers[1].Date)
	// Stream index 160 is 10 frames into the new segment.
	require.Equal(t, uint64(110), rec.Markers[2].Position)
}

func TestWriter_SkipsImpedanceBlocks(t *testing.T) {
	base := filepath.Join(t.TempDir(), "imp")
	w, err := NewWriter(base, testHeader(1, config.FormatFloat32))
	require.NoError(t, err)

	require.NoError(t, w.WriteBlock(sineBlock(1, 100, 0)))
	imp := block.New(1, 100, 100, 1000)
	imp.Mode = block.ModeImpedance
	require.NoError(t, w.WriteBlock(imp))
	require.NoError(t, w.WriteBlock(sineBlock(1, 100, 200)))
	require.NoError(t, w.Close())

	rec, err := Read(base)
	require.NoError(t, err)
	require.Equal(t, uint64(200), rec.Frames)
}

func TestWriter_SoftwareMarkerType(t *testing.T) {
	base := filepath.Join(t.TempDir(), "soft")
	w, err := NewWriter(base, testHeader(1, config.FormatFloat32))
	require.NoError(t, err)

	b := sineBlock(1, 100, 0)
	b.Triggers = []block.TriggerEvent{{Code: 9, Description: "note", SampleIndex: 42, Source: block.SourceSoftware}}
	require.NoError(t, w.WriteBlock(b))
	require.NoError(t, w.Close())

	rec, err := Read(base)
	require.NoError(t, err)
	require.Len(t, rec.Markers, 2)
	require.Equal(t, "Comment", rec.Markers[1].Type)
	require.Equal(t, uint64(42), rec.Markers[1].Position)
}

func TestRecorder_Lifecycle(t *testing.T) {
	cfg := config.New()
	cfg.OutputDir = t.TempDir()
	cfg.FilePrefix = "EEG_"
	cfg.FileNumberSize = 4
	r := NewRecorder(cfg)
	require.Equal(t, StateIdle, r.State())

	// Writing while idle is refused.
	var stErr *block.StorageError
	err := r.Write(sineBlock(2, 10, 0))
	require.ErrorAs(t, err, &stErr)

	require.NoError(t, r.Start(testHeader(2, config.FormatFloat32)))
	require.Equal(t, StateRecording, r.State())

	require.NoError(t, r.Write(sineBlock(2, 100, 0)))
	gapped := sineBlock(2, 100, 130)
	gapped.GapBefore = 30
	require.NoError(t, r.Write(gapped))

	s, err := r.Stop()
	require.NoError(t, err)
	require.Equal(t, StateIdle, r.State())
	require.Equal(t, uint64(200), s.Frames)
	require.Equal(t, uint64(1), s.Gaps)
	require.Equal(t, uint64(30), s.GapFrames)
	require.Equal(t, 200*time.Millisecond, s.Duration)
	require.Equal(t, filepath.Join(cfg.OutputDir, "EEG_0001"), s.Base)

	// The next recording gets the next number.
	require.NoError(t, r.Start(testHeader(2, config.FormatFloat32)))
	s2, err := r.Stop()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.OutputDir, "EEG_0002"), s2.Base)
}

func TestRecorder_ArchiveOnClose(t *testing.T) {
	cfg := config.New()
	cfg.OutputDir = t.TempDir()
	cfg.ArchiveOnClose = true
	r := NewRecorder(cfg)

	require.NoError(t, r.Start(testHeader(1, config.FormatFloat32)))
	orig := sineBlock(1, 100, 0)
	require.NoError(t, r.Write(orig))
	s, err := r.Stop()
	require.NoError(t, err)
	require.True(t, s.Archived)

	_, err = os.Stat(s.Base + ExtData)
	require.True(t, os.IsNotExist(err), "raw data file should be removed")
	_, err = os.Stat(s.Base + ExtData + ".gz")
	require.NoError(t, err)

	// The archive restores to an identical readable set.
	require.NoError(t, UnarchiveData(s.Base))
	rec, err := Read(s.Base)
	require.NoError(t, err)
	require.Equal(t, uint64(100), rec.Frames)
	for i := range orig.Data[0] {
		require.InDelta(t, orig.Data[0][i], rec.Data[0][i], 1e-4)
	}
}
