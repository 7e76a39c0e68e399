// Package storage serializes recorded sessions to a three-file
// interchange set: a text header describing the layout, a multiplexed
// binary data file and a text marker file. The set is readable by the
// common EEG analysis tools.
package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

// File extensions of one recording set.
const (
	ExtHeader = ".vhdr"
	ExtData   = ".eeg"
	ExtMarker = ".vmrk"
)

// Header carries everything the text header needs to describe the
// binary data file.
type Header struct {
	Channels   []block.ChannelDescriptor
	SampleRate float64
	Format     config.BinaryFormat
	Montage    string
	StartTime  time.Time
}

// Marker is one annotation line of the marker file. Position is the
// 0-based frame in the data file; the on-disk encoding is 1-based.
type Marker struct {
	Type        string
	Description string
	Position    uint64
	Length      int
	Date        string // set on segment markers only
}

// Writer streams one recording set. The header file is rewritten on
// Close once the final frame count is known.
type Writer struct {
	base string
	hdr  Header

	data    *os.File
	dataBuf *bufio.Writer
	markers *os.File
	markBuf *bufio.Writer

	frames    uint64 // frames written to the data file
	markCount int
	segOpen   bool // a New Segment marker was written for the current segment
}

// NewWriter creates the three files of a recording set under base (the
// path without extension) and writes the provisional header.
func NewWriter(base string, hdr Header) (*Writer, error) {
	w := &Writer{base: base, hdr: hdr}
	if hdr.StartTime.IsZero() {
		w.hdr.StartTime = time.Now()
	}

	var err error
	if w.data, err = os.Create(base + ExtData); err != nil {
		return nil, &block.StorageError{Path: base + ExtData, Err: err}
	}
	w.dataBuf = bufio.NewWriter(w.data)

	if w.markers, err = os.Create(base + ExtMarker); err != nil {
		w.data.Close()
		return nil, &block.StorageError{Path: base + ExtMarker, Err: err}
	}
	w.markBuf = bufio.NewWriter(w.markers)
	if err := w.writeMarkerPreamble(); err != nil {
		return nil, err
	}

	if err := w.writeHeader(); err != nil {
		w.data.Close()
		w.markers.Close()
		return nil, err
	}
	return w, nil
}

// WriteBlock appends one block to the data file and its annotations to
// the marker file. Impedance-mode blocks carry no signal and are
// skipped. A block with GapBefore opens a new segment: the lost frames
// are not representable in the file, so the discontinuity is marked at
// the first frame that follows it.
func (w *Writer) WriteBlock(b *block.SampleBlock) error {
	if b.Mode == block.ModeImpedance {
		return nil
	}
	if len(b.Data) != len(w.hdr.Channels) {
		return &block.StorageError{
			Path: w.base + ExtData,
			Err:  fmt.Errorf("block has %d channels, header has %d", len(b.Data), len(w.hdr.Channels)),
		}
	}

	if !w.segOpen || b.GapBefore > 0 {
		m := Marker{
			Type:     "New Segment",
			Position: w.frames,
			Length:   1,
			Date:     b.Timestamp.Format("20060102150405.000000"),
		}
		if b.GapBefore > 0 {
			m.Description = fmt.Sprintf("%d frames lost", b.GapBefore)
		}
		if err := w.writeMarker(m); err != nil {
			return err
		}
		w.segOpen = true
	}

	frames := b.Frames()
	for i := 0; i < frames; i++ {
		for ch := range b.Data {
			if err := w.writeSample(ch, b.Data[ch][i]); err != nil {
				return &block.StorageError{Path: w.base + ExtData, Err: err}
			}
		}
	}

	for _, ev := range b.Triggers {
		if !b.Covers(ev.SampleIndex) {
			continue
		}
		m := Marker{
			Type:        "Stimulus",
			Description: ev.Description,
			Position:    w.frames + (ev.SampleIndex - b.StartIndex),
			Length:      1,
		}
		if ev.Source == block.SourceSoftware {
			m.Type = "Comment"
		}
		if err := w.writeMarker(m); err != nil {
			return err
		}
	}

	w.frames += uint64(frames)
	return nil
}

func (w *Writer) writeSample(ch int, v float64) error {
	switch w.hdr.Format {
	case config.FormatInt16:
		res := w.hdr.Channels[ch].Resolution
		if res == 0 {
			res = 1
		}
		code := math.Round(v / res)
		if code > math.MaxInt16 {
			code = math.MaxInt16
		} else if code < math.MinInt16 {
			code = math.MinInt16
		}
		return binary.Write(w.dataBuf, binary.LittleEndian, int16(code))
	default:
		return binary.Write(w.dataBuf, binary.LittleEndian, float32(v))
	}
}

// Frames reports the number of frames in the data file so far.
func (w *Writer) Frames() uint64 { return w.frames }

// Close flushes the data and marker files and rewrites the header with
// the final frame count.
func (w *Writer) Close() error {
	if err := w.dataBuf.Flush(); err != nil {
		return &block.StorageError{Path: w.base + ExtData, Err: err}
	}
	if err := w.data.Close(); err != nil {
		return &block.StorageError{Path: w.base + ExtData, Err: err}
	}
	if err := w.markBuf.Flush(); err != nil {
		return &block.StorageError{Path: w.base + ExtMarker, Err: err}
	}
	if err := w.markers.Close(); err != nil {
		return &block.StorageError{Path: w.base + ExtMarker, Err: err}
	}
	return w.writeHeader()
}

// resolution is the scale the reader must apply to a stored sample.
// Float data is stored in physical units already.
func (w *Writer) resolution(ch int) float64 {
	if w.hdr.Format == config.FormatInt16 {
		if r := w.hdr.Channels[ch].Resolution; r != 0 {
			return r
		}
	}
	return 1
}

// writeHeader writes the complete text header. Called once at creation
// with a zero frame count and again on Close with the final one.
func (w *Writer) writeHeader() error {
	f, err := os.Create(w.base + ExtHeader)
	if err != nil {
		return &block.StorageError{Path: w.base + ExtHeader, Err: err}
	}
	bw := bufio.NewWriter(f)

	name := baseName(w.base)
	fmt.Fprintln(bw, "Brain Vision Data Exchange Header File Version 1.0")
	fmt.Fprintln(bw, "; Created by gocorder")
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "[Common Infos]")
	fmt.Fprintln(bw, "Codepage=UTF-8")
	fmt.Fprintf(bw, "DataFile=%s%s\n", name, ExtData)
	fmt.Fprintf(bw, "MarkerFile=%s%s\n", name, ExtMarker)
	fmt.Fprintln(bw, "DataFormat=BINARY")
	fmt.Fprintln(bw, "DataOrientation=MULTIPLEXED")
	fmt.Fprintf(bw, "NumberOfChannels=%d\n", len(w.hdr.Channels))
	fmt.Fprintf(bw, "SamplingInterval=%g\n", 1e6/w.hdr.SampleRate)
	fmt.Fprintf(bw, "DataPoints=%d\n", w.frames)
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "[Binary Infos]")
	fmt.Fprintf(bw, "BinaryFormat=%s\n", w.hdr.Format)
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "[Channel Infos]")
	for i, ch := range w.hdr.Channels {
		ref := ""
		if ch.RefIndex >= 0 && ch.RefIndex < len(w.hdr.Channels) {
			ref = w.hdr.Channels[ch.RefIndex].Label
		}
		unit := ch.Unit
		if unit == "" {
			unit = "µV"
		}
		fmt.Fprintf(bw, "Ch%d=%s,%s,%g,%s\n", i+1, ch.Label, ref, w.resolution(i), unit)
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "[Comment]")
	fmt.Fprintf(bw, "Montage: %s\n", w.hdr.Montage)
	fmt.Fprintf(bw, "Recording started: %s\n", w.hdr.StartTime.Format(time.RFC3339))

	if err := bw.Flush(); err != nil {
		f.Close()
		return &block.StorageError{Path: w.base + ExtHeader, Err: err}
	}
	if err := f.Close(); err != nil {
		return &block.StorageError{Path: w.base + ExtHeader, Err: err}
	}
	return nil
}

func (w *Writer) writeMarkerPreamble() error {
	name := baseName(w.base)
	fmt.Fprintln(w.markBuf, "Brain Vision Data Exchange Marker File, Version 1.0")
	fmt.Fprintln(w.markBuf)
	fmt.Fprintln(w.markBuf, "[Common Infos]")
	fmt.Fprintln(w.markBuf, "Codepage=UTF-8")
	fmt.Fprintf(w.markBuf, "DataFile=%s%s\n", name, ExtData)
	fmt.Fprintln(w.markBuf)
	fmt.Fprintln(w.markBuf, "[Marker Infos]")
	return nil
}

func (w *Writer) writeMarker(m Marker) error {
	w.markCount++
	_, err := fmt.Fprintf(w.markBuf, "Mk%d=%s,%s,%d,%d,0", w.markCount, m.Type, m.Description, m.Position+1, m.Length)
	if err == nil && m.Date != "" {
		_, err = fmt.Fprintf(w.markBuf, ",%s", m.Date)
	}
	if err == nil {
		_, err = fmt.Fprintln(w.markBuf)
	}
	if err != nil {
		return &block.StorageError{Path: w.base + ExtMarker, Err: err}
	}
	return nil
}

func baseName(base string) string {
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' || base[i] == '\\' {
			return base[i+1:]
		}
	}
	return base
}
