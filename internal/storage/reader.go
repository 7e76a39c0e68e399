package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

// Recording is a fully loaded recording set, used for verification and
// session inspection rather than streaming playback.
type Recording struct {
	Header  Header
	Frames  uint64
	Data    [][]float64 // channels × frames, in physical units
	Markers []Marker
}

// Read loads the recording set at base (path without extension).
func Read(base string) (*Recording, error) {
	r := &Recording{}
	if err := r.readHeader(base + ExtHeader); err != nil {
		return nil, err
	}
	if err := r.readData(base + ExtData); err != nil {
		return nil, err
	}
	if err := r.readMarkers(base + ExtMarker); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recording) readHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &block.StorageError{Path: path, Err: err}
	}
	defer f.Close()

	section := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch section {
		case "[Common Infos]":
			switch key {
			case "SamplingInterval":
				us, err := strconv.ParseFloat(value, 64)
				if err != nil || us <= 0 {
					return &block.StorageError{Path: path, Err: fmt.Errorf("bad sampling interval %q", value)}
				}
				r.Header.SampleRate = 1e6 / us
			case "DataPoints":
				n, err := strconv.ParseUint(value, 10, 64)
				if err != nil {
					return &block.StorageError{Path: path, Err: fmt.Errorf("bad data points %q", value)}
				}
				r.Frames = n
			}
		case "[Binary Infos]":
			if key == "BinaryFormat" {
				r.Header.Format = config.BinaryFormat(value)
			}
		case "[Channel Infos]":
			parts := strings.Split(value, ",")
			ch := block.ChannelDescriptor{Label: parts[0], Enabled: true, RefIndex: -1}
			if len(parts) > 2 {
				ch.Resolution, _ = strconv.ParseFloat(parts[2], 64)
			}
			if len(parts) > 3 {
				ch.Unit = parts[3]
			}
			r.Header.Channels = append(r.Header.Channels, ch)
		}
	}
	if err := sc.Err(); err != nil {
		return &block.StorageError{Path: path, Err: err}
	}
	if len(r.Header.Channels) == 0 {
		return &block.StorageError{Path: path, Err: fmt.Errorf("no channels in header")}
	}
	return nil
}

func (r *Recording) readData(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &block.StorageError{Path: path, Err: err}
	}
	defer f.Close()

	channels := len(r.Header.Channels)
	r.Data = make([][]float64, channels)
	br := bufio.NewReader(f)

	for frame := uint64(0); frame < r.Frames; frame++ {
		for ch := 0; ch < channels; ch++ {
			var v float64
			switch r.Header.Format {
			case config.FormatInt16:
				var code int16
				err = binary.Read(br, binary.LittleEndian, &code)
				res := r.Header.Channels[ch].Resolution
				if res == 0 {
					res = 1
				}
				v = float64(code) * res
			default:
				var s float32
				err = binary.Read(br, binary.LittleEndian, &s)
				v = float64(s)
			}
			if err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return &block.StorageError{Path: path, Err: fmt.Errorf("data file truncated at frame %d", frame)}
				}
				return &block.StorageError{Path: path, Err: err}
			}
			r.Data[ch] = append(r.Data[ch], v)
		}
	}
	return nil
}

func (r *Recording) readMarkers(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &block.StorageError{Path: path, Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Mk") {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parts := strings.Split(value, ",")
		if len(parts) < 5 {
			continue
		}
		pos, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil || pos == 0 {
			return &block.StorageError{Path: path, Err: fmt.Errorf("bad marker position %q", parts[2])}
		}
		length, _ := strconv.Atoi(parts[3])
		m := Marker{
			Type:        parts[0],
			Description: parts[1],
			Position:    pos - 1,
			Length:      length,
		}
		if len(parts) > 5 {
			m.Date = parts[5]
		}
		r.Markers = append(r.Markers, m)
	}
	if err := sc.Err(); err != nil {
		return &block.StorageError{Path: path, Err: err}
	}
	return nil
}

// FindSets lists the recording bases (paths without extension) under dir.
func FindSets(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+ExtHeader))
	if err != nil {
		return nil, err
	}
	bases := make([]string, len(matches))
	for i, m := range matches {
		bases[i] = strings.TrimSuffix(m, ExtHeader)
	}
	return bases, nil
}
