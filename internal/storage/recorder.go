package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gocorder/internal/block"
	"gocorder/internal/config"
)

// State of the recorder lifecycle. Transitions only move forward within
// one recording; Stop returns the recorder to Idle for the next one.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Summary describes one finished recording.
type Summary struct {
	Base      string // path without extension
	Frames    uint64
	Gaps      uint64 // number of marked discontinuities
	GapFrames uint64 // total frames lost across them
	Markers   int    // trigger markers written
	Started   time.Time
	Duration  time.Duration
	Archived  bool
}

// Recorder owns the storage lifecycle of a session: it auto-names the
// output set, streams blocks to the writer, and finalizes the set when
// recording stops. Methods are called from the pipeline goroutine only.
type Recorder struct {
	cfg   *config.Config
	state State

	w       *Writer
	summary Summary
}

// NewRecorder creates an idle recorder.
func NewRecorder(cfg *config.Config) *Recorder {
	return &Recorder{cfg: cfg}
}

// State reports the current lifecycle state.
func (r *Recorder) State() State { return r.state }

// Start opens a new recording set using the next free auto-generated
// name and writes the provisional header.
func (r *Recorder) Start(hdr Header) error {
	if r.state != StateIdle {
		return &block.StorageError{Path: r.cfg.OutputDir, Err: fmt.Errorf("recorder is %s, not idle", r.state)}
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return &block.StorageError{Path: r.cfg.OutputDir, Err: err}
	}
	base, err := r.nextBase()
	if err != nil {
		return err
	}
	if hdr.StartTime.IsZero() {
		hdr.StartTime = time.Now()
	}

	w, err := NewWriter(base, hdr)
	if err != nil {
		return err
	}
	r.w = w
	r.summary = Summary{Base: base, Started: hdr.StartTime}
	r.state = StateRecording
	return nil
}

// Write appends one block. Storage never drops blocks; an error here is
// unrecoverable and the caller must stop the recording.
func (r *Recorder) Write(b *block.SampleBlock) error {
	if r.state != StateRecording {
		return &block.StorageError{Path: r.summary.Base, Err: fmt.Errorf("recorder is %s, not recording", r.state)}
	}
	if b.GapBefore > 0 {
		r.summary.Gaps++
		r.summary.GapFrames += b.GapBefore
	}
	if b.Mode != block.ModeImpedance {
		r.summary.Markers += len(b.Triggers)
	}
	return r.w.WriteBlock(b)
}

// Stop finalizes the open set: the header is patched with the final
// frame count and, when configured, the data file is archived. The
// recorder returns to Idle so a new recording can start.
func (r *Recorder) Stop() (Summary, error) {
	if r.state != StateRecording {
		return Summary{}, &block.StorageError{Path: r.summary.Base, Err: fmt.Errorf("recorder is %s, not recording", r.state)}
	}
	r.state = StateFinalizing

	s := r.summary
	s.Frames = r.w.Frames()
	if r.cfg.SampleRate > 0 {
		s.Duration = time.Duration(float64(s.Frames) / r.cfg.SampleRate * float64(time.Second))
	}

	err := r.w.Close()
	r.w = nil
	if err != nil {
		r.state = StateClosed
		return s, err
	}

	if r.cfg.ArchiveOnClose {
		if err := ArchiveData(s.Base); err != nil {
			r.state = StateClosed
			return s, err
		}
		s.Archived = true
	}

	r.state = StateIdle
	r.summary = Summary{}
	return s, nil
}

// nextBase picks the first unused prefix+number name in the output
// directory, continuing after the highest existing number.
func (r *Recorder) nextBase() (string, error) {
	digits := r.cfg.FileNumberSize
	if digits < 1 {
		digits = 6
	}
	pattern := filepath.Join(r.cfg.OutputDir, r.cfg.FilePrefix+"*"+ExtHeader)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", &block.StorageError{Path: r.cfg.OutputDir, Err: err}
	}

	next := 1
	for _, m := range matches {
		name := filepath.Base(m)
		numPart := name[len(r.cfg.FilePrefix) : len(name)-len(ExtHeader)]
		var n int
		if _, err := fmt.Sscanf(numPart, "%d", &n); err == nil && n >= next {
			next = n + 1
		}
	}
	return filepath.Join(r.cfg.OutputDir, fmt.Sprintf("%s%0*d", r.cfg.FilePrefix, digits, next)), nil
}
