// Package session runs one acquisition session end to end: it opens the
// amplifier, pushes every block through the processing chain, fans the
// result out to storage, display and the audio monitor, and finalizes
// the recording set when the stream ends.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gocorder/internal/amplifier"
	"gocorder/internal/block"
	"gocorder/internal/catalog"
	"gocorder/internal/config"
	"gocorder/internal/display"
	"gocorder/internal/filter"
	"gocorder/internal/impedance"
	"gocorder/internal/monitor"
	"gocorder/internal/montage"
	"gocorder/internal/pipeline"
	"gocorder/internal/storage"
	"gocorder/internal/trigger"
)

// reconnectAttempts bounds how often a broken transport is re-dialed
// before the session gives up.
const reconnectAttempts = 3

type reopener interface {
	Reopen(ctx context.Context) error
}

// Session is one recording run against one amplifier.
type Session struct {
	ID  string
	cfg *config.Config
	log *log.Logger

	amp      amplifier.Amplifier
	mont     *montage.Montage
	filt     *filter.Engine
	chain    *pipeline.Chain
	triggers *trigger.Handler
	imped    *impedance.Engine
	recorder *storage.Recorder
	display  *display.Sink
	dec      *display.Decimator
	cat      *catalog.Catalog
	mon      *monitor.Monitor

	mu      sync.Mutex
	pending *filter.Settings // filter change applied between blocks

	monCh chan *block.SampleBlock
	wg    sync.WaitGroup
}

// New builds a session from the configuration. The device is not opened
// yet; Run does that.
func New(cfg *config.Config, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Default()
	}
	amp, err := amplifier.New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:       uuid.NewString(),
		cfg:      cfg,
		log:      logger,
		amp:      amp,
		triggers: trigger.NewHandler(0),
		imped:    impedance.New(cfg.Channels, cfg.ImpedanceInterval),
		recorder: storage.NewRecorder(cfg),
		display:  display.NewSink(cfg.DisplayQueue),
	}
	if cfg.CatalogPath != "" {
		if s.cat, err = catalog.Open(cfg.CatalogPath); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Display exposes the lossy block stream for a viewer.
func (s *Session) Display() *display.Sink { return s.display }

// Inject queues a software trigger at the current stream position.
func (s *Session) Inject(code int, description string) {
	s.triggers.Inject(code, description)
}

// Impedances returns the latest electrode impedance estimates.
func (s *Session) Impedances() []block.ImpedanceSample {
	return s.imped.Snapshot()
}

// ReconfigureFilters requests new filter settings. The change is applied
// between blocks; identical settings leave the filter state untouched.
func (s *Session) ReconfigureFilters(settings filter.Settings) {
	s.mu.Lock()
	s.pending = &settings
	s.mu.Unlock()
}

// Run executes the session until ctx is cancelled, the stream ends, or
// an unrecoverable error occurs. The recording set is finalized on every
// exit path that reached the recording state.
func (s *Session) Run(ctx context.Context) (storage.Summary, error) {
	if err := s.open(ctx); err != nil {
		return storage.Summary{}, err
	}
	defer s.close()

	runErr := s.loop(ctx)

	summary, stopErr := s.recorder.Stop()
	if runErr == nil {
		runErr = stopErr
	}
	s.log.Printf("session %s: %d frames, %d gaps (%d frames lost), %d markers, %s",
		s.ID, summary.Frames, summary.Gaps, summary.GapFrames, summary.Markers, summary.Duration)

	if s.cat != nil {
		if _, err := s.cat.Add(catalog.Entry{
			Base:      summary.Base,
			Device:    s.cfg.Device,
			Channels:  s.mont.OutputChannels(),
			Rate:      s.cfg.SampleRate,
			Frames:    summary.Frames,
			Gaps:      summary.Gaps,
			GapFrames: summary.GapFrames,
			Markers:   summary.Markers,
			Started:   summary.Started,
			Duration:  summary.Duration,
			Archived:  summary.Archived,
		}); err != nil {
			s.log.Printf("session %s: catalog update failed: %v", s.ID, err)
		}
	}
	return summary, runErr
}

// open connects the device, validates the configuration against its
// capabilities and builds the processing chain and output set.
func (s *Session) open(ctx context.Context) error {
	if err := s.amp.Open(ctx); err != nil {
		return err
	}
	info := s.amp.Info()
	if err := s.cfg.Validate(info.Caps); err != nil {
		s.amp.Close()
		return &block.ConfigurationError{Reason: err.Error()}
	}
	s.log.Printf("session %s: %s (%s), %d channels at %g Hz",
		s.ID, info.Name, info.Serial, s.cfg.Channels, s.cfg.SampleRate)
	if info.BatteryVolts > 0 {
		s.log.Printf("session %s: battery %.1f V", s.ID, info.BatteryVolts)
	}

	descriptors := s.amp.Descriptors()
	var err error
	switch s.cfg.Montage {
	case "average":
		s.mont, err = montage.AverageReference(descriptors)
	case "bipolar":
		s.mont, err = montage.BipolarPairs(descriptors)
	default:
		s.mont, err = montage.Identity(descriptors)
	}
	if err != nil {
		s.amp.Close()
		return err
	}

	s.filt = filter.NewEngine(filter.Settings{
		HighpassHz: s.cfg.HighpassHz,
		LowpassHz:  s.cfg.LowpassHz,
		NotchHz:    s.cfg.NotchHz,
		Order:      s.cfg.FilterOrder,
		SampleRate: s.cfg.SampleRate,
	}, s.mont.OutputChannels())
	s.chain = pipeline.NewChain(s.mont, s.filt)
	if s.cfg.DisplayDecimation > 1 {
		s.dec = display.NewDecimator(s.mont.OutputChannels(), s.cfg.DisplayDecimation)
	}

	if err := s.recorder.Start(storage.Header{
		Channels:   s.derivedDescriptors(descriptors),
		SampleRate: s.cfg.SampleRate,
		Format:     s.cfg.Format,
		Montage:    s.cfg.Montage,
	}); err != nil {
		s.amp.Close()
		return err
	}

	if s.cfg.MonitorChannel >= 0 {
		mon, err := monitor.New(s.cfg.SampleRate, s.cfg.MonitorChannel)
		if err != nil {
			s.log.Printf("session %s: audio monitor unavailable: %v", s.ID, err)
		} else {
			s.mon = mon
			s.monCh = make(chan *block.SampleBlock, 4)
			s.wg.Add(1)
			go s.feedMonitor()
		}
	}
	return nil
}

// derivedDescriptors maps the montage output channels onto storage
// descriptors, keeping the amplifier resolution for integer encoding.
func (s *Session) derivedDescriptors(raw []block.ChannelDescriptor) []block.ChannelDescriptor {
	resolution := s.amp.Info().Resolution
	if len(raw) > 0 && raw[0].Resolution != 0 {
		resolution = raw[0].Resolution
	}
	labels := s.mont.Labels()
	ds := make([]block.ChannelDescriptor, len(labels))
	for i, label := range labels {
		ds[i] = block.ChannelDescriptor{
			Label:      label,
			Unit:       "µV",
			Resolution: resolution,
			Enabled:    true,
			RefIndex:   -1,
		}
	}
	return ds
}

// loop is the acquisition read loop: one goroutine pulls blocks and
// drives every stage in order.
func (s *Session) loop(ctx context.Context) error {
	for {
		blk, err := s.amp.ReadBlock(ctx)
		if err != nil {
			var gap *block.DataGapError
			switch {
			case errors.As(err, &gap):
				// The stream continues; the gap is already marked on blk.
				s.log.Printf("session %s: %v", s.ID, err)
			case errors.Is(err, io.EOF):
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				var transport *block.TransportError
				if errors.As(err, &transport) {
					if rerr := s.reconnect(ctx); rerr == nil {
						continue
					}
				}
				return err
			}
		}
		if blk == nil {
			continue
		}

		if blk.GapBefore > 0 {
			// Fresh data must not be smeared with pre-gap filter history.
			s.filt.Reset()
			if s.dec != nil {
				s.dec.Reset()
			}
		}
		s.applyPendingSettings()

		if err := s.imped.Observe(ctx, s.amp, blk); err != nil {
			s.log.Printf("session %s: impedance cycle: %v", s.ID, err)
		}
		s.triggers.Attach(blk)

		out, err := s.chain.Process(blk)
		if err != nil {
			return err
		}

		// Storage never drops a block; a write failure ends the session.
		if err := s.recorder.Write(out); err != nil {
			return err
		}
		view := out.Clone()
		if s.dec != nil {
			if view, err = s.dec.Process(view); err != nil {
				s.log.Printf("session %s: display decimation: %v", s.ID, err)
				view = nil
			}
		}
		// A block shorter than the decimation factor can come out empty;
		// the viewer has no use for zero-frame blocks.
		if view != nil && view.Frames() > 0 {
			s.display.Offer(view)
		}
		if s.monCh != nil {
			select {
			case s.monCh <- out:
			default:
			}
		}
	}
}

func (s *Session) applyPendingSettings() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		s.filt.Reconfigure(*pending)
	}
}

// reconnect re-dials a broken transport. The device-side sample counter
// keeps running across the outage, so the frames lost while disconnected
// surface as a regular marked gap after reopening.
func (s *Session) reconnect(ctx context.Context) error {
	r, ok := s.amp.(reopener)
	if !ok {
		return &block.ConnectionError{Device: s.cfg.Device, Err: errors.New("device cannot reconnect")}
	}
	var err error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		s.log.Printf("session %s: transport lost, reconnect attempt %d/%d", s.ID, attempt, reconnectAttempts)
		if err = r.Reopen(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return err
}

func (s *Session) feedMonitor() {
	defer s.wg.Done()
	for blk := range s.monCh {
		if err := s.mon.Feed(blk); err != nil {
			return
		}
	}
}

func (s *Session) close() {
	s.amp.Close()
	s.display.Close()
	if s.monCh != nil {
		close(s.monCh)
	}
	s.wg.Wait()
	if s.mon != nil {
		s.mon.Close()
	}
	if s.cat != nil {
		s.cat.Close()
	}
}
