package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gocorder/internal/catalog"
	"gocorder/internal/config"
	"gocorder/internal/session"
)

func main() {
	cfg := config.New()

	flag.StringVar(&cfg.Device, "device", cfg.Device, "amplifier: cortiamp, neocap, replay or synth")
	flag.StringVar(&cfg.DevicePath, "path", cfg.DevicePath, "transport path (USB endpoint, RFCOMM device or WAV file)")
	flag.Float64Var(&cfg.SampleRate, "rate", cfg.SampleRate, "sample rate in Hz")
	flag.IntVar(&cfg.Channels, "channels", cfg.Channels, "number of channels")
	flag.IntVar(&cfg.BlockFrames, "block", cfg.BlockFrames, "frames per block")
	flag.Float64Var(&cfg.HighpassHz, "highpass", cfg.HighpassHz, "highpass cutoff in Hz, 0 = off")
	flag.Float64Var(&cfg.LowpassHz, "lowpass", cfg.LowpassHz, "lowpass cutoff in Hz, 0 = off")
	flag.Float64Var(&cfg.NotchHz, "notch", cfg.NotchHz, "notch frequency (50 or 60), 0 = off")
	flag.IntVar(&cfg.FilterOrder, "order", cfg.FilterOrder, "filter order (even)")
	flag.StringVar(&cfg.Montage, "montage", cfg.Montage, "montage: none, average or bipolar")
	flag.DurationVar(&cfg.ImpedanceInterval, "impedance", cfg.ImpedanceInterval, "impedance duty cycle, 0 = off")
	flag.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "output directory")
	flag.StringVar(&cfg.FilePrefix, "prefix", cfg.FilePrefix, "recording file prefix")
	format := flag.String("format", string(cfg.Format), "binary format: IEEE_FLOAT_32 or INT_16")
	flag.BoolVar(&cfg.ArchiveOnClose, "archive", cfg.ArchiveOnClose, "gzip the data file when the recording ends")
	flag.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "recording catalog directory, empty = off")
	flag.IntVar(&cfg.DisplayDecimation, "decimate", cfg.DisplayDecimation, "display decimation factor, 1 = off")
	flag.IntVar(&cfg.MonitorChannel, "monitor", cfg.MonitorChannel, "channel played as audio, -1 = off")
	duration := flag.Duration("duration", 0, "stop after this long, 0 = until interrupted")
	list := flag.Bool("list", false, "list the recording catalog and exit")
	flag.Parse()
	cfg.Format = config.BinaryFormat(*format)

	logger := log.New(os.Stderr, "", log.LstdFlags)

	if *list {
		if err := listCatalog(cfg.CatalogPath); err != nil {
			logger.Fatal(err)
		}
		return
	}

	s, err := session.New(cfg, logger)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Print("stopping...")
		cancel()
	}()

	summary, err := s.Run(ctx)
	if err != nil {
		logger.Fatal(err)
	}
	fmt.Printf("recorded %s: %d frames (%s), %d gaps, %d markers\n",
		summary.Base, summary.Frames, summary.Duration, summary.Gaps, summary.Markers)
}

func listCatalog(path string) error {
	if path == "" {
		return fmt.Errorf("no catalog configured; pass -catalog or set GOCORDER_CATALOG")
	}
	c, err := catalog.Open(path)
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("catalog is empty")
		return nil
	}
	for _, e := range entries {
		archived := ""
		if e.Archived {
			archived = " [archived]"
		}
		fmt.Printf("%s  %s  %dch @ %gHz  %d frames (%s)  %d gaps  %d markers  %s%s\n",
			e.Started.Format(time.RFC3339), e.Device, e.Channels, e.Rate,
			e.Frames, e.Duration, e.Gaps, e.Markers, e.Base, archived)
	}
	return nil
}
