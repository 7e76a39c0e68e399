// Package config holds the acquisition configuration and validates it
// against the capabilities of the selected amplifier before a session is
// allowed to open the device.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// BinaryFormat selects the sample encoding of the output data file.
type BinaryFormat string

const (
	FormatFloat32 BinaryFormat = "IEEE_FLOAT_32"
	FormatInt16   BinaryFormat = "INT_16"
)

// Config holds all configuration parameters for the recorder.
type Config struct {
	// Device selection: "cortiamp", "neocap", "replay" or "synth".
	Device     string
	DevicePath string // transport path (USB endpoint, RFCOMM device or WAV file)

	SampleRate  float64 // Hz
	Channels    int
	BlockFrames int // frames per SampleBlock pulled from the device

	// Filter settings, 0 disables the corresponding filter.
	HighpassHz  float64
	LowpassHz   float64
	NotchHz     float64 // 50 or 60, 0 = off
	FilterOrder int

	// Montage: "none", "average" or "bipolar".
	Montage string

	ImpedanceInterval time.Duration // 0 disables the impedance duty cycle

	// Storage.
	OutputDir      string
	FilePrefix     string
	FileNumberSize int // digits appended for auto-naming
	Format         BinaryFormat
	ArchiveOnClose bool   // gzip the data file during finalization
	CatalogPath    string // badger catalog directory, empty = disabled

	DisplayQueue      int // blocks buffered towards the display sink
	DisplayDecimation int // keep 1 of every N frames for the display, 1 = off
	MonitorChannel    int // channel rendered to audio, -1 = off
	OpenTimeout       time.Duration
}

// New returns a Config with default values, with environment overrides
// applied for the paths, the channel count and the block size.
func New() *Config {
	return &Config{
		Device:            "cortiamp",
		SampleRate:        1000.0,
		Channels:          getEnvInt("GOCORDER_CHANNELS", 32),
		BlockFrames:       getEnvInt("GOCORDER_BLOCK", 100),
		HighpassHz:        0.0,
		LowpassHz:         0.0,
		NotchHz:           0.0,
		FilterOrder:       2,
		Montage:           "none",
		ImpedanceInterval: 0,
		OutputDir:         getEnv("GOCORDER_OUTPUT", "./recordings"),
		FilePrefix:        "EEG_",
		FileNumberSize:    6,
		Format:            FormatFloat32,
		ArchiveOnClose:    false,
		CatalogPath:       getEnv("GOCORDER_CATALOG", ""),
		DisplayQueue:      16,
		DisplayDecimation: 1,
		MonitorChannel:    -1,
		OpenTimeout:       5 * time.Second,
	}
}

// Capabilities describes what the selected amplifier supports. The
// amplifier package fills this in from the device properties.
type Capabilities struct {
	SampleRates  []float64
	MaxChannels  int
	Impedance    bool
	TriggerIn    bool
	MinBlockSize int
}

// Validate checks the configuration against itself and the device
// capabilities. It is called before the session opens the device, so any
// error here is a setup error, never a mid-stream one.
func (c *Config) Validate(caps Capabilities) error {
	if c.Channels < 1 || c.Channels > caps.MaxChannels {
		return fmt.Errorf("channel count %d out of range 1..%d", c.Channels, caps.MaxChannels)
	}
	if !supportedRate(caps.SampleRates, c.SampleRate) {
		return fmt.Errorf("sample rate %g Hz not supported by device", c.SampleRate)
	}
	if c.BlockFrames < caps.MinBlockSize {
		return fmt.Errorf("block size %d below device minimum %d", c.BlockFrames, caps.MinBlockSize)
	}
	nyquist := c.SampleRate / 2
	if c.HighpassHz < 0 || c.HighpassHz >= nyquist {
		return fmt.Errorf("highpass cutoff %g Hz outside [0, %g)", c.HighpassHz, nyquist)
	}
	if c.LowpassHz < 0 || c.LowpassHz >= nyquist {
		return fmt.Errorf("lowpass cutoff %g Hz outside [0, %g)", c.LowpassHz, nyquist)
	}
	if c.NotchHz != 0 && c.NotchHz != 50 && c.NotchHz != 60 {
		return fmt.Errorf("notch frequency must be 0, 50 or 60 Hz, got %g", c.NotchHz)
	}
	if c.FilterOrder < 2 || c.FilterOrder%2 != 0 {
		return fmt.Errorf("filter order must be a positive even number, got %d", c.FilterOrder)
	}
	switch c.Montage {
	case "none", "average", "bipolar":
	default:
		return fmt.Errorf("unknown montage %q", c.Montage)
	}
	if c.ImpedanceInterval != 0 && !caps.Impedance {
		return fmt.Errorf("device does not support impedance measurement")
	}
	switch c.Format {
	case FormatFloat32, FormatInt16:
	default:
		return fmt.Errorf("unknown binary format %q", c.Format)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.MonitorChannel >= c.Channels {
		return fmt.Errorf("monitor channel %d out of range", c.MonitorChannel)
	}
	if c.DisplayDecimation < 1 {
		return fmt.Errorf("display decimation must be at least 1, got %d", c.DisplayDecimation)
	}
	return nil
}

func supportedRate(rates []float64, rate float64) bool {
	for _, r := range rates {
		if r == rate {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt reads an integer environment override, falling back to the
// default on absence or parse failure.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
