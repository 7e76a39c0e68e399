package config

import (
	"strings"
	"testing"
	"time"
)

func testCaps() Capabilities {
	return Capabilities{
		SampleRates:  []float64{500, 1000, 2000},
		MaxChannels:  64,
		Impedance:    true,
		TriggerIn:    true,
		MinBlockSize: 10,
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := New()
	if err := cfg.Validate(testCaps()); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unsupported rate", func(c *Config) { c.SampleRate = 777 }, "sample rate"},
		{"too many channels", func(c *Config) { c.Channels = 100 }, "channel count"},
		{"block too small", func(c *Config) { c.BlockFrames = 5 }, "block size"},
		{"highpass above nyquist", func(c *Config) { c.HighpassHz = 600 }, "highpass"},
		{"lowpass above nyquist", func(c *Config) { c.LowpassHz = 500 }, "lowpass"},
		{"bad notch", func(c *Config) { c.NotchHz = 45 }, "notch"},
		{"odd filter order", func(c *Config) { c.FilterOrder = 3 }, "filter order"},
		{"unknown montage", func(c *Config) { c.Montage = "laplacian" }, "montage"},
		{"unknown format", func(c *Config) { c.Format = "ASCII" }, "format"},
		{"no output dir", func(c *Config) { c.OutputDir = "" }, "output directory"},
		{"monitor out of range", func(c *Config) { c.MonitorChannel = 99 }, "monitor channel"},
		{"bad decimation", func(c *Config) { c.DisplayDecimation = 0 }, "decimation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New()
			tc.mutate(cfg)
			err := cfg.Validate(testCaps())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestNew_EnvOverrides(t *testing.T) {
	t.Setenv("GOCORDER_CHANNELS", "16")
	t.Setenv("GOCORDER_BLOCK", "250")
	cfg := New()
	if cfg.Channels != 16 {
		t.Fatalf("Channels = %d, want 16", cfg.Channels)
	}
	if cfg.BlockFrames != 250 {
		t.Fatalf("BlockFrames = %d, want 250", cfg.BlockFrames)
	}

	// An unparseable value falls back to the default.
	t.Setenv("GOCORDER_CHANNELS", "lots")
	if cfg := New(); cfg.Channels != 32 {
		t.Fatalf("Channels = %d, want default 32", cfg.Channels)
	}
}

func TestValidate_ImpedanceCapability(t *testing.T) {
	cfg := New()
	cfg.ImpedanceInterval = time.Minute

	caps := testCaps()
	if err := cfg.Validate(caps); err != nil {
		t.Fatalf("impedance on capable device rejected: %v", err)
	}

	caps.Impedance = false
	if err := cfg.Validate(caps); err == nil {
		t.Fatal("impedance interval accepted on incapable device")
	}
}
