package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("nvme-sim", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"4K", 4096},
		{"64m", 64 << 20},
		{"1G", 1 << 30},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if err != nil {
			t.Errorf("parseSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if _, err := parseSize("lots"); err == nil {
		t.Error("parseSize should reject non-numeric sizes")
	}
}

func TestFormatSize(t *testing.T) {
	if got := formatSize(100); got != "100 B" {
		t.Errorf("formatSize(100) = %q", got)
	}
	if got := formatSize(64 << 20); got != "64.0 MB" {
		t.Errorf("formatSize(64M) = %q", got)
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg != defaultConfig() {
		t.Errorf("got %+v, want defaults %+v", cfg, defaultConfig())
	}
}

func TestConfigFileAndFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.yaml")
	data := []byte("mem_size: 1M\nqueues: 2\ndepth: 32\nlatency: 20us\nirqfd: true\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseFlags(newFlagSet(), []string{"-config", path, "-depth", "16"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.MemSize != "1M" || cfg.Queues != 2 || !cfg.IRQFD {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Latency != 20*time.Microsecond {
		t.Errorf("latency = %s, want 20us", cfg.Latency)
	}
	if cfg.Depth != 16 {
		t.Errorf("depth = %d, flag should override the file", cfg.Depth)
	}
	if cfg.Commands != defaultConfig().Commands {
		t.Errorf("commands = %d, unset keys should keep defaults", cfg.Commands)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no queues", []string{"-queues", "0"}},
		{"depth too small", []string{"-depth", "1"}},
		{"bad size", []string{"-mem", "big"}},
		{"memory too small", []string{"-mem", "1K", "-queues", "4", "-depth", "256"}},
	}
	for _, tt := range tests {
		if _, err := parseFlags(newFlagSet(), tt.args); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	if _, err := parseFlags(newFlagSet(), []string{"-config", "/nonexistent/sim.yaml"}); err == nil {
		t.Error("missing config file should fail")
	}
}

func TestQueuePairLayout(t *testing.T) {
	cfg := defaultConfig()
	cfg.Depth = 16

	p1 := cfg.queuePair(1)
	p2 := cfg.queuePair(2)
	if p1.SQAddr != 0 || p1.CQAddr != 16*64 {
		t.Errorf("queue 1 layout: %+v", p1)
	}
	if p2.SQAddr != p1.CQAddr+16*16 {
		t.Errorf("queue 2 should follow queue 1's completion ring: %+v", p2)
	}
	if p2.Vector != 2 {
		t.Errorf("queue 2 vector = %d", p2.Vector)
	}
}
