package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	nvme "github.com/ehrlich-b/go-nvme"
)

// simConfig is the simulator configuration. It can be loaded from a YAML
// file; flags given on the command line override the file.
type simConfig struct {
	MemSize       string        `yaml:"mem_size"`
	Queues        int           `yaml:"queues"`
	Depth         uint32        `yaml:"depth"`
	Commands      uint64        `yaml:"commands"` // per queue, 0 runs until interrupted
	Latency       time.Duration `yaml:"latency"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	IRQFD         bool          `yaml:"irqfd"`
	Verbose       bool          `yaml:"verbose"`
}

func defaultConfig() simConfig {
	return simConfig{
		MemSize:       "64M",
		Queues:        nvme.DefaultMaxIOQueues,
		Depth:         nvme.DefaultQueueDepth,
		Commands:      10000,
		StatsInterval: time.Second,
	}
}

func loadConfig(path string, cfg *simConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// parseFlags builds the configuration from defaults, then the file named by
// -config, then any flags set explicitly
func parseFlags(fs *flag.FlagSet, args []string) (simConfig, error) {
	cfg := defaultConfig()
	var (
		configPath = fs.String("config", "", "YAML configuration file")
		memSize    = fs.String("mem", cfg.MemSize, "Guest memory size (e.g., 64M, 1G)")
		queues     = fs.Int("queues", cfg.Queues, "Number of I/O queue pairs")
		depth      = fs.Uint("depth", uint(cfg.Depth), "Entries per submission and completion queue")
		commands   = fs.Uint64("commands", cfg.Commands, "Commands per queue (0 runs until interrupted)")
		latency    = fs.Duration("latency", cfg.Latency, "Simulated command latency")
		stats      = fs.Duration("stats", cfg.StatsInterval, "Metrics log interval (0 disables)")
		irqfd      = fs.Bool("irqfd", cfg.IRQFD, "Deliver interrupts through eventfds written by io_uring")
		verbose    = fs.Bool("v", cfg.Verbose, "Verbose output")
	)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mem":
			cfg.MemSize = *memSize
		case "queues":
			cfg.Queues = *queues
		case "depth":
			cfg.Depth = uint32(*depth)
		case "commands":
			cfg.Commands = *commands
		case "latency":
			cfg.Latency = *latency
		case "stats":
			cfg.StatsInterval = *stats
		case "irqfd":
			cfg.IRQFD = *irqfd
		case "v":
			cfg.Verbose = *verbose
		}
	})
	return cfg, cfg.validate()
}

func (c simConfig) validate() error {
	if c.Queues < 1 || c.Queues > nvme.MaxIOQueues {
		return fmt.Errorf("queues must be between 1 and %d", nvme.MaxIOQueues)
	}
	if c.Depth < nvme.MinQueueDepth || c.Depth > nvme.MaxQueueDepth {
		return fmt.Errorf("depth must be between %d and %d", nvme.MinQueueDepth, nvme.MaxQueueDepth)
	}
	size, err := parseSize(c.MemSize)
	if err != nil {
		return fmt.Errorf("invalid mem size %q: %w", c.MemSize, err)
	}
	if need := c.guestBytes(); size < need {
		return fmt.Errorf("mem size %s too small for %d queues of depth %d (need %s)",
			c.MemSize, c.Queues, c.Depth, formatSize(need))
	}
	return nil
}

// ringBytes is the guest memory used by one queue pair
func (c simConfig) ringBytes() int64 {
	return int64(c.Depth) * (nvme.SQEntrySize + nvme.CQEntrySize)
}

func (c simConfig) guestBytes() int64 {
	return int64(c.Queues) * c.ringBytes()
}

// queuePair lays out queue qid's rings back to back in guest memory
func (c simConfig) queuePair(qid uint16) nvme.QueuePair {
	base := uint64(qid-1) * uint64(c.ringBytes())
	return nvme.QueuePair{
		ID:     qid,
		SQAddr: base,
		SQSize: c.Depth,
		CQAddr: base + uint64(c.Depth)*nvme.SQEntrySize,
		CQSize: c.Depth,
		Vector: qid,
	}
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
