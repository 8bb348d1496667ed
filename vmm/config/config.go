// Package config loads the VMM's YAML-tunable settings: virtqueue
// sizing, deferred-flush timing, and discard alignment for the virtio
// block backend. Modeled on how snapd loads its daemon configuration
// with gopkg.in/yaml.v3 into a plain struct, filling in defaults for
// zero values after Unmarshal rather than via struct tags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Block holds the virtio block device's tunables.
type Block struct {
	// QueueSize is the number of descriptors per virtqueue.
	QueueSize uint32 `yaml:"queue_size"`
	// QueueCount is the number of virtqueues (and workers, when
	// WorkerPerQueue is set) the device exposes.
	QueueCount uint32 `yaml:"queue_count"`
	// FlushDelay is how long the deferred-flush timer runs, once a write
	// arms it, before the worker calls fsync.
	FlushDelay time.Duration `yaml:"flush_delay"`
	// DiscardAlignmentSectors is the alignment, in 512-byte sectors,
	// advertised for DISCARD/WRITE_ZEROES requests.
	DiscardAlignmentSectors uint32 `yaml:"discard_alignment_sectors"`
	// WorkerPerQueue runs one worker goroutine per virtqueue. When false,
	// a single worker services queues[0] only; the other queues are not
	// serviced.
	WorkerPerQueue bool `yaml:"worker_per_queue"`
}

// Config is the top-level VMM configuration document.
type Config struct {
	Block Block `yaml:"block"`
}

// defaults are 256-entry queues, 16 queues, a 60 second deferred flush
// delay, and 128-sector (64KiB) discard alignment.
func defaults() Config {
	return Config{
		Block: Block{
			QueueSize:               256,
			QueueCount:              16,
			FlushDelay:              60 * time.Second,
			DiscardAlignmentSectors: 128,
			WorkerPerQueue:          false,
		},
	}
}

// Load reads and parses a YAML configuration file at path, filling in
// defaults for any zero-valued field left unset by the document.
func Load(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// Default returns the built-in default configuration, for callers that
// run without a config file.
func Default() Config {
	return defaults()
}

func applyDefaults(cfg *Config) {
	d := defaults()
	if cfg.Block.QueueSize == 0 {
		cfg.Block.QueueSize = d.Block.QueueSize
	}
	if cfg.Block.QueueCount == 0 {
		cfg.Block.QueueCount = d.Block.QueueCount
	}
	if cfg.Block.FlushDelay == 0 {
		cfg.Block.FlushDelay = d.Block.FlushDelay
	}
	if cfg.Block.DiscardAlignmentSectors == 0 {
		cfg.Block.DiscardAlignmentSectors = d.Block.DiscardAlignmentSectors
	}
}
