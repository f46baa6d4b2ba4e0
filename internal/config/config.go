// Package config holds the engine's tunable knobs. Loading configuration
// from a file is ambient plumbing, not a feature of the core: EngineOptions
// can always be built directly in Go, and LoadYAML is a convenience layered
// on top for callers that keep their tuning in a file alongside the
// database.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrel-db/kestrel/internal/dberr"
)

// EngineOptions configures a single opened Database.
type EngineOptions struct {
	// PageSize in bytes. Fixed for the lifetime of the file; only consulted
	// when creating a new database.
	PageSize int `yaml:"page_size"`

	// BufferPoolFrames bounds the number of pages cached in memory.
	BufferPoolFrames int `yaml:"buffer_pool_frames"`

	// CheckpointEvery triggers a background persist() after this many WAL
	// records have been appended since the last checkpoint. Zero disables
	// the count-based trigger.
	CheckpointEvery uint64 `yaml:"checkpoint_every"`

	// CheckpointInterval triggers a background persist() on a wall-clock
	// schedule via the cron-driven scheduler. Zero disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// EnableOverflowCompression turns on snappy compression for overflow
	// chains (large TEXT/BLOB values). Off by default.
	EnableOverflowCompression bool `yaml:"enable_overflow_compression"`
}

// DefaultPageSize matches the file-header default named in the storage
// component design: 4096 bytes.
const DefaultPageSize = 4096

// DefaultBufferPoolFrames matches the buffer pool's default frame count.
const DefaultBufferPoolFrames = 128

// Defaults returns the documented default configuration.
func Defaults() *EngineOptions {
	return &EngineOptions{
		PageSize:         DefaultPageSize,
		BufferPoolFrames: DefaultBufferPoolFrames,
	}
}

// Normalize fills zero-valued fields with defaults and validates the rest.
func (o *EngineOptions) Normalize() error {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize < 4096 || o.PageSize > 65536 || o.PageSize&(o.PageSize-1) != 0 {
		return dberr.New(dberr.Internal, "page size %d must be a power of two between 4096 and 65536", o.PageSize)
	}
	if o.BufferPoolFrames == 0 {
		o.BufferPoolFrames = DefaultBufferPoolFrames
	}
	return nil
}

// LoadYAML reads EngineOptions from a YAML file, normalizing defaults
// afterward.
func LoadYAML(path string) (*EngineOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.Io, err, "read engine config %q", path)
	}
	opts := &EngineOptions{}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, dberr.Wrap(dberr.Internal, err, "parse engine config %q", path)
	}
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	return opts, nil
}
