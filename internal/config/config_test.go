package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrel-db/kestrel/internal/dberr"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	opts := Defaults()
	if opts.PageSize != DefaultPageSize {
		t.Fatalf("PageSize = %d, want %d", opts.PageSize, DefaultPageSize)
	}
	if opts.BufferPoolFrames != DefaultBufferPoolFrames {
		t.Fatalf("BufferPoolFrames = %d, want %d", opts.BufferPoolFrames, DefaultBufferPoolFrames)
	}
}

func TestNormalizeFillsZeroFields(t *testing.T) {
	opts := &EngineOptions{}
	if err := opts.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if opts.PageSize != DefaultPageSize || opts.BufferPoolFrames != DefaultBufferPoolFrames {
		t.Fatalf("opts = %+v, want defaults filled in", opts)
	}
}

func TestNormalizeRejectsNonPowerOfTwoPageSize(t *testing.T) {
	opts := &EngineOptions{PageSize: 5000}
	err := opts.Normalize()
	if dberr.KindOf(err) != dberr.Internal {
		t.Fatalf("kind = %v, want Internal", dberr.KindOf(err))
	}
}

func TestNormalizeRejectsPageSizeOutOfRange(t *testing.T) {
	for _, size := range []int{2048, 131072} {
		opts := &EngineOptions{PageSize: size}
		if err := opts.Normalize(); err == nil {
			t.Fatalf("page size %d should have been rejected", size)
		}
	}
}

func TestLoadYAMLReadsAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	yaml := "page_size: 8192\nbuffer_pool_frames: 256\nenable_overflow_compression: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.PageSize != 8192 {
		t.Fatalf("PageSize = %d, want 8192", opts.PageSize)
	}
	if opts.BufferPoolFrames != 256 {
		t.Fatalf("BufferPoolFrames = %d, want 256", opts.BufferPoolFrames)
	}
	if !opts.EnableOverflowCompression {
		t.Fatal("expected EnableOverflowCompression to be true")
	}
}

func TestLoadYAMLMissingFile(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	if dberr.KindOf(err) != dberr.Io {
		t.Fatalf("kind = %v, want Io", dberr.KindOf(err))
	}
}

func TestLoadYAMLAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.yaml")
	if err := os.WriteFile(path, []byte("checkpoint_every: 1000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	opts, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.PageSize != DefaultPageSize {
		t.Fatalf("PageSize = %d, want default %d", opts.PageSize, DefaultPageSize)
	}
	if opts.CheckpointEvery != 1000 {
		t.Fatalf("CheckpointEvery = %d, want 1000", opts.CheckpointEvery)
	}
}
