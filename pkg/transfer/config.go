package transfer

import (
	"errors"
	"time"

	"github.com/rescp17/vnet/pkg/compress"
)

const (
	// DefaultChunkDelay paces chunk sends and compression slices.
	DefaultChunkDelay = 50 * time.Millisecond
	// DefaultMaxHistoryRecords bounds the in-memory history.
	DefaultMaxHistoryRecords = 1000
	// DefaultMaxPayloadBytes caps a decompressed incoming payload.
	DefaultMaxPayloadBytes = 64 << 20
)

// Config holds transfer settings.
type Config struct {
	// ChunkSize is the payload carried per TransferChunk.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// ChunkDelay is the wait between two chunks, and between two
	// compression slices.
	ChunkDelay time.Duration `yaml:"chunk_delay" json:"chunk_delay"`
	// CompressSliceSize is the uncompressed size of one compression slice.
	CompressSliceSize int                `yaml:"compress_slice_size" json:"compress_slice_size"`
	Compression       compress.Algorithm `yaml:"compression" json:"compression"`
	PluginDir         string             `yaml:"plugin_dir" json:"plugin_dir"`
	ArchiveDir        string             `yaml:"archive_dir" json:"archive_dir"`
	MaxHistoryRecords int                `yaml:"max_history_records" json:"max_history_records"`
	// MaxPayloadBytes bounds what a received stream may decompress to.
	MaxPayloadBytes int `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

// DefaultConfig returns the standard settings. Installs go to ./plugins
// and archives are unpacked into the working directory.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:         PacketBytes,
		ChunkDelay:        DefaultChunkDelay,
		CompressSliceSize: compress.DefaultSliceSize,
		Compression:       compress.Brotli,
		PluginDir:         "plugins",
		ArchiveDir:        ".",
		MaxHistoryRecords: DefaultMaxHistoryRecords,
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be positive")
	}
	if c.ChunkSize > PacketBytes {
		return errors.New("chunk_size cannot exceed the packet size")
	}
	if c.ChunkDelay < 0 {
		return errors.New("chunk_delay must not be negative")
	}
	if c.CompressSliceSize <= 0 {
		return errors.New("compress_slice_size must be positive")
	}
	if c.Compression > compress.Zstd {
		return errors.New("compression must be none, brotli or zstd")
	}
	if c.PluginDir == "" {
		return errors.New("plugin_dir must not be empty")
	}
	if c.ArchiveDir == "" {
		return errors.New("archive_dir must not be empty")
	}
	if c.MaxHistoryRecords < 0 {
		return errors.New("max_history_records must not be negative")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("max_payload_bytes must be positive")
	}
	return nil
}
