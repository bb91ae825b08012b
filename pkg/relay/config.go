package relay

import (
	"errors"
	"time"

	"github.com/rescp17/vnet/pkg/registry"
)

// Version is baked into the fallback signing key. Both ends must run the
// same version to talk before their keys are exchanged.
const Version = "1.0.0"

const (
	// DefaultPrefix marks frames that belong to the relay.
	DefaultPrefix = "#VNET:"
	// DefaultMaxFrameBytes is the host channel's per-message budget.
	DefaultMaxFrameBytes = 512
	// DefaultReservedBytes is kept back for the prefix, header and MAC.
	DefaultReservedBytes = 40
	// DefaultBufferTTL bounds how long a partial message is kept.
	DefaultBufferTTL = 100 * time.Second
	// DefaultMaxParts caps the fragment count of one message.
	DefaultMaxParts = 4096
)

// Role selects which half of the link this relay plays.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Inbound is the direction of messages this role handles.
func (r Role) Inbound() registry.Direction {
	if r == RoleClient {
		return registry.Clientbound
	}
	return registry.Serverbound
}

// Config holds relay settings.
type Config struct {
	Role          Role          `yaml:"-" json:"-"`
	Prefix        string        `yaml:"prefix" json:"prefix"`
	MaxFrameBytes int           `yaml:"max_frame_bytes" json:"max_frame_bytes"`
	ReservedBytes int           `yaml:"reserved_bytes" json:"reserved_bytes"`
	BufferTTL     time.Duration `yaml:"buffer_ttl" json:"buffer_ttl"`
	MaxParts      int           `yaml:"max_parts" json:"max_parts"`
	// FallbackKey signs frames to peers that have no derived key yet.
	FallbackKey string `yaml:"fallback_key" json:"fallback_key"`
}

// DefaultConfig returns the standard settings for role.
func DefaultConfig(role Role) *Config {
	return &Config{
		Role:          role,
		Prefix:        DefaultPrefix,
		MaxFrameBytes: DefaultMaxFrameBytes,
		ReservedBytes: DefaultReservedBytes,
		BufferTTL:     DefaultBufferTTL,
		MaxParts:      DefaultMaxParts,
		FallbackKey:   Version,
	}
}

// SliceBytes is the number of base64 characters carried per fragment.
func (c *Config) SliceBytes() int {
	return c.MaxFrameBytes - c.ReservedBytes
}

// SliceFor returns the slice length that keeps every frame of an encoded
// payload of n characters within MaxFrameBytes, or zero if none does. The
// result never exceeds SliceBytes.
func (c *Config) SliceFor(n int) int {
	size := min(c.SliceBytes(), c.MaxFrameBytes-FrameOverhead(c.Prefix, 1))
	for size > 0 {
		parts := max((n+size-1)/size, 1)
		next := min(c.SliceBytes(), c.MaxFrameBytes-FrameOverhead(c.Prefix, parts))
		if next == size {
			return size
		}
		size = next
	}
	return 0
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Role != RoleServer && c.Role != RoleClient {
		return errors.New("role must be server or client")
	}
	if c.Prefix == "" {
		return errors.New("prefix must not be empty")
	}
	if c.MaxFrameBytes <= 0 {
		return errors.New("max_frame_bytes must be positive")
	}
	if c.ReservedBytes < 0 {
		return errors.New("reserved_bytes must not be negative")
	}
	if c.SliceBytes() <= 0 {
		return errors.New("reserved_bytes must be smaller than max_frame_bytes")
	}
	if c.BufferTTL <= 0 {
		return errors.New("buffer_ttl must be positive")
	}
	if c.MaxParts <= 0 {
		return errors.New("max_parts must be positive")
	}
	if c.MaxFrameBytes <= FrameOverhead(c.Prefix, c.MaxParts) {
		return errors.New("max_frame_bytes leaves no room for a slice at max_parts")
	}
	if c.FallbackKey == "" {
		return errors.New("fallback_key must not be empty")
	}
	return nil
}
