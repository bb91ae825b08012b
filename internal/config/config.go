// Package config loads the YAML settings file shared by the vnet commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rescp17/vnet/pkg/relay"
	"github.com/rescp17/vnet/pkg/transfer"
)

// Admin configures the HTTP status endpoint. An empty Addr disables it.
type Admin struct {
	Addr string `yaml:"addr"`
}

// History selects where transfer outcomes are kept. An empty Path keeps
// them in memory.
type History struct {
	Path string `yaml:"path"`
}

// File is the on-disk layout.
type File struct {
	Relay    relay.Config    `yaml:"relay"`
	Transfer transfer.Config `yaml:"transfer"`
	Admin    Admin           `yaml:"admin"`
	History  History         `yaml:"history"`
	CacheDir string          `yaml:"cache_dir"`
	LogLevel string          `yaml:"log_level"`
}

// Default returns the settings used when no file is given.
func Default() *File {
	return &File{
		Relay:    *relay.DefaultConfig(relay.RoleServer),
		Transfer: *transfer.DefaultConfig(),
		CacheDir: "cache",
		LogLevel: "info",
	}
}

// Load reads path over the defaults. A missing path yields the defaults.
func Load(path string) (*File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (f *File) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return f.Validate()
}

// Validate checks every section.
func (f *File) Validate() error {
	if err := f.Relay.Validate(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if err := f.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	switch f.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", f.LogLevel)
	}
	return nil
}

// RelayFor copies the relay section for role.
func (f *File) RelayFor(role relay.Role) *relay.Config {
	cfg := f.Relay
	cfg.Role = role
	return &cfg
}

// TransferConfig returns a copy of the transfer section.
func (f *File) TransferConfig() *transfer.Config {
	cfg := f.Transfer
	return &cfg
}
