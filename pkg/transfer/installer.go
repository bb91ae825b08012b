package transfer

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/rescp17/vnet/internal/util"
)

var ErrEmptyName = errors.New("installer: empty file name")

// Loader brings a freshly installed file into the running process.
type Loader interface {
	Load(path string) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(path string) error

func (f LoaderFunc) Load(path string) error { return f(path) }

// Installer writes received payloads to disk. Archives are unpacked into
// ArchiveDir, anything else is written to PluginDir and optionally loaded.
type Installer struct {
	PluginDir  string
	ArchiveDir string
	Loader     Loader
	Logger     *slog.Logger
}

// NewInstaller creates an installer using the directories from cfg.
func NewInstaller(cfg *Config, loader Loader) *Installer {
	return &Installer{PluginDir: cfg.PluginDir, ArchiveDir: cfg.ArchiveDir, Loader: loader}
}

func (i *Installer) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

// IsArchive reports whether a payload should be unpacked rather than
// written as a single file.
func IsArchive(name string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		return true
	}
	return mimetype.Detect(data).Is("application/zip")
}

// Install stores data received as name and returns where it went.
func (i *Installer) Install(name string, data []byte, hotload bool) (string, error) {
	base := filepath.Base(name)
	if name == "" || base == "." || base == string(filepath.Separator) {
		return "", ErrEmptyName
	}

	if IsArchive(base, data) {
		n, err := i.extract(data)
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", base, err)
		}
		i.logger().Info("Archive extracted", "fileName", base, "files", n, "dir", i.ArchiveDir)
		if hotload {
			i.logger().Warn("Hotload ignored for archive", "fileName", base)
		}
		return i.ArchiveDir, nil
	}

	if err := util.EnsureDirectory(i.PluginDir); err != nil {
		return "", fmt.Errorf("prepare plugin directory: %w", err)
	}
	path := filepath.Join(i.PluginDir, base)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	i.logger().Info("File installed", "fileName", base, "path", path, "size", len(data))

	if hotload && i.Loader != nil {
		if err := i.Loader.Load(path); err != nil {
			return path, fmt.Errorf("hotload %s: %w", base, err)
		}
		i.logger().Info("File hotloaded", "path", path)
	}
	return path, nil
}

// extract unpacks a zip archive, overwriting existing files. Entries that
// would land outside ArchiveDir fail the whole extraction.
func (i *Installer) extract(data []byte) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	if err := util.EnsureDirectory(i.ArchiveDir); err != nil {
		return 0, err
	}

	written := 0
	for _, f := range zr.File {
		target, err := util.SafeJoin(i.ArchiveDir, f.Name)
		if err != nil {
			return written, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, err
		}
		if err := writeEntry(f, target); err != nil {
			return written, fmt.Errorf("%s: %w", f.Name, err)
		}
		written++
	}
	return written, nil
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
