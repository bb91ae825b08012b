package share

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/vnet/pkg/registry"
)

func setupCacheDir(tb testing.TB, files map[string]string) string {
	tb.Helper()
	dir := tb.TempDir()
	for name, content := range files {
		require.NoError(tb, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	require.NoError(tb, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	return dir
}

func TestCacheLoad(t *testing.T) {
	dir := setupCacheDir(t, map[string]string{
		"Plugin.dll": "MZ plugin bytes",
		"notes.txt":  "hello",
	})
	c := NewCache(dir)

	n, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "directories are skipped")

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Plugin.dll", entries[0].Name)
	assert.Equal(t, "notes.txt", entries[1].Name)
	assert.Equal(t, 5, entries[1].Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", entries[1].Checksum)
	assert.Contains(t, entries[1].MimeType, "text/plain")
}

func TestCacheLookup(t *testing.T) {
	dir := setupCacheDir(t, map[string]string{"a.zip": "zipzip"})
	c := NewCache(dir)

	t.Run("lazy load from directory", func(t *testing.T) {
		e, err := c.Lookup("a.zip")
		require.NoError(t, err)
		assert.Equal(t, []byte("zipzip"), e.Data())

		e, err = c.Lookup("A.ZIP")
		require.NoError(t, err, "now cached")
		assert.Equal(t, "a.zip", e.Name)
	})

	t.Run("path components are ignored", func(t *testing.T) {
		_, err := c.Lookup("../../etc/a.zip")
		require.NoError(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := c.Lookup("nope.dll")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put", func(t *testing.T) {
		mem := NewCache("")
		mem.Put("x/y.bin", []byte{1, 2})
		e, err := mem.Lookup("Y.BIN")
		require.NoError(t, err)
		assert.Equal(t, "y.bin", e.Name)
		_, err = mem.Lookup("z.bin")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCacheLoadCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	n, err := NewCache(dir).Load()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, dir)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Command
		err  error
	}{
		{"hotload to client", "!Tools:client", Command{FileName: "Tools.dll", Direction: registry.Clientbound, Hotload: true}, nil},
		{"download to server", "?Pack.zip:server", Command{FileName: "Pack.zip", Direction: registry.Serverbound}, nil},
		{"case and spaces", "  ?Pack.zip : SERVER ", Command{FileName: "Pack.zip", Direction: registry.Serverbound}, nil},
		{"plain chat", "hello", Command{}, ErrNotCommand},
		{"bare marker", "!", Command{}, ErrNotCommand},
		{"no name", "!:client", Command{}, ErrNotCommand},
		{"no destination", "!Tools", Command{}, ErrMissingDestination},
		{"empty destination", "!Tools:", Command{}, ErrMissingDestination},
		{"bad destination", "!Tools:moon", Command{}, ErrInvalidDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.text)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
