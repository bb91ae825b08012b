package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeID(t *testing.T) {
	t.Run("matches FNV-1a reference values", func(t *testing.T) {
		// FNV-1a of the empty string is the offset basis.
		assert.Equal(t, uint32(0x811C9DC5), TypeID(""))
		assert.Equal(t, uint32(0xE40C292C), TypeID("a"))
		assert.Equal(t, uint32(0xBF9CF968), TypeID("foobar"))
	})

	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t, TypeID("vnet.Ping/1"), TypeID("vnet.Ping/1"))
		assert.NotEqual(t, TypeID("vnet.Ping/1"), TypeID("vnet.Pong/1"))
	})

	t.Run("never returns zero", func(t *testing.T) {
		for _, name := range []string{"", "x", "HandshakeInit", "KeyExchange", "TransferChunk"} {
			assert.NotZero(t, TypeID(name), name)
		}
	})
}

func TestDirectionHas(t *testing.T) {
	tests := []struct {
		name  string
		dir   Direction
		other Direction
		want  bool
	}{
		{"serverbound accepts serverbound", Serverbound, Serverbound, true},
		{"serverbound rejects clientbound", Serverbound, Clientbound, false},
		{"bidirectional accepts serverbound", Bidirectional, Serverbound, true},
		{"bidirectional accepts clientbound", Bidirectional, Clientbound, true},
		{"clientbound rejects bidirectional", Clientbound, Bidirectional, false},
		{"zero is never contained", Bidirectional, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dir.Has(tt.other))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := New(nil)

	first := Descriptor{ID: 7, Name: "first", Direction: Serverbound}
	r.Register(first)
	got, ok := r.Lookup(7)
	require.True(t, ok, "descriptor should be registered")
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, 1, r.Len())

	t.Run("register replaces an existing id", func(t *testing.T) {
		r.Register(Descriptor{ID: 7, Name: "second", Direction: Clientbound})
		got, ok := r.Lookup(7)
		require.True(t, ok)
		assert.Equal(t, "second", got.Name)
		assert.Equal(t, Clientbound, got.Direction)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("all is sorted by name", func(t *testing.T) {
		r.Register(Descriptor{ID: 9, Name: "alpha"})
		all := r.All()
		require.Len(t, all, 2)
		assert.Equal(t, "alpha", all[0].Name)
		assert.Equal(t, "second", all[1].Name)
	})

	t.Run("unregister", func(t *testing.T) {
		assert.True(t, r.Unregister(7))
		assert.False(t, r.Unregister(7), "second unregister is a no-op")
		_, ok := r.Lookup(7)
		assert.False(t, ok)
	})
}
