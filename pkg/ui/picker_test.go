package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/vnet/pkg/share"
)

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func pick(t *testing.T, m Picker, msgs ...tea.Msg) (Picker, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		out, ok := next.(Picker)
		require.True(t, ok)
		m = out
	}
	return m, cmd
}

func cachedEntries() []share.Entry {
	c := share.NewCache("")
	c.Put("alpha.dll", []byte("MZ alpha"))
	c.Put("beta.txt", []byte("beta"))
	c.Put("gamma.dll", []byte("MZ gamma"))
	return c.Entries()
}

func TestPickerChoosesEntry(t *testing.T) {
	m := NewPicker(cachedEntries())
	view := m.View()
	assert.Contains(t, view, "alpha.dll")
	assert.Contains(t, view, "gamma.dll")

	m, _ = pick(t, m, runes("j"), runes("j"), runes("j"), runes("k"))
	assert.Equal(t, 1, m.cursor)

	m, cmd := pick(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	chosen, ok := m.Chosen()
	require.True(t, ok)
	assert.Equal(t, "beta.txt", chosen.Name)
	assert.False(t, m.Cancelled())
}

func TestPickerFilter(t *testing.T) {
	m := NewPicker(cachedEntries())

	// When: filtering by "dll" and leaving the filter
	m, _ = pick(t, m, runes("/"), runes("d"), runes("l"), runes("l"), tea.KeyMsg{Type: tea.KeyEnter})
	require.Len(t, m.visible, 2)
	assert.NotContains(t, m.View(), "beta.txt")

	// Then: enter now sends the first match
	m, _ = pick(t, m, runes("j"), tea.KeyMsg{Type: tea.KeyEnter})
	chosen, ok := m.Chosen()
	require.True(t, ok)
	assert.Equal(t, "gamma.dll", chosen.Name)
}

func TestPickerFilterWithoutMatches(t *testing.T) {
	m := NewPicker(cachedEntries())
	m, _ = pick(t, m, runes("/"), runes("z"), tea.KeyMsg{Type: tea.KeyEnter})
	assert.Contains(t, m.View(), "no cached payloads match")

	m, cmd := pick(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	_, ok := m.Chosen()
	assert.False(t, ok)

	// Esc while filtering restores the full list.
	m, _ = pick(t, m, runes("/"), tea.KeyMsg{Type: tea.KeyEsc})
	assert.Len(t, m.visible, 3)
}

func TestPickerCancel(t *testing.T) {
	m, cmd := pick(t, NewPicker(cachedEntries()), tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.True(t, m.Cancelled())
	_, ok := m.Chosen()
	assert.False(t, ok)
}

func TestPickerScrolls(t *testing.T) {
	c := share.NewCache("")
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		c.Put(name+".bin", []byte(name))
	}
	m := NewPicker(c.Entries())
	m, _ = pick(t, m, tea.WindowSizeMsg{Width: 80, Height: 10})
	require.Equal(t, 5, m.rows())

	m, _ = pick(t, m, runes("l"))
	assert.Equal(t, 5, m.cursor)
	assert.Equal(t, 1, m.offset)
	assert.Contains(t, m.View(), "6/10")

	m, _ = pick(t, m, runes("l"), runes("l"))
	assert.Equal(t, 9, m.cursor)

	m, _ = pick(t, m, runes("h"), runes("h"), runes("h"))
	assert.Zero(t, m.cursor)
	assert.Zero(t, m.offset)
}
