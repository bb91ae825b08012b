package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rescp17/vnet/internal/util"
	"github.com/rescp17/vnet/pkg/share"
)

const (
	pickerHeader  = 6
	pickerMinRows = 5
	mimeWidth     = 28
)

// PickerKeyMap binds the payload picker.
type PickerKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	PageUp  key.Binding
	PageDn  key.Binding
	Filter  key.Binding
	Confirm key.Binding
	Quit    key.Binding
}

var DefaultPickerKeyMap = PickerKeyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "move up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "move down")),
	PageUp:  key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "page up")),
	PageDn:  key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "page down")),
	Filter:  key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter")),
	Confirm: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
	Quit:    key.NewBinding(key.WithKeys("esc", "ctrl+c"), key.WithHelp("esc", "cancel")),
}

// Picker chooses one cached payload to send.
type Picker struct {
	all       []share.Entry
	visible   []share.Entry
	cursor    int
	offset    int
	height    int
	keys      PickerKeyMap
	filter    textinput.Model
	filtering bool
	chosen    *share.Entry
	cancelled bool
}

// NewPicker lists entries in the order given.
func NewPicker(entries []share.Entry) Picker {
	ti := textinput.New()
	ti.Placeholder = "name"
	ti.CharLimit = 64
	ti.Prompt = "filter: "
	ti.PromptStyle = ActiveStyle

	return Picker{
		all:     entries,
		visible: entries,
		keys:    DefaultPickerKeyMap,
		filter:  ti,
	}
}

// Chosen returns the selected entry once the picker has exited.
func (m Picker) Chosen() (share.Entry, bool) {
	if m.chosen == nil {
		return share.Entry{}, false
	}
	return *m.chosen, true
}

// Cancelled reports whether the user left without choosing.
func (m Picker) Cancelled() bool { return m.cancelled }

func (m Picker) Init() tea.Cmd { return nil }

func (m Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.clampOffset()
		return m, nil

	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m Picker) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Confirm):
		m.filtering = false
		m.filter.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Quit):
		m.filtering = false
		m.filter.Blur()
		m.filter.Reset()
		m.applyFilter()
		return m, nil
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m Picker) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	rows := m.rows()
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancelled = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Filter):
		m.filtering = true
		cmd := m.filter.Focus()
		return m, cmd

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.visible)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.PageUp):
		m.cursor = max(m.cursor-rows, 0)

	case key.Matches(msg, m.keys.PageDn):
		m.cursor = max(min(m.cursor+rows, len(m.visible)-1), 0)

	case key.Matches(msg, m.keys.Confirm):
		if len(m.visible) == 0 {
			return m, nil
		}
		chosen := m.visible[m.cursor]
		m.chosen = &chosen
		return m, tea.Quit
	}
	m.clampOffset()
	return m, nil
}

func (m *Picker) applyFilter() {
	needle := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if needle == "" {
		m.visible = m.all
	} else {
		m.visible = nil
		for _, e := range m.all {
			if strings.Contains(strings.ToLower(e.Name), needle) {
				m.visible = append(m.visible, e)
			}
		}
	}
	m.cursor = 0
	m.offset = 0
}

func (m Picker) rows() int {
	if n := m.height - pickerHeader; n >= pickerMinRows {
		return n
	}
	return pickerMinRows
}

func (m *Picker) clampOffset() {
	rows := m.rows()
	if m.cursor < m.offset {
		m.offset = m.cursor
	}
	if m.cursor >= m.offset+rows {
		m.offset = m.cursor - rows + 1
	}
}

func (m Picker) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Choose a payload to send") + "\n")
	b.WriteString(HelpStyle.Render(fmt.Sprintf("'%s' filter, '%s' send, '%s' cancel",
		m.keys.Filter.Help().Key, m.keys.Confirm.Help().Key, m.keys.Quit.Help().Key)) + "\n")
	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
	}
	b.WriteString("\n\n")

	if len(m.visible) == 0 {
		b.WriteString(MutedStyle.Render("no cached payloads match") + "\n")
		return b.String()
	}

	end := min(m.offset+m.rows(), len(m.visible))
	for i := m.offset; i < end; i++ {
		e := m.visible[i]
		line := util.PadRight(e.Name, nameWidth) + " " +
			util.PadRight(util.FormatSize(int64(e.Size)), 10) + " " +
			util.PadRight(e.MimeType, mimeWidth)
		if i == m.cursor {
			b.WriteString(ActiveStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	if len(m.visible) > m.rows() {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("%d/%d", m.cursor+1, len(m.visible))) + "\n")
	}
	return b.String()
}
