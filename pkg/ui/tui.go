// Package ui renders transfer progress in the terminal.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/rescp17/vnet/internal/util"
	"github.com/rescp17/vnet/pkg/transfer"
)

const (
	nameWidth   = 24
	barWidth    = 30
	maxLogLines = 6
	minBarWidth = 10
	sideColumns = nameWidth + 40
)

// ProgressMsg carries a transfer update into the program.
type ProgressMsg transfer.Progress

// LogMsg appends a line to the event log.
type LogMsg string

// DoneMsg marks the session finished; the model waits for a key to exit.
type DoneMsg struct{ Err error }

type KeyMap struct {
	Quit  key.Binding
	Clear key.Binding
}

// DefaultKeyMap provides the default keybindings.
var DefaultKeyMap = KeyMap{
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Clear: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear finished")),
}

func (k KeyMap) ShortHelp() []key.Binding  { return []key.Binding{k.Clear, k.Quit} }
func (k KeyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

type row struct {
	progress transfer.Progress
	bar      progress.Model
}

// Model shows one line per transfer plus a short event log.
type Model struct {
	title    string
	spinner  spinner.Model
	help     help.Model
	keys     KeyMap
	rows     map[uuid.UUID]*row
	order    []uuid.UUID
	logs     []string
	barWidth int
	done     bool
	err      error
}

// New creates an empty model.
func New(title string) Model {
	return Model{
		title:    title,
		spinner:  NewSpinner(),
		help:     help.New(),
		keys:     DefaultKeyMap,
		rows:     make(map[uuid.UUID]*row),
		barWidth: barWidth,
	}
}

// Listener forwards transfer progress into p.
func Listener(p *tea.Program) transfer.Listener {
	return transfer.ListenerFunc(func(pr transfer.Progress) {
		p.Send(ProgressMsg(pr))
	})
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Clear):
			m.clearFinished()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.barWidth = max(minBarWidth, min(barWidth, msg.Width-sideColumns))
		m.help.Width = msg.Width
		for _, r := range m.rows {
			r.bar.Width = m.barWidth
		}
		return m, nil

	case ProgressMsg:
		m.apply(transfer.Progress(msg))
		return m, nil

	case LogMsg:
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(p transfer.Progress) {
	r, ok := m.rows[p.ID]
	if !ok {
		r = &row{bar: NewProgressBar(m.barWidth)}
		m.rows[p.ID] = r
		m.order = append(m.order, p.ID)
	}
	r.progress = p
}

func (m *Model) clearFinished() {
	kept := m.order[:0]
	for _, id := range m.order {
		if m.rows[id].progress.State.IsTerminal() {
			delete(m.rows, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Active counts transfers that have not reached a terminal state.
func (m Model) Active() int {
	n := 0
	for _, r := range m.rows {
		if !r.progress.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.title))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		fmt.Fprintf(&b, " %s Waiting for transfers...\n", m.spinner.View())
	}
	for _, id := range m.order {
		b.WriteString(m.renderRow(m.rows[id]))
		b.WriteString("\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\n")
		b.WriteString(BoxStyle.Render(strings.Join(m.logs, "\n")))
		b.WriteString("\n")
	}

	if m.done {
		if m.err != nil {
			b.WriteString("\n" + ErrorStyle.Render("Finished with error: "+m.err.Error()) + "\n")
		} else {
			b.WriteString("\n" + SuccessStyle.Render("All transfers finished.") + "\n")
		}
	}
	b.WriteString("\n" + HelpStyle.Render(m.help.View(m.keys)))
	return DocStyle.Render(b.String())
}

func (m Model) renderRow(r *row) string {
	p := r.progress
	arrow := "↑"
	if p.Incoming {
		arrow = "↓"
	}

	var percent float64
	if p.Total > 0 {
		percent = float64(p.Bytes) / float64(p.Total)
	} else if p.State == transfer.StateCompleted {
		percent = 1
	}

	sizes := fmt.Sprintf("%s / %s", util.FormatSize(int64(p.Bytes)), util.FormatSize(int64(p.Total)))
	return fmt.Sprintf(" %s %s %s %s  %s",
		arrow,
		util.PadRight(p.FileName, nameWidth),
		r.bar.ViewAs(percent),
		util.PadRight(sizes, 20),
		stateLabel(p))
}

func stateLabel(p transfer.Progress) string {
	switch p.State {
	case transfer.StateCompleted:
		return SuccessStyle.Render(p.State.String())
	case transfer.StateFailed, transfer.StateSuperseded:
		label := p.State.String()
		if p.Err != nil {
			label += ": " + p.Err.Error()
		}
		return ErrorStyle.Render(label)
	case transfer.StateAnnounced:
		return MutedStyle.Render(p.State.String())
	default:
		return ActiveStyle.Render(p.State.String())
	}
}
