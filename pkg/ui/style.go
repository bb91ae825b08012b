package ui

import (
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorPink     = lipgloss.Color("205")
	colorDarkGray = lipgloss.Color("240")
	colorCyan     = lipgloss.Color("212")
	colorPurple   = lipgloss.Color("99")
	colorGreen    = lipgloss.Color("42")
	colorRed      = lipgloss.Color("196")
)

var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPink)
	HelpStyle    = lipgloss.NewStyle().Faint(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(colorRed)
	SuccessStyle = lipgloss.NewStyle().Foreground(colorGreen)
	ActiveStyle  = lipgloss.NewStyle().Foreground(colorCyan)
	MutedStyle   = lipgloss.NewStyle().Foreground(colorDarkGray)
	DocStyle     = lipgloss.NewStyle().Margin(1, 2)
	BoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(colorPurple).Padding(0, 1)
)

// NewSpinner creates a spinner with a consistent style.
func NewSpinner() spinner.Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorPink)
	return s
}

// NewProgressBar creates a transfer progress bar.
func NewProgressBar(width int) progress.Model {
	return progress.New(
		progress.WithScaledGradient(string(colorPurple), string(colorPink)),
		progress.WithWidth(width),
		progress.WithoutPercentage(),
	)
}
