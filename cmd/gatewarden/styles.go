package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

const (
	// Palette
	colorRed    = "#F76C7C"
	colorYellow = "#E3D367"
	colorGreen  = "#9CD57B"
	colorBlue   = "#78CEE9"
	colorFg     = "#E1E2E3"
	colorGray   = "#82878B"
)

var (
	styleHeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorYellow))
	styleKey      = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBlue))
	styleActive   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen))
	styleDisabled = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))
)

// formTheme returns a huh theme using our palette.
func formTheme() *huh.Theme {
	t := huh.ThemeDracula()

	yellow := lipgloss.Color(colorYellow)
	gray := lipgloss.Color(colorGray)
	fg := lipgloss.Color(colorFg)

	t.Focused.Base = t.Focused.Base.BorderForeground(yellow).Foreground(fg)
	t.Blurred.Base = t.Blurred.Base.BorderForeground(gray).Foreground(fg)
	t.Focused.Title = t.Focused.Title.Foreground(yellow).Bold(true)
	t.Blurred.Title = t.Blurred.Title.Foreground(gray)
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(yellow).Bold(true)
	return t
}
