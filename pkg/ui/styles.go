package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Dashboard color scheme
var (
	red    = lipgloss.AdaptiveColor{Light: "#FE5F86", Dark: "#FE5F86"}
	indigo = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	green  = lipgloss.AdaptiveColor{Light: "#02BA84", Dark: "#02BF87"}
	gray   = lipgloss.AdaptiveColor{Light: "#9E9E9E", Dark: "#BDBDBD"}
)

// Dashboard styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(indigo).
			Bold(true).
			Padding(0, 1)

	gaugeLabelStyle = lipgloss.NewStyle().
			Foreground(gray)

	gaugeValueStyle = lipgloss.NewStyle().
			Foreground(green).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(indigo).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(red).
			Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1)
)
