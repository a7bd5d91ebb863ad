package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFB454")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleReady = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorGreen).
			Padding(0, 1).
			Bold(true)

	styleBlocked = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorRed).
			Padding(0, 1).
			Bold(true)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorLightGray).
			Bold(true)

	styleStateDone = lipgloss.NewStyle().
			Foreground(colorGreen)

	styleStateWarn = lipgloss.NewStyle().
			Foreground(colorYellow)

	styleStateBad = lipgloss.NewStyle().
			Foreground(colorRed)

	styleStateNeutral = lipgloss.NewStyle().
				Foreground(colorWhite)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleFooter = lipgloss.NewStyle().
			Foreground(colorGray).
			MarginTop(1)
)
