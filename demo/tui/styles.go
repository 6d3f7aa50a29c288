package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"sourcewatch/types"
)

// Palette: amber accents for an alerting tool, red reserved for failures.
var (
	amber = lipgloss.AdaptiveColor{Light: "#D9480F", Dark: "#F08C00"}
	green = lipgloss.AdaptiveColor{Light: "#2B8A3E", Dark: "#40C057"}
	red   = lipgloss.AdaptiveColor{Light: "#C92A2A", Dark: "#FF6B6B"}
	muted = lipgloss.AdaptiveColor{Light: "#495057", Dark: "#868E96"}
)

const labelWidth = 20

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(amber).MarginTop(1)

	StatusStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle  = lipgloss.NewStyle().Foreground(red)
	InfoStyle   = lipgloss.NewStyle().Foreground(muted)

	HighlightStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(amber).
			Padding(0, 2)

	// Boxes drawn next to each other keep a gap between them.
	panelGap = lipgloss.NewStyle().MarginRight(1)
)

// outcomeStyle colours a run outcome.
func outcomeStyle(o types.RunOutcome) lipgloss.Style {
	switch o {
	case types.OutcomeFailed, types.OutcomeCancelled:
		return ErrorStyle
	case types.OutcomeCompleted:
		return StatusStyle
	}
	return InfoStyle
}

// countRow renders one aligned "label: value" line. Non-zero values are
// drawn with alert when it is set.
func countRow(label string, value int, alert bool) string {
	row := fmt.Sprintf("%-*s%d", labelWidth, label+":", value)
	if alert && value > 0 {
		return ErrorStyle.Render(row)
	}
	return row
}

// panels lays boxes out side by side, top aligned.
func panels(boxes ...string) string {
	if len(boxes) == 0 {
		return ""
	}
	rendered := make([]string, len(boxes))
	for i, b := range boxes {
		rendered[i] = BoxStyle.Render(b)
		if i < len(boxes)-1 {
			rendered[i] = panelGap.Render(rendered[i])
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}
