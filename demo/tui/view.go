package tui

import (
	"strings"
)

// View implements tea.Model interface
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("sourcewatch"))
	b.WriteString("\n\n")

	b.WriteString(m.getStateText())
	b.WriteString("\n\n")

	if m.Connected && m.Status != nil {
		boxes := []string{m.formatCounts()}
		if m.Status.LastRun != nil {
			boxes = append(boxes, m.formatRun())
		}
		b.WriteString(panels(boxes...))
		b.WriteString("\n")

		logs := m.Status.Logs
		if len(logs) > maxVisibleLogs {
			logs = logs[len(logs)-maxVisibleLogs:]
		}
		if len(logs) > 0 {
			b.WriteString(InfoStyle.Render("Recent activity:"))
			b.WriteString("\n")
			for _, entry := range logs {
				b.WriteString(InfoStyle.Render("   " + entry.Timestamp.Format("15:04:05") + "  " + entry.Message))
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	if m.Notice != "" {
		b.WriteString(StatusStyle.Render(m.Notice))
		b.WriteString("\n")
	}

	if m.running() {
		b.WriteString(InfoStyle.Render(TextFooterRunning))
	} else {
		b.WriteString(InfoStyle.Render(TextFooterIdle))
	}
	return b.String()
}
