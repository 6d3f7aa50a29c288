package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const pollInterval = 500 * time.Millisecond

// pollStatus creates a command to poll the pipeline status
func pollStatus(client *Client) tea.Cmd {
	return func() tea.Msg {
		status, err := client.GetStatus()
		return StatusUpdateMsg{Status: status, Err: err}
	}
}

// triggerRun creates a command that starts a pipeline run
func triggerRun(client *Client) tea.Cmd {
	return func() tea.Msg {
		return TriggerMsg{Err: client.Trigger()}
	}
}

// tickCmd creates a command that ticks for polling
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}
