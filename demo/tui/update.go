package tui

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model interface
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case TickMsg:
		return m, tea.Batch(pollStatus(m.Client), tickCmd())
	case StatusUpdateMsg:
		return m.handleStatusUpdate(msg)
	case TriggerMsg:
		return m.handleTrigger(msg)
	}
	return m, nil
}

// handleKeyPress processes keyboard input
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "p", "P":
		if !m.Connected {
			return m, nil
		}
		if m.running() {
			m.Notice = "A run is already in progress"
			return m, nil
		}
		m.Notice = "Starting run..."
		return m, triggerRun(m.Client)
	}
	return m, nil
}

// handleStatusUpdate syncs local state from the server
func (m Model) handleStatusUpdate(msg StatusUpdateMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.Connected = false
		m.Err = msg.Err
		return m, nil
	}
	m.Connected = true
	m.Err = nil
	m.Status = msg.Status
	return m, nil
}

// handleTrigger reports the outcome of a trigger
func (m Model) handleTrigger(msg TriggerMsg) (tea.Model, tea.Cmd) {
	switch {
	case errors.Is(msg.Err, ErrBusy):
		m.Notice = "A run is already in progress"
	case msg.Err != nil:
		m.Notice = "Trigger failed: " + msg.Err.Error()
	default:
		m.Notice = "Run started"
	}
	return m, pollStatus(m.Client)
}
