package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"sourcewatch/types"
)

const maxVisibleLogs = 12

// Model is the TUI client state, synced from the server
type Model struct {
	Client *Client

	Status    *types.StatusResponse
	Connected bool
	Notice    string
	Err       error
}

// NewModel creates a new TUI model
func NewModel(serverURL string) Model {
	return Model{Client: NewClient(serverURL)}
}

// Init implements tea.Model interface
func (m Model) Init() tea.Cmd {
	return tea.Batch(pollStatus(m.Client), tickCmd())
}

// running reports whether the last polled status shows an active run
func (m Model) running() bool {
	return m.Status != nil && m.Status.Running
}

// getStateText returns the headline for the current state
func (m Model) getStateText() string {
	if !m.Connected {
		msg := "Not connected to sourcewatch"
		if m.Err != nil {
			msg += ": " + m.Err.Error()
		}
		return ErrorStyle.Render(msg)
	}

	st := m.Status
	if st.Running {
		return StatusStyle.Render(fmt.Sprintf("Running: %s", stateLabel(st.State)))
	}
	if st.LastRun == nil {
		return HighlightStyle.Render("Idle") + "\n\n" + InfoStyle.Render(TextStartInstruction)
	}

	last := st.LastRun
	switch last.Outcome {
	case types.OutcomeFailed:
		return ErrorStyle.Render(fmt.Sprintf("Last run failed at %s (%d records committed)", stateLabel(last.FailedStage), last.Committed))
	case types.OutcomeCancelled:
		return ErrorStyle.Render("Last run was cancelled")
	case types.OutcomeNoop:
		return HighlightStyle.Render("Idle") + "  " + InfoStyle.Render("last run found nothing new")
	default:
		return HighlightStyle.Render("Idle") + "  " + StatusStyle.Render(fmt.Sprintf("last run committed %d records", last.Committed))
	}
}

// formatCounts renders the persisted totals
func (m Model) formatCounts() string {
	c := m.Status.Counts
	return strings.Join([]string{
		countRow("Notifications seen", c.NotificationsSeen, false),
		countRow("Processed articles", c.ProcessedArticles, false),
		countRow("Unique reports", c.UniqueReports, false),
		countRow("Pending sources", c.PendingSources, false),
		countRow("Failed sources", c.FailedSources, true),
	}, "\n")
}

// formatRun renders the counters of the current or last run
func (m Model) formatRun() string {
	run := m.Status.LastRun
	c := run.Counters
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Run %s ", shortID(run.RunID)))
	b.WriteString(outcomeStyle(run.Outcome).Render(string(run.Outcome)) + "\n")
	b.WriteString(fmt.Sprintf("Candidates %d | known %d | deferred %d\n", c.Candidates, c.KnownArticles, c.Deferred))
	b.WriteString(fmt.Sprintf("Sources novel %d | known %d | errors %d\n", c.NovelSources, c.KnownSources, c.SourceErrors))
	b.WriteString(fmt.Sprintf("New articles %d | new reports %d | lineage +%d", c.NewArticles, c.NewReports, c.LineageAppends))
	if run.Error != "" {
		b.WriteString("\n" + ErrorStyle.Render(run.Error))
	}
	return b.String()
}

func stateLabel(s types.State) string {
	return strings.ReplaceAll(string(s), "_", " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
