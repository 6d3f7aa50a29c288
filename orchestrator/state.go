package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sourcewatch/types"
)

const maxLogs = 50

// Manager holds the run state with thread-safe access. It admits one run at
// a time.
type Manager struct {
	mu sync.RWMutex

	currentState types.State
	running      bool
	current      *types.RunReport
	lastRun      *types.RunReport
	counts       types.Counts

	// Logs (ring buffer)
	logs   []types.LogEntry
	logger zerolog.Logger
}

// NewManager creates a new state manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		currentState: types.StateIdle,
		logs:         make([]types.LogEntry, 0, maxLogs),
		logger:       logger,
	}
}

// TryBegin claims the manager for a new run and returns a copy of the
// fresh report.
func (m *Manager) TryBegin(runID string) (*types.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, ErrRunInProgress
	}
	m.running = true
	m.current = &types.RunReport{RunID: runID, StartedAt: time.Now(), Outcome: types.OutcomeRunning}
	m.appendLog(fmt.Sprintf("Run %s started", runID))
	begun := *m.current
	return &begun, nil
}

// Finish releases the manager and records report as the last run.
func (m *Manager) Finish(report *types.RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := *report
	if done.FinishedAt == nil {
		now := time.Now()
		done.FinishedAt = &now
	}
	m.lastRun = &done
	m.current = nil
	m.running = false
	m.currentState = types.StateIdle
	m.appendLog(fmt.Sprintf("Run %s %s", done.RunID, done.Outcome))
}

// UpdateCounters replaces the live counters of the current run.
func (m *Manager) UpdateCounters(c types.RunCounters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Counters = c
	}
}

// AddLog adds a log entry (thread-safe)
func (m *Manager) AddLog(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLog(message)
}

// appendLog must be called with the lock held.
func (m *Manager) appendLog(message string) {
	m.logger.Info().Msg(message)
	m.logs = append(m.logs, types.LogEntry{Timestamp: time.Now(), Message: message})
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// SetState sets the current state (thread-safe)
func (m *Manager) SetState(state types.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentState = state
}

// SetCounts stores the persisted totals shown by the status endpoint.
func (m *Manager) SetCounts(c types.Counts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = c
}

// GetStatus returns a snapshot of the current state (thread-safe)
func (m *Manager) GetStatus() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resp := types.StatusResponse{
		State:   m.currentState,
		Running: m.running,
		Counts:  m.counts,
		Logs:    append([]types.LogEntry{}, m.logs...), // Copy slice
	}
	switch {
	case m.current != nil:
		cur := *m.current
		resp.LastRun = &cur
	case m.lastRun != nil:
		last := *m.lastRun
		resp.LastRun = &last
	}
	return resp
}
