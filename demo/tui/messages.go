package tui

import (
	"time"

	"sourcewatch/types"
)

// Messages for the tea program (polling-based)

// StatusUpdateMsg is sent when we receive status from the server
type StatusUpdateMsg struct {
	Status *types.StatusResponse
	Err    error
}

// TickMsg is sent periodically to trigger polling
type TickMsg struct {
	Time time.Time
}

// TriggerMsg is sent when a user-triggered run was accepted or rejected
type TriggerMsg struct {
	Err error
}
