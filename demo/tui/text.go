package tui

// UI Text Constants
const (
	TextStartInstruction = "Press 'p' to process pending notifications"

	TextFooterIdle    = "Press 'p' to run the pipeline | Press 'q' to quit"
	TextFooterRunning = "Run in progress | Press 'q' to quit (the run continues on the server)"
)
