package types

import "time"

// State is a stage of the pipeline state machine
type State string

const (
	StateIdle                 State = "idle"
	StateCollectingCandidates State = "collecting_candidates"
	StateFetchingArticles     State = "fetching_articles"
	StateClassifyingArticles  State = "classifying_articles"
	StateResolvingSources     State = "resolving_sources"
	StateFetchingSources      State = "fetching_sources"
	StateSummarizing          State = "summarizing"
	StateCommitting           State = "committing"
)

// RunOutcome is how a run ended
type RunOutcome string

const (
	OutcomeRunning   RunOutcome = "running"
	OutcomeNoop      RunOutcome = "noop"
	OutcomeCompleted RunOutcome = "completed"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeCancelled RunOutcome = "cancelled"
)

// LogEntry represents a single log line with timestamp
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// RunCounters tallies what one run did.
type RunCounters struct {
	Notifications     int `json:"notifications"`
	Candidates        int `json:"candidates"`
	InvalidLinks      int `json:"invalid_links"`
	KnownArticles     int `json:"known_articles"`
	Deferred          int `json:"deferred"`
	ArticleFetches    int `json:"article_fetches"`
	ArticleErrors     int `json:"article_errors"`
	NovelSources      int `json:"novel_sources"`
	KnownSources      int `json:"known_sources"`
	SourceFetches     int `json:"source_fetches"`
	SourceErrors      int `json:"source_errors"`
	NewArticles       int `json:"new_articles"`
	NewReports        int `json:"new_reports"`
	LineageAppends    int `json:"lineage_appends"`
	PendingSources    int `json:"pending_sources"`
	ClassifierRetries int `json:"classifier_retries"`
	SummarizerRetries int `json:"summarizer_retries"`
}

// RunReport describes the current or last run.
type RunReport struct {
	RunID       string      `json:"run_id"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	Outcome     RunOutcome  `json:"outcome"`
	FailedStage State       `json:"failed_stage,omitempty"`
	Committed   int         `json:"committed"`
	Error       string      `json:"error,omitempty"`
	Counters    RunCounters `json:"counters"`
}

// Counts are the totals derived from persisted state.
type Counts struct {
	NotificationsSeen int `json:"notifications_seen"`
	ProcessedArticles int `json:"processed_articles"`
	UniqueReports     int `json:"unique_reports"`
	PendingSources    int `json:"pending_sources"`
	FailedSources     int `json:"failed_sources"`
}

// StatusResponse is the JSON response for GET /api/status
type StatusResponse struct {
	State   State      `json:"state"`
	Running bool       `json:"running"`
	Counts  Counts     `json:"counts"`
	LastRun *RunReport `json:"last_run,omitempty"`
	Logs    []LogEntry `json:"logs"`
}
