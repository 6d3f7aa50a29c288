// Package orchestrator runs the alert-to-source pipeline as an explicit
// state machine over a snapshot of the persisted indices.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sourcewatch/deduplication"
	"sourcewatch/fetcher"
	"sourcewatch/llm"
	"sourcewatch/retry"
	"sourcewatch/sources"
	"sourcewatch/storage"
	"sourcewatch/types"
)

// ArticleResolver classifies fetched articles.
type ArticleResolver interface {
	Resolve(ctx context.Context, items []llm.ArticleInput) (*llm.ResolveResult, error)
}

// SourceSummarizer summarizes fetched original reports.
type SourceSummarizer interface {
	Summarize(ctx context.Context, items []llm.SourceInput) (*llm.SummarizeResult, error)
}

// Config holds the pipeline limits.
type Config struct {
	Workers       int
	FetchTimeout  time.Duration
	FetchRetry    retry.Config
	MaxBatchItems int
	// MaxSourceAttempts is how many runs may fail on a pending source
	// before it is marked failed. Zero means 3.
	MaxSourceAttempts int
}

func (c Config) maxSourceAttempts() int {
	if c.MaxSourceAttempts <= 0 {
		return 3
	}
	return c.MaxSourceAttempts
}

// Deps are the pipeline collaborators.
type Deps struct {
	Store         storage.Store
	Source        sources.Source
	Fetcher       fetcher.Fetcher
	Resolver      ArticleResolver
	Summarizer    SourceSummarizer
	Canonicalizer *deduplication.Canonicalizer
	Logger        zerolog.Logger
}

// Pipeline turns alert notifications into deduplicated source reports.
type Pipeline struct {
	store      storage.Store
	source     sources.Source
	fetcher    fetcher.Fetcher
	resolver   ArticleResolver
	summarizer SourceSummarizer
	canon      *deduplication.Canonicalizer
	state      *Manager
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	canon := deps.Canonicalizer
	if canon == nil {
		canon = deduplication.NewCanonicalizer(deduplication.CanonicalizerOptions{})
	}
	logger := deps.Logger.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		store:      deps.Store,
		source:     deps.Source,
		fetcher:    deps.Fetcher,
		resolver:   deps.Resolver,
		summarizer: deps.Summarizer,
		canon:      canon,
		state:      NewManager(logger),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Status reports the current state, persisted totals, recent log lines and
// the current or last run.
func (p *Pipeline) Status() types.StatusResponse {
	return p.state.GetStatus()
}

// RefreshCounts reloads the persisted totals shown by Status.
func (p *Pipeline) RefreshCounts(ctx context.Context) error {
	snap, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	p.state.SetCounts(snap.Counts())
	return nil
}

// Process runs the pipeline once. It returns ErrRunInProgress if a run is
// already active. A cancelled context yields an error wrapping ErrCancelled;
// an unreachable engine yields *OrchestrationFailure. The report is returned
// in every case except ErrRunInProgress.
func (p *Pipeline) Process(ctx context.Context) (*types.RunReport, error) {
	begun, err := p.state.TryBegin(uuid.NewString())
	if err != nil {
		return nil, err
	}

	r := p.newRun(*begun)
	err = r.execute(ctx)
	r.finish(err)
	p.state.Finish(&r.report)

	out := r.report
	return &out, err
}

// execute walks the states in order. Cancellation is checked at every
// boundary; a no-op run skips straight to committing.
func (r *run) execute(ctx context.Context) error {
	stages := []struct {
		state types.State
		fn    func(context.Context) error
	}{
		{types.StateCollectingCandidates, r.collect},
		{types.StateFetchingArticles, r.fetchArticles},
		{types.StateClassifyingArticles, r.classify},
		{types.StateResolvingSources, r.resolveSources},
		{types.StateFetchingSources, r.fetchSources},
		{types.StateSummarizing, r.summarize},
		{types.StateCommitting, r.commit},
	}

	for _, s := range stages {
		if r.noop && s.state != types.StateCommitting {
			continue
		}
		if err := ctx.Err(); err != nil {
			r.report.FailedStage = s.state
			return fmt.Errorf("%w before %s: %v", ErrCancelled, s.state, err)
		}

		r.p.state.SetState(s.state)
		r.logger.Debug().Str("state", string(s.state)).Msg("entering state")
		if err := s.fn(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.As(err, new(*OrchestrationFailure)) {
				r.report.FailedStage = s.state
				return fmt.Errorf("%w during %s: %v", ErrCancelled, s.state, ctxErr)
			}
			return err
		}
		r.p.state.UpdateCounters(r.report.Counters)
	}
	return nil
}

func (r *run) finish(err error) {
	now := r.p.now()
	r.report.FinishedAt = &now

	var failure *OrchestrationFailure
	switch {
	case err == nil && r.noop:
		r.report.Outcome = types.OutcomeNoop
	case err == nil:
		r.report.Outcome = types.OutcomeCompleted
	case errors.Is(err, ErrCancelled):
		r.report.Outcome = types.OutcomeCancelled
		r.report.Committed = 0
		r.report.Error = err.Error()
	case errors.As(err, &failure):
		r.report.Outcome = types.OutcomeFailed
		r.report.FailedStage = failure.Stage
		r.report.Committed = failure.Committed
		r.report.Error = err.Error()
	default:
		r.report.Outcome = types.OutcomeFailed
		r.report.Error = err.Error()
	}

	c := r.report.Counters
	evt := r.logger.Info()
	if err != nil {
		evt = r.logger.Error().Err(err)
	}
	evt.Str("outcome", string(r.report.Outcome)).
		Int("committed", r.report.Committed).
		Int("candidates", c.Candidates).
		Int("new_articles", c.NewArticles).
		Int("new_reports", c.NewReports).
		Int("lineage_appends", c.LineageAppends).
		Msg("run finished")
}
