package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sourcewatch/types"
)

// SourceInput is one fetched source handed to the summarizer.
type SourceInput struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Summary is the engine's structured report for one source.
type Summary struct {
	URL                           string         `json:"url"`
	Title                         string         `json:"title"`
	Summary                       string         `json:"summary"`
	AttackMechanism               string         `json:"attackMechanism"`
	AffectedSystems               []string       `json:"affectedSystems"`
	NoveltyFactor                 string         `json:"noveltyFactor"`
	Severity                      types.Severity `json:"severity"`
	DiscoveryDate                 string         `json:"discoveryDate"`
	DomainSpecific                bool           `json:"domainSpecific"`
	DomainClassificationReasoning string         `json:"domainClassificationReasoning"`
}

// SummarizeResult is the outcome of one batched summarization. Failed maps
// source URLs that produced no usable report to a reason.
type SummarizeResult struct {
	Summaries []Summary
	Failed    map[string]string
	Retries   int
}

// SummarizerConfig configures a Summarizer.
type SummarizerConfig struct {
	Call            CallConfig
	MaxContentChars int
	Rubric          Rubric
	Logger          zerolog.Logger
}

// Summarizer turns original reports into structured summaries.
type Summarizer struct {
	engine Engine
	cfg    SummarizerConfig
	system string
	logger zerolog.Logger
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(engine Engine, cfg SummarizerConfig) *Summarizer {
	logger := cfg.Logger.With().Str("component", "summarizer").Logger()
	cfg.Call.Logger = logger
	return &Summarizer{engine: engine, cfg: cfg, system: cfg.Rubric.systemPrompt(), logger: logger}
}

type summarizeRequest struct {
	Items []SourceInput `json:"items"`
}

type summarizeResponse struct {
	Reports []rawSummary `json:"reports"`
}

type rawSummary struct {
	URL                           string   `json:"url"`
	Title                         string   `json:"title"`
	Summary                       string   `json:"summary"`
	AttackMechanism               string   `json:"attackMechanism"`
	AffectedSystems               []string `json:"affectedSystems"`
	NoveltyFactor                 string   `json:"noveltyFactor"`
	Severity                      string   `json:"severity"`
	DiscoveryDate                 string   `json:"discoveryDate"`
	DomainSpecific                bool     `json:"domainSpecific"`
	DomainClassificationReasoning string   `json:"domainClassificationReasoning"`
}

// Summarize produces one summary per item with a single engine call. After
// the malformed-output retry budget every item is reported in Failed. Only an
// unreachable engine returns an error.
func (s *Summarizer) Summarize(ctx context.Context, items []SourceInput) (*SummarizeResult, error) {
	result := &SummarizeResult{Failed: make(map[string]string)}
	if len(items) == 0 {
		return result, nil
	}

	req := summarizeRequest{Items: make([]SourceInput, len(items))}
	want := make(map[string]struct{}, len(items))
	for i, it := range items {
		it.Content = truncate(it.Content, s.cfg.MaxContentChars)
		req.Items[i] = it
		want[it.URL] = struct{}{}
	}
	prompt, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode summarize request: %w", err)
	}

	reports, retries, err := call(ctx, s.engine, s.cfg.Call, s.system, string(prompt), func(raw string) (map[string]Summary, error) {
		return parseSummaries(raw, want)
	})
	result.Retries = retries
	if err != nil {
		if !isMalformed(err) {
			return result, err
		}
		s.logger.Error().Err(err).Int("items", len(items)).Msg("summarizer output unusable, marking batch as failed")
		for _, it := range items {
			result.Failed[it.URL] = "summarizer output malformed after retry"
		}
		return result, nil
	}

	for _, it := range items {
		result.Summaries = append(result.Summaries, reports[it.URL])
	}
	return result, nil
}

func parseSummaries(raw string, want map[string]struct{}) (map[string]Summary, error) {
	var resp summarizeResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	out := make(map[string]Summary, len(resp.Reports))
	for _, r := range resp.Reports {
		if _, ok := want[r.URL]; !ok {
			return nil, fmt.Errorf("%w: unknown report url %q", ErrMalformedOutput, r.URL)
		}
		if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Summary) == "" {
			return nil, fmt.Errorf("%w: report %s lacks title or summary", ErrMalformedOutput, r.URL)
		}
		sev, err := types.ParseSeverity(r.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: report %s: %v", ErrMalformedOutput, r.URL, err)
		}
		out[r.URL] = Summary{
			URL:                           r.URL,
			Title:                         strings.TrimSpace(r.Title),
			Summary:                       strings.TrimSpace(r.Summary),
			AttackMechanism:               r.AttackMechanism,
			AffectedSystems:               r.AffectedSystems,
			NoveltyFactor:                 r.NoveltyFactor,
			Severity:                      sev,
			DiscoveryDate:                 r.DiscoveryDate,
			DomainSpecific:                r.DomainSpecific,
			DomainClassificationReasoning: r.DomainClassificationReasoning,
		}
	}
	for u := range want {
		if _, ok := out[u]; !ok {
			return nil, fmt.Errorf("%w: missing report for %s", ErrMalformedOutput, u)
		}
	}
	return out, nil
}
