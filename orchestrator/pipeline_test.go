package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sourcewatch/fetcher"
	"sourcewatch/llm"
	"sourcewatch/retry"
	"sourcewatch/storage"
	"sourcewatch/types"
)

const (
	b1 = "https://news.example.com/b1"
	b2 = "https://news.example.com/b2"
	b3 = "https://news.example.com/b3"
	s1 = "https://vendor.example.com/advisory/s1"
	s2 = "https://research.example.org/s2"
)

// fakeSource always hands over every notification, like a transport that
// redelivers until acknowledged.
type fakeSource struct {
	mu            sync.Mutex
	notifications []types.RawNotification
	acked         []string
}

func (s *fakeSource) Pending(context.Context) ([]types.RawNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.RawNotification(nil), s.notifications...), nil
}

func (s *fakeSource) Ack(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) add(id string, links ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, types.RawNotification{ID: id, ReceivedAt: time.Now(), Links: links})
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   map[string]error
	before func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), errs: make(map[string]error)}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ time.Duration) (*fetcher.Content, error) {
	f.mu.Lock()
	f.calls[url]++
	err := f.errs[url]
	before := f.before
	f.mu.Unlock()

	if before != nil {
		before(url)
	}
	if err != nil {
		return nil, err
	}
	return &fetcher.Content{URL: url, FinalURL: url, Title: "Title of " + url, Text: "Body of " + url, StatusCode: 200}, nil
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type verdict struct {
	classification types.Classification
	links          []string
}

// fakeEngine answers classification and summarization requests from tables.
type fakeEngine struct {
	mu             sync.Mutex
	verdicts       map[string]verdict
	classifyErr    error
	summarizeErr   error
	classifyRaw    string
	summarizeRaw   string
	classifyCalls  int
	summarizeCalls int
	summarized     []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{verdicts: make(map[string]verdict)}
}

type engineItem struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (e *fakeEngine) Complete(_ context.Context, _, prompt string) (string, error) {
	var req struct {
		Items []engineItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(prompt), &req); err != nil {
		return "", fmt.Errorf("bad prompt: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(req.Items) > 0 && req.Items[0].ID != "" {
		e.classifyCalls++
		if e.classifyErr != nil {
			return "", e.classifyErr
		}
		if e.classifyRaw != "" {
			return e.classifyRaw, nil
		}
		type article struct {
			ID                  string   `json:"id"`
			Classification      string   `json:"classification"`
			SecurityReportLinks []string `json:"securityReportLinks"`
		}
		var out struct {
			Articles []article `json:"articles"`
		}
		for _, it := range req.Items {
			v, ok := e.verdicts[it.URL]
			if !ok {
				v = verdict{classification: types.ClassificationNoSources}
			}
			out.Articles = append(out.Articles, article{ID: it.ID, Classification: string(v.classification), SecurityReportLinks: v.links})
		}
		data, _ := json.Marshal(out)
		return string(data), nil
	}

	e.summarizeCalls++
	if e.summarizeErr != nil {
		return "", e.summarizeErr
	}
	if e.summarizeRaw != "" {
		return e.summarizeRaw, nil
	}
	type report struct {
		URL            string   `json:"url"`
		Title          string   `json:"title"`
		Summary        string   `json:"summary"`
		Severity       string   `json:"severity"`
		Affected       []string `json:"affectedSystems"`
		DomainSpecific bool     `json:"domainSpecific"`
	}
	var out struct {
		Reports []report `json:"reports"`
	}
	for _, it := range req.Items {
		e.summarized = append(e.summarized, it.URL)
		out.Reports = append(out.Reports, report{URL: it.URL, Title: "Report " + it.URL, Summary: "Summary", Severity: "High", Affected: []string{"llm"}, DomainSpecific: true})
	}
	data, _ := json.Marshal(out)
	return "```json\n" + string(data) + "\n```", nil
}

func (e *fakeEngine) set(f func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e)
}

type harness struct {
	store    *storage.MemoryStore
	source   *fakeSource
	fetcher  *fakeFetcher
	engine   *fakeEngine
	pipeline *Pipeline
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemoryStore(),
		source:  &fakeSource{},
		fetcher: newFakeFetcher(),
		engine:  newFakeEngine(),
	}
	call := llm.CallConfig{Retry: retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond}, MalformedRetries: 1}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.FetchRetry.BaseDelay == 0 {
		cfg.FetchRetry = retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond}
	}
	h.pipeline = New(Deps{
		Store:      h.store,
		Source:     h.source,
		Fetcher:    h.fetcher,
		Resolver:   llm.NewResolver(h.engine, llm.ResolverConfig{Call: call, MaxLinks: 5, Logger: zerolog.Nop()}),
		Summarizer: llm.NewSummarizer(h.engine, llm.SummarizerConfig{Call: call, Logger: zerolog.Nop()}),
		Logger:     zerolog.Nop(),
	}, cfg)
	return h
}

// scenarioOne seeds three notifications: B1 and B2 cite S1, B3 cites S2.
func (h *harness) scenarioOne() {
	h.source.add("n1", b1)
	h.source.add("n2", b2)
	h.source.add("n3", b3)
	h.engine.verdicts[b1] = verdict{types.ClassificationHasSources, []string{s1}}
	h.engine.verdicts[b2] = verdict{types.ClassificationHasSources, []string{s1 + "?utm_source=x"}}
	h.engine.verdicts[b3] = verdict{types.ClassificationHasSources, []string{s2}}
}

func (h *harness) load(t *testing.T) *storage.Snapshot {
	t.Helper()
	snap, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return snap
}

func edgeSet(edges []types.LineageEdge) map[string]string {
	out := make(map[string]string, len(edges))
	for _, e := range edges {
		out[e.ArticleURL] = e.NotificationID
	}
	return out
}

func hasEdge(edges []types.LineageEdge, articleURL, notificationID string) bool {
	for _, e := range edges {
		if e.ArticleURL == articleURL && e.NotificationID == notificationID {
			return true
		}
	}
	return false
}

func TestSharedAndNovelSources(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Outcome != types.OutcomeCompleted {
		t.Fatalf("unexpected outcome %s", report.Outcome)
	}

	snap := h.load(t)
	if len(snap.Articles) != 3 || len(snap.Sources) != 2 {
		t.Fatalf("expected 3 articles and 2 sources, got %d and %d", len(snap.Articles), len(snap.Sources))
	}
	lineage := edgeSet(snap.Sources[s1].Lineage)
	if len(lineage) != 2 || lineage[b1] != "n1" || lineage[b2] != "n2" {
		t.Errorf("unexpected S1 lineage %v", snap.Sources[s1].Lineage)
	}
	if l := edgeSet(snap.Sources[s2].Lineage); len(l) != 1 || l[b3] != "n3" {
		t.Errorf("unexpected S2 lineage %v", snap.Sources[s2].Lineage)
	}
	if snap.Sources[s1].Severity != types.SeverityHigh {
		t.Errorf("severity should be normalized, got %q", snap.Sources[s1].Severity)
	}

	if h.fetcher.count(s1) != 1 {
		t.Errorf("S1 must be fetched once, got %d", h.fetcher.count(s1))
	}
	if len(h.engine.summarized) != 2 {
		t.Errorf("each source must be summarized once, got %v", h.engine.summarized)
	}
	if h.engine.classifyCalls != 1 || h.engine.summarizeCalls != 1 {
		t.Errorf("expected one batched call per engine stage, got %d/%d", h.engine.classifyCalls, h.engine.summarizeCalls)
	}

	status := h.pipeline.Status()
	if status.Counts.ProcessedArticles != 3 || status.Counts.UniqueReports != 2 || status.Counts.NotificationsSeen != 3 {
		t.Errorf("unexpected counts %+v", status.Counts)
	}
	if status.State != types.StateIdle || status.Running {
		t.Errorf("pipeline should be idle after a run, got %+v", status)
	}
	if status.LastRun == nil || status.LastRun.RunID != report.RunID {
		t.Errorf("status should carry the last run")
	}
	if len(h.source.acked) != 3 {
		t.Errorf("expected 3 acknowledged notifications, got %v", h.source.acked)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	if _, err := h.pipeline.Process(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	fetches := h.fetcher.total()
	classify, summarize := h.engine.classifyCalls, h.engine.summarizeCalls

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Outcome != types.OutcomeNoop || report.Counters.NewArticles != 0 || report.Counters.NewReports != 0 {
		t.Fatalf("rerun must be a no-op, got %+v", report)
	}
	if h.fetcher.total() != fetches {
		t.Fatalf("rerun issued %d fetch calls", h.fetcher.total()-fetches)
	}
	if h.engine.classifyCalls != classify || h.engine.summarizeCalls != summarize {
		t.Fatal("rerun must not call the engine")
	}

	// Same articles under a new notification ID are still known; only the
	// lineage of their sources grows.
	h.source.add("n4", b1, b2)
	report, err = h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if report.Counters.KnownArticles != 2 || report.Counters.NewArticles != 0 || h.fetcher.total() != fetches {
		t.Fatalf("known articles must not be fetched again: %+v", report)
	}
	if h.engine.classifyCalls != classify || h.engine.summarizeCalls != summarize {
		t.Fatal("known articles must not reach the engine")
	}
	if report.Counters.LineageAppends != 2 {
		t.Fatalf("expected 2 lineage appends, got %+v", report.Counters)
	}
	snap := h.load(t)
	if len(snap.Articles) != 3 || len(snap.Sources) != 2 || len(snap.Notifications) != 4 {
		t.Fatalf("unexpected state after reruns: %+v", snap.Counts())
	}
	lineage := snap.Sources[s1].Lineage
	if len(lineage) != 4 || !hasEdge(lineage, b1, "n4") || !hasEdge(lineage, b2, "n4") {
		t.Fatalf("S1 should gain n4 through B1 and B2, got %v", lineage)
	}
	if l := snap.Sources[s2].Lineage; len(l) != 1 {
		t.Fatalf("S2 was not reached by n4, got %v", l)
	}

	report, err = h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("fourth run: %v", err)
	}
	if report.Outcome != types.OutcomeNoop || len(h.load(t).Sources[s1].Lineage) != 4 {
		t.Fatalf("replaying n4 must not add edges: %+v", report)
	}
}

func TestSameArticleFromTwoNotificationsInOneRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.add("n1", b1)
	h.source.add("n2", b1+"?utm_source=x")
	h.engine.verdicts[b1] = verdict{types.ClassificationHasSources, []string{s1}}

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Counters.Candidates != 1 || h.fetcher.count(b1) != 1 {
		t.Fatalf("B1 should be one candidate fetched once: %+v", report.Counters)
	}

	snap := h.load(t)
	if a := snap.Articles[b1]; a == nil || a.SourceNotificationID != "n1" {
		t.Fatalf("article should be attributed to the first notification, got %+v", a)
	}
	lineage := snap.Sources[s1].Lineage
	if len(lineage) != 2 || !hasEdge(lineage, b1, "n1") || !hasEdge(lineage, b1, "n2") {
		t.Fatalf("both notifications should reach S1, got %v", lineage)
	}
	if len(h.engine.summarized) != 1 {
		t.Fatalf("S1 must be summarized once, got %v", h.engine.summarized)
	}
}

func TestKnownArticleLineageReachesPendingSource(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.engine.summarizeErr = llm.ErrEngineUnreachable
	if _, err := h.pipeline.Process(context.Background()); err == nil {
		t.Fatal("expected the summarizer failure")
	}

	h.engine.set(func(e *fakeEngine) { e.summarizeErr = nil })
	h.source.add("n4", b3)
	if _, err := h.pipeline.Process(context.Background()); err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if h.fetcher.count(b3) != 1 {
		t.Fatalf("B3 must not be fetched again, got %d", h.fetcher.count(b3))
	}
	lineage := h.load(t).Sources[s2].Lineage
	if len(lineage) != 2 || !hasEdge(lineage, b3, "n3") || !hasEdge(lineage, b3, "n4") {
		t.Fatalf("S2 should carry both notifications, got %v", lineage)
	}
}

func TestWrappedLinkMatchesPlainLink(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.add("n1", "https://news.example.com/go?utm_source=alert&url=https%3A%2F%2Fblog.vendor.com%2Fpost")
	h.source.add("n2", "https://blog.vendor.com/post")

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Counters.Candidates != 1 {
		t.Fatalf("expected one candidate, got %d", report.Counters.Candidates)
	}
	if h.fetcher.count("https://blog.vendor.com/post") != 1 {
		t.Fatalf("expected a single fetch of the canonical URL, calls=%v", h.fetcher.calls)
	}
	snap := h.load(t)
	if len(snap.Articles) != 1 {
		t.Fatalf("expected one article, got %d", len(snap.Articles))
	}
	if a := snap.Articles["https://blog.vendor.com/post"]; a == nil || a.SourceNotificationID != "n1" {
		t.Fatalf("article should be attributed to the first notification, got %+v", a)
	}
}

func TestFetchTimeoutIsIsolated(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.fetcher.errs[b2] = &fetcher.FetchError{Kind: fetcher.KindTimeout, URL: b2}

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if h.fetcher.count(b2) != 3 {
		t.Fatalf("expected 3 attempts for B2, got %d", h.fetcher.count(b2))
	}
	if report.Counters.ArticleErrors != 1 {
		t.Errorf("expected 1 article error, got %d", report.Counters.ArticleErrors)
	}

	snap := h.load(t)
	if a := snap.Articles[b2]; a == nil || a.Classification != types.ClassificationError || a.Notes == "" {
		t.Fatalf("B2 should be recorded as error with a note, got %+v", a)
	}
	if snap.Articles[b1].Classification != types.ClassificationHasSources || snap.Articles[b3].Classification != types.ClassificationHasSources {
		t.Fatal("B1 and B3 must still be classified")
	}
	if len(snap.Sources) != 2 {
		t.Fatalf("S1 and S2 must still be committed, got %d sources", len(snap.Sources))
	}
	if l := edgeSet(snap.Sources[s1].Lineage); len(l) != 1 || l[b1] == "" {
		t.Errorf("S1 lineage should only contain B1, got %v", snap.Sources[s1].Lineage)
	}
}

func TestOriginalReportKeysSourceByArticleURL(t *testing.T) {
	h := newHarness(t, Config{})
	original := "https://research.example.org/blog/new-jailbreak"
	h.source.add("n1", original)
	h.engine.verdicts[original] = verdict{classification: types.ClassificationOriginalReport}

	if _, err := h.pipeline.Process(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	snap := h.load(t)
	a := snap.Articles[original]
	if a == nil || len(a.DiscoveredSourceURLs) != 1 || a.DiscoveredSourceURLs[0] != original {
		t.Fatalf("article should list itself as its source, got %+v", a)
	}
	src := snap.Sources[original]
	if src == nil {
		t.Fatal("original report should be inserted keyed by its own URL")
	}
	if l := edgeSet(src.Lineage); l[original] != "n1" {
		t.Errorf("unexpected lineage %v", src.Lineage)
	}
	if h.fetcher.count(original) != 1 {
		t.Errorf("article content should be reused for the source, fetched %d times", h.fetcher.count(original))
	}
}

func TestRediscoveryGrowsLineageOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	if _, err := h.pipeline.Process(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	s1Fetches := h.fetcher.count(s1)
	summarized := len(h.engine.summarized)

	b4 := "https://other.example.net/b4"
	h.source.add("n5", b4)
	h.engine.set(func(e *fakeEngine) {
		e.verdicts[b4] = verdict{types.ClassificationHasSources, []string{s1}}
	})

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Counters.LineageAppends != 1 || report.Counters.NewReports != 0 || report.Counters.KnownSources != 1 {
		t.Fatalf("unexpected counters %+v", report.Counters)
	}
	if h.fetcher.count(s1) != s1Fetches || len(h.engine.summarized) != summarized {
		t.Fatal("a known source must not be fetched or summarized again")
	}
	snap := h.load(t)
	if l := edgeSet(snap.Sources[s1].Lineage); len(l) != 3 || l[b4] != "n5" {
		t.Fatalf("S1 lineage should grow to 3, got %v", snap.Sources[s1].Lineage)
	}
}

func TestSourceFetchFailureRecordedOnArticle(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.fetcher.errs[s2] = &fetcher.FetchError{Kind: fetcher.KindHTTP, StatusCode: 404, URL: s2}

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if h.fetcher.count(s2) != 1 || report.Counters.SourceErrors != 1 {
		t.Fatalf("404 must not be retried: calls=%d counters=%+v", h.fetcher.count(s2), report.Counters)
	}
	snap := h.load(t)
	if _, ok := snap.Sources[s2]; ok {
		t.Fatal("failed source must not be inserted")
	}
	failed := snap.Articles[b3].FailedSources
	if len(failed) != 1 || failed[0].URL != s2 {
		t.Fatalf("B3 should note the failed source, got %+v", failed)
	}
	if len(snap.Pending) != 0 {
		t.Fatal("failed sources are recorded, not left pending")
	}
}

func TestMalformedClassifierOutputMarksBatchAsError(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.engine.classifyRaw = "sorry, I can't produce JSON today"

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("malformed output must not abort the run: %v", err)
	}
	if h.engine.classifyCalls != 2 || report.Counters.ClassifierRetries != 1 {
		t.Fatalf("expected the batch to be retried once, calls=%d", h.engine.classifyCalls)
	}
	snap := h.load(t)
	if len(snap.Articles) != 3 || len(snap.Sources) != 0 {
		t.Fatalf("unexpected state %+v", snap.Counts())
	}
	for u, a := range snap.Articles {
		if a.Classification != types.ClassificationError || a.Notes == "" {
			t.Errorf("%s should be recorded as error with a note, got %+v", u, a)
		}
	}
}

func TestClassifierUnreachableCommitsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.engine.classifyErr = llm.ErrEngineUnreachable

	report, err := h.pipeline.Process(context.Background())
	var failure *OrchestrationFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected OrchestrationFailure, got %v", err)
	}
	if failure.Stage != types.StateClassifyingArticles || failure.Committed != 0 {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if !errors.Is(err, llm.ErrEngineUnreachable) {
		t.Errorf("failure should wrap ErrEngineUnreachable")
	}
	if report.Outcome != types.OutcomeFailed || report.FailedStage != types.StateClassifyingArticles {
		t.Errorf("unexpected report %+v", report)
	}
	if h.store.Commits() != 0 || len(h.source.acked) != 0 {
		t.Fatal("nothing may be committed or acknowledged")
	}
	if h.engine.classifyCalls != 3 {
		t.Errorf("engine should be tried 3 times, got %d", h.engine.classifyCalls)
	}
}

func TestSummarizerUnreachableLeavesPendingTail(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.engine.summarizeErr = llm.ErrEngineUnreachable

	_, err := h.pipeline.Process(context.Background())
	var failure *OrchestrationFailure
	if !errors.As(err, &failure) || failure.Stage != types.StateSummarizing {
		t.Fatalf("expected a summarizing failure, got %v", err)
	}

	snap := h.load(t)
	if len(snap.Articles) != 3 || len(snap.Sources) != 0 || len(snap.Pending) != 2 || len(snap.Notifications) != 3 {
		t.Fatalf("unexpected state after abort: %+v", snap.Counts())
	}
	if failure.Committed != 5 {
		t.Errorf("expected 3 articles and 2 pending sources committed, got %d", failure.Committed)
	}
	articleFetches := h.fetcher.count(b1) + h.fetcher.count(b2) + h.fetcher.count(b3)

	h.engine.set(func(e *fakeEngine) { e.summarizeErr = nil })
	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if report.Counters.NewReports != 2 || report.Counters.NewArticles != 0 {
		t.Fatalf("recovery should only redo the tail: %+v", report.Counters)
	}
	if got := h.fetcher.count(b1) + h.fetcher.count(b2) + h.fetcher.count(b3); got != articleFetches {
		t.Fatalf("articles must not be fetched again, %d extra fetches", got-articleFetches)
	}

	snap = h.load(t)
	if len(snap.Sources) != 2 || len(snap.Pending) != 0 {
		t.Fatalf("unexpected state after recovery: %+v", snap.Counts())
	}
	if l := edgeSet(snap.Sources[s1].Lineage); len(l) != 2 {
		t.Errorf("pending lineage must survive, got %v", snap.Sources[s1].Lineage)
	}
}

func TestPendingSourceFetchFailureIsKept(t *testing.T) {
	h := newHarness(t, Config{MaxSourceAttempts: 3})
	h.scenarioOne()
	h.engine.summarizeErr = llm.ErrEngineUnreachable
	if _, err := h.pipeline.Process(context.Background()); err == nil {
		t.Fatal("expected the summarizer failure")
	}
	queuedAt := h.load(t).Pending[s2].QueuedAt

	h.engine.set(func(e *fakeEngine) { e.summarizeErr = nil })
	h.fetcher.errs[s2] = &fetcher.FetchError{Kind: fetcher.KindTimeout, URL: s2}

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := h.pipeline.Process(context.Background()); err != nil {
			t.Fatalf("run %d: %v", attempt, err)
		}
		snap := h.load(t)
		ps := snap.Pending[s2]
		if ps == nil {
			t.Fatalf("run %d: S2 must stay pending", attempt)
		}
		if ps.Attempts != attempt || ps.Reason == "" || !ps.QueuedAt.Equal(queuedAt) {
			t.Fatalf("run %d: unexpected pending entry %+v", attempt, ps)
		}
		if ps.Failed != (attempt == 3) {
			t.Fatalf("run %d: failed = %v", attempt, ps.Failed)
		}
		if !hasEdge(ps.Lineage, b3, "n3") {
			t.Fatalf("run %d: lineage lost: %v", attempt, ps.Lineage)
		}
		if _, ok := snap.Sources[s1]; !ok {
			t.Fatalf("run %d: S1 should be committed", attempt)
		}
	}
	if h.fetcher.count(s2) != 9 {
		t.Fatalf("expected 3 runs of 3 attempts, got %d", h.fetcher.count(s2))
	}

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("final run: %v", err)
	}
	if report.Outcome != types.OutcomeNoop || h.fetcher.count(s2) != 9 {
		t.Fatalf("a failed source must not be retried: %+v", report)
	}
	counts := h.pipeline.Status().Counts
	if counts.PendingSources != 0 || counts.FailedSources != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestPendingSourcePermanentFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.engine.summarizeErr = llm.ErrEngineUnreachable
	if _, err := h.pipeline.Process(context.Background()); err == nil {
		t.Fatal("expected the summarizer failure")
	}

	h.engine.set(func(e *fakeEngine) { e.summarizeErr = nil })
	h.fetcher.errs[s2] = &fetcher.FetchError{Kind: fetcher.KindHTTP, StatusCode: 410, URL: s2}
	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Counters.PendingSources != 0 || report.Counters.NewReports != 1 {
		t.Fatalf("unexpected counters %+v", report.Counters)
	}
	ps := h.load(t).Pending[s2]
	if ps == nil || !ps.Failed || ps.Attempts != 1 {
		t.Fatalf("a permanent fetch error should mark S2 failed, got %+v", ps)
	}
}

func TestMalformedSummarizerOutputMarksSourcesFailed(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()
	h.engine.summarizeRaw = "here are your reports: none"

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("malformed output must not abort the run: %v", err)
	}
	if h.engine.summarizeCalls != 2 || report.Counters.SummarizerRetries != 1 {
		t.Fatalf("expected one full retry, calls=%d", h.engine.summarizeCalls)
	}

	snap := h.load(t)
	if len(snap.Articles) != 3 || len(snap.Sources) != 0 || len(snap.Pending) != 0 {
		t.Fatalf("articles must be committed without reports: %+v", snap.Counts())
	}
	for _, u := range []string{b1, b2, b3} {
		failed := snap.Articles[u].FailedSources
		if len(failed) != 1 || failed[0].Reason == "" {
			t.Errorf("%s should record its failed source, got %+v", u, failed)
		}
	}
	if snap.Articles[b3].FailedSources[0].URL != s2 {
		t.Errorf("B3 should point at S2, got %+v", snap.Articles[b3].FailedSources)
	}
}

func TestConcurrentTriggerIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.add("n1", b1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.fetcher.before = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Process(context.Background())
		done <- err
	}()

	<-entered
	if !h.pipeline.Status().Running {
		t.Error("status should report a running pipeline")
	}
	if _, err := h.pipeline.Process(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := h.pipeline.Process(context.Background()); err != nil {
		t.Fatalf("a new run should be accepted once idle: %v", err)
	}
}

func TestCancellationCommitsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.scenarioOne()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.before = func(string) { cancel() }

	report, err := h.pipeline.Process(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if report.Outcome != types.OutcomeCancelled || report.Committed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.store.Commits() != 0 || len(h.source.acked) != 0 {
		t.Fatal("a cancelled run must not commit or acknowledge anything")
	}
	if h.engine.classifyCalls != 0 {
		t.Fatal("no stage may run after cancellation")
	}
	if h.pipeline.Status().State != types.StateIdle {
		t.Fatal("pipeline should return to idle")
	}
}

func TestBatchLimitDefersCandidates(t *testing.T) {
	h := newHarness(t, Config{MaxBatchItems: 2})
	h.scenarioOne()

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Counters.Candidates != 2 || report.Counters.Deferred != 1 {
		t.Fatalf("unexpected counters %+v", report.Counters)
	}
	snap := h.load(t)
	if _, seen := snap.Notifications["n3"]; seen {
		t.Fatal("a notification with deferred candidates must not be marked seen")
	}
	if h.fetcher.count(b3) != 0 {
		t.Fatal("deferred candidates must not be fetched")
	}

	if _, err := h.pipeline.Process(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	snap = h.load(t)
	if len(snap.Articles) != 3 || len(snap.Sources) != 2 || len(snap.Notifications) != 3 {
		t.Fatalf("deferred work should complete on the next run: %+v", snap.Counts())
	}
}

func TestNotificationsWithoutLinksAreNoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.notifications = append(h.source.notifications, types.RawNotification{ID: "empty", RawBody: "no links here, and not-a-url://x"})

	report, err := h.pipeline.Process(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Outcome != types.OutcomeNoop {
		t.Fatalf("expected noop, got %s", report.Outcome)
	}
	snap := h.load(t)
	if _, ok := snap.Notifications["empty"]; !ok || h.fetcher.total() != 0 {
		t.Fatal("the notification should be marked seen without any fetch")
	}
}
