package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sourcewatch/retry"
	"sourcewatch/types"
)

type scriptedEngine struct {
	mu      sync.Mutex
	replies []func(system, prompt string) (string, error)
	calls   int
	prompts []string
}

func (e *scriptedEngine) Complete(_ context.Context, system, prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, prompt)
	i := e.calls
	e.calls++
	if i >= len(e.replies) {
		i = len(e.replies) - 1
	}
	return e.replies[i](system, prompt)
}

func reply(s string) func(string, string) (string, error) {
	return func(string, string) (string, error) { return s, nil }
}

func fail(err error) func(string, string) (string, error) {
	return func(string, string) (string, error) { return "", err }
}

func testCallConfig() CallConfig {
	return CallConfig{
		Retry:            retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond},
		MalformedRetries: 1,
		Logger:           zerolog.Nop(),
	}
}

func newTestResolver(e Engine) *Resolver {
	return NewResolver(e, ResolverConfig{Call: testCallConfig(), MaxContentChars: 100, MaxLinks: 2, Logger: zerolog.Nop()})
}

func TestResolveClassifications(t *testing.T) {
	engine := &scriptedEngine{replies: []func(string, string) (string, error){reply("```json\n" + `{"articles": [
		{"id": "a1", "classification": "has-sources", "securityReportLinks": [
			"https://Vendor.example.com/blog/flaw/?utm_source=x",
			"https://vendor.example.com/blog/flaw",
			"not a url",
			"https://nvd.example.org/CVE-2025-1",
			"https://github.com/x/poc"]},
		{"id": "a2", "classification": "is-original-report", "securityReportLinks": []},
		{"id": "a3", "classification": "no-sources", "securityReportLinks": ["https://ignored.example.com"]},
		{"id": "a4", "classification": "error"}
	]}` + "\n```")}}

	items := []ArticleInput{
		{ID: "a1", URL: "https://news.example.com/a1", Content: strings.Repeat("x", 500)},
		{ID: "a2", URL: "https://research.example.com/post", Content: "original"},
		{ID: "a3", URL: "https://news.example.com/a3", Content: "nothing"},
		{ID: "a4", URL: "https://news.example.com/a4", Content: ""},
	}

	res, err := newTestResolver(engine).Resolve(context.Background(), items)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if engine.calls != 1 {
		t.Fatalf("expected one batched call, got %d", engine.calls)
	}
	if res.Retries != 0 {
		t.Errorf("expected no retries, got %d", res.Retries)
	}

	var req classifyRequest
	if err := json.Unmarshal([]byte(engine.prompts[0]), &req); err != nil {
		t.Fatalf("prompt is not JSON: %v", err)
	}
	if len(req.Items[0].Content) != 100 {
		t.Errorf("content should be truncated to 100 chars, got %d", len(req.Items[0].Content))
	}

	got := res.Resolutions
	if len(got) != 4 {
		t.Fatalf("expected 4 resolutions, got %d", len(got))
	}
	wantLinks := []string{"https://vendor.example.com/blog/flaw", "https://nvd.example.org/CVE-2025-1"}
	if got[0].Classification != types.ClassificationHasSources || strings.Join(got[0].Links, ",") != strings.Join(wantLinks, ",") {
		t.Errorf("a1: unexpected resolution %+v", got[0])
	}
	if got[1].Classification != types.ClassificationOriginalReport || len(got[1].Links) != 1 || got[1].Links[0] != items[1].URL {
		t.Errorf("a2: original report must link to itself, got %+v", got[1])
	}
	if got[2].Classification != types.ClassificationNoSources || len(got[2].Links) != 0 {
		t.Errorf("a3: no-sources must have no links, got %+v", got[2])
	}
	if got[3].Classification != types.ClassificationError || got[3].Note == "" {
		t.Errorf("a4: expected error with note, got %+v", got[3])
	}
}

func TestResolveMalformedRetriedOnceThenError(t *testing.T) {
	engine := &scriptedEngine{replies: []func(string, string) (string, error){reply("I cannot help with that")}}
	items := []ArticleInput{{ID: "a1", URL: "https://news.example.com/a1"}, {ID: "a2", URL: "https://news.example.com/a2"}}

	res, err := newTestResolver(engine).Resolve(context.Background(), items)
	if err != nil {
		t.Fatalf("malformed output must not fail the batch: %v", err)
	}
	if engine.calls != 2 {
		t.Fatalf("expected the batch to be sent twice, got %d", engine.calls)
	}
	if res.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", res.Retries)
	}
	for _, r := range res.Resolutions {
		if r.Classification != types.ClassificationError || r.Note == "" {
			t.Errorf("expected error resolution with note, got %+v", r)
		}
	}
}

func TestResolveMalformedThenValid(t *testing.T) {
	engine := &scriptedEngine{replies: []func(string, string) (string, error){
		reply(`{"articles": [{"id": "a1", "classification": "maybe"}]}`),
		reply(`{"articles": [{"id": "a1", "classification": "no-sources"}]}`),
	}}
	res, err := newTestResolver(engine).Resolve(context.Background(), []ArticleInput{{ID: "a1", URL: "https://news.example.com/a1"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resolutions[0].Classification != types.ClassificationNoSources || res.Retries != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestResolveMissingItemIsMalformed(t *testing.T) {
	_, err := parseClassification(`{"articles": [{"id": "a1", "classification": "no-sources"}]}`,
		map[string]ArticleInput{"a1": {}, "a2": {}})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestResolveEngineUnreachable(t *testing.T) {
	engine := &scriptedEngine{replies: []func(string, string) (string, error){fail(errors.New("dial tcp: connection refused"))}}
	_, err := newTestResolver(engine).Resolve(context.Background(), []ArticleInput{{ID: "a1", URL: "https://news.example.com/a1"}})
	if !errors.Is(err, ErrEngineUnreachable) {
		t.Fatalf("expected ErrEngineUnreachable, got %v", err)
	}
}

func TestResolveEngineRetriedWithinBudget(t *testing.T) {
	engine := &scriptedEngine{replies: []func(string, string) (string, error){
		fail(ErrEngineUnreachable),
		fail(ErrEngineUnreachable),
		reply(`{"articles": [{"id": "a1", "classification": "no-sources"}]}`),
	}}
	res, err := newTestResolver(engine).Resolve(context.Background(), []ArticleInput{{ID: "a1", URL: "https://news.example.com/a1"}})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if engine.calls != 3 || res.Resolutions[0].Classification != types.ClassificationNoSources {
		t.Errorf("unexpected calls=%d result=%+v", engine.calls, res)
	}

	engine = &scriptedEngine{replies: []func(string, string) (string, error){fail(ErrEngineUnreachable)}}
	_, err = newTestResolver(engine).Resolve(context.Background(), []ArticleInput{{ID: "a1", URL: "https://news.example.com/a1"}})
	if !errors.Is(err, ErrEngineUnreachable) || engine.calls != 3 {
		t.Fatalf("expected ErrEngineUnreachable after 3 calls, got %v after %d", err, engine.calls)
	}
}

func TestResolveEmptyBatchSkipsEngine(t *testing.T) {
	engine := &scriptedEngine{}
	res, err := newTestResolver(engine).Resolve(context.Background(), nil)
	if err != nil || len(res.Resolutions) != 0 || engine.calls != 0 {
		t.Fatalf("unexpected result %+v, %v, calls=%d", res, err, engine.calls)
	}
}

func newTestSummarizer(e Engine) *Summarizer {
	return NewSummarizer(e, SummarizerConfig{
		Call:   testCallConfig(),
		Rubric: Rubric{Domain: "AI security", Affirmative: []string{"prompt injection"}, Negative: []string{"phishing kits"}},
		Logger: zerolog.Nop(),
	})
}

func TestSummarize(t *testing.T) {
	var system string
	engine := &scriptedEngine{replies: []func(string, string) (string, error){func(s, _ string) (string, error) {
		system = s
		return `{"reports": [{"url": "https://vendor.example.com/flaw", "title": " Flaw ", "summary": "A flaw.",
			"attackMechanism": "prompt injection", "affectedSystems": ["agent"], "noveltyFactor": "new",
			"severity": "HIGH", "discoveryDate": "2025-01-02", "domainSpecific": true,
			"domainClassificationReasoning": "targets an LLM agent"}]}`, nil
	}}}

	res, err := newTestSummarizer(engine).Summarize(context.Background(), []SourceInput{{URL: "https://vendor.example.com/flaw", Content: "..."}})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(system, "AI security") || !strings.Contains(system, "- phishing kits") {
		t.Errorf("system prompt lacks rubric: %s", system)
	}
	if len(res.Summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(res.Summaries))
	}
	s := res.Summaries[0]
	if s.Title != "Flaw" || s.Severity != types.SeverityHigh || !s.DomainSpecific {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestSummarizeInvalidSeverityIsMalformed(t *testing.T) {
	engine := &scriptedEngine{replies: []func(string, string) (string, error){reply(
		`{"reports": [{"url": "https://vendor.example.com/flaw", "title": "t", "summary": "s", "severity": "catastrophic"}]}`)}}

	res, err := newTestSummarizer(engine).Summarize(context.Background(), []SourceInput{{URL: "https://vendor.example.com/flaw"}})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if engine.calls != 2 {
		t.Errorf("expected one retry, got %d calls", engine.calls)
	}
	if len(res.Summaries) != 0 || res.Failed["https://vendor.example.com/flaw"] == "" {
		t.Errorf("expected the source to be marked failed, got %+v", res)
	}
}

func TestSummarizeEngineUnreachable(t *testing.T) {
	engine := &scriptedEngine{replies: []func(string, string) (string, error){fail(ErrEngineUnreachable)}}
	_, err := newTestSummarizer(engine).Summarize(context.Background(), []SourceInput{{URL: "https://vendor.example.com/flaw"}})
	if !errors.Is(err, ErrEngineUnreachable) {
		t.Fatalf("expected ErrEngineUnreachable, got %v", err)
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```":       `{"a":1}`,
		"```\n{\"a\":1}```":             `{"a":1}`,
		"Here you go: {\"a\":1} thanks": `{"a":1}`,
		`{"a":1}`:                       `{"a":1}`,
	}
	for in, want := range tests {
		if got := stripFences(in); got != want {
			t.Errorf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateIsRuneSafe(t *testing.T) {
	if got := truncate("héllo", 2); got != "hé" {
		t.Errorf("got %q", got)
	}
	if got := truncate("abc", 0); got != "abc" {
		t.Errorf("zero limit must not truncate, got %q", got)
	}
}
