package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"sourcewatch/deduplication"
	"sourcewatch/types"
)

// ArticleInput is one article handed to the classifier.
type ArticleInput struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Resolution is the classifier verdict for one article. Links are
// canonical source URLs.
type Resolution struct {
	ID             string
	Classification types.Classification
	Links          []string
	Note           string
}

// ResolveResult is the outcome of one batched classification.
type ResolveResult struct {
	Resolutions []Resolution
	Retries     int
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Call            CallConfig
	MaxContentChars int
	MaxLinks        int
	Canonicalizer   *deduplication.Canonicalizer
	Logger          zerolog.Logger
}

// Resolver classifies articles and extracts links to original reports.
type Resolver struct {
	engine Engine
	cfg    ResolverConfig
	logger zerolog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(engine Engine, cfg ResolverConfig) *Resolver {
	if cfg.Canonicalizer == nil {
		cfg.Canonicalizer = deduplication.NewCanonicalizer(deduplication.CanonicalizerOptions{})
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 5
	}
	logger := cfg.Logger.With().Str("component", "resolver").Logger()
	cfg.Call.Logger = logger
	return &Resolver{engine: engine, cfg: cfg, logger: logger}
}

type classifyRequest struct {
	Items []ArticleInput `json:"items"`
}

type classifyResponse struct {
	Articles []classifiedArticle `json:"articles"`
}

type classifiedArticle struct {
	ID                  string   `json:"id"`
	Classification      string   `json:"classification"`
	SecurityReportLinks []string `json:"securityReportLinks"`
}

// Resolve classifies all items with a single engine call. Malformed output
// is retried per the call config; after that every item resolves to
// ClassificationError. Only an unreachable engine returns an error.
func (r *Resolver) Resolve(ctx context.Context, items []ArticleInput) (*ResolveResult, error) {
	if len(items) == 0 {
		return &ResolveResult{}, nil
	}

	req := classifyRequest{Items: make([]ArticleInput, len(items))}
	byID := make(map[string]ArticleInput, len(items))
	for i, it := range items {
		it.Content = truncate(it.Content, r.cfg.MaxContentChars)
		req.Items[i] = it
		byID[it.ID] = it
	}
	prompt, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode classify request: %w", err)
	}

	verdicts, retries, err := call(ctx, r.engine, r.cfg.Call, classifySystem, string(prompt), func(raw string) (map[string]classifiedArticle, error) {
		return parseClassification(raw, byID)
	})
	result := &ResolveResult{Retries: retries}
	if err != nil {
		if !isMalformed(err) {
			return result, err
		}
		r.logger.Error().Err(err).Int("items", len(items)).Msg("classification output unusable, marking batch as error")
		for _, it := range items {
			result.Resolutions = append(result.Resolutions, Resolution{
				ID:             it.ID,
				Classification: types.ClassificationError,
				Note:           "classifier output malformed after retry",
			})
		}
		return result, nil
	}

	for _, it := range items {
		result.Resolutions = append(result.Resolutions, r.resolution(it, verdicts[it.ID]))
	}
	return result, nil
}

func (r *Resolver) resolution(item ArticleInput, v classifiedArticle) Resolution {
	res := Resolution{ID: item.ID, Classification: types.Classification(v.Classification)}
	switch res.Classification {
	case types.ClassificationOriginalReport:
		// The article is its own source; it shares its key with the report.
		res.Links = []string{item.URL}
	case types.ClassificationHasSources:
		res.Links = r.cleanLinks(v.SecurityReportLinks)
	case types.ClassificationError:
		res.Note = "classifier could not classify the article"
	}
	return res
}

// cleanLinks canonicalizes, drops invalid and duplicate links and caps the
// result at MaxLinks.
func (r *Resolver) cleanLinks(raw []string) []string {
	links := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, l := range raw {
		canonical, err := r.cfg.Canonicalizer.Canonicalize(l)
		if err != nil {
			r.logger.Debug().Str("link", l).Msg("dropping invalid source link")
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		links = append(links, canonical)
		if len(links) == r.cfg.MaxLinks {
			break
		}
	}
	return links
}

func parseClassification(raw string, want map[string]ArticleInput) (map[string]classifiedArticle, error) {
	var resp classifyResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	out := make(map[string]classifiedArticle, len(resp.Articles))
	for _, a := range resp.Articles {
		if _, ok := want[a.ID]; !ok {
			return nil, fmt.Errorf("%w: unknown article id %q", ErrMalformedOutput, a.ID)
		}
		if !types.Classification(a.Classification).Valid() {
			return nil, fmt.Errorf("%w: invalid classification %q for %s", ErrMalformedOutput, a.Classification, a.ID)
		}
		out[a.ID] = a
	}
	for id := range want {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: missing classification for %s", ErrMalformedOutput, id)
		}
	}
	return out, nil
}
