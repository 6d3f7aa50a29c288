package deduplication

import (
	"errors"
	"fmt"

	"sourcewatch/types"
)

// ErrAlreadyRecorded is returned when an article URL is recorded twice. The
// orchestrator filters with IsKnown first, so hitting it is a bug.
var ErrAlreadyRecorded = errors.New("article already recorded")

// ArticleTracker answers "has this article been analyzed" against the
// persisted index plus records staged during the current run.
type ArticleTracker struct {
	persisted map[string]*types.ProcessedArticle
	staged    map[string]*types.ProcessedArticle
	order     []string
}

// NewArticleTracker wraps the persisted index. The map is only read.
func NewArticleTracker(persisted map[string]*types.ProcessedArticle) *ArticleTracker {
	if persisted == nil {
		persisted = map[string]*types.ProcessedArticle{}
	}
	return &ArticleTracker{
		persisted: persisted,
		staged:    make(map[string]*types.ProcessedArticle),
	}
}

// IsKnown reports whether articleURL was processed in this or any earlier run.
func (t *ArticleTracker) IsKnown(articleURL string) bool {
	if _, ok := t.persisted[articleURL]; ok {
		return true
	}
	_, ok := t.staged[articleURL]
	return ok
}

// Record stages a ProcessedArticle. It is insert-only.
func (t *ArticleTracker) Record(article *types.ProcessedArticle) error {
	if article == nil || article.ArticleURL == "" {
		return fmt.Errorf("record article: missing article url")
	}
	if t.IsKnown(article.ArticleURL) {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, article.ArticleURL)
	}
	t.staged[article.ArticleURL] = article
	t.order = append(t.order, article.ArticleURL)
	return nil
}

// Get returns a staged or persisted record.
func (t *ArticleTracker) Get(articleURL string) (*types.ProcessedArticle, bool) {
	if a, ok := t.staged[articleURL]; ok {
		return a, true
	}
	a, ok := t.persisted[articleURL]
	return a, ok
}

// Staged returns the records added during this run, in insertion order.
func (t *ArticleTracker) Staged() []*types.ProcessedArticle {
	out := make([]*types.ProcessedArticle, 0, len(t.order))
	for _, u := range t.order {
		out = append(out, t.staged[u])
	}
	return out
}

// GetStaged returns a record added during this run. Persisted records are
// immutable and never returned here.
func (t *ArticleTracker) GetStaged(articleURL string) (*types.ProcessedArticle, bool) {
	a, ok := t.staged[articleURL]
	return a, ok
}
