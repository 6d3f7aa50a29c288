package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sourcewatch/types"
)

var (
	// ErrDuplicateKey is returned when a commit would insert an article or
	// source key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnknownSource is returned when a lineage append targets a source
	// that neither exists nor is inserted by the same commit.
	ErrUnknownSource = errors.New("unknown source")
	// ErrConflict is returned when a concurrent writer changed the state
	// between load and commit.
	ErrConflict = errors.New("concurrent modification")
)

// Store persists the pipeline indices. Commit is atomic: either the whole
// changeset is applied or nothing is.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, cs *Changeset) error
	Close() error
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Articles      map[string]*types.ProcessedArticle `json:"articles"`
	Sources       map[string]*types.CanonicalSource  `json:"sources"`
	Notifications map[string]time.Time               `json:"notifications"`
	Pending       map[string]*types.PendingSource    `json:"pending"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	s := &Snapshot{}
	s.init()
	return s
}

func (s *Snapshot) init() {
	if s.Articles == nil {
		s.Articles = make(map[string]*types.ProcessedArticle)
	}
	if s.Sources == nil {
		s.Sources = make(map[string]*types.CanonicalSource)
	}
	if s.Notifications == nil {
		s.Notifications = make(map[string]time.Time)
	}
	if s.Pending == nil {
		s.Pending = make(map[string]*types.PendingSource)
	}
}

// Counts returns the totals shown on the status endpoint.
func (s *Snapshot) Counts() types.Counts {
	c := types.Counts{
		NotificationsSeen: len(s.Notifications),
		ProcessedArticles: len(s.Articles),
		UniqueReports:     len(s.Sources),
	}
	for _, p := range s.Pending {
		if p.Failed {
			c.FailedSources++
		} else {
			c.PendingSources++
		}
	}
	return c
}

// Clone returns a deep copy so callers can't mutate stored records.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	for k, v := range s.Articles {
		out.Articles[k] = cloneArticle(v)
	}
	for k, v := range s.Sources {
		out.Sources[k] = cloneSource(v)
	}
	for k, v := range s.Notifications {
		out.Notifications[k] = v
	}
	for k, v := range s.Pending {
		out.Pending[k] = clonePending(v)
	}
	return out
}

func cloneArticle(v *types.ProcessedArticle) *types.ProcessedArticle {
	a := *v
	a.DiscoveredSourceURLs = append([]string(nil), v.DiscoveredSourceURLs...)
	a.FailedSources = append([]types.SourceFailure(nil), v.FailedSources...)
	return &a
}

func cloneSource(v *types.CanonicalSource) *types.CanonicalSource {
	src := *v
	src.Lineage = append([]types.LineageEdge(nil), v.Lineage...)
	src.AffectedSystems = append([]string(nil), v.AffectedSystems...)
	src.Tags = append([]string(nil), v.Tags...)
	return &src
}

func clonePending(v *types.PendingSource) *types.PendingSource {
	p := *v
	p.Lineage = append([]types.LineageEdge(nil), v.Lineage...)
	return &p
}

// SortedSources returns the sources ordered by AddedAt, newest first.
func (s *Snapshot) SortedSources() []*types.CanonicalSource {
	out := make([]*types.CanonicalSource, 0, len(s.Sources))
	for _, src := range s.Sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].SourceURL < out[j].SourceURL
		}
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out
}

// SortedArticles returns the processed articles ordered by ProcessedAt,
// newest first.
func (s *Snapshot) SortedArticles() []*types.ProcessedArticle {
	out := make([]*types.ProcessedArticle, 0, len(s.Articles))
	for _, a := range s.Articles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ArticleURL < out[j].ArticleURL
		}
		return out[i].ProcessedAt.After(out[j].ProcessedAt)
	})
	return out
}

// Changeset is everything one run writes.
type Changeset struct {
	RunID         string
	Articles      []*types.ProcessedArticle
	Sources       []*types.CanonicalSource
	Lineage       map[string][]types.LineageEdge
	Notifications map[string]time.Time
	// PendingUpserts records novel sources left for the next run.
	PendingUpserts []*types.PendingSource
	// PendingRemovals drops pending sources that were handled.
	PendingRemovals []string
}

// Empty reports whether the changeset writes nothing.
func (c *Changeset) Empty() bool {
	return len(c.Articles) == 0 && len(c.Sources) == 0 && len(c.Lineage) == 0 &&
		len(c.Notifications) == 0 && len(c.PendingUpserts) == 0 && len(c.PendingRemovals) == 0
}

// Records counts the keyed records and lineage edges the changeset writes.
func (c *Changeset) Records() int {
	n := len(c.Articles) + len(c.Sources) + len(c.PendingUpserts)
	for _, edges := range c.Lineage {
		n += len(edges)
	}
	return n
}

// Validate checks the changeset against s without modifying anything.
func (s *Snapshot) Validate(c *Changeset) error {
	articles := make(map[string]struct{}, len(c.Articles))
	for _, a := range c.Articles {
		if a.ArticleURL == "" {
			return fmt.Errorf("article with empty url")
		}
		if _, ok := s.Articles[a.ArticleURL]; ok {
			return fmt.Errorf("%w: article %s", ErrDuplicateKey, a.ArticleURL)
		}
		if _, ok := articles[a.ArticleURL]; ok {
			return fmt.Errorf("%w: article %s twice in changeset", ErrDuplicateKey, a.ArticleURL)
		}
		articles[a.ArticleURL] = struct{}{}
	}

	sources := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.SourceURL == "" {
			return fmt.Errorf("source with empty url")
		}
		if _, ok := s.Sources[src.SourceURL]; ok {
			return fmt.Errorf("%w: source %s", ErrDuplicateKey, src.SourceURL)
		}
		if _, ok := sources[src.SourceURL]; ok {
			return fmt.Errorf("%w: source %s twice in changeset", ErrDuplicateKey, src.SourceURL)
		}
		sources[src.SourceURL] = struct{}{}
	}

	for u := range c.Lineage {
		_, persisted := s.Sources[u]
		_, inserted := sources[u]
		if !persisted && !inserted {
			return fmt.Errorf("%w: lineage for %s", ErrUnknownSource, u)
		}
	}
	return nil
}

// Apply validates c and applies it to s. On error s is unchanged.
func (s *Snapshot) Apply(c *Changeset) error {
	s.init()
	if err := s.Validate(c); err != nil {
		return err
	}

	for _, a := range c.Articles {
		s.Articles[a.ArticleURL] = cloneArticle(a)
	}
	for _, src := range c.Sources {
		s.Sources[src.SourceURL] = cloneSource(src)
		delete(s.Pending, src.SourceURL)
	}
	for u, edges := range c.Lineage {
		src := s.Sources[u]
		for _, e := range edges {
			if !src.HasEdge(e) {
				src.Lineage = append(src.Lineage, e)
			}
		}
	}
	for id, at := range c.Notifications {
		if _, ok := s.Notifications[id]; !ok {
			s.Notifications[id] = at
		}
	}
	for _, u := range c.PendingRemovals {
		delete(s.Pending, u)
	}
	for _, p := range c.PendingUpserts {
		if _, done := s.Sources[p.SourceURL]; done {
			continue
		}
		s.Pending[p.SourceURL] = clonePending(p)
	}
	return nil
}
