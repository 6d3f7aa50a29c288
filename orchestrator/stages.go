package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"sourcewatch/deduplication"
	"sourcewatch/fetcher"
	"sourcewatch/llm"
	"sourcewatch/sources"
	"sourcewatch/storage"
	"sourcewatch/types"
)

type fetchedArticle struct {
	candidate types.CandidateArticle
	content   *fetcher.Content
}

// run is the working state of one Process call. Only the orchestrator
// goroutine touches it.
type run struct {
	p      *Pipeline
	report types.RunReport
	logger zerolog.Logger
	now    time.Time

	snap    *storage.Snapshot
	tracker *deduplication.ArticleTracker
	reports *deduplication.ReportDeduplicator

	fresh       []types.RawNotification
	redelivered []string
	held        map[string]struct{}
	candidates  []types.CandidateArticle
	knownRefs   []types.LineageEdge
	pendingTail []string
	pendingPrev map[string]*types.PendingSource
	retained    []*types.PendingSource
	noop        bool

	fetched     []fetchedArticle
	resolutions map[string]llm.Resolution
	contents    map[string]*fetcher.Content
	toSummarize []deduplication.QueuedSource
	newSources  []*types.CanonicalSource
}

func (p *Pipeline) newRun(report types.RunReport) *run {
	return &run{
		p:           p,
		report:      report,
		logger:      p.logger.With().Str("run_id", report.RunID).Logger(),
		now:         p.now(),
		held:        make(map[string]struct{}),
		contents:    make(map[string]*fetcher.Content),
		pendingPrev: make(map[string]*types.PendingSource),
	}
}

func (r *run) poolConfig() fetcher.PoolConfig {
	return fetcher.PoolConfig{
		Workers: r.p.cfg.Workers,
		Timeout: r.p.cfg.FetchTimeout,
		Retry:   r.p.cfg.FetchRetry,
		Logger:  r.logger,
	}
}

// collect loads the indices, drains the message source and computes the
// candidate articles not processed before.
func (r *run) collect(ctx context.Context) error {
	snap, err := r.p.store.Load(ctx)
	if err != nil {
		return &OrchestrationFailure{Stage: types.StateCollectingCandidates, Err: fmt.Errorf("load state: %w", err)}
	}
	r.snap = snap
	r.tracker = deduplication.NewArticleTracker(snap.Articles)
	r.reports = deduplication.NewReportDeduplicator(snap.Sources)
	r.p.state.SetCounts(snap.Counts())

	notifications, err := r.p.source.Pending(ctx)
	if err != nil {
		return &OrchestrationFailure{Stage: types.StateCollectingCandidates, Err: fmt.Errorf("read notifications: %w", err)}
	}
	r.report.Counters.Notifications = len(notifications)

	maxItems := r.p.cfg.MaxBatchItems
	taken := make(map[string]int)
	ids := make(map[string]struct{}, len(notifications))
	for _, n := range notifications {
		if _, seen := snap.Notifications[n.ID]; seen {
			r.redelivered = append(r.redelivered, n.ID)
			continue
		}
		if _, dup := ids[n.ID]; dup {
			continue
		}
		ids[n.ID] = struct{}{}
		r.fresh = append(r.fresh, n)

		for _, raw := range sources.ExtractLinks(n) {
			canonical, err := r.p.canon.Canonicalize(raw)
			if err != nil {
				r.report.Counters.InvalidLinks++
				r.logger.Debug().Str("link", raw).Str("notification", n.ID).Msg("dropping invalid link")
				continue
			}
			if i, dup := taken[canonical]; dup {
				c := &r.candidates[i]
				if c.NotificationID != n.ID && !slices.Contains(c.AlsoNotifiedBy, n.ID) {
					c.AlsoNotifiedBy = append(c.AlsoNotifiedBy, n.ID)
				}
				continue
			}
			if r.tracker.IsKnown(canonical) {
				r.report.Counters.KnownArticles++
				r.knownRefs = append(r.knownRefs, types.LineageEdge{ArticleURL: canonical, NotificationID: n.ID})
				continue
			}
			if maxItems > 0 && len(r.candidates) >= maxItems {
				r.report.Counters.Deferred++
				r.held[n.ID] = struct{}{}
				continue
			}
			taken[canonical] = len(r.candidates)
			r.candidates = append(r.candidates, types.CandidateArticle{
				NotificationID: n.ID,
				RawLink:        raw,
				CanonicalURL:   canonical,
			})
		}
	}
	r.report.Counters.Candidates = len(r.candidates)

	pending := make([]*types.PendingSource, 0, len(snap.Pending))
	for _, ps := range snap.Pending {
		pending = append(pending, ps)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].QueuedAt.Equal(pending[j].QueuedAt) {
			return pending[i].SourceURL < pending[j].SourceURL
		}
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})
	for _, ps := range pending {
		if ps.Failed {
			continue
		}
		r.reports.Requeue(ps)
		r.pendingTail = append(r.pendingTail, ps.SourceURL)
		r.pendingPrev[ps.SourceURL] = ps
	}
	r.attachKnownArticles()

	if len(r.candidates) == 0 && len(r.pendingTail) == 0 && len(r.reports.LineageAppends()) == 0 {
		r.noop = true
		r.p.state.AddLog(fmt.Sprintf("No new candidates in %d notifications", len(notifications)))
		return nil
	}
	r.p.state.AddLog(fmt.Sprintf("Collected %d candidate articles from %d notifications (%d pending sources)",
		len(r.candidates), len(notifications), len(r.pendingTail)))
	if r.report.Counters.Deferred > 0 {
		r.p.state.AddLog(fmt.Sprintf("Deferred %d candidates to a later run", r.report.Counters.Deferred))
	}
	return nil
}

// attachKnownArticles adds lineage for fresh notifications that link an
// article processed in an earlier run. Only sources with a report or a
// pending entry are touched; nothing new is fetched.
func (r *run) attachKnownArticles() {
	for _, ref := range r.knownRefs {
		a, ok := r.tracker.Get(ref.ArticleURL)
		if !ok {
			continue
		}
		part := r.reports.FilterNovel(a.DiscoveredSourceURLs)
		for _, u := range part.Known {
			r.reports.Attach(u, ref)
		}
		for _, u := range part.Novel {
			if r.reports.IsQueued(u) {
				r.reports.Attach(u, ref)
			}
		}
	}
}

// fetchArticles fetches every candidate. Failed fetches become error
// records; the run goes on.
func (r *run) fetchArticles(ctx context.Context) error {
	if len(r.candidates) == 0 {
		return nil
	}
	urls := make([]string, len(r.candidates))
	for i, c := range r.candidates {
		urls[i] = c.CanonicalURL
	}

	results := fetcher.FetchAll(ctx, r.p.fetcher, urls, r.poolConfig())
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for i, res := range results {
		c := r.candidates[i]
		r.report.Counters.ArticleFetches += res.Attempts
		if res.Err != nil {
			r.report.Counters.ArticleErrors++
			r.logger.Warn().Err(res.Err).Str("url", c.CanonicalURL).Msg("article fetch failed")
			if err := r.tracker.Record(&types.ProcessedArticle{
				ArticleURL:           c.CanonicalURL,
				SourceNotificationID: c.NotificationID,
				ProcessedAt:          r.now,
				Classification:       types.ClassificationError,
				Notes:                "fetch failed: " + res.Err.Error(),
			}); err != nil {
				return err
			}
			continue
		}
		r.fetched = append(r.fetched, fetchedArticle{candidate: c, content: res.Content})
		r.contents[c.CanonicalURL] = res.Content
	}
	r.p.state.AddLog(fmt.Sprintf("Fetched %d/%d articles", len(r.fetched), len(r.candidates)))
	return nil
}

// classify sends all fetched articles to the resolver in one batch. An
// unreachable engine aborts the run before anything is committed.
func (r *run) classify(ctx context.Context) error {
	if len(r.fetched) == 0 {
		return nil
	}
	items := make([]llm.ArticleInput, len(r.fetched))
	for i, fa := range r.fetched {
		items[i] = llm.ArticleInput{ID: strconv.Itoa(i), URL: fa.candidate.CanonicalURL, Content: articleText(fa.content)}
	}

	res, err := r.p.resolver.Resolve(ctx, items)
	if res != nil {
		r.report.Counters.ClassifierRetries += res.Retries
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &OrchestrationFailure{Stage: types.StateClassifyingArticles, Err: err}
	}

	r.resolutions = make(map[string]llm.Resolution, len(res.Resolutions))
	for _, rs := range res.Resolutions {
		r.resolutions[rs.ID] = rs
	}
	r.p.state.AddLog(fmt.Sprintf("Classified %d articles", len(items)))
	return nil
}

// resolveSources records each classified article and routes its source links
// through the report deduplicator.
func (r *run) resolveSources(_ context.Context) error {
	for i, fa := range r.fetched {
		res, ok := r.resolutions[strconv.Itoa(i)]
		if !ok {
			res = llm.Resolution{Classification: types.ClassificationError, Note: "no classification returned"}
		}

		c := fa.candidate
		article := &types.ProcessedArticle{
			ArticleURL:           c.CanonicalURL,
			SourceNotificationID: c.NotificationID,
			ProcessedAt:          r.now,
			DiscoveredSourceURLs: res.Links,
			Classification:       res.Classification,
			Notes:                res.Note,
			Title:                fa.content.Title,
		}
		if err := r.tracker.Record(article); err != nil {
			return err
		}

		ids := c.NotificationIDs()
		part := r.reports.FilterNovel(res.Links)
		r.report.Counters.KnownSources += len(part.Known)
		for _, link := range part.Known {
			for _, id := range ids {
				r.reports.Attach(link, types.LineageEdge{ArticleURL: c.CanonicalURL, NotificationID: id})
			}
		}
		for _, link := range part.Novel {
			for _, id := range ids {
				if r.reports.Attach(link, types.LineageEdge{ArticleURL: c.CanonicalURL, NotificationID: id}) {
					r.report.Counters.NovelSources++
				}
			}
		}
	}
	r.p.state.AddLog(fmt.Sprintf("Resolved %d novel and %d known sources",
		r.report.Counters.NovelSources, r.report.Counters.KnownSources))
	return nil
}

// fetchSources fetches every novel source once, reusing article content
// fetched earlier in the run.
func (r *run) fetchSources(ctx context.Context) error {
	queued := r.reports.Queued()
	var urls []string
	for _, q := range queued {
		if _, ok := r.contents[q.URL]; !ok {
			urls = append(urls, q.URL)
		}
	}

	failed := make(map[string]sourceFailure)
	if len(urls) > 0 {
		results := fetcher.FetchAll(ctx, r.p.fetcher, urls, r.poolConfig())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, res := range results {
			r.report.Counters.SourceFetches += res.Attempts
			if res.Err != nil {
				r.report.Counters.SourceErrors++
				r.logger.Warn().Err(res.Err).Str("url", res.URL).Msg("source fetch failed")
				failed[res.URL] = sourceFailure{
					reason:    "fetch failed: " + res.Err.Error(),
					permanent: !fetcher.IsRetryable(res.Err),
				}
				continue
			}
			r.contents[res.URL] = res.Content
		}
	}

	for _, q := range queued {
		if f, bad := failed[q.URL]; bad {
			r.markFailed(q, f)
			continue
		}
		r.toSummarize = append(r.toSummarize, q)
	}
	r.p.state.AddLog(fmt.Sprintf("Fetched %d/%d sources", len(r.toSummarize), len(queued)))
	return nil
}

// summarize turns fetched sources into reports. When the engine is
// unreachable the work of the earlier stages is committed and the sources
// are left pending for the next run.
func (r *run) summarize(ctx context.Context) error {
	if len(r.toSummarize) == 0 {
		return nil
	}
	items := make([]llm.SourceInput, len(r.toSummarize))
	for i, q := range r.toSummarize {
		items[i] = llm.SourceInput{URL: q.URL, Content: articleText(r.contents[q.URL])}
	}

	res, err := r.p.summarizer.Summarize(ctx, items)
	if res != nil {
		r.report.Counters.SummarizerRetries += res.Retries
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.abortWithPending(ctx, err)
	}

	byURL := make(map[string]llm.Summary, len(res.Summaries))
	for _, s := range res.Summaries {
		byURL[s.URL] = s
	}
	for _, q := range r.toSummarize {
		if reason, bad := res.Failed[q.URL]; bad {
			r.markFailed(q, sourceFailure{reason: reason})
			continue
		}
		s, ok := byURL[q.URL]
		if !ok {
			r.markFailed(q, sourceFailure{reason: "no summary returned"})
			continue
		}
		r.newSources = append(r.newSources, &types.CanonicalSource{
			SourceURL:                     q.URL,
			Title:                         s.Title,
			Summary:                       s.Summary,
			AttackMechanism:               s.AttackMechanism,
			AffectedSystems:               s.AffectedSystems,
			NoveltyFactor:                 s.NoveltyFactor,
			Severity:                      s.Severity,
			DiscoveryDate:                 s.DiscoveryDate,
			AddedAt:                       r.now,
			Lineage:                       q.Lineage,
			DomainSpecific:                s.DomainSpecific,
			DomainClassificationReasoning: s.DomainClassificationReasoning,
		})
	}
	r.p.state.AddLog(fmt.Sprintf("Summarized %d new reports", len(r.newSources)))
	return nil
}

func (r *run) abortWithPending(ctx context.Context, cause error) error {
	pending := make([]*types.PendingSource, len(r.toSummarize))
	for i, q := range r.toSummarize {
		ps := &types.PendingSource{SourceURL: q.URL, Lineage: q.Lineage, QueuedAt: r.now, Reason: cause.Error()}
		if prev, ok := r.pendingPrev[q.URL]; ok {
			ps.QueuedAt = prev.QueuedAt
			ps.Attempts = prev.Attempts
		}
		pending[i] = ps
	}
	r.newSources = nil

	r.p.state.SetState(types.StateCommitting)
	committed, err := r.write(ctx, r.changeset(pending))
	if err != nil {
		return &OrchestrationFailure{Stage: types.StateSummarizing, Err: errors.Join(cause, err)}
	}
	r.p.state.AddLog(fmt.Sprintf("Summarizer unavailable, committed %d records and left %d sources pending", committed, len(pending)))
	return &OrchestrationFailure{Stage: types.StateSummarizing, Committed: committed, Err: cause}
}

// commit writes the whole run in one atomic store commit.
func (r *run) commit(ctx context.Context) error {
	cs := r.changeset(nil)
	if cs.Empty() {
		r.ack(ctx, nil)
		return nil
	}
	committed, err := r.write(ctx, cs)
	if err != nil {
		return &OrchestrationFailure{Stage: types.StateCommitting, Err: err}
	}
	r.p.state.AddLog(fmt.Sprintf("Committed %d records", committed))
	return nil
}

// changeset collects everything the run staged. Notifications that still
// have deferred candidates are not marked seen.
func (r *run) changeset(pending []*types.PendingSource) *storage.Changeset {
	cs := &storage.Changeset{
		RunID:          r.report.RunID,
		Notifications:  make(map[string]time.Time),
		PendingUpserts: append(append([]*types.PendingSource(nil), pending...), r.retained...),
	}
	if r.tracker != nil {
		cs.Articles = r.tracker.Staged()
	}
	cs.Sources = r.newSources
	if r.reports != nil {
		if appends := r.reports.LineageAppends(); len(appends) > 0 {
			cs.Lineage = appends
		}
	}
	for _, n := range r.fresh {
		if _, held := r.held[n.ID]; !held {
			cs.Notifications[n.ID] = r.now
		}
	}

	keep := make(map[string]struct{}, len(cs.PendingUpserts))
	for _, ps := range cs.PendingUpserts {
		keep[ps.SourceURL] = struct{}{}
	}
	for _, u := range r.pendingTail {
		if _, ok := keep[u]; !ok {
			cs.PendingRemovals = append(cs.PendingRemovals, u)
		}
	}
	return cs
}

func (r *run) write(ctx context.Context, cs *storage.Changeset) (int, error) {
	if err := r.p.store.Commit(ctx, cs); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	committed := cs.Records()
	r.report.Committed = committed
	r.report.Counters.NewArticles = len(cs.Articles)
	r.report.Counters.NewReports = len(cs.Sources)
	r.report.Counters.PendingSources = 0
	for _, ps := range cs.PendingUpserts {
		if !ps.Failed {
			r.report.Counters.PendingSources++
		}
	}
	r.report.Counters.LineageAppends = 0
	for _, edges := range cs.Lineage {
		r.report.Counters.LineageAppends += len(edges)
	}

	if err := r.snap.Apply(cs); err != nil {
		r.logger.Warn().Err(err).Msg("could not refresh counts after commit")
	} else {
		r.p.state.SetCounts(r.snap.Counts())
	}

	ids := make([]string, 0, len(cs.Notifications))
	for id := range cs.Notifications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.ack(ctx, ids)
	return committed, nil
}

// ack acknowledges committed and redelivered notifications. A failed ack
// only means redelivery, which the seen ledger absorbs.
func (r *run) ack(ctx context.Context, ids []string) {
	ids = append(ids, r.redelivered...)
	if len(ids) == 0 {
		return
	}
	if err := r.p.source.Ack(context.WithoutCancel(ctx), ids); err != nil {
		r.logger.Warn().Err(err).Int("ids", len(ids)).Msg("failed to acknowledge notifications")
	}
}

type sourceFailure struct {
	reason    string
	permanent bool
}

// markFailed notes on each article of this run that one of its sources
// could not be turned into a report. A source carried over from an earlier
// run stays pending with its attempt count bumped, since its articles are
// already committed; permanent failures and exhausted attempts mark it failed.
func (r *run) markFailed(q deduplication.QueuedSource, f sourceFailure) {
	for _, e := range q.Lineage {
		a, ok := r.tracker.GetStaged(e.ArticleURL)
		if !ok || slices.ContainsFunc(a.FailedSources, func(sf types.SourceFailure) bool { return sf.URL == q.URL }) {
			continue
		}
		a.FailedSources = append(a.FailedSources, types.SourceFailure{URL: q.URL, Reason: f.reason})
	}

	prev, ok := r.pendingPrev[q.URL]
	if !ok {
		return
	}
	kept := &types.PendingSource{
		SourceURL: q.URL,
		Lineage:   q.Lineage,
		QueuedAt:  prev.QueuedAt,
		Reason:    f.reason,
		Attempts:  prev.Attempts + 1,
	}
	kept.Failed = f.permanent || kept.Attempts >= r.p.cfg.maxSourceAttempts()
	r.retained = append(r.retained, kept)
	r.logger.Warn().Str("source", q.URL).Int("attempts", kept.Attempts).Bool("failed", kept.Failed).
		Str("reason", f.reason).Msg("pending source failed again")
}

func articleText(c *fetcher.Content) string {
	if c == nil {
		return ""
	}
	if c.Title != "" {
		return c.Title + "\n\n" + c.Text
	}
	return c.Text
}
