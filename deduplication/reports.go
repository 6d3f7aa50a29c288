package deduplication

import "sourcewatch/types"

// Partition splits candidate source URLs by whether a report already exists.
type Partition struct {
	Novel []string
	Known []string
}

// QueuedSource is a novel source waiting to be fetched and summarized, with
// every lineage edge discovered for it in this run.
type QueuedSource struct {
	URL     string
	Lineage []types.LineageEdge
}

// ReportDeduplicator decides novelty against persisted reports and keeps an
// in-run working set so each novel source is queued exactly once.
type ReportDeduplicator struct {
	persisted map[string]*types.CanonicalSource

	queued map[string]*QueuedSource
	order  []string

	appends     map[string][]types.LineageEdge
	appendOrder []string
}

// NewReportDeduplicator wraps the persisted report index. The map is only read.
func NewReportDeduplicator(persisted map[string]*types.CanonicalSource) *ReportDeduplicator {
	if persisted == nil {
		persisted = map[string]*types.CanonicalSource{}
	}
	return &ReportDeduplicator{
		persisted: persisted,
		queued:    make(map[string]*QueuedSource),
		appends:   make(map[string][]types.LineageEdge),
	}
}

// IsKnown reports whether a report with this source URL was committed before.
func (d *ReportDeduplicator) IsKnown(sourceURL string) bool {
	_, ok := d.persisted[sourceURL]
	return ok
}

// IsQueued reports whether sourceURL is in this run's working set.
func (d *ReportDeduplicator) IsQueued(sourceURL string) bool {
	_, ok := d.queued[sourceURL]
	return ok
}

// FilterNovel partitions urls against the persisted index. Duplicates in the
// input are collapsed; order is preserved.
func (d *ReportDeduplicator) FilterNovel(urls []string) Partition {
	var p Partition
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if d.IsKnown(u) {
			p.Known = append(p.Known, u)
		} else {
			p.Novel = append(p.Novel, u)
		}
	}
	return p
}

// Attach records that edge references sourceURL. Known sources get a lineage
// append; novel ones join the working set. It returns true when sourceURL
// entered the working set with this call.
func (d *ReportDeduplicator) Attach(sourceURL string, edge types.LineageEdge) bool {
	if src, ok := d.persisted[sourceURL]; ok {
		if src.HasEdge(edge) || containsEdge(d.appends[sourceURL], edge) {
			return false
		}
		if _, ok := d.appends[sourceURL]; !ok {
			d.appendOrder = append(d.appendOrder, sourceURL)
		}
		d.appends[sourceURL] = append(d.appends[sourceURL], edge)
		return false
	}

	q, ok := d.queued[sourceURL]
	if !ok {
		q = &QueuedSource{URL: sourceURL}
		d.queued[sourceURL] = q
		d.order = append(d.order, sourceURL)
	}
	if !containsEdge(q.Lineage, edge) {
		q.Lineage = append(q.Lineage, edge)
	}
	return !ok
}

// Requeue puts a pending source from an aborted run back into the working
// set, keeping its recorded lineage.
func (d *ReportDeduplicator) Requeue(p *types.PendingSource) {
	for _, edge := range p.Lineage {
		d.Attach(p.SourceURL, edge)
	}
	if len(p.Lineage) == 0 && !d.IsKnown(p.SourceURL) {
		if _, ok := d.queued[p.SourceURL]; !ok {
			d.queued[p.SourceURL] = &QueuedSource{URL: p.SourceURL}
			d.order = append(d.order, p.SourceURL)
		}
	}
}

// Queued returns the working set in discovery order.
func (d *ReportDeduplicator) Queued() []QueuedSource {
	out := make([]QueuedSource, 0, len(d.order))
	for _, u := range d.order {
		q := d.queued[u]
		out = append(out, QueuedSource{URL: q.URL, Lineage: append([]types.LineageEdge(nil), q.Lineage...)})
	}
	return out
}

// LineageAppends returns the edges to add to already-committed reports.
func (d *ReportDeduplicator) LineageAppends() map[string][]types.LineageEdge {
	out := make(map[string][]types.LineageEdge, len(d.appends))
	for _, u := range d.appendOrder {
		out[u] = append([]types.LineageEdge(nil), d.appends[u]...)
	}
	return out
}

func containsEdge(edges []types.LineageEdge, e types.LineageEdge) bool {
	for _, existing := range edges {
		if existing == e {
			return true
		}
	}
	return false
}
