package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades a report.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes s and checks it against the known levels.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// LineageEdge links a report back to an article and the notification that
// surfaced it.
type LineageEdge struct {
	ArticleURL     string `json:"article_url"`
	NotificationID string `json:"notification_id"`
}

// CanonicalSource is a unique original security report. Summary fields are
// written once; only Lineage grows afterwards.
type CanonicalSource struct {
	SourceURL                     string        `json:"source_url"`
	Title                         string        `json:"title"`
	Summary                       string        `json:"summary"`
	AttackMechanism               string        `json:"attack_mechanism"`
	AffectedSystems               []string      `json:"affected_systems"`
	NoveltyFactor                 string        `json:"novelty_factor"`
	Severity                      Severity      `json:"severity"`
	DiscoveryDate                 string        `json:"discovery_date"`
	AddedAt                       time.Time     `json:"added_at"`
	Lineage                       []LineageEdge `json:"lineage"`
	DomainSpecific                bool          `json:"domain_specific"`
	DomainClassificationReasoning string        `json:"domain_classification_reasoning"`
	UserNotes                     string        `json:"user_notes,omitempty"`
	Tags                          []string      `json:"tags,omitempty"`
}

// HasEdge reports whether the lineage already contains e.
func (s *CanonicalSource) HasEdge(e LineageEdge) bool {
	for _, existing := range s.Lineage {
		if existing == e {
			return true
		}
	}
	return false
}

// PendingSource is a novel source whose run was aborted after its articles
// were committed. The next run fetches and summarizes it. A source that
// keeps failing is marked Failed and stays as the record of why.
type PendingSource struct {
	SourceURL string        `json:"source_url"`
	Lineage   []LineageEdge `json:"lineage"`
	QueuedAt  time.Time     `json:"queued_at"`
	Reason    string        `json:"reason,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Failed    bool          `json:"failed,omitempty"`
}
