package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Classification is the link resolver's verdict for an article.
type Classification string

const (
	ClassificationHasSources     Classification = "has-sources"
	ClassificationNoSources      Classification = "no-sources"
	ClassificationOriginalReport Classification = "is-original-report"
	ClassificationError          Classification = "error"
)

// Valid reports whether c is one of the known classifications.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationHasSources, ClassificationNoSources, ClassificationOriginalReport, ClassificationError:
		return true
	}
	return false
}

// ProcessedArticle records that an article URL has been analyzed. It is
// written exactly once per canonical URL.
type ProcessedArticle struct {
	ArticleURL           string          `json:"article_url"`
	SourceNotificationID string          `json:"source_notification_id"`
	ProcessedAt          time.Time       `json:"processed_at"`
	DiscoveredSourceURLs []string        `json:"discovered_source_urls"`
	Classification       Classification  `json:"classification"`
	Notes                string          `json:"notes,omitempty"`
	Title                string          `json:"title,omitempty"`
	FailedSources        []SourceFailure `json:"failed_sources,omitempty"`
}

// SourceFailure marks a discovered source that could not be fetched or
// summarized in the run that discovered it.
type SourceFailure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// GenerateID creates a short, stable ID from a URL
func GenerateID(url string) string {
	hash := sha256.Sum256([]byte(url))
	return hex.EncodeToString(hash[:])[:16]
}
