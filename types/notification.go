package types

import "time"

// RawNotification is one inbound alert as delivered by a message source.
// The pipeline never mutates it.
type RawNotification struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	RawBody    string    `json:"raw_body"`
	// Subject and Links are optional hints from the transport (feed item
	// title, feed item link). Links found in RawBody are always extracted too.
	Subject string   `json:"subject,omitempty"`
	Links   []string `json:"links,omitempty"`
}

// CandidateArticle is a link pulled out of a notification. It only lives for
// the duration of a run.
type CandidateArticle struct {
	NotificationID string `json:"notification_id"`
	RawLink        string `json:"raw_link"`
	CanonicalURL   string `json:"canonical_url"`
	// AlsoNotifiedBy lists later notifications in the same run that linked
	// the same article.
	AlsoNotifiedBy []string `json:"also_notified_by,omitempty"`
}

// NotificationIDs returns every notification that led to the article.
func (c CandidateArticle) NotificationIDs() []string {
	return append([]string{c.NotificationID}, c.AlsoNotifiedBy...)
}
