package sources

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"sourcewatch/deduplication"
	"sourcewatch/types"
)

// FeedSource polls RSS/Atom feeds, such as Google Alerts feed delivery.
// Each feed item is one notification.
type FeedSource struct {
	urls     []string
	maxItems int
	parser   *gofeed.Parser
	seen     deduplication.SeenFilter
	logger   zerolog.Logger
}

// FeedConfig configures a FeedSource.
type FeedConfig struct {
	// URLs are feed URLs or FeedPresets names.
	URLs     []string
	MaxItems int
	// Seen remembers acknowledged item IDs so old items are not handed over
	// again. Defaults to an in-memory filter.
	Seen   deduplication.SeenFilter
	Client *http.Client
	Logger zerolog.Logger
}

// NewFeedSource creates a feed source.
func NewFeedSource(cfg FeedConfig) *FeedSource {
	parser := gofeed.NewParser()
	if cfg.Client != nil {
		parser.Client = cfg.Client
	}
	seen := cfg.Seen
	if seen == nil {
		seen = deduplication.NewMemoryFilter()
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 50
	}
	urls := make([]string, len(cfg.URLs))
	for i, u := range cfg.URLs {
		urls[i] = ResolveFeedURL(u)
	}
	return &FeedSource{
		urls:     urls,
		maxItems: cfg.MaxItems,
		parser:   parser,
		seen:     seen,
		logger:   cfg.Logger.With().Str("component", "feed-source").Logger(),
	}
}

// Pending fetches all feeds. A feed that fails is logged and skipped; the
// call fails only when every feed fails.
func (f *FeedSource) Pending(ctx context.Context) ([]types.RawNotification, error) {
	var out []types.RawNotification
	var failures int
	var lastErr error
	ids := make(map[string]struct{})

	for _, feedURL := range f.urls {
		feed, err := f.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			failures++
			lastErr = err
			f.logger.Warn().Err(err).Str("feed", feedURL).Msg("failed to fetch feed")
			continue
		}

		count := min(len(feed.Items), f.maxItems)
		for _, item := range feed.Items[:count] {
			n := notificationFromItem(item)
			if _, dup := ids[n.ID]; dup {
				continue
			}
			seen, err := f.seen.Exists(ctx, n.ID)
			if err != nil {
				f.logger.Warn().Err(err).Str("id", n.ID).Msg("seen filter lookup failed, handing item over")
			}
			if seen {
				continue
			}
			ids[n.ID] = struct{}{}
			out = append(out, n)
		}
	}

	if len(f.urls) > 0 && failures == len(f.urls) {
		return nil, fmt.Errorf("all %d feeds failed: %w", failures, lastErr)
	}
	return out, nil
}

func notificationFromItem(item *gofeed.Item) types.RawNotification {
	// Use GUID if available, otherwise generate from URL
	id := item.GUID
	if id == "" && item.Link != "" {
		id = types.GenerateID(item.Link)
	}

	receivedAt := time.Now()
	if item.PublishedParsed != nil {
		receivedAt = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		receivedAt = *item.UpdatedParsed
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}

	n := types.RawNotification{
		ID:         id,
		ReceivedAt: receivedAt,
		RawBody:    body,
		Subject:    strings.TrimSpace(item.Title),
	}
	if item.Link != "" {
		n.Links = append(n.Links, item.Link)
	}
	for _, l := range item.Links {
		if l != item.Link {
			n.Links = append(n.Links, l)
		}
	}
	if n.ID == "" {
		n.ID = types.GenerateID(n.Subject + "\n" + body)
	}
	return n
}

// Ack remembers the IDs so later polls skip them.
func (f *FeedSource) Ack(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := f.seen.Add(ctx, id); err != nil {
			return fmt.Errorf("remember %s: %w", id, err)
		}
	}
	return nil
}

func (f *FeedSource) Close() error {
	if c, ok := f.seen.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
