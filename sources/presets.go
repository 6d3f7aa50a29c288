package sources

// FeedPresets maps friendly names to alert feeds that regularly link to
// AI and ML security write-ups.
var FeedPresets = map[string]string{
	"hn-prompt-injection": "https://hnrss.org/newest?q=%22prompt+injection%22",
	"hn-llm-security":     "https://hnrss.org/newest?q=LLM+vulnerability",
	"tr":                  "https://www.technologyreview.com/feed/",
	"simonw":              "https://simonwillison.net/atom/everything/",
	"embracethered":       "https://embracethered.com/blog/index.xml",
}

// ResolveFeedURL resolves a feed identifier to a URL.
// If the input is a preset name, returns the corresponding URL
// Otherwise, returns the input as-is (assuming it's a direct URL)
func ResolveFeedURL(feedInput string) string {
	if url, exists := FeedPresets[feedInput]; exists {
		return url
	}
	return feedInput
}
