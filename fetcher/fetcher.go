package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"sourcewatch/retry"
)

const (
	DefaultTimeout = 20 * time.Second
	maxBodyBytes   = 5 << 20
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindHTTP    ErrorKind = "http"
	KindNetwork ErrorKind = "network"
)

// FetchError is the only error type Fetch returns.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("fetch %s: timeout", e.URL)
	default:
		return fmt.Sprintf("fetch %s: network error: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed: timeouts, network
// errors, 5xx and 429.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork:
		return true
	case KindHTTP:
		return retry.HTTPStatusRetryable(e.StatusCode)
	}
	return false
}

// IsRetryable is a retry.Classifier for fetch errors. Anything that is not a
// FetchError is treated as permanent.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// Content is a fetched and extracted page.
type Content struct {
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url"`
	Title       string    `json:"title"`
	Byline      string    `json:"byline,omitempty"`
	Excerpt     string    `json:"excerpt,omitempty"`
	Text        string    `json:"text"`
	HTML        string    `json:"-"`
	Links       []string  `json:"links"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Fetcher retrieves one URL. Implementations do not retry.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (*Content, error)
}

// HTTPFetcher fetches pages over HTTP and extracts the main content with
// readability.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher. A nil client uses a dedicated default.
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*Content, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: KindHTTP, StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}

	finalURL := resp.Request.URL
	content := &Content{
		URL:         rawURL,
		FinalURL:    finalURL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now(),
	}
	extract(content, body, finalURL)
	return content, nil
}

func classifyTransportError(rawURL string, err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
}

// extract fills the text fields. HTML goes through readability; links come
// from the main content when readability finds it, else the whole page.
func extract(c *Content, body []byte, pageURL *url.URL) {
	if !isHTML(c.ContentType, body) {
		c.Text = strings.TrimSpace(string(body))
		return
	}

	c.HTML = string(body)
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		c.Title = article.Title
		c.Byline = article.Byline
		c.Excerpt = article.Excerpt
		c.Text = strings.TrimSpace(article.TextContent)
		c.Links = ExtractLinks(article.Content, pageURL)
	}

	if c.Text == "" || len(c.Links) == 0 {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return
		}
		if c.Title == "" {
			c.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		if c.Text == "" {
			doc.Find("script, style, noscript").Remove()
			c.Text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
		}
		if len(c.Links) == 0 {
			c.Links = linksFromDocument(doc, pageURL)
		}
	}
}

func isHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" && !strings.HasPrefix(ct, "application/octet-stream") {
		return false
	}
	return bytes.Contains(bytes.ToLower(body[:min(len(body), 512)]), []byte("<html"))
}

// ExtractLinks returns the absolute http(s) anchors in an HTML fragment, in
// document order and without duplicates.
func ExtractLinks(html string, base *url.URL) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	return linksFromDocument(doc, base)
}

func linksFromDocument(doc *goquery.Document, base *url.URL) []string {
	var links []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := ref
		if base != nil {
			abs = base.ResolveReference(ref)
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}
