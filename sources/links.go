package sources

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sourcewatch/types"
)

var plainURL = regexp.MustCompile(`https?://[^\s<>"'\x60]+`)

// ExtractLinks returns every raw link a notification carries: transport
// hints first, then anchors in an HTML body, then bare URLs in text. Links
// are not canonicalized; duplicates are dropped and order is kept.
func ExtractLinks(n types.RawNotification) []string {
	var links []string
	seen := make(map[string]struct{})
	add := func(l string) {
		l = strings.TrimSpace(l)
		if l == "" {
			return
		}
		if _, dup := seen[l]; dup {
			return
		}
		seen[l] = struct{}{}
		links = append(links, l)
	}

	for _, l := range n.Links {
		add(l)
	}

	body := n.RawBody
	if looksLikeHTML(body) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err == nil {
			doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
				href, _ := s.Attr("href")
				if isWebLink(href) {
					add(href)
				}
			})
			doc.Find("script, style").Remove()
			body = doc.Text()
		}
	}

	for _, m := range plainURL.FindAllString(body, -1) {
		add(strings.TrimRight(m, ".,;:!?)]}"))
	}
	return links
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<a ") || strings.Contains(lower, "<html") ||
		strings.Contains(lower, "<p>") || strings.Contains(lower, "<div")
}

func isWebLink(href string) bool {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
