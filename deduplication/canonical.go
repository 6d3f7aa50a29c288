package deduplication

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidURL marks a link that cannot be canonicalized. Candidates that
// fail with it are dropped, never retried.
var ErrInvalidURL = errors.New("invalid url")

// maxUnwrapDepth bounds how many redirect wrappers are peeled off one link.
const maxUnwrapDepth = 5

var (
	defaultTrackingPrefixes = []string{"utm_"}

	defaultTrackingParams = []string{
		"fbclid", "gclid", "dclid", "msclkid", "mc_cid", "mc_eid", "igshid",
		"yclid", "_ga", "_hsenc", "_hsmi", "mkt_tok", "ref_src",
		"oly_anon_id", "oly_enc_id", "vero_id", "wt_mc",
	}

	// Query parameters that redirectors and alert services use to carry the
	// real destination, e.g. https://www.google.com/url?...&url=<dest>.
	defaultWrapperParams = []string{
		"url", "u", "q", "dest", "destination", "target",
		"redirect", "redirect_url", "link",
	}
)

// CanonicalizerOptions extends the built-in lists. Entries are matched
// case-insensitively.
type CanonicalizerOptions struct {
	TrackingPrefixes []string
	TrackingParams   []string
	WrapperParams    []string
}

// Canonicalizer maps every spelling of a URL to one normal form.
type Canonicalizer struct {
	trackingPrefixes []string
	trackingParams   map[string]struct{}
	wrapperParams    []string
}

// NewCanonicalizer builds a canonicalizer from the defaults plus opts.
func NewCanonicalizer(opts CanonicalizerOptions) *Canonicalizer {
	c := &Canonicalizer{trackingParams: make(map[string]struct{})}
	for _, p := range append(append([]string{}, defaultTrackingPrefixes...), opts.TrackingPrefixes...) {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.trackingPrefixes = append(c.trackingPrefixes, p)
		}
	}
	for _, p := range append(append([]string{}, defaultTrackingParams...), opts.TrackingParams...) {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.trackingParams[p] = struct{}{}
		}
	}
	seen := make(map[string]bool)
	for _, p := range append(append([]string{}, defaultWrapperParams...), opts.WrapperParams...) {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && !seen[p] {
			seen[p] = true
			c.wrapperParams = append(c.wrapperParams, p)
		}
	}
	return c
}

var defaultCanonicalizer = NewCanonicalizer(CanonicalizerOptions{})

// Canonicalize normalizes raw with the default parameter lists.
func Canonicalize(raw string) (string, error) {
	return defaultCanonicalizer.Canonicalize(raw)
}

// Canonicalize unwraps redirect wrappers, lowercases scheme and host, strips
// tracking parameters, drops the fragment and trailing slashes.
// Canonicalize(Canonicalize(x)) == Canonicalize(x).
func (c *Canonicalizer) Canonicalize(raw string) (string, error) {
	return c.canonicalize(raw, 0)
}

func (c *Canonicalizer) canonicalize(raw string, depth int) (string, error) {
	u, err := parseAbsolute(raw)
	if err != nil {
		return "", err
	}

	if dest, ok := c.unwrap(u); ok {
		if depth >= maxUnwrapDepth {
			return "", fmt.Errorf("%w: more than %d nested redirect wrappers in %q", ErrInvalidURL, maxUnwrapDepth, raw)
		}
		return c.canonicalize(dest, depth+1)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = normalizeHost(u.Scheme, u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false

	u.RawQuery = c.normalizeQuery(u.RawQuery)

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")

	return u.String(), nil
}

type queryPair struct {
	key     string
	encoded string
}

// normalizeQuery drops tracking parameters and sorts the rest by key.
// Pairs that do not decode are kept verbatim so they still tell URLs apart.
func (c *Canonicalizer) normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	var pairs []queryPair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(part, "=")
		key, kerr := url.QueryUnescape(rawKey)
		value, verr := url.QueryUnescape(rawValue)
		if kerr != nil || verr != nil {
			if !c.isTracking(rawKey) {
				pairs = append(pairs, queryPair{key: rawKey, encoded: part})
			}
			continue
		}
		if c.isTracking(key) {
			continue
		}
		pairs = append(pairs, queryPair{key: key, encoded: url.QueryEscape(key) + "=" + url.QueryEscape(value)})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.encoded
	}
	return strings.Join(out, "&")
}

func parseAbsolute(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidURL, u.Scheme, raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// unwrap returns the embedded destination when u is a redirect wrapper.
// Wrapper parameters are tried in configured order so the result is
// deterministic when several are present.
func (c *Canonicalizer) unwrap(u *url.URL) (string, bool) {
	if u.RawQuery == "" {
		return "", false
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, p := range c.wrapperParams {
		for _, k := range keys {
			if strings.ToLower(k) != p {
				continue
			}
			for _, v := range q[k] {
				if dest, ok := embeddedURL(v); ok {
					return dest, true
				}
			}
		}
	}
	return "", false
}

func (c *Canonicalizer) isTracking(key string) bool {
	key = strings.ToLower(key)
	if _, ok := c.trackingParams[key]; ok {
		return true
	}
	for _, p := range c.trackingPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// embeddedURL accepts a query value that is itself an absolute http(s) URL,
// possibly percent-encoded once more.
func embeddedURL(v string) (string, bool) {
	v = strings.TrimSpace(v)
	for i := 0; i < 2; i++ {
		lower := strings.ToLower(v)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			if _, err := parseAbsolute(v); err == nil {
				return v, true
			}
			return "", false
		}
		if !strings.HasPrefix(lower, "http%3a") && !strings.HasPrefix(lower, "https%3a") {
			return "", false
		}
		decoded, err := url.QueryUnescape(v)
		if err != nil {
			return "", false
		}
		v = decoded
	}
	return "", false
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
