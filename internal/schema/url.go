package schema

import (
	"fmt"
	"net/url"
	"strings"
)

// annotationSeparator joins a page location and an annotation's local
// fragment id into one composite URL. Normalized page locations never
// contain '#', so the split is unambiguous.
const annotationSeparator = "/#"

// NormalizeURL reduces a raw URL to the canonical location used as the
// natural key for content metadata lookups. The same logical page must
// normalize identically no matter which device recorded it:
//
//	https://www.Example.com/Path/?b=2&a=1  ->  example.com/Path?a=1&b=2
//
// Scheme and the "www." prefix are dropped, host is lowercased, default
// ports and trailing slashes are removed, query parameters are sorted,
// and the fragment is discarded.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		// Not parseable; fall back to the raw string minus scheme noise
		// so lookups are at least self-consistent.
		return strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")

	query := ""
	if u.RawQuery != "" {
		q := u.Query()
		// url.Values.Encode sorts keys, giving a stable parameter order.
		if enc := q.Encode(); enc != "" {
			query = "?" + enc
		}
	}

	return host + path + query
}

// DomainOf returns the host part of a normalized location.
func DomainOf(normalized string) string {
	host := normalized
	if i := strings.IndexAny(host, "/?"); i >= 0 {
		host = host[:i]
	}
	return host
}

// JoinAnnotationURL builds the composite URL identifying one annotation:
// the normalized page location plus the annotation's local id.
func JoinAnnotationURL(pageURL, localID string) string {
	return pageURL + annotationSeparator + localID
}

// SplitAnnotationURL is the inverse of JoinAnnotationURL. The round trip
// is byte-for-byte: JoinAnnotationURL(SplitAnnotationURL(u)) == u for any
// composite URL. Returns an error for URLs with no annotation fragment.
func SplitAnnotationURL(composite string) (pageURL, localID string, err error) {
	i := strings.Index(composite, annotationSeparator)
	if i < 0 {
		return "", "", fmt.Errorf("no annotation fragment in %q", composite)
	}
	return composite[:i], composite[i+len(annotationSeparator):], nil
}

// IsAnnotationURL reports whether a URL carries an annotation fragment.
// Tag targets use this to decide between an annotation and a page.
func IsAnnotationURL(u string) bool {
	return strings.Contains(u, annotationSeparator)
}
