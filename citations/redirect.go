// Package citations resolves, normalizes, and deduplicates the sources a
// grounded generation surfaces, splitting them into anchored citations and
// unlinked sources.
package citations

import (
	"net/url"
	"strings"
)

// maxDecodeRounds bounds the percent/plus decoding applied to redirector
// targets. Real payloads are single- or double-encoded; anything deeper is
// treated as opaque.
const maxDecodeRounds = 3

// redirectHost is the Vertex grounding redirector.
const (
	redirectHost       = "vertexaisearch.cloud.google.com"
	redirectPathPrefix = "/grounding-api-redirect/"
)

// redirectParams are the query parameters a redirector may carry the real
// target in, checked in order.
var redirectParams = []string{"url", "u", "target", "q"}

// IsRedirect reports whether raw points at the known grounding redirector.
func IsRedirect(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), redirectHost) &&
		strings.HasPrefix(u.Path, redirectPathPrefix)
}

// ResolveRedirect decodes a redirector URL to its real target. The target
// is looked up in the known query parameters first and the last path
// segment second, with up to three rounds of percent/plus decoding. When no
// decoded candidate is a valid absolute URL the original is kept. The
// second return is the raw URI for provenance when resolution happened.
func ResolveRedirect(raw string) (resolved string, rawURI string) {
	if !IsRedirect(raw) {
		return raw, ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	q := u.Query()
	for _, param := range redirectParams {
		if v := q.Get(param); v != "" {
			if target, ok := decodeTarget(v); ok {
				return target, raw
			}
		}
	}

	// Split the escaped path so a percent-encoded target URL stays one
	// segment.
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if last := segments[len(segments)-1]; last != "" {
		if target, ok := decodeTarget(last); ok {
			return target, raw
		}
	}
	return raw, ""
}

// decodeTarget applies bounded percent/plus decoding and accepts the first
// round that yields an absolute http(s) URL.
func decodeTarget(candidate string) (string, bool) {
	for round := 0; round <= maxDecodeRounds; round++ {
		if isAbsoluteURL(candidate) {
			return candidate, true
		}
		if round == maxDecodeRounds {
			break
		}
		decoded, err := url.QueryUnescape(candidate)
		if err != nil || decoded == candidate {
			break
		}
		candidate = decoded
	}
	return "", false
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Normalize canonicalizes a source URL: host lowercased, fragment dropped,
// utm_* query parameters removed, path and remaining query preserved. The
// second return is the registrable domain; ok is false for unparseable or
// non-absolute input.
func Normalize(raw string) (normalized string, domain string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = stripTrackingParams(u.RawQuery)
	return u.String(), RegistrableDomain(u.Hostname()), true
}

// stripTrackingParams removes utm_* parameters while preserving the order
// of everything else.
func stripTrackingParams(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		key := pair
		if i := strings.Index(pair, "="); i >= 0 {
			key = pair[:i]
		}
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// secondLevelSuffixes are public suffixes spanning two labels, where the
// registrable domain keeps three labels.
var secondLevelSuffixes = map[string]bool{
	"co.uk": true, "ac.uk": true, "gov.uk": true, "org.uk": true,
	"co.jp": true, "ac.jp": true, "ne.jp": true, "or.jp": true,
	"com.au": true, "net.au": true, "org.au": true, "edu.au": true,
	"co.nz": true, "co.in": true, "ac.in": true, "gov.in": true,
	"com.br": true, "com.sg": true, "com.hk": true, "co.kr": true,
	"com.cn": true, "com.mx": true, "co.za": true,
}

// RegistrableDomain computes the registrable domain with a small suffix
// heuristic: strip a leading www., keep two labels, or three when the last
// two form a known second-level public suffix.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	host = strings.TrimPrefix(host, "www.")
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	suffix := strings.Join(labels[len(labels)-2:], ".")
	if secondLevelSuffixes[suffix] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
