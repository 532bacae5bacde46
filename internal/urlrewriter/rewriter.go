// Package urlrewriter maps origin URLs to cache filesystem paths and
// rewrites HTML/CSS bodies so nothing references the origin by absolute
// URL. The precompiled-regex, host-swap-tolerant idiom is carried over from
// the teacher's internal/utils/url_normalizer.go; the semantics follow
// original_source/backend/crawler/url_rewriter.py.
package urlrewriter

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	attrURLPattern = regexp.MustCompile(`(?i)((?:href|src|action|srcset)\s*=\s*)(["'])([^"']*)(["'])`)
	cssURLPattern  = regexp.MustCompile(`(?i)url\(([^)]+)\)`)
)

// Rewriter rewrites URLs and bodies relative to one site's origin.
type Rewriter struct {
	host string // netloc, e.g. "legacy.example.com" or "legacy.example.com:8080"
}

// New builds a Rewriter bound to the host component of targetOrigin.
func New(targetOrigin string) *Rewriter {
	parsed, err := url.Parse(targetOrigin)
	host := ""
	if err == nil {
		host = parsed.Host
	}
	return &Rewriter{host: host}
}

// IsSameOrigin reports whether u's host matches the bound origin host,
// regardless of scheme. A relative URL (empty host) is same-origin.
func (r *Rewriter) IsSameOrigin(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Host == "" {
		return true
	}
	return parsed.Host == r.host
}

// URLToCachePath converts an origin URL into the deterministic on-disk
// cache path described by spec §4.1. A URL that fails to parse is
// normalized as a plain path.
func URLToCachePath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return normalizeCachePath(rawURL)
	}
	path := normalizeCachePath(parsed.Path)
	if parsed.RawQuery == "" {
		return path
	}

	safeQuery := url.QueryEscape(parsed.RawQuery)
	if idx := strings.LastIndex(path, "."); idx > strings.LastIndex(path, "/") {
		return path[:idx] + "_" + safeQuery + path[idx:]
	}
	return path + "_" + safeQuery
}

// URLToCachePathNoQuery is the query-less fallback variant of the same URL,
// always written alongside the query-suffixed file so naive lookups still
// find something.
func URLToCachePathNoQuery(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return normalizeCachePath(rawURL)
	}
	return normalizeCachePath(parsed.Path)
}

func normalizeCachePath(urlPath string) string {
	path := strings.Trim(urlPath, "/")
	switch {
	case path == "":
		return "index.html"
	case strings.HasSuffix(urlPath, "/"):
		return path + "/index.html"
	default:
		segments := strings.Split(path, "/")
		last := segments[len(segments)-1]
		if !strings.Contains(last, ".") {
			return path + "/index.html"
		}
		return path
	}
}

// RewriteHTML replaces every same-origin absolute reference in html with a
// relative path, tolerating http/https and JSON-escaped/scheme-relative
// forms of the origin host.
func (r *Rewriter) RewriteHTML(html string) string {
	if r.host == "" {
		return html
	}

	html = attrURLPattern.ReplaceAllStringFunc(html, func(m string) string {
		groups := attrURLPattern.FindStringSubmatch(m)
		prefix, quoteCh, value := groups[1], groups[2], groups[3]
		if !r.isAnySchemeSameOrigin(value) {
			return m
		}
		return prefix + quoteCh + r.toRelative(value) + quoteCh
	})

	for _, scheme := range []string{"https", "http"} {
		bare := scheme + "://" + r.host
		re := regexp.MustCompile(regexp.QuoteMeta(bare) + `(/[^\s"'<>]*)`)
		html = re.ReplaceAllString(html, "$1")
	}

	for _, scheme := range []string{"https", "http"} {
		bare := scheme + "://" + r.host
		html = strings.ReplaceAll(html, `"`+bare+`"`, `"/"`)
		html = strings.ReplaceAll(html, `'`+bare+`'`, `'/'`)
	}

	for _, scheme := range []string{"https", "http"} {
		jsonOrigin := scheme + `:\/\/` + r.host
		html = strings.ReplaceAll(html, jsonOrigin, "")
	}
	html = strings.ReplaceAll(html, `\/\/`+r.host, "")
	html = strings.ReplaceAll(html, "//"+r.host, "")

	return html
}

// RewriteCSS replaces same-origin url(...) declarations with relative
// paths, leaving data: URIs untouched.
func (r *Rewriter) RewriteCSS(css string) string {
	if r.host == "" {
		return css
	}
	return cssURLPattern.ReplaceAllStringFunc(css, func(m string) string {
		groups := cssURLPattern.FindStringSubmatch(m)
		raw := strings.Trim(strings.TrimSpace(groups[1]), `'"`)
		if strings.HasPrefix(raw, "data:") {
			return m
		}
		if !r.isAnySchemeSameOrigin(raw) {
			return m
		}
		return "url('" + r.toRelative(raw) + "')"
	})
}

func (r *Rewriter) isAnySchemeSameOrigin(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Host == "" {
		return true
	}
	return parsed.Host == r.host
}

func (r *Rewriter) toRelative(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	relative := parsed.Path
	if relative == "" {
		relative = "/"
	}
	if parsed.RawQuery != "" {
		relative += "?" + parsed.RawQuery
	}
	if parsed.Fragment != "" {
		relative += "#" + parsed.Fragment
	}
	return relative
}
