package urlrewriter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLToCachePathDeterminism(t *testing.T) {
	urls := []string{
		"https://example.com/",
		"https://example.com/about",
		"https://example.com/about/",
		"https://example.com/static/app.css?v=42",
		"https://example.com/about#section",
	}
	for _, u := range urls {
		first := URLToCachePath(u)
		second := URLToCachePath(u)
		assert.Equal(t, first, second, "url_to_cache_path must be deterministic for %s", u)
	}
}

func TestURLToCachePathIgnoresFragment(t *testing.T) {
	a := URLToCachePath("https://example.com/about#top")
	b := URLToCachePath("https://example.com/about#bottom")
	assert.Equal(t, a, b)
}

func TestURLToCachePathRules(t *testing.T) {
	cases := map[string]string{
		"https://example.com/":              "index.html",
		"https://example.com":               "index.html",
		"https://example.com/about/":        "about/index.html",
		"https://example.com/about":         "about/index.html",
		"https://example.com/app.js":        "app.js",
		"https://example.com/a/b/style.css": "a/b/style.css",
	}
	for in, want := range cases {
		require.Equal(t, want, URLToCachePath(in), "input %s", in)
	}
}

func TestURLToCachePathWithQuery(t *testing.T) {
	got := URLToCachePath("https://example.com/static/app.css?v=42")
	assert.Contains(t, got, "app_")
	assert.Contains(t, got, ".css")

	noQuery := URLToCachePathNoQuery("https://example.com/static/app.css?v=42")
	assert.Equal(t, "static/app.css", noQuery)
}

func TestIsSameOriginIgnoresScheme(t *testing.T) {
	r := New("https://example.com")
	assert.True(t, r.IsSameOrigin("http://example.com/x"))
	assert.True(t, r.IsSameOrigin("https://example.com/x"))
	assert.True(t, r.IsSameOrigin("/relative/path"))
	assert.False(t, r.IsSameOrigin("https://evil.com/x"))
}

func TestRewriteHTMLIdempotent(t *testing.T) {
	r := New("https://example.com")
	html := `<a href="https://example.com/about">About</a><img src="//example.com/logo.png">`
	once := r.RewriteHTML(html)
	twice := r.RewriteHTML(once)
	assert.Equal(t, once, twice)
	assert.NotContains(t, once, "example.com")
}

func TestRewriteCSSLeavesDataURIs(t *testing.T) {
	r := New("https://example.com")
	css := `.a { background: url(data:image/png;base64,AAAA); } .b { background: url(https://example.com/bg.png); }`
	out := r.RewriteCSS(css)
	assert.Contains(t, out, "data:image/png;base64,AAAA")
	assert.Contains(t, out, "url('/bg.png')")
}
