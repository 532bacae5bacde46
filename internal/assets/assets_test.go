package assets

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/shield/internal/urlrewriter"
)

const testPage = `<!DOCTYPE html>
<html>
<head>
  <link rel="stylesheet" href="/css/site.css">
  <script src="/js/app.js"></script>
  <style>body { background: url('/img/bg.png'); }</style>
</head>
<body style="color:red;background-image:url(/img/inline.png)">
  <img src="/img/logo.png" srcset="/img/logo-2x.png 2x, /img/logo-3x.png 3x">
  <a href="/about">About</a>
  <a href="https://example.com/contact">Contact</a>
  <a href="#section">Skip</a>
  <a href="mailto:hi@example.com">Mail</a>
</body>
</html>`

func TestExtractAssetURLsCollectsEveryKind(t *testing.T) {
	assets := ExtractAssetURLs(testPage, "https://example.com/page")

	for _, want := range []string{
		"https://example.com/css/site.css",
		"https://example.com/js/app.js",
		"https://example.com/img/bg.png",
		"https://example.com/img/inline.png",
		"https://example.com/img/logo.png",
		"https://example.com/img/logo-2x.png",
		"https://example.com/img/logo-3x.png",
	} {
		_, ok := assets[want]
		assert.True(t, ok, "expected %s in extracted assets", want)
	}
}

func TestExtractLinksSkipsNonNavigableHrefs(t *testing.T) {
	links := ExtractLinks(testPage, "https://example.com/page")
	assert.Contains(t, links, "https://example.com/about")
	assert.Contains(t, links, "https://example.com/contact")
	for _, l := range links {
		assert.NotContains(t, l, "mailto:")
		assert.NotContains(t, l, "#section")
	}
}

func TestExtractLinksDedupes(t *testing.T) {
	html := `<a href="/x">one</a><a href="/x">two</a>`
	links := ExtractLinks(html, "https://example.com/")
	assert.Len(t, links, 1)
}

func TestExtractCSSAssetURLsIgnoresDataURIs(t *testing.T) {
	css := `.a { background: url(data:image/png;base64,AAAA); } .b { background: url('/img/foo.png'); }`
	urls := ExtractCSSAssetURLs(css, "https://example.com/")
	assert.Len(t, urls, 1)
	_, ok := urls["https://example.com/img/foo.png"]
	assert.True(t, ok)
}

func TestDownloaderSkipsCrossOriginAssets(t *testing.T) {
	dir := t.TempDir()
	d := &Downloader{
		Client:   http.DefaultClient,
		Rewriter: urlrewriter.New("https://example.com"),
		CacheDir: dir,
	}
	n := d.Download(t.Context(), "https://other.com/evil.js")
	assert.Zero(t, n)
}

func TestDownloaderWritesSameOriginAssetToCacheDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("console.log('hi');"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := &Downloader{
		Client:   srv.Client(),
		Rewriter: urlrewriter.New(srv.URL),
		CacheDir: dir,
	}

	assetURL := srv.URL + "/js/app.js"
	n := d.Download(t.Context(), assetURL)
	assert.Positive(t, n)

	cachePath := urlrewriter.URLToCachePath(assetURL)
	content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(cachePath)))
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi');", string(content))
}

func TestDownloaderRecursesIntoCSSImports(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/css/main.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(`body { background: url('/img/bg.png'); }`))
	})
	mux.HandleFunc("/img/bg.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pngdata"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	d := &Downloader{
		Client:   srv.Client(),
		Rewriter: urlrewriter.New(srv.URL),
		CacheDir: dir,
	}

	n := d.Download(t.Context(), srv.URL+"/css/main.css")
	assert.Positive(t, n)

	bgPath := urlrewriter.URLToCachePath(srv.URL + "/img/bg.png")
	content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(bgPath)))
	require.NoError(t, err)
	assert.Equal(t, "pngdata", string(content))
}

func TestDownloaderReturnsZeroOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := &Downloader{
		Client:   srv.Client(),
		Rewriter: urlrewriter.New(srv.URL),
		CacheDir: dir,
	}
	n := d.Download(t.Context(), srv.URL+"/missing.js")
	assert.Zero(t, n)
}
