package assets

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/BetterCallFirewall/shield/internal/urlrewriter"
)

var cssURLFuncPattern = regexp.MustCompile(`url\(['"]?([^)'"\s]+)['"]?\)`)

// ExtractAssetURLs finds every same-document asset reference (link/script/
// img/source/video/audio href|src|srcset, <style> bodies, inline
// style="...url(...)" attributes) and resolves them against baseURL.
func ExtractAssetURLs(html string, baseURL string) map[string]struct{} {
	assets := map[string]struct{}{}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return assets
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return assets
	}

	addAbsolute := func(raw string) {
		if raw == "" {
			return
		}
		resolved, err := base.Parse(raw)
		if err != nil {
			return
		}
		assets[resolved.String()] = struct{}{}
	}

	doc.Find("link, script, img, source, video, audio").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			addAbsolute(href)
		}
		if src, ok := s.Attr("src"); ok {
			addAbsolute(src)
		}
		if srcset, ok := s.Attr("srcset"); ok {
			for _, entry := range strings.Split(srcset, ",") {
				parts := strings.Fields(strings.TrimSpace(entry))
				if len(parts) > 0 {
					addAbsolute(parts[0])
				}
			}
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for u := range extractCSSURLs(s.Text(), base) {
			assets[u] = struct{}{}
		}
	})

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		styleVal, _ := s.Attr("style")
		if strings.Contains(styleVal, "url(") {
			for u := range extractCSSURLs(styleVal, base) {
				assets[u] = struct{}{}
			}
		}
	})

	return assets
}

// ExtractLinks returns every <a href> in html resolved against baseURL,
// for the crawler's BFS frontier (as distinct from ExtractAssetURLs, which
// only collects mirrored static resources).
func ExtractLinks(html string, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []string
	seen := map[string]struct{}{}
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "tel:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		resolved.Fragment = ""
		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

// ExtractCSSAssetURLs finds url(...) references inside a standalone CSS
// document, used to recursively follow @import/background-image chains.
func ExtractCSSAssetURLs(css string, baseURL string) map[string]struct{} {
	base, err := url.Parse(baseURL)
	if err != nil {
		return map[string]struct{}{}
	}
	return extractCSSURLs(css, base)
}

func extractCSSURLs(css string, base *url.URL) map[string]struct{} {
	urls := map[string]struct{}{}
	for _, m := range cssURLFuncPattern.FindAllStringSubmatch(css, -1) {
		raw := m[1]
		if strings.HasPrefix(raw, "data:") {
			continue
		}
		resolved, err := base.Parse(raw)
		if err != nil {
			continue
		}
		urls[resolved.String()] = struct{}{}
	}
	return urls
}

// Downloader fetches same-origin assets into a site's cache directory,
// rewriting CSS bodies recursively before they're written to disk.
type Downloader struct {
	Client      *http.Client
	Rewriter    *urlrewriter.Rewriter
	CacheDir    string
	Translate   func(string) string // optional host-override fetch translation
}

// Download fetches assetURL (if same-origin), writes it under CacheDir at
// its url_to_cache_path, recursing into CSS bodies for further same-origin
// references. Returns bytes written, or 0 on any failure — asset download
// failures are never fatal to a crawl.
func (d *Downloader) Download(ctx context.Context, assetURL string) int64 {
	if !d.Rewriter.IsSameOrigin(assetURL) {
		return 0
	}

	fetchURL := assetURL
	if d.Translate != nil {
		fetchURL = d.Translate(assetURL)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return 0
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", assetURL).Msg("failed to download asset")
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return 0
	}

	cachePath := urlrewriter.URLToCachePath(assetURL)
	fullPath := filepath.Join(d.CacheDir, filepath.FromSlash(cachePath))

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/css") {
		text := d.Rewriter.RewriteCSS(string(content))
		for sub := range extractCSSURLs(text, mustParse(assetURL)) {
			if d.Rewriter.IsSameOrigin(sub) {
				d.Download(ctx, sub)
			}
		}
		content = []byte(text)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return 0
	}

	cleanPath := urlrewriter.URLToCachePathNoQuery(assetURL)
	if cleanPath != cachePath {
		cleanFull := filepath.Join(d.CacheDir, filepath.FromSlash(cleanPath))
		if _, err := os.Stat(cleanFull); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(cleanFull), 0o755); err == nil {
				_ = os.WriteFile(cleanFull, content, 0o644)
			}
		}
	}

	return int64(len(content))
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
