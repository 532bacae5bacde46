// Package learner implements the Shield's Asset Learner: on a cache miss
// with learn-mode on, fetch the path from the origin, URL-rewrite HTML/CSS
// bodies, write the file under the cache directory, and hot-add it to the
// Cache Index. Following original_source/backend/shield/asset_learner.py.
package learner

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/BetterCallFirewall/shield/internal/cacheindex"
	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/urlrewriter"
)

const fetchTimeout = 15 * time.Second

// Learner fetches and caches origin assets missing from a site's Cache
// Index. A singleflight.Group collapses concurrent learn requests for the
// same path into one origin fetch.
type Learner struct {
	site     *models.Site
	cacheDir string
	index    *cacheindex.Index
	rewriter *urlrewriter.Rewriter
	client   *http.Client
	group    singleflight.Group
}

// New builds a Learner for one site's active shield listener.
func New(site *models.Site, cacheDir string, index *cacheindex.Index, rewriter *urlrewriter.Rewriter) *Learner {
	return &Learner{
		site:     site,
		cacheDir: cacheDir,
		index:    index,
		rewriter: rewriter,
		client:   &http.Client{Timeout: fetchTimeout},
	}
}

// Learn fetches urlPath (path plus optional "?query") from the origin and
// hot-adds it to the Cache Index, returning the new Entry or nil on any
// failure — misses stay silent and the caller serves 404.
func (l *Learner) Learn(urlPath string) *cacheindex.Entry {
	v, _, _ := l.group.Do(urlPath, func() (any, error) {
		return l.fetchAndCache(urlPath), nil
	})
	entry, _ := v.(*cacheindex.Entry)
	return entry
}

func (l *Learner) fetchAndCache(urlPath string) *cacheindex.Entry {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.toFetchURL(urlPath), nil)
	if err != nil {
		log.Debug().Err(err).Str("path", urlPath).Msg("learner: bad request")
		return nil
	}
	req.Header.Set("User-Agent", "Shield Crawler/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if l.site.InternalURL != "" && l.site.HostOverride != "" {
		req.Host = l.site.HostOverride
	}

	resp, err := l.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("path", urlPath).Msg("learner: fetch failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"):
		content = l.rewriter.RewriteHTML(content)
	case strings.Contains(contentType, "text/css"):
		content = l.rewriter.RewriteCSS(content)
	}

	relPath := urlrewriter.URLToCachePath(urlPath)
	fullPath := filepath.Join(l.cacheDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return nil
	}

	cleanPath := urlrewriter.URLToCachePathNoQuery(urlPath)
	if cleanPath != relPath {
		cleanFull := filepath.Join(l.cacheDir, filepath.FromSlash(cleanPath))
		if _, statErr := os.Stat(cleanFull); os.IsNotExist(statErr) {
			if mkErr := os.MkdirAll(filepath.Dir(cleanFull), 0o755); mkErr == nil {
				_ = os.WriteFile(cleanFull, []byte(content), 0o644)
			}
		}
	}

	return l.index.AddLearnedFile(relPath)
}

func (l *Learner) toFetchURL(urlPath string) string {
	base := l.site.InternalURL
	if base == "" {
		base = l.site.TargetURL
	}
	return strings.TrimRight(base, "/") + urlPath
}
