package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/BetterCallFirewall/shield/internal/assets"
	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/sitemapparser"
	"github.com/BetterCallFirewall/shield/internal/urlrewriter"
)

// skipExtensions are unreachable-archive formats the crawler never follows.
var skipExtensions = []string{".zip", ".tar", ".gz", ".exe", ".dmg", ".iso"}

// PageStore is the narrow persistence surface the engine needs to record
// crawled pages; implemented by *store.Store.
type PageStore interface {
	InsertPage(ctx context.Context, p *models.Page) error
}

// JobStore is the narrow persistence surface for CrawlJob lifecycle
// transitions; implemented by *store.Store.
type JobStore interface {
	MarkJobRunning(ctx context.Context, jobID string) error
	FinishJob(ctx context.Context, jobID string, status models.CrawlStatus, found, crawled, assets, errs int, errorLog []string) error
}

// Options configures one Engine run.
type Options struct {
	SiteID          string
	TargetURL       string
	InternalURL     string
	OverrideHost    string
	CacheDir        string
	MaxConcurrency  int
	Delay           time.Duration
	MaxPages        int
	RespectRobots   bool
}

// Engine is a bounded-concurrency BFS crawler that mirrors one site into
// CacheDir, following original_source/backend/crawler/engine.py. Bounded
// concurrency uses golang.org/x/sync/semaphore in place of the original's
// asyncio.Semaphore — the idiomatic Go equivalent for a worker-pool-less
// bounded fan-out over a dynamically growing queue.
type Engine struct {
	opts     Options
	rewriter *urlrewriter.Rewriter
	client   *http.Client
	forms    *assets.FormExtractor
	sem      *semaphore.Weighted

	mu               sync.Mutex
	visited          map[string]struct{}
	queue            []string
	downloadedAssets map[string]struct{}

	pagesFound       int
	pagesCrawled     int
	assetsDownloaded int
	errorCount       int
	errorLog         []string

	stopped bool

	Hub *Hub
}

// New builds an Engine for one crawl run.
func New(opts Options) *Engine {
	opts.TargetURL = strings.TrimRight(opts.TargetURL, "/")
	if opts.InternalURL != "" {
		opts.InternalURL = strings.TrimRight(opts.InternalURL, "/")
	}
	if opts.OverrideHost == "" {
		if u, err := url.Parse(opts.TargetURL); err == nil {
			opts.OverrideHost = u.Host
		}
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 5
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 10000
	}

	return &Engine{
		opts:             opts,
		rewriter:         urlrewriter.New(opts.TargetURL),
		client:           &http.Client{Timeout: 30 * time.Second},
		forms:            assets.NewFormExtractor(),
		sem:              semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		visited:          map[string]struct{}{},
		downloadedAssets: map[string]struct{}{},
		Hub:              NewHub(),
	}
}

// Stop requests the crawl halt after in-flight fetches finish; the queue is
// not drained further.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// toFetchURL rewrites a public URL to the internal fetch target when
// internal_url/host-override is configured (split-horizon deploys).
func (e *Engine) toFetchURL(rawURL string) string {
	if e.opts.InternalURL == "" {
		return rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	internal, err := url.Parse(e.opts.InternalURL)
	if err != nil {
		return rawURL
	}
	out := *internal
	out.Path = parsed.Path
	out.RawQuery = parsed.RawQuery
	return out.String()
}

func normalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	clean := parsed.Scheme + "://" + parsed.Host + parsed.Path
	if parsed.RawQuery != "" {
		clean += "?" + parsed.RawQuery
	}
	return clean
}

func hasSkipExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func (e *Engine) isAllowed(rawURL string, disallowed []string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, prefix := range disallowed {
		if strings.HasPrefix(parsed.Path, prefix) {
			return false
		}
	}
	return true
}

func (e *Engine) shouldCrawl(rawURL string, disallowed []string) bool {
	if !e.rewriter.IsSameOrigin(rawURL) {
		return false
	}
	clean := normalizeURL(rawURL)

	e.mu.Lock()
	_, seen := e.visited[clean]
	e.mu.Unlock()
	if seen {
		return false
	}
	if !e.isAllowed(rawURL, disallowed) {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || hasSkipExtension(parsed.Path) {
		return false
	}
	return true
}

func (e *Engine) emitProgress(jobID string) {
	e.mu.Lock()
	p := Progress{
		SiteID:           e.opts.SiteID,
		JobID:            jobID,
		PagesFound:       e.pagesFound,
		PagesCrawled:     e.pagesCrawled,
		AssetsDownloaded: e.assetsDownloaded,
		Errors:           e.errorCount,
		QueueSize:        len(e.queue),
	}
	e.mu.Unlock()
	e.Hub.Broadcast(p)
}

// Run executes the crawl, updating jobs/pages as it goes. A panic in Run's
// own goroutine is recovered and marks the job failed — spec §4.2's
// "fatal-local" error kind. Panics inside the per-page crawlPage goroutines
// are not recovered.
func (e *Engine) Run(ctx context.Context, jobID string, jobs JobStore, pages PageStore) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl panicked: %v", r)
			_ = jobs.FinishJob(ctx, jobID, models.CrawlFailed, e.pagesFound, e.pagesCrawled, e.assetsDownloaded, e.errorCount, append(e.errorLog, err.Error()))
		}
	}()

	if err := jobs.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}
	if err := os.MkdirAll(e.opts.CacheDir, 0o755); err != nil {
		_ = jobs.FinishJob(ctx, jobID, models.CrawlFailed, 0, 0, 0, 0, []string{err.Error()})
		return err
	}

	baseURL := e.opts.TargetURL
	if e.opts.InternalURL != "" {
		baseURL = e.opts.InternalURL
	}

	sitemapURLs, disallowed := sitemapparser.Discover(ctx, e.client, baseURL, e.opts.RespectRobots)

	e.queue = append(e.queue, e.opts.TargetURL)
	for _, u := range sitemapURLs {
		normalized := normalizeURL(u)
		if e.shouldCrawl(normalized, disallowed) {
			e.queue = append(e.queue, normalized)
		}
	}
	e.pagesFound = len(e.queue)
	e.emitProgress(jobID)

	for {
		if e.isStopped() {
			break
		}
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			break
		}
		if e.pagesCrawled >= e.opts.MaxPages {
			e.mu.Unlock()
			log.Info().Str("site_id", e.opts.SiteID).Int("max_pages", e.opts.MaxPages).Msg("reached max pages limit")
			break
		}
		batchSize := e.opts.MaxConcurrency
		if batchSize > len(e.queue) {
			batchSize = len(e.queue)
		}
		batch := append([]string(nil), e.queue[:batchSize]...)
		e.queue = e.queue[batchSize:]
		e.mu.Unlock()

		var wg sync.WaitGroup
		for _, u := range batch {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				continue
			}
			wg.Add(1)
			go func(pageURL string) {
				defer wg.Done()
				defer e.sem.Release(1)
				e.crawlPage(ctx, pageURL, jobID, pages, disallowed)
			}(u)
		}
		wg.Wait()
		e.emitProgress(jobID)
	}

	status := models.CrawlCompleted
	if e.isStopped() {
		status = models.CrawlStopped
	}
	return jobs.FinishJob(ctx, jobID, status, e.pagesFound, e.pagesCrawled, e.assetsDownloaded, e.errorCount, e.errorLog)
}

func (e *Engine) crawlPage(ctx context.Context, pageURL, jobID string, pages PageStore, disallowed []string) {
	if e.isStopped() {
		return
	}
	clean := normalizeURL(pageURL)
	e.mu.Lock()
	if _, seen := e.visited[clean]; seen {
		e.mu.Unlock()
		return
	}
	e.visited[clean] = struct{}{}
	e.mu.Unlock()

	recordErr := func(msg string) {
		e.mu.Lock()
		e.errorCount++
		e.errorLog = append(e.errorLog, msg)
		e.mu.Unlock()
		log.Warn().Str("site_id", e.opts.SiteID).Msg(msg)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fetchURL := e.toFetchURL(pageURL)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fetchURL, nil)
	if err != nil {
		recordErr(fmt.Sprintf("error building request for %s: %v", pageURL, err))
		return
	}
	req.Header.Set("User-Agent", "Shield Crawler/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if e.opts.InternalURL != "" {
		req.Host = e.opts.OverrideHost
	}

	resp, err := e.client.Do(req)
	if err != nil {
		recordErr(fmt.Sprintf("error crawling %s: %v", pageURL, err))
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		recordErr(fmt.Sprintf("error reading %s: %v", pageURL, err))
		return
	}
	html := string(body)

	if assets.LooksLikeDirectoryListing(html) {
		return
	}

	cachePath := urlrewriter.URLToCachePath(pageURL)
	fullPath := filepath.Join(e.opts.CacheDir, filepath.FromSlash(cachePath))
	rewrittenHTML := e.rewriter.RewriteHTML(html)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		recordErr(fmt.Sprintf("error writing %s: %v", pageURL, err))
		return
	}
	if err := os.WriteFile(fullPath, []byte(rewrittenHTML), 0o644); err != nil {
		recordErr(fmt.Sprintf("error writing %s: %v", pageURL, err))
		return
	}

	cleanPath := urlrewriter.URLToCachePathNoQuery(pageURL)
	if cleanPath != cachePath {
		cleanFull := filepath.Join(e.opts.CacheDir, filepath.FromSlash(cleanPath))
		if _, statErr := os.Stat(cleanFull); os.IsNotExist(statErr) {
			if mkErr := os.MkdirAll(filepath.Dir(cleanFull), 0o755); mkErr == nil {
				_ = os.WriteFile(cleanFull, []byte(rewrittenHTML), 0o644)
			}
		}
	}

	page := &models.Page{
		SiteID:        e.opts.SiteID,
		URL:           pageURL,
		CachePath:     cachePath,
		ContentType:   strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]),
		StatusCode:    resp.StatusCode,
		Bytes:         int64(len(rewrittenHTML)),
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		DetectedForms: e.forms.ExtractForms(html),
	}
	if err := pages.InsertPage(ctx, page); err != nil {
		log.Debug().Str("url", pageURL).Msg("duplicate page skipped")
	}

	e.mu.Lock()
	e.pagesCrawled++
	e.mu.Unlock()

	downloader := &assets.Downloader{
		Client:   e.client,
		Rewriter: e.rewriter,
		CacheDir: e.opts.CacheDir,
	}
	if e.opts.InternalURL != "" {
		downloader.Translate = e.toFetchURL
	}

	for assetURL := range assets.ExtractAssetURLs(html, pageURL) {
		e.mu.Lock()
		_, already := e.downloadedAssets[assetURL]
		if !already {
			e.downloadedAssets[assetURL] = struct{}{}
		}
		e.mu.Unlock()
		if already || !e.rewriter.IsSameOrigin(assetURL) {
			continue
		}
		if size := downloader.Download(ctx, assetURL); size > 0 {
			e.mu.Lock()
			e.assetsDownloaded++
			e.mu.Unlock()
		}
	}

	newLinks := e.extractLinks(html, pageURL, disallowed)
	e.mu.Lock()
	for _, link := range newLinks {
		if _, seen := e.visited[link]; seen {
			continue
		}
		e.queue = append(e.queue, link)
		e.pagesFound++
	}
	e.mu.Unlock()

	if e.opts.Delay > 0 {
		time.Sleep(e.opts.Delay)
	}
}

func (e *Engine) extractLinks(html, baseURL string, disallowed []string) []string {
	links := assets.ExtractLinks(html, baseURL)
	var out []string
	for _, link := range links {
		normalized := normalizeURL(link)
		if e.shouldCrawl(normalized, disallowed) {
			out = append(out, normalized)
		}
	}
	return out
}
