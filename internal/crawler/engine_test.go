package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/shield/internal/models"
)

type fakeJobStore struct {
	running  bool
	finished bool
	status   models.CrawlStatus
	found    int
	crawled  int
}

func (f *fakeJobStore) MarkJobRunning(ctx context.Context, jobID string) error {
	f.running = true
	return nil
}

func (f *fakeJobStore) FinishJob(ctx context.Context, jobID string, status models.CrawlStatus, found, crawled, assets, errs int, errorLog []string) error {
	f.finished = true
	f.status = status
	f.found = found
	f.crawled = crawled
	return nil
}

type fakePageStore struct {
	pages []*models.Page
}

func (f *fakePageStore) InsertPage(ctx context.Context, p *models.Page) error {
	f.pages = append(f.pages, p)
	return nil
}

func newTestServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Home</title></head><body>
			<a href="/about">About</a>
			<link rel="stylesheet" href="/style.css">
		</body></html>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>About</title></head><body>no links here</body></html>`))
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(`body { color: red; }`))
	})
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestEngineRunCrawlsSite(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	cacheDir := t.TempDir()
	engine := New(Options{
		SiteID:         "site-1",
		TargetURL:      srv.URL,
		CacheDir:       cacheDir,
		MaxConcurrency: 2,
		MaxPages:       10,
		RespectRobots:  true,
	})

	jobs := &fakeJobStore{}
	pages := &fakePageStore{}

	err := engine.Run(context.Background(), "job-1", jobs, pages)
	require.NoError(t, err)

	assert.True(t, jobs.running)
	assert.True(t, jobs.finished)
	assert.Equal(t, models.CrawlCompleted, jobs.status)
	assert.GreaterOrEqual(t, len(pages.pages), 2)
}

func TestEngineStopHaltsQueue(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	engine := New(Options{
		SiteID:         "site-2",
		TargetURL:      srv.URL,
		CacheDir:       t.TempDir(),
		MaxConcurrency: 1,
		MaxPages:       100,
	})
	engine.Stop()

	jobs := &fakeJobStore{}
	pages := &fakePageStore{}
	err := engine.Run(context.Background(), "job-2", jobs, pages)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStopped, jobs.status)
}

func TestToFetchURLRewritesHost(t *testing.T) {
	engine := New(Options{
		SiteID:      "site-3",
		TargetURL:   "https://public.example.com",
		InternalURL: "http://10.0.0.5:8080",
		CacheDir:    t.TempDir(),
	})

	got := engine.toFetchURL("https://public.example.com/page?x=1")
	assert.Equal(t, "http://10.0.0.5:8080/page?x=1", got)
}

func TestShouldCrawlSkipsDisallowedAndVisited(t *testing.T) {
	engine := New(Options{
		SiteID:    "site-4",
		TargetURL: "https://example.com",
		CacheDir:  t.TempDir(),
	})

	assert.True(t, engine.shouldCrawl("https://example.com/ok", nil))
	assert.False(t, engine.shouldCrawl("https://example.com/admin/secret", []string{"/admin"}))
	assert.False(t, engine.shouldCrawl("https://other.com/ok", nil))
	assert.False(t, engine.shouldCrawl("https://example.com/archive.zip", nil))

	engine.visited[normalizeURL("https://example.com/ok")] = struct{}{}
	assert.False(t, engine.shouldCrawl("https://example.com/ok", nil))
}

func TestNormalizeURLDropsFragment(t *testing.T) {
	assert.Equal(t, "https://example.com/page", normalizeURL("https://example.com/page#section"))
	assert.Equal(t, "https://example.com/page?a=1", normalizeURL("https://example.com/page?a=1#x"))
}

func TestEngineRespectsDelay(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	engine := New(Options{
		SiteID:         "site-5",
		TargetURL:      srv.URL,
		CacheDir:       t.TempDir(),
		MaxConcurrency: 1,
		MaxPages:       1,
		Delay:          10 * time.Millisecond,
	})

	jobs := &fakeJobStore{}
	pages := &fakePageStore{}
	start := time.Now()
	err := engine.Run(context.Background(), "job-5", jobs, pages)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
