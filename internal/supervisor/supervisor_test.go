package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/shield/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	sites map[string]*models.Site
	rules map[string][]*models.PostRule
	csv   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sites: map[string]*models.Site{},
		rules: map[string][]*models.PostRule{},
		csv:   map[string]string{},
	}
}

func (f *fakeStore) GetSite(ctx context.Context, siteID string) (*models.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	site, ok := f.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("no such site: %s", siteID)
	}
	cp := *site
	return &cp, nil
}

func (f *fakeStore) ListActiveSites(ctx context.Context) ([]*models.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Site
	for _, s := range f.sites {
		if s.ShieldActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SetShieldActive(ctx context.Context, siteID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sites[siteID]; ok {
		s.ShieldActive = active
	}
	return nil
}

func (f *fakeStore) ActivePostRulesForSite(ctx context.Context, siteID string) ([]*models.PostRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[siteID], nil
}

func (f *fakeStore) LearnedCSPOriginsCSV(ctx context.Context, siteID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.csv[siteID], nil
}

func (f *fakeStore) SaveLearnedCSPOrigins(ctx context.Context, siteID, originsCSV string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.csv[siteID] = originsCSV
	return nil
}

func (f *fakeStore) InsertPostRule(ctx context.Context, r *models.PostRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[r.SiteID] = append(f.rules[r.SiteID], r)
	return nil
}

func (f *fakeStore) UpdateRuleAllowedActions(ctx context.Context, ruleID string, actions []string) error {
	return nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newDeployableSite(t *testing.T, cacheRoot, id string, port int) *models.Site {
	t.Helper()
	dir := filepath.Join(cacheRoot, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ok</html>"), 0o644))
	return &models.Site{
		ID: id, Name: id, TargetURL: "https://example.com",
		ShieldPort: port, RateLimitRequests: 100, RateLimitWindow: time.Minute,
	}
}

func TestDeployStartsListenerAndMarksActive(t *testing.T) {
	cacheRoot := t.TempDir()
	store := newFakeStore()
	port := freePort(t)
	site := newDeployableSite(t, cacheRoot, "site-1", port)
	store.sites["site-1"] = site

	sup := New(store, cacheRoot, nil, nil)
	require.NoError(t, sup.Deploy(context.Background(), "site-1"))
	defer sup.Undeploy(context.Background(), "site-1")

	assert.True(t, sup.IsDeployed("site-1"))
	stored, err := store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	assert.True(t, stored.ShieldActive)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/index.html", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeployFailsWithoutCacheDirectory(t *testing.T) {
	cacheRoot := t.TempDir()
	store := newFakeStore()
	store.sites["site-1"] = &models.Site{ID: "site-1", TargetURL: "https://example.com", ShieldPort: freePort(t)}

	sup := New(store, cacheRoot, nil, nil)
	err := sup.Deploy(context.Background(), "site-1")
	assert.Error(t, err)
	assert.False(t, sup.IsDeployed("site-1"))
}

func TestDeployRejectsDuplicatePort(t *testing.T) {
	cacheRoot := t.TempDir()
	store := newFakeStore()
	port := freePort(t)
	store.sites["site-1"] = newDeployableSite(t, cacheRoot, "site-1", port)
	store.sites["site-2"] = newDeployableSite(t, cacheRoot, "site-2", port)

	sup := New(store, cacheRoot, nil, nil)
	require.NoError(t, sup.Deploy(context.Background(), "site-1"))
	defer sup.Undeploy(context.Background(), "site-1")

	err := sup.Deploy(context.Background(), "site-2")
	assert.Error(t, err)
}

func TestUndeployStopsListenerAndClearsFlag(t *testing.T) {
	cacheRoot := t.TempDir()
	store := newFakeStore()
	port := freePort(t)
	store.sites["site-1"] = newDeployableSite(t, cacheRoot, "site-1", port)

	sup := New(store, cacheRoot, nil, nil)
	require.NoError(t, sup.Deploy(context.Background(), "site-1"))
	require.NoError(t, sup.Undeploy(context.Background(), "site-1"))

	assert.False(t, sup.IsDeployed("site-1"))
	stored, err := store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	assert.False(t, stored.ShieldActive)
}

func TestAutoDeployIfNeededClearsFlagOnMissingPrerequisites(t *testing.T) {
	cacheRoot := t.TempDir()
	store := newFakeStore()
	site := &models.Site{ID: "site-1", TargetURL: "https://example.com", ShieldPort: freePort(t), ShieldActive: true}
	store.sites["site-1"] = site

	sup := New(store, cacheRoot, nil, nil)
	sup.AutoDeployIfNeeded(context.Background())

	stored, err := store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	assert.False(t, stored.ShieldActive)
	assert.False(t, sup.IsDeployed("site-1"))
}

func TestAutoDeployIfNeededDeploysPersistedActiveSites(t *testing.T) {
	cacheRoot := t.TempDir()
	store := newFakeStore()
	port := freePort(t)
	site := newDeployableSite(t, cacheRoot, "site-1", port)
	site.ShieldActive = true
	store.sites["site-1"] = site

	sup := New(store, cacheRoot, nil, nil)
	sup.AutoDeployIfNeeded(context.Background())
	defer sup.Undeploy(context.Background(), "site-1")

	assert.True(t, sup.IsDeployed("site-1"))
}
