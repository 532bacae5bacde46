// Package supervisor deploys and tears down one independent HTTP listener
// per site, following original_source/backend/services/shield_service.py.
// Its process-wide map+mutex+cleanup shape is adapted from the teacher's
// internal/driven.SiteContextManager.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/BetterCallFirewall/shield/internal/cacheindex"
	"github.com/BetterCallFirewall/shield/internal/csp"
	"github.com/BetterCallFirewall/shield/internal/hotcache"
	"github.com/BetterCallFirewall/shield/internal/learner"
	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/posthandler"
	"github.com/BetterCallFirewall/shield/internal/ratelimit"
	"github.com/BetterCallFirewall/shield/internal/security"
	"github.com/BetterCallFirewall/shield/internal/shieldserver"
	"github.com/BetterCallFirewall/shield/internal/urlrewriter"
	"github.com/BetterCallFirewall/shield/internal/waf"
)

const shutdownGrace = 10 * time.Second

// SiteStore is the narrow slice of persistence the Supervisor needs. The
// Admin API owns full site CRUD; this interface only covers what
// deploy/undeploy/auto-deploy read and write.
type SiteStore interface {
	GetSite(ctx context.Context, siteID string) (*models.Site, error)
	ListActiveSites(ctx context.Context) ([]*models.Site, error)
	SetShieldActive(ctx context.Context, siteID string, active bool) error
	ActivePostRulesForSite(ctx context.Context, siteID string) ([]*models.PostRule, error)
	LearnedCSPOriginsCSV(ctx context.Context, siteID string) (string, error)
	SaveLearnedCSPOrigins(ctx context.Context, siteID, originsCSV string) error
	InsertPostRule(ctx context.Context, r *models.PostRule) error
	UpdateRuleAllowedActions(ctx context.Context, ruleID string, actions []string) error
}

// instance is one deployed site's live collaborators, torn down together
// on undeploy.
type instance struct {
	port        int
	httpServer  *http.Server
	cspLearner  *csp.Learner
	rateLimiter *ratelimit.Limiter
	rlCancel    context.CancelFunc
}

// Supervisor owns the process-wide site_id -> instance map.
type Supervisor struct {
	store     SiteStore
	cacheRoot string
	events    *security.Collector
	geo       *waf.GeoResolver

	mu      sync.RWMutex
	shields map[string]*instance
}

// New builds a Supervisor. geo may be nil if no GeoIP database is
// configured; country-based blocking is then a no-op.
func New(store SiteStore, cacheRoot string, events *security.Collector, geo *waf.GeoResolver) *Supervisor {
	return &Supervisor{
		store:     store,
		cacheRoot: cacheRoot,
		events:    events,
		geo:       geo,
		shields:   map[string]*instance{},
	}
}

// IsDeployed reports whether siteID currently has a live listener.
func (sup *Supervisor) IsDeployed(siteID string) bool {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	_, ok := sup.shields[siteID]
	return ok
}

// Deploy builds and starts a site's listener, undeploying any prior
// instance first. It requires the site's cache directory to already exist
// (populated by a crawl) and its shield_port to be set and not already in
// use by another active shield.
func (sup *Supervisor) Deploy(ctx context.Context, siteID string) error {
	if sup.IsDeployed(siteID) {
		if err := sup.Undeploy(ctx, siteID); err != nil {
			return fmt.Errorf("supervisor: undeploy prior instance: %w", err)
		}
	}

	site, err := sup.store.GetSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("supervisor: load site: %w", err)
	}

	cacheDir := site.CacheDir(sup.cacheRoot)
	if info, statErr := os.Stat(cacheDir); statErr != nil || !info.IsDir() {
		return fmt.Errorf("supervisor: cache directory %s missing, run a crawl first", cacheDir)
	}
	if site.ShieldPort == 0 {
		return fmt.Errorf("supervisor: site %s has no shield_port configured", siteID)
	}
	if err := sup.checkPortFree(siteID, site.ShieldPort); err != nil {
		return err
	}

	cspLearner := csp.NewLearner(siteID, sup.store, loadLearnedCSV(ctx, sup.store, siteID))
	policy := sup.buildCSPPolicy(cacheDir, site, cspLearner)

	index := cacheindex.New(cacheDir)
	if err := index.Build(); err != nil {
		return fmt.Errorf("supervisor: build cache index: %w", err)
	}

	rl := ratelimit.New(site.RateLimitRequests, site.RateLimitWindow, time.Minute)
	rlCtx, rlCancel := context.WithCancel(context.Background())
	go rl.StartCleanupLoop(rlCtx)

	rules, err := sup.store.ActivePostRulesForSite(ctx, siteID)
	if err != nil {
		rlCancel()
		return fmt.Errorf("supervisor: load post rules: %w", err)
	}

	recorder := sup.recorderFor(site)
	postHandler := posthandler.New(site, rules, sup.store, rl, recorder)

	rewriter := urlrewriter.New(effectiveOrigin(site))
	assetLearner := learner.New(site, cacheDir, index, rewriter)

	var filter *waf.Filter
	if site.WAFEnabled {
		filter = waf.New(waf.Options{
			Site:                  site,
			RateLimiter:           rl,
			Geo:                   sup.geo,
			PostRules:             postHandler,
			BlockBots:             true,
			RateLimitEnabled:      true,
			CustomBlockedPatterns: site.SuspiciousPathPatterns,
		})
	}

	app := shieldserver.New(shieldserver.Options{
		Site:       site,
		Index:      index,
		Hot:        hotcache.New(10000, 128*1024*1024),
		Learner:    assetLearner,
		PostRoute:  postHandler,
		CSPLearner: cspLearner,
		CSPHeader:  policy,
		WAFFilter:  filter,
	})

	if site.LearnCSPMode {
		cspLearner.Start(ctx)
	}

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(site.ShieldPort),
		Handler: app,
	}
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		rlCancel()
		return fmt.Errorf("supervisor: listen on port %d: %w", site.ShieldPort, err)
	}

	go func() {
		if serveErr := httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error().Err(serveErr).Str("site", siteID).Msg("shield listener stopped unexpectedly")
		}
	}()

	sup.mu.Lock()
	sup.shields[siteID] = &instance{
		port:        site.ShieldPort,
		httpServer:  httpServer,
		cspLearner:  cspLearner,
		rateLimiter: rl,
		rlCancel:    rlCancel,
	}
	sup.mu.Unlock()

	if err := sup.store.SetShieldActive(ctx, siteID, true); err != nil {
		log.Warn().Err(err).Str("site", siteID).Msg("failed to persist shield_active flag")
	}

	log.Info().Str("site", siteID).Int("port", site.ShieldPort).Msg("shield deployed")
	return nil
}

// Undeploy requests a graceful shutdown (10s deadline, then hard close) of
// a site's listener and clears its persisted-active flag.
func (sup *Supervisor) Undeploy(ctx context.Context, siteID string) error {
	sup.mu.Lock()
	inst, ok := sup.shields[siteID]
	if ok {
		delete(sup.shields, siteID)
	}
	sup.mu.Unlock()

	if !ok {
		return nil
	}

	if inst.cspLearner != nil {
		inst.cspLearner.Stop()
	}
	if inst.rlCancel != nil {
		inst.rlCancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := inst.httpServer.Shutdown(shutdownCtx); err != nil {
		_ = inst.httpServer.Close()
	}

	if err := sup.store.SetShieldActive(ctx, siteID, false); err != nil {
		log.Warn().Err(err).Str("site", siteID).Msg("failed to clear shield_active flag")
	}

	log.Info().Str("site", siteID).Msg("shield undeployed")
	return nil
}

// AutoDeployIfNeeded is called once at process start: every site persisted
// with shield_active = true gets a deploy attempt; sites whose
// prerequisites are missing (no crawl yet, no port) have the flag cleared
// instead of being retried forever.
func (sup *Supervisor) AutoDeployIfNeeded(ctx context.Context) {
	sites, err := sup.store.ListActiveSites(ctx)
	if err != nil {
		log.Error().Err(err).Msg("auto-deploy: failed to list active sites")
		return
	}
	for _, site := range sites {
		if err := sup.Deploy(ctx, site.ID); err != nil {
			log.Warn().Err(err).Str("site", site.ID).Msg("auto-deploy: prerequisites missing, clearing flag")
			if clearErr := sup.store.SetShieldActive(ctx, site.ID, false); clearErr != nil {
				log.Error().Err(clearErr).Str("site", site.ID).Msg("auto-deploy: failed to clear flag")
			}
		}
	}
}

func (sup *Supervisor) checkPortFree(excludeSiteID string, port int) error {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	for id, inst := range sup.shields {
		if id != excludeSiteID && inst.port == port {
			return fmt.Errorf("supervisor: port %d already in use by site %s", port, id)
		}
	}
	return nil
}

func (sup *Supervisor) buildCSPPolicy(cacheDir string, site *models.Site, cspLearner *csp.Learner) string {
	result := csp.ScanCacheForOrigins(cacheDir, site.TargetURL)
	if learnedCSV := cspLearner.OriginsCSV(); learnedCSV != "" {
		result.Origins = append(result.Origins, strings.Split(learnedCSV, ",")...)
	}
	return csp.Build(result)
}

func (sup *Supervisor) recorderFor(site *models.Site) posthandler.EventRecorder {
	if sup.events == nil {
		return noopRecorder{}
	}
	return sup.events.RecorderFor(site)
}

type noopRecorder struct{}

func (noopRecorder) Record(*models.SecurityEvent) {}

func effectiveOrigin(site *models.Site) string {
	if site.InternalURL != "" {
		return site.InternalURL
	}
	return site.TargetURL
}

func loadLearnedCSV(ctx context.Context, store SiteStore, siteID string) string {
	csv, err := store.LearnedCSPOriginsCSV(ctx, siteID)
	if err != nil {
		return ""
	}
	return csv
}
