package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/BetterCallFirewall/shield/internal/models"
)

// ErrSiteNotFound is returned by GetSite when no row matches the id.
var ErrSiteNotFound = sql.ErrNoRows

// GetSite loads one site's configuration, implementing supervisor.SiteStore.
func (s *Store) GetSite(ctx context.Context, siteID string) (*models.Site, error) {
	row := s.db.QueryRowContext(ctx, siteSelectColumns+` FROM sites WHERE id = ?`, siteID)
	return scanSite(row)
}

// LearnedCSPOriginsCSV returns a site's persisted learned-origin list,
// seeding csp.NewLearner on deploy.
func (s *Store) LearnedCSPOriginsCSV(ctx context.Context, siteID string) (string, error) {
	var csv sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT learned_csp_origins FROM sites WHERE id = ?`, siteID).Scan(&csv)
	return csv.String, err
}

// ListActiveSites returns every site with shield_active = 1, used by
// auto_deploy_if_needed at process start.
func (s *Store) ListActiveSites(ctx context.Context) ([]*models.Site, error) {
	rows, err := s.db.QueryContext(ctx, siteSelectColumns+` FROM sites WHERE shield_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// SetShieldActive flips a site's persisted-active flag, called by
// deploy_shield/undeploy_shield and by auto_deploy_if_needed when
// prerequisites are missing.
func (s *Store) SetShieldActive(ctx context.Context, siteID string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sites SET shield_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now(), siteID)
	return err
}

const siteSelectColumns = `
	SELECT id, name, target_url, internal_url, host_override, shield_port, shield_active,
	       waf_enabled, learn_post_mode, learn_csp_mode, max_body_size,
	       crawler_max_concurrency, crawler_delay_ms, crawler_max_pages, crawler_respect_robots,
	       rate_limit_requests, rate_limit_window_s, event_ring_size, event_retention_days,
	       learned_csp_origins, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (*models.Site, error) {
	var site models.Site
	var internalURL, hostOverride, learnedCSPOrigins sql.NullString
	var delayMS, windowS, retentionDays int

	err := row.Scan(&site.ID, &site.Name, &site.TargetURL, &internalURL, &hostOverride, &site.ShieldPort,
		&site.ShieldActive, &site.WAFEnabled, &site.LearnPostMode, &site.LearnCSPMode, &site.MaxBodySize,
		&site.CrawlerMaxConcurrency, &delayMS, &site.CrawlerMaxPages, &site.CrawlerRespectRobots,
		&site.RateLimitRequests, &windowS, &site.EventRingSize, &retentionDays,
		&learnedCSPOrigins, &site.CreatedAt, &site.UpdatedAt)
	if err != nil {
		return nil, err
	}

	site.InternalURL = internalURL.String
	site.HostOverride = hostOverride.String
	site.CrawlerDelay = time.Duration(delayMS) * time.Millisecond
	site.RateLimitWindow = time.Duration(windowS) * time.Second
	site.EventRetention = time.Duration(retentionDays) * 24 * time.Hour
	return &site, nil
}
