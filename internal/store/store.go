// Package store persists Sites, Pages, CrawlJobs, PostRules and their
// RuleFields in sqlite (modernc.org/sqlite, cgo-free), following
// ConfabulousDev-confab-web's use of the same driver. SecurityEvent
// persistence lives alongside the collector in internal/security, which
// opens its own table through the same *sql.DB.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/BetterCallFirewall/shield/internal/models"
)

// ErrDuplicatePage is returned by InsertPage when a (site_id, url) pair
// already exists; the crawler treats this as a no-op per spec §4.2 step 7.
var ErrDuplicatePage = errors.New("store: duplicate page")

// Store wraps a *sql.DB with the Shield's schema.
type Store struct {
	db *sql.DB
}

// Open creates/opens the sqlite database at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer discipline, matches the single-writer collector design

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for packages (internal/security) that
// need to run their own aggregation queries against the same database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			target_url TEXT NOT NULL,
			internal_url TEXT,
			host_override TEXT,
			shield_port INTEGER,
			shield_active INTEGER NOT NULL DEFAULT 0,
			waf_enabled INTEGER NOT NULL DEFAULT 1,
			learn_post_mode INTEGER NOT NULL DEFAULT 0,
			learn_csp_mode INTEGER NOT NULL DEFAULT 0,
			max_body_size INTEGER NOT NULL DEFAULT 10485760,
			crawler_max_concurrency INTEGER NOT NULL DEFAULT 8,
			crawler_delay_ms INTEGER NOT NULL DEFAULT 250,
			crawler_max_pages INTEGER NOT NULL DEFAULT 5000,
			crawler_respect_robots INTEGER NOT NULL DEFAULT 1,
			rate_limit_requests INTEGER NOT NULL DEFAULT 60,
			rate_limit_window_s INTEGER NOT NULL DEFAULT 60,
			event_ring_size INTEGER NOT NULL DEFAULT 1000,
			event_retention_days INTEGER NOT NULL DEFAULT 30,
			learned_csp_origins TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			url TEXT NOT NULL,
			cache_path TEXT NOT NULL,
			content_type TEXT,
			status_code INTEGER,
			bytes INTEGER,
			etag TEXT,
			last_modified TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE(site_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_jobs (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			status TEXT NOT NULL,
			pages_found INTEGER NOT NULL DEFAULT 0,
			pages_crawled INTEGER NOT NULL DEFAULT 0,
			assets_downloaded INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			error_log TEXT,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS post_rules (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			url_pattern TEXT NOT NULL,
			is_regex INTEGER NOT NULL DEFAULT 0,
			forward_to TEXT,
			rate_limit_requests INTEGER NOT NULL DEFAULT 30,
			rate_limit_window_s INTEGER NOT NULL DEFAULT 60,
			honeypot_field TEXT,
			allowed_actions TEXT,
			success_redirect TEXT,
			success_message TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			learned INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS rule_fields (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			field_name TEXT NOT NULL,
			field_type TEXT NOT NULL,
			required INTEGER NOT NULL DEFAULT 0,
			max_length INTEGER NOT NULL DEFAULT 255,
			validation_regex TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			path TEXT,
			method TEXT,
			user_agent TEXT,
			country TEXT,
			details TEXT,
			blocked INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_site_ts ON security_events(site_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertPage persists a crawled page, swallowing duplicates as
// ErrDuplicatePage so callers can log-and-continue per spec.
func (s *Store) InsertPage(ctx context.Context, p *models.Page) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, site_id, url, cache_path, content_type, status_code, bytes, etag, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SiteID, p.URL, p.CachePath, p.ContentType, p.StatusCode, p.Bytes, p.ETag, p.LastModified, time.Now())
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicatePage
	}
	return err
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// CreateCrawlJob inserts a new CrawlJob row in "pending" status.
func (s *Store) CreateCrawlJob(ctx context.Context, siteID string) (*models.CrawlJob, error) {
	job := &models.CrawlJob{ID: uuid.NewString(), SiteID: siteID, Status: models.CrawlPending}
	_, err := s.db.ExecContext(ctx, `INSERT INTO crawl_jobs (id, site_id, status) VALUES (?, ?, ?)`,
		job.ID, job.SiteID, job.Status)
	return job, err
}

// MarkJobRunning transitions a job to running and stamps started_at.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawl_jobs SET status = ?, started_at = ? WHERE id = ?`,
		models.CrawlRunning, time.Now(), jobID)
	return err
}

// FinishJob writes the terminal status and final counters for a job.
func (s *Store) FinishJob(ctx context.Context, jobID string, status models.CrawlStatus, found, crawled, assets, errs int, errorLog []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET status = ?, pages_found = ?, pages_crawled = ?, assets_downloaded = ?, errors = ?, error_log = ?, finished_at = ?
		WHERE id = ?`,
		status, found, crawled, assets, errs, strings.Join(errorLog, "\n"), time.Now(), jobID)
	return err
}

// ActivePostRulesForSite returns every is_active rule for a site, literal
// matches first (RuleField precedence is handled by the post handler, not
// the store), ordered by rowid for stable "first rule wins" semantics.
func (s *Store) ActivePostRulesForSite(ctx context.Context, siteID string) ([]*models.PostRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site_id, url_pattern, is_regex, forward_to, rate_limit_requests, rate_limit_window_s,
		       honeypot_field, allowed_actions, success_redirect, success_message, learned
		FROM post_rules WHERE site_id = ? AND is_active = 1 ORDER BY rowid`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*models.PostRule
	for rows.Next() {
		r := &models.PostRule{IsActive: true}
		var windowS int
		var allowedActionsCSV string
		if err := rows.Scan(&r.ID, &r.SiteID, &r.URLPattern, &r.IsRegex, &r.ForwardTo, &r.RateLimitRequests,
			&windowS, &r.HoneypotField, &allowedActionsCSV, &r.SuccessRedirect, &r.SuccessMessage, &r.LearnedAutomatically); err != nil {
			return nil, err
		}
		r.RateLimitWindow = time.Duration(windowS) * time.Second
		if allowedActionsCSV != "" {
			r.AllowedActions = strings.Split(allowedActionsCSV, ",")
		}
		fields, err := s.ruleFields(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Fields = fields
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) ruleFields(ctx context.Context, ruleID string) ([]models.RuleField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_name, field_type, required, max_length, validation_regex
		FROM rule_fields WHERE rule_id = ?`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []models.RuleField
	for rows.Next() {
		var f models.RuleField
		var ft string
		if err := rows.Scan(&f.FieldName, &ft, &f.Required, &f.MaxLength, &f.ValidationRegex); err != nil {
			return nil, err
		}
		f.FieldType = models.FieldType(ft)
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// InsertPostRule persists an auto-generated or admin-created rule.
func (s *Store) InsertPostRule(ctx context.Context, r *models.PostRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_rules (id, site_id, url_pattern, is_regex, forward_to, rate_limit_requests, rate_limit_window_s,
			honeypot_field, allowed_actions, success_redirect, success_message, is_active, learned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SiteID, r.URLPattern, r.IsRegex, r.ForwardTo, r.RateLimitRequests, int(r.RateLimitWindow/time.Second),
		r.HoneypotField, strings.Join(r.AllowedActions, ","), r.SuccessRedirect, r.SuccessMessage, r.IsActive, r.LearnedAutomatically)
	return err
}

// SaveLearnedCSPOrigins persists a site's CSP learner state, implementing
// csp.OriginPersister.
func (s *Store) SaveLearnedCSPOrigins(ctx context.Context, siteID, originsCSV string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sites SET learned_csp_origins = ?, updated_at = ? WHERE id = ?`,
		originsCSV, time.Now(), siteID)
	return err
}

// UpdateRuleAllowedActions overwrites a rule's allow-list, used when the
// learn-mode admin-ajax accumulator discovers a new action value.
func (s *Store) UpdateRuleAllowedActions(ctx context.Context, ruleID string, actions []string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE post_rules SET allowed_actions = ? WHERE id = ?`, strings.Join(actions, ","), ruleID)
	return err
}

// InsertSecurityEvents bulk-inserts a batch drained from the Security
// Event Collector's queue, implementing security.EventStore.
func (s *Store) InsertSecurityEvents(ctx context.Context, events []*models.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO security_events (id, site_id, timestamp, event_type, severity, client_ip, path, method, user_agent, country, details, blocked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, evt := range events {
		if evt.ID == "" {
			evt.ID = uuid.NewString()
		}
		detailsJSON, err := json.Marshal(evt.Details)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, evt.ID, evt.SiteID, evt.Timestamp, evt.EventType, evt.Severity,
			evt.ClientIP, evt.Path, evt.Method, evt.UserAgent, evt.Country, string(detailsJSON), evt.Blocked); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteSecurityEventsOlderThan removes events whose timestamp precedes
// cutoff, returning the number of rows deleted.
func (s *Store) DeleteSecurityEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventSummary aggregates event counts for a time window.
type EventSummary struct {
	TotalEvents   int
	BlockedEvents int
	UniqueIPs     int
}

// GetSummary returns aggregate counts for siteID since `since`.
func (s *Store) GetSummary(ctx context.Context, siteID string, since time.Time) (*EventSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(blocked), 0), COUNT(DISTINCT client_ip)
		FROM security_events WHERE site_id = ? AND timestamp >= ?`, siteID, since)
	summary := &EventSummary{}
	if err := row.Scan(&summary.TotalEvents, &summary.BlockedEvents, &summary.UniqueIPs); err != nil {
		return nil, err
	}
	return summary, nil
}

// GlobalSummary aggregates event counts across every site.
type GlobalSummary struct {
	TotalEvents   int
	BlockedEvents int
	ActiveSites   int
}

// GetGlobalSummary returns the process-wide aggregate since `since`.
func (s *Store) GetGlobalSummary(ctx context.Context, since time.Time) (*GlobalSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(blocked), 0), COUNT(DISTINCT site_id)
		FROM security_events WHERE timestamp >= ?`, since)
	summary := &GlobalSummary{}
	if err := row.Scan(&summary.TotalEvents, &summary.BlockedEvents, &summary.ActiveSites); err != nil {
		return nil, err
	}
	return summary, nil
}

// TimelinePoint is one bucket of GetTimeline's hourly event counts.
type TimelinePoint struct {
	Bucket string
	Count  int
}

// GetTimeline buckets siteID's events by hour since `since`.
func (s *Store) GetTimeline(ctx context.Context, siteID string, since time.Time) ([]TimelinePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%dT%H:00:00', timestamp) AS bucket, COUNT(*)
		FROM security_events WHERE site_id = ? AND timestamp >= ?
		GROUP BY bucket ORDER BY bucket`, siteID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TimelinePoint
	for rows.Next() {
		var p TimelinePoint
		if err := rows.Scan(&p.Bucket, &p.Count); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// AttackerCount is one row of GetTopAttackers.
type AttackerCount struct {
	ClientIP string
	Count    int
}

// GetTopAttackers returns the busiest client IPs for siteID since `since`.
func (s *Store) GetTopAttackers(ctx context.Context, siteID string, since time.Time, limit int) ([]AttackerCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_ip, COUNT(*) AS hits FROM security_events
		WHERE site_id = ? AND timestamp >= ?
		GROUP BY client_ip ORDER BY hits DESC LIMIT ?`, siteID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttackerCount
	for rows.Next() {
		var a AttackerCount
		if err := rows.Scan(&a.ClientIP, &a.Count); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetEventTypeBreakdown counts siteID's events grouped by event_type.
func (s *Store) GetEventTypeBreakdown(ctx context.Context, siteID string, since time.Time) (map[string]int, error) {
	return s.breakdown(ctx, "event_type", siteID, since)
}

// GetSeverityBreakdown counts siteID's events grouped by severity.
func (s *Store) GetSeverityBreakdown(ctx context.Context, siteID string, since time.Time) (map[string]int, error) {
	return s.breakdown(ctx, "severity", siteID, since)
}

func (s *Store) breakdown(ctx context.Context, column, siteID string, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) FROM security_events
		WHERE site_id = ? AND timestamp >= ? GROUP BY %s`, column, column), siteID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out[key] = count
	}
	return out, rows.Err()
}
