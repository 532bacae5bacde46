package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/shield/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shield.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertPageRejectsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	page := &models.Page{SiteID: "site-1", URL: "https://example.com/", CachePath: "index.html"}
	require.NoError(t, s.InsertPage(ctx, page))

	dup := &models.Page{SiteID: "site-1", URL: "https://example.com/", CachePath: "index.html"}
	err := s.InsertPage(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicatePage)
}

func TestCrawlJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.CreateCrawlJob(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, models.CrawlPending, job.Status)

	require.NoError(t, s.MarkJobRunning(ctx, job.ID))
	require.NoError(t, s.FinishJob(ctx, job.ID, models.CrawlCompleted, 10, 10, 3, 0, nil))
}

func TestPostRuleInsertAndActiveListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := &models.PostRule{
		SiteID: "site-1", URLPattern: "/contact", IsActive: true,
		RateLimitRequests: 10, RateLimitWindow: time.Minute,
		AllowedActions: []string{"heartbeat", "wp_save"},
		Fields:         []models.RuleField{{FieldName: "email", FieldType: models.FieldEmail, Required: true, MaxLength: 100}},
	}
	require.NoError(t, s.InsertPostRule(ctx, rule))

	rules, err := s.ActivePostRulesForSite(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "/contact", rules[0].URLPattern)
	assert.Equal(t, []string{"heartbeat", "wp_save"}, rules[0].AllowedActions)
}

func TestUpdateRuleAllowedActions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := &models.PostRule{SiteID: "site-1", URLPattern: "/wp-admin/admin-ajax.php", IsActive: true}
	require.NoError(t, s.InsertPostRule(ctx, rule))
	require.NoError(t, s.UpdateRuleAllowedActions(ctx, rule.ID, []string{"heartbeat", "new_action"}))

	rules, err := s.ActivePostRulesForSite(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"heartbeat", "new_action"}, rules[0].AllowedActions)
}

func TestSaveLearnedCSPOrigins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveLearnedCSPOrigins(ctx, "site-1", "https://fonts.googleapis.com,https://cdn.example.com"))
}

func TestSecurityEventsInsertAndAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	events := []*models.SecurityEvent{
		models.NewSecurityEvent("site-1", models.EventBotBlocked, models.SeverityHigh, "1.2.3.4", "/", "GET", "sqlmap", nil),
		models.NewSecurityEvent("site-1", models.EventRateLimited, models.SeverityMedium, "1.2.3.4", "/", "GET", "curl", nil),
		models.NewSecurityEvent("site-1", models.EventSuspiciousPath, models.SeverityHigh, "5.6.7.8", "/../etc/passwd", "GET", "curl", nil),
	}
	require.NoError(t, s.InsertSecurityEvents(ctx, events))

	since := now.Add(-time.Hour)
	summary, err := s.GetSummary(ctx, "site-1", since)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalEvents)
	assert.Equal(t, 2, summary.UniqueIPs)

	global, err := s.GetGlobalSummary(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 3, global.TotalEvents)
	assert.Equal(t, 1, global.ActiveSites)

	attackers, err := s.GetTopAttackers(ctx, "site-1", since, 5)
	require.NoError(t, err)
	require.Len(t, attackers, 2)
	assert.Equal(t, "1.2.3.4", attackers[0].ClientIP)
	assert.Equal(t, 2, attackers[0].Count)

	byType, err := s.GetEventTypeBreakdown(ctx, "site-1", since)
	require.NoError(t, err)
	assert.Equal(t, 1, byType[string(models.EventBotBlocked)])

	bySeverity, err := s.GetSeverityBreakdown(ctx, "site-1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, bySeverity[string(models.SeverityHigh)])

	timeline, err := s.GetTimeline(ctx, "site-1", since)
	require.NoError(t, err)
	assert.NotEmpty(t, timeline)
}

func TestDeleteSecurityEventsOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	evt := models.NewSecurityEvent("site-1", models.EventBotBlocked, models.SeverityHigh, "1.2.3.4", "/", "GET", "sqlmap", nil)
	evt.Timestamp = time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, s.InsertSecurityEvents(ctx, []*models.SecurityEvent{evt}))

	deleted, err := s.DeleteSecurityEventsOlderThan(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
