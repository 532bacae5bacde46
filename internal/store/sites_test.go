package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertTestSite(t *testing.T, s *Store, id string, shieldPort int, active bool) {
	t.Helper()
	now := time.Now()
	_, err := s.DB().Exec(`
		INSERT INTO sites (id, name, target_url, shield_port, shield_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, "Example", "https://example.com", shieldPort, active, now, now)
	require.NoError(t, err)
}

func TestGetSiteReturnsConfiguredDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestSite(t, s, "site-1", 9001, true)

	site, err := s.GetSite(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", site.TargetURL)
	assert.Equal(t, 9001, site.ShieldPort)
	assert.True(t, site.ShieldActive)
	assert.True(t, site.WAFEnabled)
	assert.Equal(t, 60, site.RateLimitRequests)
}

func TestListActiveSitesOnlyReturnsActiveFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestSite(t, s, "site-1", 9001, true)
	insertTestSite(t, s, "site-2", 9002, false)

	sites, err := s.ListActiveSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "site-1", sites[0].ID)
}

func TestSetShieldActiveFlipsFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestSite(t, s, "site-1", 9001, false)

	require.NoError(t, s.SetShieldActive(ctx, "site-1", true))
	site, err := s.GetSite(ctx, "site-1")
	require.NoError(t, err)
	assert.True(t, site.ShieldActive)
}

func TestLearnedCSPOriginsCSVRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestSite(t, s, "site-1", 9001, true)

	require.NoError(t, s.SaveLearnedCSPOrigins(ctx, "site-1", "https://fonts.googleapis.com"))
	csv, err := s.LearnedCSPOriginsCSV(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, "https://fonts.googleapis.com", csv)
}
