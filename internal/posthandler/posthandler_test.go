package posthandler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/ratelimit"
)

type fakeRuleStore struct {
	inserted []*models.PostRule
}

func (f *fakeRuleStore) InsertPostRule(ctx context.Context, r *models.PostRule) error {
	f.inserted = append(f.inserted, r)
	return nil
}
func (f *fakeRuleStore) UpdateRuleAllowedActions(ctx context.Context, ruleID string, actions []string) error {
	return nil
}

type fakeRecorder struct {
	events []*models.SecurityEvent
}

func (f *fakeRecorder) Record(evt *models.SecurityEvent) { f.events = append(f.events, evt) }

func newTestSite(targetURL string) *models.Site {
	return &models.Site{
		ID:          "site-1",
		TargetURL:   targetURL,
		MaxBodySize: 1 << 20,
	}
}

func newLimiter() *ratelimit.Limiter {
	return ratelimit.New(1000, time.Minute, time.Hour)
}

func TestServeHTTPRejectsUnregisteredWithoutLearnMode(t *testing.T) {
	site := newTestSite("http://origin.example")
	h := New(site, nil, &fakeRuleStore{}, newLimiter(), &fakeRecorder{})

	req := httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader("name=bob"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeHTTPForwardsOnMatchedRule(t *testing.T) {
	var receivedBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		receivedBody = string(body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	site := newTestSite(origin.URL)
	rule := &models.PostRule{
		ID: "r1", SiteID: site.ID, URLPattern: "/contact", IsActive: true,
		RateLimitRequests: 10, RateLimitWindow: time.Minute,
		Fields: []models.RuleField{{FieldName: "name", FieldType: models.FieldText, MaxLength: 100}},
	}
	recorder := &fakeRecorder{}
	h := New(site, []*models.PostRule{rule}, &fakeRuleStore{}, newLimiter(), recorder)

	req := httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader("name=bob"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Contains(t, receivedBody, "name=bob")
}

func TestServeHTTPBlocksLFIInjection(t *testing.T) {
	site := newTestSite("http://origin.example")
	rule := &models.PostRule{ID: "r1", SiteID: site.ID, URLPattern: "/upload", IsActive: true, RateLimitRequests: 10, RateLimitWindow: time.Minute}
	recorder := &fakeRecorder{}
	h := New(site, []*models.PostRule{rule}, &fakeRuleStore{}, newLimiter(), recorder)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("file=../../etc/passwd"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.Len(t, recorder.events, 1)
	assert.Equal(t, models.EventPostInjection, recorder.events[0].EventType)
}

func TestServeHTTPBlocksDisallowedAdminAjaxAction(t *testing.T) {
	site := newTestSite("http://origin.example")
	rule := &models.PostRule{
		ID: "r1", SiteID: site.ID, URLPattern: "/wp-admin/admin-ajax.php", IsActive: true,
		RateLimitRequests: 10, RateLimitWindow: time.Minute,
		AllowedActions: []string{"heartbeat", "wp_save"},
	}
	recorder := &fakeRecorder{}
	h := New(site, []*models.PostRule{rule}, &fakeRuleStore{}, newLimiter(), recorder)

	req := httptest.NewRequest(http.MethodPost, "/wp-admin/admin-ajax.php", strings.NewReader("action=unknown"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.Len(t, recorder.events, 1)
	assert.Equal(t, models.EventPostActionBlocked, recorder.events[0].EventType)
	assert.Equal(t, "unknown", recorder.events[0].Details["action"])
}

func TestServeHTTPHoneypotReturnsSuccessShape(t *testing.T) {
	site := newTestSite("http://origin.example")
	rule := &models.PostRule{
		ID: "r1", SiteID: site.ID, URLPattern: "/contact", IsActive: true,
		RateLimitRequests: 10, RateLimitWindow: time.Minute,
		HoneypotField: "hp", SuccessMessage: "Thanks!",
	}
	recorder := &fakeRecorder{}
	h := New(site, []*models.PostRule{rule}, &fakeRuleStore{}, newLimiter(), recorder)

	req := httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader("name=bob&hp=iamabot"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Thanks!")
	require.Len(t, recorder.events, 1)
	assert.Equal(t, models.EventHoneypotTriggered, recorder.events[0].EventType)
}

func TestServeHTTPValidationErrorsReturn422(t *testing.T) {
	site := newTestSite("http://origin.example")
	rule := &models.PostRule{
		ID: "r1", SiteID: site.ID, URLPattern: "/contact", IsActive: true,
		RateLimitRequests: 10, RateLimitWindow: time.Minute,
		Fields: []models.RuleField{{FieldName: "email", FieldType: models.FieldEmail, Required: true, MaxLength: 100}},
	}
	h := New(site, []*models.PostRule{rule}, &fakeRuleStore{}, newLimiter(), &fakeRecorder{})

	req := httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader("email="))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"error"`)
}

func TestServeHTTPLearnModeCapturesAndPersistsRule(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	site := newTestSite(origin.URL)
	site.LearnPostMode = true
	store := &fakeRuleStore{}
	h := New(site, nil, store, newLimiter(), &fakeRecorder{})

	req := httptest.NewRequest(http.MethodPost, "/new-form", strings.NewReader("name=bob"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, "/new-form", store.inserted[0].URLPattern)
	assert.True(t, h.HasMatchingRule("/new-form"))
}

func TestServeHTTPRejectsUnsupportedContentType(t *testing.T) {
	site := newTestSite("http://origin.example")
	rule := &models.PostRule{ID: "r1", SiteID: site.ID, URLPattern: "/contact", IsActive: true, RateLimitRequests: 10, RateLimitWindow: time.Minute}
	h := New(site, []*models.PostRule{rule}, &fakeRuleStore{}, newLimiter(), &fakeRecorder{})

	req := httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "application/xml")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestIsSameOriginRedirectRejectsForeignHost(t *testing.T) {
	assert.True(t, isSameOriginRedirect("/thank-you"))
	assert.False(t, isSameOriginRedirect("https://evil.example/phish"))
}

func TestBuildTargetURLAppendsPathAndQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/contact?ref=x", nil)
	target, err := buildTargetURL("http://origin.example", req)
	require.NoError(t, err)
	parsed, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "/contact", parsed.Path)
	assert.Equal(t, "ref=x", parsed.RawQuery)
}
