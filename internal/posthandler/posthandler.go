// Package posthandler implements the Shield's POST pipeline: rule match,
// per-endpoint rate limiting, body parsing, injection scanning, admin-ajax
// allow-listing, honeypot short-circuiting, field sanitization and
// forwarding to the origin, following
// original_source/backend/shield/post_handler.py.
package posthandler

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/ratelimit"
	"github.com/BetterCallFirewall/shield/internal/sanitizer"
	"github.com/BetterCallFirewall/shield/internal/secheaders"
	"github.com/BetterCallFirewall/shield/internal/waf"
)

const (
	forwardTimeout   = 30 * time.Second
	maxLearnCaptures = 500
)

var adminAjaxPaths = map[string]struct{}{
	"/wp-admin/admin-ajax.php": {},
	"/wp-admin/admin-post.php": {},
}

// hopByHopHeaders are stripped from the origin's response before it is
// relayed back to the client.
var hopByHopHeaders = []string{"Transfer-Encoding", "Content-Encoding", "Connection"}

// RuleStore is the subset of internal/store.Store the handler needs to
// persist learn-mode discoveries.
type RuleStore interface {
	InsertPostRule(ctx context.Context, r *models.PostRule) error
	UpdateRuleAllowedActions(ctx context.Context, ruleID string, actions []string) error
}

// EventRecorder accepts Security Events for the site this handler serves.
type EventRecorder interface {
	Record(evt *models.SecurityEvent)
}

// Handler implements http.Handler for a site's POST endpoints, and
// waf.PostRuleMatcher so the WAF's suspicious-path check can consult it.
type Handler struct {
	site        *models.Site
	store       RuleStore
	rateLimiter *ratelimit.Limiter
	events      EventRecorder
	client      *http.Client

	mu            sync.RWMutex
	rules         []*models.PostRule
	learnCaptures map[string]struct{}
}

// New builds a Handler loaded with a site's currently-active PostRules.
func New(site *models.Site, rules []*models.PostRule, store RuleStore, rateLimiter *ratelimit.Limiter, events EventRecorder) *Handler {
	return &Handler{
		site:          site,
		store:         store,
		rateLimiter:   rateLimiter,
		events:        events,
		client:        &http.Client{Timeout: forwardTimeout},
		rules:         rules,
		learnCaptures: map[string]struct{}{},
	}
}

// HasMatchingRule reports whether path has an active rule, satisfying
// waf.PostRuleMatcher.
func (h *Handler) HasMatchingRule(path string) bool {
	_, ok := h.matchRule(path)
	return ok
}

// LearnModeEnabled satisfies waf.PostRuleMatcher.
func (h *Handler) LearnModeEnabled() bool { return h.site.LearnPostMode }

// matchRule finds the first active rule for path: literal equality wins
// over a regex match.
func (h *Handler) matchRule(path string) (*models.PostRule, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, r := range h.rules {
		if !r.IsRegex && r.URLPattern == path {
			return r, true
		}
	}
	for _, r := range h.rules {
		if !r.IsRegex {
			continue
		}
		re, err := regexp.Compile("(?i)^(?:" + r.URLPattern + ")$")
		if err != nil {
			continue
		}
		if re.MatchString(path) {
			return r, true
		}
	}
	return nil, false
}

func (h *Handler) addRule(r *models.PostRule) {
	h.mu.Lock()
	h.rules = append(h.rules, r)
	h.mu.Unlock()
}

func (h *Handler) recordEvent(r *http.Request, clientIP string, et models.EventType, sev models.Severity, details map[string]any) {
	if h.events == nil {
		return
	}
	evt := models.NewSecurityEvent(h.site.ID, et, sev, clientIP, r.URL.Path, r.Method, r.Header.Get("User-Agent"), details)
	h.events.Record(evt)
}

// ServeHTTP implements the POST pipeline described in §4.10.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := waf.ClientIP(r)
	path := r.URL.Path

	rule, matched := h.matchRule(path)
	if !matched && !h.site.LearnPostMode {
		h.recordEvent(r, clientIP, models.EventPostUnregistered, models.SeverityLow, nil)
		http.Error(w, "Not Found", http.StatusMethodNotAllowed)
		return
	}

	if matched {
		if !h.rateLimiter.CheckEndpoint(clientIP, path, rule.RateLimitRequests, rule.RateLimitWindow) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, h.site.MaxBodySize+1))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	rawData, parseErr, unsupported := parseBody(r, bodyBytes)
	if unsupported {
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}
	if parseErr != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if threat := sanitizer.ScanPostData(rawData); threat != nil {
		et := models.EventPostInjection
		if threat.Threat == "null_byte" {
			et = models.EventNullByteBlocked
		}
		h.recordEvent(r, clientIP, et, models.SeverityCritical, map[string]any{
			"param": threat.Param, "pattern": threat.Pattern,
		})
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if _, isAdminAjax := adminAjaxPaths[path]; isAdminAjax && matched && len(rule.AllowedActions) > 0 {
		action := rawData["action"]
		if !actionAllowed(action, rule.AllowedActions) {
			h.recordEvent(r, clientIP, models.EventPostActionBlocked, models.SeverityHigh, map[string]any{"action": action})
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if matched && rule.HoneypotField != "" && rawData[rule.HoneypotField] != "" {
		h.recordEvent(r, clientIP, models.EventHoneypotTriggered, models.SeverityCritical, nil)
		writeSuccessResponse(w, rule)
		return
	}

	if !matched {
		rule = h.learnModeFallback(r, path, rawData)
	} else {
		_, errs := sanitizer.SanitizeAndValidate(rawData, rule.Fields)
		if len(errs) > 0 {
			writeValidationErrors(w, errs)
			return
		}
	}

	h.forward(w, r, rule, bodyBytes, clientIP)
}

func actionAllowed(action string, allowed []string) bool {
	if action == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// learnModeFallback records the unmatched path's shape and persists an
// auto-generated rule so subsequent identical requests match directly.
func (h *Handler) learnModeFallback(r *http.Request, path string, rawData map[string]string) *models.PostRule {
	fieldNames := make([]string, 0, len(rawData))
	for name := range rawData {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)

	key := path + ":" + strings.Join(fieldNames, ",")
	h.mu.Lock()
	if len(h.learnCaptures) < maxLearnCaptures {
		h.learnCaptures[key] = struct{}{}
	}
	h.mu.Unlock()

	_, isAdminAjax := adminAjaxPaths[path]

	fields := make([]models.RuleField, 0, len(fieldNames))
	for _, name := range fieldNames {
		fields = append(fields, models.RuleField{FieldName: name, FieldType: models.FieldText, MaxLength: 1000})
	}

	rule := &models.PostRule{
		ID:                   uuid.NewString(),
		SiteID:               h.site.ID,
		URLPattern:           path,
		IsRegex:              false,
		RateLimitRequests:    30,
		RateLimitWindow:      time.Minute,
		IsActive:             true,
		Fields:               fields,
		LearnedAutomatically: true,
	}
	if isAdminAjax {
		if action := rawData["action"]; action != "" {
			rule.AllowedActions = []string{action}
		}
	}

	if h.store != nil {
		if err := h.store.InsertPostRule(context.Background(), rule); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to persist learned post rule")
		}
	}
	h.addRule(rule)
	return rule
}

// parseBody decodes the request body into a flat string map per the
// request's Content-Type, dropping file parts from multipart submissions.
func parseBody(r *http.Request, body []byte) (map[string]string, error, bool) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err, false
		}
		return flatten(values), nil, false

	case strings.HasPrefix(mediaType, "multipart/form-data"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("posthandler: missing multipart boundary"), false
		}
		return parseMultipart(body, boundary)

	case mediaType == "application/json":
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err, false
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out, nil, false

	default:
		return nil, nil, true
	}
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// writeValidationErrors writes the §4.10 step 7 JSON error shape.
func writeValidationErrors(w http.ResponseWriter, errs []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "errors": errs})
}

// writeSuccessResponse implements the honeypot/legitimate-success shape: a
// same-origin redirect when configured, otherwise an HTML body with the
// escaped success message.
func writeSuccessResponse(w http.ResponseWriter, rule *models.PostRule) {
	secheaders.Apply(w.Header())
	if rule.SuccessRedirect != "" && isSameOriginRedirect(rule.SuccessRedirect) {
		w.Header().Set("Location", rule.SuccessRedirect)
		w.WriteHeader(http.StatusSeeOther)
		return
	}
	msg := rule.SuccessMessage
	if msg == "" {
		msg = "Success"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<html><body>%s</body></html>", html.EscapeString(msg))
}

func isSameOriginRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Host == "" && !u.IsAbs()
}
