// Package waf implements the Shield's fixed-order filter chain, following
// original_source/backend/shield/waf.py. Every rejecting step produces a
// canonical Decision carrying both the response to send and the Security
// Event to record, and the chain is evaluated once per request before any
// handler runs.
package waf

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/ratelimit"
)

var botWords = []string{
	"sqlmap", "nikto", "nessus", "masscan", "dirbuster",
	"gobuster", "nmap", "havij", "w3af", "acunetix",
}

var maliciousBotPattern = regexp.MustCompile("(?i)" + strings.Join(botWords, "|"))

var suspiciousPathWords = []string{
	`\.\./`, `\.\.\\`, `%2e%2e`, `%252e`,
	`/etc/passwd`, `/proc/self`,
	`wp-admin`, `wp-login\.php`, `xmlrpc\.php`, `wp-config`,
	`\.git/`, `\.env`, `phpmyadmin`,
}

var staticAssetExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".avif": {},
	".ico": {}, ".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {}, ".map": {},
	".pdf": {}, ".mp4": {}, ".webm": {}, ".mp3": {}, ".ogg": {},
}

func buildSuspiciousPathPattern(custom []string) *regexp.Regexp {
	parts := append([]string{}, suspiciousPathWords...)
	for _, c := range custom {
		parts = append(parts, regexp.QuoteMeta(c))
	}
	return regexp.MustCompile("(?i)" + strings.Join(parts, "|"))
}

// Decision is the sum-type result of running the filter chain: either
// Allowed is true and every other field is zero, or the request must be
// terminated with Status/Body and, if EventType is non-empty, a
// SecurityEvent recorded.
type Decision struct {
	Allowed   bool
	Status    int
	Body      string
	EventType models.EventType
	Severity  models.Severity
	Country   string
	Details   map[string]any
}

func allow() Decision { return Decision{Allowed: true} }

func reject(status int, body string, et models.EventType, sev models.Severity, details map[string]any) Decision {
	return Decision{Status: status, Body: body, EventType: et, Severity: sev, Details: details}
}

// PostRuleMatcher lets the WAF ask whether a suspicious POST path is covered
// by an active rule or learn-mode, satisfied by internal/posthandler.
type PostRuleMatcher interface {
	HasMatchingRule(path string) bool
	LearnModeEnabled() bool
}

// Filter evaluates the fixed-order WAF chain for one site.
type Filter struct {
	site             *models.Site
	rateLimiter      *ratelimit.Limiter
	geo              *GeoResolver
	postRules        PostRuleMatcher
	ipBlacklist      map[string]struct{}
	blockedCountries map[string]struct{}
	suspiciousRe     *regexp.Regexp
	blockBots        bool
	rateLimitEnabled bool
}

// Options configures one site's Filter.
type Options struct {
	Site                  *models.Site
	RateLimiter           *ratelimit.Limiter
	Geo                   *GeoResolver
	PostRules             PostRuleMatcher
	BlockBots             bool
	RateLimitEnabled      bool
	CustomBlockedPatterns []string
}

// New builds a Filter for one site.
func New(opts Options) *Filter {
	blacklist := map[string]struct{}{}
	for _, ip := range opts.Site.IPDenyList {
		blacklist[ip] = struct{}{}
	}
	return &Filter{
		site:             opts.Site,
		rateLimiter:      opts.RateLimiter,
		geo:              opts.Geo,
		postRules:        opts.PostRules,
		ipBlacklist:      blacklist,
		blockedCountries: opts.Site.BlockedCountries,
		suspiciousRe:     buildSuspiciousPathPattern(opts.CustomBlockedPatterns),
		blockBots:        opts.BlockBots,
		rateLimitEnabled: opts.RateLimitEnabled,
	}
}

func isStaticAsset(path string) bool {
	idx := strings.LastIndex(path, ".")
	if idx == -1 {
		return false
	}
	_, ok := staticAssetExtensions[strings.ToLower(path[idx:])]
	return ok
}

// Evaluate runs the fixed-order filter chain against r.
func (f *Filter) Evaluate(r *http.Request) Decision {
	path := r.URL.Path
	method := r.Method
	isStatic := isStaticAsset(path)

	hasIPChecks := len(f.ipBlacklist) > 0
	hasGeoChecks := len(f.blockedCountries) > 0

	if isStatic && method == http.MethodGet && !hasIPChecks && !hasGeoChecks {
		return allow()
	}

	clientIP := ClientIP(r)

	if hasIPChecks {
		if _, blocked := f.ipBlacklist[clientIP]; blocked {
			return reject(http.StatusForbidden, "Forbidden", models.EventIPBlacklisted, models.SeverityCritical, nil)
		}
	}

	if hasGeoChecks && f.geo != nil {
		country := f.geo.CountryFor(r, clientIP)
		if country != "" {
			if _, blocked := f.blockedCountries[country]; blocked {
				d := reject(http.StatusForbidden, "Access Denied", models.EventCountryBlocked, models.SeverityHigh,
					map[string]any{"country": country})
				d.Country = country
				return d
			}
		}
	}

	if isStatic {
		return allow()
	}

	userAgent := r.Header.Get("User-Agent")

	if f.blockBots && maliciousBotPattern.MatchString(userAgent) {
		return reject(http.StatusForbidden, "Forbidden", models.EventBotBlocked, models.SeverityHigh,
			map[string]any{"user_agent": userAgent})
	}

	if f.rateLimitEnabled && f.rateLimiter != nil {
		if !f.rateLimiter.CheckGlobal(clientIP) {
			return reject(http.StatusTooManyRequests, "Too Many Requests", models.EventRateLimited, models.SeverityMedium, nil)
		}
	}

	if f.suspiciousRe.MatchString(path) {
		postAllowed := method == http.MethodPost && f.postRules != nil &&
			(f.postRules.HasMatchingRule(path) || f.postRules.LearnModeEnabled())
		if !postAllowed {
			return reject(http.StatusForbidden, "Forbidden", models.EventSuspiciousPath, models.SeverityHigh,
				map[string]any{"path": path})
		}
	}

	if query := r.URL.RawQuery; query != "" && f.suspiciousRe.MatchString(query) {
		return reject(http.StatusForbidden, "Forbidden", models.EventSuspiciousPath, models.SeverityHigh,
			map[string]any{"query": query})
	}

	if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
		size, err := strconv.ParseInt(contentLength, 10, 64)
		if err != nil {
			return reject(http.StatusBadRequest, "Bad Request", "", "", nil)
		}
		if size > f.site.MaxBodySize {
			return reject(http.StatusRequestEntityTooLarge, "Payload Too Large", models.EventPayloadTooLarge, models.SeverityMedium,
				map[string]any{"size": contentLength})
		}
	}

	return allow()
}
