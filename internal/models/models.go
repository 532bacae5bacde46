// Package models holds the data entities shared across the Shield's
// engines: sites, crawled pages, crawl jobs, POST rules and their fields,
// and security events. Storage types live in internal/store; these are the
// semantic, in-memory shapes everything else operates on.
package models

import "time"

// Site is one protected origin configured for crawling and shielding.
type Site struct {
	ID             string
	Name           string
	TargetURL      string // public origin, e.g. https://legacy.example.com
	InternalURL    string // optional split-horizon origin for crawl/forward fetches
	HostOverride   string // Host header to send when InternalURL is set
	ShieldPort     int
	ShieldActive   bool
	WAFEnabled     bool
	LearnPostMode  bool
	LearnCSPMode   bool
	MaxBodySize    int64
	IPAllowList    []string
	IPDenyList     []string
	BlockedCountries map[string]struct{}
	SuspiciousPathPatterns []string

	CrawlerMaxConcurrency int
	CrawlerDelay          time.Duration
	CrawlerMaxPages       int
	CrawlerRespectRobots  bool

	RateLimitRequests int
	RateLimitWindow   time.Duration

	EventRingSize  int
	EventRetention time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CacheDir returns the sole on-disk directory this site's crawler and
// learner are allowed to write under.
func (s *Site) CacheDir(cacheRoot string) string {
	return cacheRoot + "/" + s.ID
}

// Page is one URL captured by the crawler (or added manually).
type Page struct {
	ID            string
	SiteID        string
	URL           string
	CachePath     string // relative to Site.CacheDir
	ContentType   string
	StatusCode    int
	Bytes         int64
	ETag          string
	LastModified  string
	DetectedForms []HTMLForm
	CreatedAt     time.Time
}

// CrawlJob tracks one run of the Crawler Engine against a Site.
type CrawlJob struct {
	ID               string
	SiteID           string
	Status           CrawlStatus
	PagesFound       int
	PagesCrawled     int
	AssetsDownloaded int
	Errors           int
	ErrorLog         []string
	StartedAt        time.Time
	FinishedAt        time.Time
}

// RuleField describes one expected form field of a PostRule.
type RuleField struct {
	FieldName       string
	FieldType       FieldType
	Required        bool
	MaxLength       int
	ValidationRegex string
}

// PostRule is a per-site, ordered matcher for POST endpoints the Shield is
// allowed to forward to the origin.
type PostRule struct {
	ID                  string
	SiteID              string
	URLPattern          string
	IsRegex             bool
	ForwardTo           string
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	HoneypotField       string
	AllowedActions      []string
	SuccessRedirect     string
	SuccessMessage      string
	IsActive            bool
	Fields              []RuleField
	LearnedAutomatically bool
}

// HTMLForm is a form discovered during crawl or learn, used to seed
// auto-generated PostRules in learn mode.
type HTMLForm struct {
	FormID        string
	Action        string
	Method        string
	Fields        []FormField
	HasCSRFToken  bool
	CSRFTokenName string
}

// FormField is one input/select/textarea discovered inside an HTMLForm.
type FormField struct {
	Name      string
	Type      string
	Sensitive bool
}

// SecurityEvent is one filter decision worth recording.
type SecurityEvent struct {
	ID        string
	SiteID    string
	Timestamp time.Time
	EventType EventType
	Severity  Severity
	ClientIP  string
	Path      string
	Method    string
	UserAgent string // truncated to 500 chars at construction
	Details   map[string]any
	Country   string
	Blocked   bool
}

const maxUserAgentLen = 500

// NewSecurityEvent builds an event, truncating the user-agent per spec.
func NewSecurityEvent(siteID string, et EventType, sev Severity, clientIP, path, method, ua string, details map[string]any) *SecurityEvent {
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	if details == nil {
		details = map[string]any{}
	}
	return &SecurityEvent{
		SiteID:    siteID,
		Timestamp: time.Now(),
		EventType: et,
		Severity:  sev,
		ClientIP:  clientIP,
		Path:      path,
		Method:    method,
		UserAgent: ua,
		Details:   details,
		Blocked:   true,
	}
}
