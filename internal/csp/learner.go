package csp

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const maxLearnedOrigins = 200

var ignoredBlockedURIs = map[string]struct{}{
	"inline": {}, "eval": {}, "self": {}, "data": {}, "blob": {}, "": {},
}

// OriginPersister saves one site's learned-origin list; implemented by the
// store package against the sites table's learned_csp_origins column.
type OriginPersister interface {
	SaveLearnedCSPOrigins(ctx context.Context, siteID, originsCSV string) error
}

// Report is the subset of a browser's CSP violation report body the
// learner consumes ({"csp-report": {...}} or the bare object).
type Report struct {
	CSPReport map[string]any `json:"csp-report"`
	BlockedURI string        `json:"blocked-uri"`
}

// Learner captures violation reports from a site's report-only CSP and
// accumulates origins that should be added to its enforced policy.
type Learner struct {
	siteID    string
	persister OriginPersister

	mu      sync.Mutex
	origins map[string]struct{}
	dirty   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLearner builds a Learner for siteID, seeding it with any previously
// persisted comma-separated origin list.
func NewLearner(siteID string, persister OriginPersister, persistedCSV string) *Learner {
	l := &Learner{
		siteID:    siteID,
		persister: persister,
		origins:   map[string]struct{}{},
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, o := range strings.Split(persistedCSV, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			l.origins[o] = struct{}{}
		}
	}
	return l
}

// Start launches the periodic flush loop; mirrors the teacher's
// ticker-plus-stop-channel cleanup idiom.
func (l *Learner) Start(ctx context.Context) {
	go l.flushLoop(ctx)
}

// Stop halts the flush loop, persisting once more if anything is dirty.
func (l *Learner) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *Learner) flushLoop(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.maybePersist(ctx)
		case <-l.stopCh:
			l.maybePersist(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Learner) maybePersist(ctx context.Context) {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return
	}
	l.dirty = false
	csv := l.originsCSVLocked()
	l.mu.Unlock()

	if l.persister == nil {
		return
	}
	if err := l.persister.SaveLearnedCSPOrigins(ctx, l.siteID, csv); err != nil {
		log.Warn().Err(err).Str("site_id", l.siteID).Msg("failed to persist learned csp origins")
		return
	}
	log.Info().Str("site_id", l.siteID).Str("origins", csv).Msg("persisted learned csp origins")
}

// ProcessReport extracts the blocked origin from a violation report body,
// returning it if newly learned, or "" if already known, invalid, or the
// learner is at capacity.
func (l *Learner) ProcessReport(reportBody map[string]any) string {
	payload := reportBody
	if nested, ok := reportBody["csp-report"].(map[string]any); ok {
		payload = nested
	}

	blockedURI, _ := payload["blocked-uri"].(string)
	if _, ignored := ignoredBlockedURIs[blockedURI]; ignored {
		return ""
	}

	parsed, err := url.Parse(blockedURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	origin := parsed.Scheme + "://" + parsed.Host

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, known := l.origins[origin]; known {
		return ""
	}
	if len(l.origins) >= maxLearnedOrigins {
		log.Warn().Str("site_id", l.siteID).Int("max", maxLearnedOrigins).Msg("csp learner hit max origins limit")
		return ""
	}

	l.origins[origin] = struct{}{}
	l.dirty = true
	log.Info().Str("site_id", l.siteID).Str("origin", origin).Msg("csp learner discovered new origin")
	return origin
}

// OriginsCSV returns the learner's current origin set as a sorted,
// comma-separated string.
func (l *Learner) OriginsCSV() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.originsCSVLocked()
}

func (l *Learner) originsCSVLocked() string {
	sorted := make([]string, 0, len(l.origins))
	for o := range l.origins {
		sorted = append(sorted, o)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}
