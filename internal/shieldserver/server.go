// Package shieldserver composes one site's Shield Request Pipeline into a
// single http.Handler: WAF middleware, the static GET/HEAD responder with
// asset-learning fallback, the POST route, the CSP report route and the
// cache-stats route, following original_source/backend/shield/server.py.
package shieldserver

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/BetterCallFirewall/shield/internal/cacheindex"
	"github.com/BetterCallFirewall/shield/internal/csp"
	"github.com/BetterCallFirewall/shield/internal/hotcache"
	"github.com/BetterCallFirewall/shield/internal/learner"
	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/secheaders"
	"github.com/BetterCallFirewall/shield/internal/waf"
)

var blockedExtensions = map[string]struct{}{
	".php": {}, ".env": {}, ".htaccess": {}, ".git": {}, ".sh": {}, ".bak": {}, ".sql": {}, ".ini": {},
}

// Server is one site's composed Shield HTTP application.
type Server struct {
	site       *models.Site
	index      *cacheindex.Index
	hot        *hotcache.Cache
	learner    *learner.Learner
	postRoute  http.Handler
	cspLearner *csp.Learner
	cspHeader  string
	wafFilter  *waf.Filter
	mux        *http.ServeMux
}

// Options bundles the already-built per-site collaborators. PostHandler,
// CSPLearner and WAFFilter are nil-able: a site may run without POST
// routes, CSP learning, or (never recommended but possible) WAF
// enforcement.
type Options struct {
	Site       *models.Site
	Index      *cacheindex.Index
	Hot        *hotcache.Cache
	Learner    *learner.Learner
	PostRoute  http.Handler
	CSPLearner *csp.Learner
	CSPHeader  string
	WAFFilter  *waf.Filter
}

// New composes a site's Shield application.
func New(opts Options) *Server {
	s := &Server{
		site:       opts.Site,
		index:      opts.Index,
		hot:        opts.Hot,
		learner:    opts.Learner,
		postRoute:  opts.PostRoute,
		cspLearner: opts.CSPLearner,
		cspHeader:  opts.CSPHeader,
		wafFilter:  opts.WAFFilter,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/__cache_stats", s.handleStats)
	if s.cspLearner != nil {
		mux.HandleFunc("/__csp_report", s.handleCSPReport)
	}
	mux.HandleFunc("/", s.handleRoot)
	s.mux = mux
	return s
}

// ServeHTTP runs the WAF middleware (if configured) ahead of routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.wafFilter != nil {
		decision := s.wafFilter.Evaluate(r)
		if !decision.Allowed {
			http.Error(w, decision.Body, decision.Status)
			return
		}
	}
	// Checked before routing: ServeMux would otherwise redirect unclean
	// paths to their cleaned form instead of rejecting them.
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && !pathIsSafe(r.URL.Path) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if s.postRoute != nil {
			s.postRoute.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.serveStatic(w, r)
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if !pathIsSafe(r.URL.Path) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if hasBlockedExtension(r.URL.Path) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	cacheKey := r.URL.Path
	if r.URL.RawQuery != "" {
		cacheKey += "?" + r.URL.RawQuery
	}

	if cached, ok := s.hot.Get(cacheKey); ok {
		resp := cached.(*cachedResponse)
		s.writeResponse(w, r, resp)
		return
	}

	entry := s.index.Lookup(strings.TrimPrefix(r.URL.Path, "/"), r.URL.RawQuery)
	learned := false
	if entry == nil && s.learner != nil {
		entry = s.learner.Learn(fullRequestPath(r))
		learned = entry != nil
	}
	if entry == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	resp := &cachedResponse{
		ContentType:   entry.ContentType,
		ContentLength: entry.ContentLength,
		CacheControl:  cacheControlFor(entry.IsImmutable),
		Body:          entry.Body,
		DiskPath:      entry.DiskPath,
		Learned:       learned,
	}

	if entry.Body != nil {
		s.hot.Put(cacheKey, resp, entry.ContentLength)
	}
	s.writeResponse(w, r, resp)
}

type cachedResponse struct {
	ContentType   string
	ContentLength int64
	CacheControl  string
	Body          []byte // nil means "stream from DiskPath"
	DiskPath      string
	Learned       bool
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *cachedResponse) {
	header := w.Header()
	header.Set("Content-Type", resp.ContentType)
	header.Set("Cache-Control", resp.CacheControl)
	header.Set("X-Served-By", "shield")
	if resp.Learned {
		header.Set("X-Learned", "true")
	}
	applySecurityHeaders(header)
	applyCSP(header, s.site, s.cspHeader, s.cspLearner)

	if resp.Body != nil {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(resp.Body)
		}
		return
	}

	f, err := openDiskFile(resp.DiskPath)
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	defer f.Close()
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = copyFile(w, f)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		Index    cacheindex.Stats `json:"index"`
		HotCache hotcache.Stats   `json:"hot_cache"`
	}{
		Index:    s.index.Stats(),
		HotCache: s.hot.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleCSPReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if origin := s.cspLearner.ProcessReport(body); origin != "" {
		log.Debug().Str("site", s.site.ID).Str("origin", origin).Msg("csp: learned new origin")
	}
	w.WriteHeader(http.StatusNoContent)
}

func applySecurityHeaders(header http.Header) {
	secheaders.Apply(header)
	secheaders.StripUpstream(header)
}

func applyCSP(header http.Header, site *models.Site, builtPolicy string, learner *csp.Learner) {
	policy := builtPolicy
	headerName := "Content-Security-Policy"
	if site.LearnCSPMode {
		headerName = "Content-Security-Policy-Report-Only"
		policy += "; report-uri /__csp_report"
	}
	if policy != "" {
		header.Set(headerName, policy)
	}
}

func cacheControlFor(immutable bool) string {
	if immutable {
		return "public, max-age=31536000, immutable"
	}
	return "public, max-age=3600, must-revalidate"
}

func pathIsSafe(p string) bool {
	if strings.ContainsAny(p, "\x00\\") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}
	return true
}

func hasBlockedExtension(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	_, blocked := blockedExtensions[ext]
	return blocked
}

func fullRequestPath(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}
