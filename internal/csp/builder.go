// Package csp builds per-site Content-Security-Policy headers by scanning a
// site's cache directory for external origins, and learns additional
// origins from browser violation reports, following
// original_source/backend/shield/csp_builder.py and csp_learner.py.
package csp

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

var originPattern = regexp.MustCompile(`https?://[a-zA-Z0-9._-]+(?:\.[a-zA-Z]{2,})+`)

var inlineScriptPattern = regexp.MustCompile(`(?s)<script(?:\s[^>]*)?>(?:\s*\S).*?</script>`)
var inlineEventHandlerPattern = regexp.MustCompile(`\bon\w+\s*=\s*["']`)

// knownDomainGroups expands a referenced origin's host with its known
// CDN/analytics siblings, so e.g. a fonts.googleapis.com reference also
// authorizes fonts.gstatic.com without the page ever mentioning it.
var knownDomainGroups = map[string][]string{
	"fonts.googleapis.com":     {"fonts.gstatic.com", "fonts.googleapis.com"},
	"fonts.gstatic.com":        {"fonts.gstatic.com", "fonts.googleapis.com"},
	"ajax.googleapis.com":      {"ajax.googleapis.com"},
	"cdn.gtranslate.net":       {"cdn.gtranslate.net", "translate.google.com", "translate.googleapis.com"},
	"translate.google.com":     {"cdn.gtranslate.net", "translate.google.com", "translate.googleapis.com"},
	"maps.googleapis.com":      {"maps.googleapis.com", "maps.gstatic.com", "maps.google.com"},
	"www.google-analytics.com": {"www.google-analytics.com", "www.googletagmanager.com", "analytics.google.com"},
	"www.googletagmanager.com": {"www.googletagmanager.com", "www.google-analytics.com", "analytics.google.com"},
}

// ScanResult holds what scanning a cache directory discovered.
type ScanResult struct {
	Origins           []string
	NeedsUnsafeInline bool
	NeedsUnsafeEval   bool
}

// ScanCacheForOrigins walks cacheDir's .html/.css/.js files, extracting
// every referenced external origin and detecting inline script usage.
func ScanCacheForOrigins(cacheDir, targetURL string) ScanResult {
	origins := map[string]struct{}{}
	hasInlineScripts := false
	scanned := 0

	_ = filepath.Walk(cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".html" && ext != ".css" && ext != ".js" {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			log.Warn().Err(readErr).Str("path", path).Msg("failed to scan file for csp origins")
			return nil
		}
		scanned++
		text := string(data)

		for _, origin := range extractOrigins(text) {
			origins[origin] = struct{}{}
		}

		if ext == ".html" {
			if inlineScriptPattern.MatchString(text) || inlineEventHandlerPattern.MatchString(text) {
				hasInlineScripts = true
			}
		}
		return nil
	})
	log.Info().Int("files", scanned).Msg("scanning cache for csp origins")

	expanded := expandWithKnownGroups(origins)

	if targetURL != "" {
		if parsed, err := url.Parse(targetURL); err == nil && parsed.Host != "" {
			expanded["https://"+parsed.Host] = struct{}{}
			expanded["http://"+parsed.Host] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(expanded))
	for o := range expanded {
		sorted = append(sorted, o)
	}
	sort.Strings(sorted)

	log.Info().Int("origins", len(sorted)).Msg("discovered external origins")
	return ScanResult{Origins: sorted, NeedsUnsafeInline: hasInlineScripts, NeedsUnsafeEval: true}
}

func extractOrigins(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, match := range originPattern.FindAllString(text, -1) {
		parsed, err := url.Parse(match)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			continue
		}
		origin := parsed.Scheme + "://" + parsed.Host
		if _, dup := seen[origin]; dup {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	return out
}

func expandWithKnownGroups(origins map[string]struct{}) map[string]struct{} {
	expanded := map[string]struct{}{}
	for o := range origins {
		expanded[o] = struct{}{}
	}
	for o := range origins {
		parsed, err := url.Parse(o)
		if err != nil {
			continue
		}
		if group, ok := knownDomainGroups[parsed.Host]; ok {
			for _, related := range group {
				expanded["https://"+related] = struct{}{}
			}
		}
	}
	return expanded
}

// Build assembles a single compact default-src CSP string from a ScanResult,
// plus the fixed frame-ancestors/base-uri/form-action directives.
func Build(result ScanResult) string {
	extras := []string{"'self'", "'unsafe-inline'"}
	if result.NeedsUnsafeEval {
		extras = append(extras, "'unsafe-eval'")
	}
	extras = append(extras, "data:", "blob:")

	defaultSrc := "default-src " + strings.Join(extras, " ")
	if len(result.Origins) > 0 {
		defaultSrc += " " + strings.Join(result.Origins, " ")
	}

	directives := []string{
		defaultSrc,
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}
	return strings.Join(directives, "; ")
}
