// Package sitemapparser discovers seed URLs for the Crawler Engine by
// reading robots.txt and recursively following sitemap/sitemap-index XML,
// following original_source/backend/crawler/sitemap_parser.py.
package sitemapparser

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc string `xml:"loc"`
}

type sitemapIndex struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

// Fetcher is the minimal HTTP surface the parser needs; satisfied by
// *http.Client (and by the crawler's host-overriding client).
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// ParseRobotsTxt fetches baseURL's /robots.txt and returns (sitemap URLs,
// disallowed path prefixes). Failures are logged and swallowed — robots.txt
// is advisory, not load-bearing.
func ParseRobotsTxt(ctx context.Context, client Fetcher, baseURL string) (sitemaps []string, disallowed []string) {
	robotsURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, nil
	}
	robotsURL.Path = "/robots.txt"
	robotsURL.RawQuery = ""

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, nil
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL.String()).Msg("failed to fetch robots.txt")
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "sitemap:"):
			sitemaps = append(sitemaps, strings.TrimSpace(line[len("sitemap:"):]))
		case strings.HasPrefix(lower, "disallow:"):
			path := strings.TrimSpace(line[len("disallow:"):])
			if path != "" {
				disallowed = append(disallowed, path)
			}
		}
	}
	return sitemaps, disallowed
}

// ParseSitemap fetches and recursively expands a sitemap or sitemap-index
// document, returning every discovered page URL. Failures are logged and
// swallowed.
func ParseSitemap(ctx context.Context, client Fetcher, sitemapURL string) []string {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", sitemapURL).Msg("failed to fetch sitemap")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil
	}

	var urls []string

	var idx sitemapIndex
	if err := xml.Unmarshal(body, &idx); err == nil && len(idx.Sitemaps) > 0 {
		for _, child := range idx.Sitemaps {
			loc := strings.TrimSpace(child.Loc)
			if loc == "" {
				continue
			}
			urls = append(urls, ParseSitemap(ctx, client, loc)...)
		}
		return urls
	}

	var set urlSet
	if err := xml.Unmarshal(body, &set); err != nil {
		log.Warn().Err(err).Str("url", sitemapURL).Msg("failed to parse sitemap xml")
		return nil
	}
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls
}

// Discover runs the full discovery sequence: robots.txt, then every
// referenced sitemap (falling back to /sitemap.xml when robots.txt names
// none). If respectRobots is false the disallowed list is cleared.
func Discover(ctx context.Context, client Fetcher, baseURL string, respectRobots bool) (urls []string, disallowed []string) {
	sitemaps, disallowedPaths := ParseRobotsTxt(ctx, client, baseURL)

	if len(sitemaps) == 0 {
		fallback, err := url.Parse(baseURL)
		if err == nil {
			fallback.Path = "/sitemap.xml"
			fallback.RawQuery = ""
			sitemaps = []string{fallback.String()}
		}
	}

	for _, sm := range sitemaps {
		urls = append(urls, ParseSitemap(ctx, client, sm)...)
	}

	if !respectRobots {
		disallowedPaths = nil
	}

	log.Info().Int("urls", len(urls)).Int("disallowed", len(disallowedPaths)).Msg("sitemap discovery complete")
	return urls, disallowedPaths
}
