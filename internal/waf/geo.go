package waf

import (
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog/log"

	"github.com/BetterCallFirewall/shield/internal/hotcache"
)

const geoIPCacheEntries = 8192

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// GeoResolver resolves a client IP to an ISO 3166-1 alpha-2 country code,
// preferring CDN-supplied headers over a local MaxMind lookup, following
// original_source/backend/shield/geo_resolver.py.
type GeoResolver struct {
	reader *maxminddb.Reader
	cache  *hotcache.Cache
}

// NewGeoResolver opens dbPath if non-empty; a missing or unreadable database
// just disables the local-lookup fallback, it is never fatal.
func NewGeoResolver(dbPath string) *GeoResolver {
	g := &GeoResolver{cache: hotcache.New(geoIPCacheEntries, 8<<20)}
	if dbPath == "" {
		return g
	}
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		log.Info().Str("path", dbPath).Err(err).Msg("geoip database unavailable, country fallback disabled")
		return g
	}
	g.reader = reader
	log.Info().Str("path", dbPath).Msg("geoip database loaded")
	return g
}

// Close releases the underlying MaxMind reader, if one was opened.
func (g *GeoResolver) Close() error {
	if g.reader == nil {
		return nil
	}
	return g.reader.Close()
}

// CountryFor resolves r's country following the header-then-database
// priority chain: CF-IPCountry, then X-Country-Code, then MaxMind.
func (g *GeoResolver) CountryFor(r *http.Request, clientIP string) string {
	if cf := r.Header.Get("CF-IPCountry"); cf != "" {
		upper := strings.ToUpper(cf)
		if upper != "XX" && upper != "T1" {
			return upper
		}
	}
	if xc := r.Header.Get("X-Country-Code"); len(xc) == 2 {
		return strings.ToUpper(xc)
	}
	return g.lookupIP(clientIP)
}

func (g *GeoResolver) lookupIP(ip string) string {
	if cached, ok := g.cache.Get(ip); ok {
		country, _ := cached.(string)
		return country
	}

	country := g.lookupDB(ip)
	g.cache.Put(ip, country, int64(len(ip)+len(country)))
	return country
}

func (g *GeoResolver) lookupDB(ip string) string {
	if g.reader == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var record geoRecord
	if err := g.reader.Lookup(parsed, &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}
