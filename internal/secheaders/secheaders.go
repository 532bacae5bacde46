// Package secheaders centralizes the fixed security header set the Shield
// applies to every response it emits, whether generated locally by the
// static responder or relayed back from a POST forward, following
// original_source/backend/shield/server.py's response_utils helpers.
package secheaders

import "net/http"

var fixed = map[string]string{
	"X-Content-Type-Options":     "nosniff",
	"X-Frame-Options":            "DENY",
	"X-XSS-Protection":           "1; mode=block",
	"Referrer-Policy":            "strict-origin-when-cross-origin",
	"Permissions-Policy":         "camera=(), microphone=(), geolocation=(), payment=()",
	"Strict-Transport-Security":  "max-age=63072000; includeSubDomains; preload",
	"Cross-Origin-Opener-Policy": "same-origin",
}

var upstreamStripped = []string{"Server", "X-Powered-By"}

// Apply sets the fixed security header set on header, overwriting any
// existing values.
func Apply(header http.Header) {
	for k, v := range fixed {
		header.Set(k, v)
	}
}

// StripUpstream removes headers that would otherwise leak origin server
// fingerprinting information through the Shield.
func StripUpstream(header http.Header) {
	for _, h := range upstreamStripped {
		header.Del(h)
	}
}
