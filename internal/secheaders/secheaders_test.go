package secheaders

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplySetsFixedHeaderSet(t *testing.T) {
	header := http.Header{}
	Apply(header)

	assert.Equal(t, "nosniff", header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", header.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", header.Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", header.Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=(), payment=()", header.Get("Permissions-Policy"))
	assert.Equal(t, "max-age=63072000; includeSubDomains; preload", header.Get("Strict-Transport-Security"))
	assert.Equal(t, "same-origin", header.Get("Cross-Origin-Opener-Policy"))
}

func TestStripUpstreamRemovesFingerprintingHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Server", "nginx/1.18.0")
	header.Set("X-Powered-By", "PHP/7.4")
	header.Set("Content-Type", "text/html")

	StripUpstream(header)

	assert.Empty(t, header.Get("Server"))
	assert.Empty(t, header.Get("X-Powered-By"))
	assert.Equal(t, "text/html", header.Get("Content-Type"))
}
