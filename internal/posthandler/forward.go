package posthandler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/BetterCallFirewall/shield/internal/models"
	"github.com/BetterCallFirewall/shield/internal/secheaders"
)

// forward relays the original request body to the origin per §4.10 step 8,
// copying the response status and body back unchanged. Hop-by-hop headers
// and the upstream Server/X-Powered-By headers are dropped, and the fixed
// security-header set is applied.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, rule *models.PostRule, body []byte, clientIP string) {
	base := h.site.InternalURL
	if base == "" {
		base = h.site.TargetURL
	}
	if rule != nil && rule.ForwardTo != "" {
		base = rule.ForwardTo
	}

	target, err := buildTargetURL(base, r)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	originHost := outReq.URL.Host
	forwardedHost := h.site.HostOverride
	if forwardedHost == "" {
		forwardedHost = originHost
	}

	outReq.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	outReq.Header.Set("X-Forwarded-For", clientIP)
	outReq.Header.Set("X-Forwarded-Proto", scheme)
	outReq.Header.Set("X-Forwarded-Host", forwardedHost)
	if ua := r.Header.Get("User-Agent"); ua != "" {
		outReq.Header.Set("User-Agent", ua)
	}
	if xrw := r.Header.Get("X-Requested-With"); xrw != "" {
		outReq.Header.Set("X-Requested-With", xrw)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		outReq.Header.Set("Accept", accept)
	}
	if h.site.HostOverride != "" {
		outReq.Host = h.site.HostOverride
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	secheaders.StripUpstream(w.Header())
	secheaders.Apply(w.Header())
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func buildTargetURL(base string, r *http.Request) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/") + r.URL.Path
	baseURL.RawQuery = r.URL.RawQuery
	return baseURL.String(), nil
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}
