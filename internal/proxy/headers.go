package proxy

import (
	"net"
	"net/http"
	"strings"
)

// hopByHopHeaders are headers that should not be relayed.
// These are hop-by-hop headers as defined in RFC 7230 Section 6.1.
// They are meant for a single HTTP connection and must not be forwarded to the next hop.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// isHopByHopHeader checks if a header should not be relayed.
// Returns true for hop-by-hop headers that must not be forwarded upstream.
// RFC 7230: https://tools.ietf.org/html/rfc7230#section-6.1
func isHopByHopHeader(key string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(key)]
}

// connectionNamedHeaders returns the set of headers listed in the Connection
// header. RFC 7230 requires these to be treated as hop-by-hop as well, even
// when they are not in the standard list.
func connectionNamedHeaders(h http.Header) map[string]bool {
	named := make(map[string]bool)
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				named[http.CanonicalHeaderKey(token)] = true
			}
		}
	}
	return named
}

// copyRequestHeaders copies headers from the downstream request to the
// upstream request, dropping hop-by-hop headers and anything named in the
// Connection header.
func copyRequestHeaders(dst *http.Request, src *http.Request) {
	named := connectionNamedHeaders(src.Header)
	for key, values := range src.Header {
		if isHopByHopHeader(key) || named[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			dst.Header.Add(key, value)
		}
	}
}

// copyResponseHeaders copies upstream response headers to the response writer,
// dropping hop-by-hop headers.
func copyResponseHeaders(w http.ResponseWriter, src http.Header) {
	named := connectionNamedHeaders(src)
	for key, values := range src {
		if isHopByHopHeader(key) || named[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
}

// setForwardedHeaders stamps the standard X-Forwarded-* headers on the
// upstream request. An existing X-Forwarded-For chain is extended, not
// replaced.
func setForwardedHeaders(dst *http.Request, src *http.Request) {
	setForwardedOnHeader(dst.Header, src)
}

// clientIP returns the immediate peer address of the request.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
