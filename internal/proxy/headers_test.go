package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHopByHopHeader(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"Connection", true},
		{"Keep-Alive", true},
		{"Proxy-Authenticate", true},
		{"Proxy-Authorization", true},
		{"TE", true},
		{"Trailer", true},
		{"Transfer-Encoding", true},
		{"Upgrade", true},
		{"transfer-encoding", true}, // canonicalised before lookup
		{"Content-Type", false},
		{"Authorization", false},
		{"X-Custom", false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, isHopByHopHeader(tt.header))
		})
	}
}

func TestCopyRequestHeaders_StripsHopByHop(t *testing.T) {
	src := httptest.NewRequest(http.MethodGet, "/x", nil)
	src.Header.Set("Content-Type", "application/json")
	src.Header.Set("Authorization", "Bearer token")
	src.Header.Set("Keep-Alive", "timeout=5")
	src.Header.Set("Transfer-Encoding", "chunked")

	dst, err := http.NewRequest(http.MethodGet, "http://upstream/x", nil)
	require.NoError(t, err)

	copyRequestHeaders(dst, src)

	assert.Equal(t, "application/json", dst.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer token", dst.Header.Get("Authorization"))
	assert.Empty(t, dst.Header.Get("Keep-Alive"))
	assert.Empty(t, dst.Header.Get("Transfer-Encoding"))
}

func TestCopyRequestHeaders_StripsConnectionNamed(t *testing.T) {
	src := httptest.NewRequest(http.MethodGet, "/x", nil)
	src.Header.Set("Connection", "X-Session-Token, close")
	src.Header.Set("X-Session-Token", "abc")
	src.Header.Set("X-Other", "keep")

	dst, err := http.NewRequest(http.MethodGet, "http://upstream/x", nil)
	require.NoError(t, err)

	copyRequestHeaders(dst, src)

	assert.Empty(t, dst.Header.Get("Connection"))
	assert.Empty(t, dst.Header.Get("X-Session-Token"))
	assert.Equal(t, "keep", dst.Header.Get("X-Other"))
}

func TestCopyRequestHeaders_PreservesMultiValue(t *testing.T) {
	src := httptest.NewRequest(http.MethodGet, "/x", nil)
	src.Header.Add("X-Tag", "a")
	src.Header.Add("X-Tag", "b")

	dst, err := http.NewRequest(http.MethodGet, "http://upstream/x", nil)
	require.NoError(t, err)

	copyRequestHeaders(dst, src)

	assert.Equal(t, []string{"a", "b"}, dst.Header.Values("X-Tag"))
}

func TestCopyResponseHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "text/event-stream")
	src.Set("X-Request-Id", "req-1")
	src.Set("Connection", "keep-alive")
	src.Set("Upgrade", "h2c")

	rec := httptest.NewRecorder()
	copyResponseHeaders(rec, src)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Empty(t, rec.Header().Get("Upgrade"))
}

func TestSetForwardedHeaders(t *testing.T) {
	src := httptest.NewRequest(http.MethodGet, "http://myapp.example.com/chat", nil)
	src.RemoteAddr = "203.0.113.7:51234"

	dst, err := http.NewRequest(http.MethodGet, "http://10.0.0.1:8080/chat", nil)
	require.NoError(t, err)

	setForwardedHeaders(dst, src)

	assert.Equal(t, "203.0.113.7", dst.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", dst.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "myapp.example.com", dst.Header.Get("X-Forwarded-Host"))
}

func TestSetForwardedHeaders_ExtendsExistingChain(t *testing.T) {
	src := httptest.NewRequest(http.MethodGet, "/chat", nil)
	src.RemoteAddr = "10.0.0.9:40000"
	src.Header.Set("X-Forwarded-For", "198.51.100.1")

	dst, err := http.NewRequest(http.MethodGet, "http://10.0.0.1:8080/chat", nil)
	require.NoError(t, err)

	setForwardedHeaders(dst, src)

	assert.Equal(t, "198.51.100.1, 10.0.0.9", dst.Header.Get("X-Forwarded-For"))
}
