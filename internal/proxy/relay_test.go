package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/monitoring"
	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// routeFor builds a route pointing at a test server's listen address.
func routeFor(t *testing.T, serverURL string) types.RouteInfo {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return testhelpers.NewTestRoute(u.Hostname(), port, 1.0)
}

func newTestRelay() *Relay {
	return New(http.DefaultClient, monitoring.New(false), testhelpers.NewTestLogger())
}

func TestServeHTTP_PreservesMethodPathQueryBody(t *testing.T) {
	var gotMethod, gotURI, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.URL.RequestURI()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("X-Kernel", "jupyter")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	relay := newTestRelay()
	req := httptest.NewRequest(http.MethodPost, "/api/kernels?token=abc", strings.NewReader(`{"name":"py"}`))
	rec := httptest.NewRecorder()

	err := relay.ServeHTTP(rec, req, routeFor(t, upstream.URL))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/kernels?token=abc", gotURI)
	assert.Equal(t, `{"name":"py"}`, gotBody)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "jupyter", rec.Header().Get("X-Kernel"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestServeHTTP_InjectsForwardedHeaders(t *testing.T) {
	var gotFor, gotProto, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFor = r.Header.Get("X-Forwarded-For")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		gotHost = r.Header.Get("X-Forwarded-Host")
	}))
	defer upstream.Close()

	relay := newTestRelay()
	req := httptest.NewRequest(http.MethodGet, "http://myapp.apps.example.com/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	err := relay.ServeHTTP(rec, req, routeFor(t, upstream.URL))
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.7", gotFor)
	assert.Equal(t, "http", gotProto)
	assert.Equal(t, "myapp.apps.example.com", gotHost)
}

func TestServeHTTP_StripsHopByHopFromRequest(t *testing.T) {
	var gotKeepAlive, gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKeepAlive = r.Header.Get("Keep-Alive")
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer upstream.Close()

	relay := newTestRelay()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()

	err := relay.ServeHTTP(rec, req, routeFor(t, upstream.URL))
	require.NoError(t, err)

	assert.Empty(t, gotKeepAlive)
	assert.Equal(t, "text/plain", gotContentType)
}

func TestServeHTTP_StreamsChunks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: chunk-%d\n\n", i)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	relay := newTestRelay()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	err := relay.ServeHTTP(rec, req, routeFor(t, upstream.URL))
	require.NoError(t, err)

	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: chunk-0\n\ndata: chunk-1\n\ndata: chunk-2\n\n", rec.Body.String())
}

func TestServeHTTP_UpstreamStatusPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "kernel busy", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	relay := newTestRelay()
	rec := httptest.NewRecorder()

	err := relay.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil), routeFor(t, upstream.URL))
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "kernel busy")
}

func TestServeHTTP_DeadUpstreamIsBadGateway(t *testing.T) {
	relay := newTestRelay()
	rec := httptest.NewRecorder()
	route := testhelpers.NewTestRoute("127.0.0.1", 1, 1.0)

	err := relay.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil), route)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServeHTTP_TimeoutIsGatewayTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	relay := New(&http.Client{Timeout: 20 * time.Millisecond}, monitoring.New(false), testhelpers.NewTestLogger())
	rec := httptest.NewRecorder()

	err := relay.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil), routeFor(t, upstream.URL))
	require.Error(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestServeTCP_RelaysBothDirections(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(echo.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	route := testhelpers.NewTestRoute(host, port, 1.0)

	relay := newTestRelay()
	entry, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer entry.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := entry.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- relay.ServeTCP(context.Background(), conn, route)
	}()

	client, err := net.Dial("tcp", entry.Addr().String())
	require.NoError(t, err)

	_, err = client.Write([]byte("ping over tcp"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping over tcp", string(buf[:n]))

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not tear down after client close")
	}
}

func TestServeTCP_DeadUpstream(t *testing.T) {
	relay := newTestRelay()
	downstream, peer := net.Pipe()
	defer peer.Close()

	err := relay.ServeTCP(context.Background(), downstream, testhelpers.NewTestRoute("127.0.0.1", 1, 1.0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial upstream")
}
