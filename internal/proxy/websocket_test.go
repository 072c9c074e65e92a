package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
)

// wsEchoServer upgrades and echoes every data frame back.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

// wsRelayServer fronts the given upstream with a Relay.
func wsRelayServer(t *testing.T, upstreamURL string) *httptest.Server {
	t.Helper()
	relay := newTestRelay()
	route := routeFor(t, upstreamURL)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = relay.ServeWebSocket(w, r, route)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestServeWebSocket_EchoRoundTrip(t *testing.T) {
	upstream := wsEchoServer(t)
	defer upstream.Close()
	front := wsRelayServer(t, upstream.URL)
	defer front.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/api/kernels/chan?session=s1", nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("execute_request")))
	mt, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "execute_request", string(msg))

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	mt, msg, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0x01, 0x02}, msg)
}

func TestServeWebSocket_PreservesPathAndQuery(t *testing.T) {
	var gotURI string
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer upstream.Close()
	front := wsRelayServer(t, upstream.URL)
	defer front.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/terminals/ws/1?token=xyz", nil)
	require.NoError(t, err)
	client.Close()

	assert.Equal(t, "/terminals/ws/1?token=xyz", gotURI)
}

func TestServeWebSocket_UpstreamCloseReachesClient(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "kernel shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	}))
	defer upstream.Close()
	front := wsRelayServer(t, upstream.URL)
	defer front.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/", nil)
	require.NoError(t, err)
	defer client.Close()

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, "kernel shutdown", closeErr.Text)
}

func TestServeWebSocket_ClientCloseReachesUpstream(t *testing.T) {
	upstreamClosed := make(chan *websocket.CloseError, 1)
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		var closeErr *websocket.CloseError
		if assert.ErrorAs(t, err, &closeErr) {
			upstreamClosed <- closeErr
		}
	}))
	defer upstream.Close()
	front := wsRelayServer(t, upstream.URL)
	defer front.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/", nil)
	require.NoError(t, err)
	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second)))
	client.Close()

	select {
	case closeErr := <-upstreamClosed:
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
		assert.Equal(t, "done", closeErr.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("close frame never reached upstream")
	}
}

func TestServeWebSocket_DeadUpstreamIsHTTPError(t *testing.T) {
	relay := newTestRelay()
	route := testhelpers.NewTestRoute("127.0.0.1", 1, 1.0)
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = relay.ServeWebSocket(w, r, route)
	}))
	defer front.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestIsWebSocketRequest(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsWebSocketRequest(plain))

	ws := httptest.NewRequest(http.MethodGet, "/", nil)
	ws.Header.Set("Connection", "Upgrade")
	ws.Header.Set("Upgrade", "websocket")
	assert.True(t, IsWebSocketRequest(ws))
}
