package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// wsControlWriteTimeout bounds forwarding of ping/pong/close frames.
const wsControlWriteTimeout = 5 * time.Second

// ServeWebSocket relays a WebSocket session: it dials the route's kernel
// endpoint with the downstream path, query and subprotocols, upgrades the
// downstream connection, and pumps frames in both directions. Either side
// closing or failing closes both connections.
func (p *Relay) ServeWebSocket(w http.ResponseWriter, r *http.Request, route types.RouteInfo) error {
	start := time.Now()
	defer func() {
		p.metrics.RecordRelayRequest("websocket", time.Since(start))
	}()

	target := url.URL{
		Scheme:   "ws",
		Host:     routeAddr(route),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	// Dial upstream first so a dead kernel yields a plain HTTP error instead
	// of a half-upgraded socket.
	dialer := *p.wsDialer
	dialer.Subprotocols = websocket.Subprotocols(r)
	header := http.Header{}
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		header.Set("Cookie", cookie)
	}
	setForwardedOnHeader(header, r)

	upstream, upResp, err := dialer.DialContext(r.Context(), target.String(), header)
	if err != nil {
		status := http.StatusBadGateway
		if upResp != nil && upResp.StatusCode >= 400 {
			status = upResp.StatusCode
		}
		http.Error(w, http.StatusText(status), status)
		return fmt.Errorf("dial upstream %s: %w", target.Host, err)
	}
	defer upstream.Close()

	respHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}
	downstream, err := p.wsUpgrade.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return fmt.Errorf("upgrade downstream: %w", err)
	}
	defer downstream.Close()

	// Ping and pong frames are forwarded verbatim instead of answered
	// locally, so end-to-end keepalive semantics survive the relay.
	downstream.SetPingHandler(forwardControl(upstream, websocket.PingMessage))
	downstream.SetPongHandler(forwardControl(upstream, websocket.PongMessage))
	upstream.SetPingHandler(forwardControl(downstream, websocket.PingMessage))
	upstream.SetPongHandler(forwardControl(downstream, websocket.PongMessage))

	errc := make(chan error, 2)
	go p.pumpFrames(upstream, downstream, errc)
	go p.pumpFrames(downstream, upstream, errc)

	err = <-errc
	upstream.Close()
	downstream.Close()
	<-errc

	if err != nil && !isExpectedWSClose(err) {
		return err
	}
	return nil
}

// pumpFrames copies data frames from src to dst until src fails or closes,
// then propagates the close frame to dst.
func (p *Relay) pumpFrames(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			text := ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				text = closeErr.Text
			}
			if code != websocket.CloseNoStatusReceived {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text),
					time.Now().Add(wsControlWriteTimeout))
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			errc <- err
			return
		}
	}
}

func forwardControl(dst *websocket.Conn, messageType int) func(string) error {
	return func(appData string) error {
		return dst.WriteControl(messageType, []byte(appData),
			time.Now().Add(wsControlWriteTimeout))
	}
}

// setForwardedOnHeader stamps X-Forwarded-* on a bare header set, for
// handshakes that do not go through an upstream *http.Request.
func setForwardedOnHeader(h http.Header, src *http.Request) {
	if ip := clientIP(src); ip != "" {
		if prior := src.Header.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}
	proto := "http"
	if src.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", src.Host)
}

// isExpectedWSClose reports whether a pump error is a routine end of session
// rather than a fault worth surfacing.
func isExpectedWSClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return isClientDisconnectError(err) || errors.Is(err, net.ErrClosed)
}
