// Package proxy implements the worker data-plane relay primitives: streamed
// HTTP passthrough, WebSocket relay, and raw TCP relay. The backend layer
// picks a route and hands the connection here; this package moves opaque
// bytes and never inspects payloads.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/circuitproxy/circuitproxy/internal/monitoring"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// streamChunkWriteTimeout is the per-chunk write deadline for streamed
// responses. If the client stops reading for this long the relay terminates.
const streamChunkWriteTimeout = 60 * time.Second

var streamBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 8192)
		return &buf
	},
}

// Relay forwards traffic for a single hop to an upstream route. One Relay is
// shared by all backends on a worker; it carries no per-circuit state.
type Relay struct {
	client    *http.Client
	wsDialer  *websocket.Dialer
	wsUpgrade websocket.Upgrader
	tcpDialer *net.Dialer
	metrics   *monitoring.Metrics
	logger    *slog.Logger
}

// New creates a Relay. The HTTP client must be configured for streaming
// (no overall timeout); see httputil.NewHTTPClient. metrics may be nil.
func New(client *http.Client, metrics *monitoring.Metrics, logger *slog.Logger) *Relay {
	if client == nil {
		panic("proxy: http client is required")
	}
	if logger == nil {
		panic("proxy: logger is required")
	}
	return &Relay{
		client:  client,
		metrics: metrics,
		wsDialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		wsUpgrade: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// The auth gate has already run; the relay accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		tcpDialer: &net.Dialer{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// routeAddr returns the host:port of the route's kernel endpoint.
func routeAddr(route types.RouteInfo) string {
	return net.JoinHostPort(route.KernelHost, strconv.Itoa(route.KernelPort))
}

// IsWebSocketRequest reports whether the request asks for a WebSocket upgrade.
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// ServeHTTP relays a single HTTP exchange to the given route, preserving
// method, path, query and body, and streaming the response back chunk by
// chunk. The downstream request's context governs the whole exchange.
func (p *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request, route types.RouteInfo) error {
	start := time.Now()
	defer func() {
		p.metrics.RecordRelayRequest("http", time.Since(start))
	}()

	target := fmt.Sprintf("http://%s%s", routeAddr(route), r.URL.RequestURI())

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return fmt.Errorf("build upstream request: %w", err)
	}
	upReq.ContentLength = r.ContentLength
	copyRequestHeaders(upReq, r)
	setForwardedHeaders(upReq, r)

	resp, err := p.client.Do(upReq)
	if err != nil {
		if isTimeoutError(err) {
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		} else {
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		}
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	return p.streamToClient(w, resp.Body, routeAddr(route))
}

// streamToClient copies the upstream body to the client, flushing after every
// chunk so streamed protocols (SSE, chunked uploads) stay live.
func (p *Relay) streamToClient(w http.ResponseWriter, reader io.Reader, upstream string) error {
	controller := http.NewResponseController(w)

	buf := streamBufPool.Get().(*[]byte)
	defer streamBufPool.Put(buf)
	for {
		n, err := reader.Read(*buf)
		if n > 0 {
			// Set write deadline before each write; keeps active streams
			// alive, terminates if the client stops reading.
			_ = controller.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
			if _, writeErr := w.Write((*buf)[:n]); writeErr != nil {
				if isClientDisconnectError(writeErr) {
					p.logger.Warn("Client disconnected during relay", "error", writeErr, "upstream", upstream)
				} else {
					p.logger.Error("Failed to write relay chunk", "error", writeErr, "upstream", upstream)
				}
				return writeErr
			}
			p.flush(controller, upstream)
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Error("Relay read error", "error", err, "upstream", upstream)
				return err
			}
			return nil
		}
	}
}

func (p *Relay) flush(controller *http.ResponseController, upstream string) {
	if err := controller.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		p.logger.Error("Flusher error", "error", err, "upstream", upstream)
	}
}

// ServeTCP relays raw bytes between the accepted downstream connection and
// the route's kernel endpoint. Two pumps run until either side fails or
// closes; the first exit tears down both connections. The downstream
// connection is always closed before returning.
func (p *Relay) ServeTCP(ctx context.Context, downstream net.Conn, route types.RouteInfo) error {
	start := time.Now()
	defer func() {
		p.metrics.RecordRelayRequest("tcp", time.Since(start))
	}()
	defer downstream.Close()

	upstream, err := p.tcpDialer.DialContext(ctx, "tcp", routeAddr(route))
	if err != nil {
		return fmt.Errorf("dial upstream %s: %w", routeAddr(route), err)
	}
	defer upstream.Close()

	errc := make(chan error, 2)
	pump := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		// Closing the peer unblocks the opposite pump.
		dst.Close()
		src.Close()
		errc <- err
	}
	go pump(upstream, downstream)
	go pump(downstream, upstream)

	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && !isClientDisconnectError(err) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
