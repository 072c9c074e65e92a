package frontend

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// echoListener runs a TCP upstream that echoes everything back.
func echoListener(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func tcpCircuit(port int, upstream *net.TCPAddr) (types.Circuit, []types.RouteInfo) {
	c := publicCircuit(port)
	c.Protocol = types.ProtocolTCP
	route := testhelpers.NewTestRoute(upstream.IP.String(), upstream.Port, 1)
	route.Protocol = types.ProtocolTCP
	return c, []types.RouteInfo{route}
}

func newTCPPortFrontend(t *testing.T) *TCPPort {
	t.Helper()
	f := NewTCPPort("127.0.0.1", newOpenGuard(t), newTestRelay(), nil, testhelpers.NewTestLogger())
	t.Cleanup(func() { f.Close() })
	return f
}

func TestTCPPort_RelaysBothDirections(t *testing.T) {
	upstream := echoListener(t)
	f := newTCPPortFrontend(t)

	port := freePort(t)
	circuit, routes := tcpCircuit(port, upstream)
	require.NoError(t, f.RegisterCircuit(circuit, routes))

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestTCPPort_CIDRDenialClosesConnection(t *testing.T) {
	upstream := echoListener(t)
	f := newTCPPortFrontend(t)

	port := freePort(t)
	circuit, routes := tcpCircuit(port, upstream)
	circuit.AllowedClientIPs = []string{"192.0.2.0/24"}
	require.NoError(t, f.RegisterCircuit(circuit, routes))

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCPPort_BreakCircuitStopsAccepting(t *testing.T) {
	upstream := echoListener(t)
	f := newTCPPortFrontend(t)

	port := freePort(t)
	circuit, routes := tcpCircuit(port, upstream)
	require.NoError(t, f.RegisterCircuit(circuit, routes))
	require.NoError(t, f.BreakCircuit(circuit))

	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	assert.Error(t, err)
}

func TestTCPPort_UpdateSwapsUpstream(t *testing.T) {
	first := echoListener(t)
	f := newTCPPortFrontend(t)

	port := freePort(t)
	circuit, routes := tcpCircuit(port, first)
	require.NoError(t, f.RegisterCircuit(circuit, routes))

	// A dead replacement upstream makes new connections close immediately.
	deadAddr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: freePort(t)}
	_, deadRoutes := tcpCircuit(port, deadAddr)
	require.NoError(t, f.UpdateCircuitRouteInfo(circuit, deadRoutes))

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCPPort_AddressInUse(t *testing.T) {
	upstream := echoListener(t)
	f := newTCPPortFrontend(t)

	port := freePort(t)
	circuit, routes := tcpCircuit(port, upstream)
	require.NoError(t, f.RegisterCircuit(circuit, routes))

	other, otherRoutes := tcpCircuit(port, upstream)
	assert.ErrorIs(t, f.RegisterCircuit(other, otherRoutes), ErrAddressInUse)
}
