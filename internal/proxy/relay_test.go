package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
)

func endpointFromAddr(t *testing.T, addr string, proto schemas.ProxyProtocol) *schemas.ProxyEndpoint {
	t.Helper()
	host, portText, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)
	return &schemas.ProxyEndpoint{
		Host:     host,
		Port:     port,
		Protocol: proto,
		Status:   schemas.ProxyUntested,
	}
}

// startConnectUpstream runs a minimal HTTP CONNECT proxy that accepts the
// tunnel and echoes whatever arrives, so no real target is ever dialed.
func startConnectUpstream(t *testing.T) (string, *atomic.Int32, func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var connects atomic.Int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				req, err := http.ReadRequest(br)
				if err != nil || req.Method != http.MethodConnect {
					return
				}
				connects.Add(1)
				fmt.Fprint(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
				io.Copy(conn, br)
			}(conn)
		}
	}()
	return listener.Addr().String(), &connects, func() { listener.Close() }
}

// startSOCKS5Upstream runs a no-auth SOCKS5 server that accepts any
// request and echoes the tunnel payload.
func startSOCKS5Upstream(t *testing.T) (string, func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)

				greeting := make([]byte, 2)
				if _, err := io.ReadFull(br, greeting); err != nil || greeting[0] != 0x05 {
					return
				}
				if _, err := io.ReadFull(br, make([]byte, int(greeting[1]))); err != nil {
					return
				}
				conn.Write([]byte{0x05, 0x00})

				request := make([]byte, 4)
				if _, err := io.ReadFull(br, request); err != nil || request[1] != 0x01 {
					return
				}
				switch request[3] {
				case 0x01: // IPv4
					io.ReadFull(br, make([]byte, 4+2))
				case 0x03: // domain
					length := make([]byte, 1)
					io.ReadFull(br, length)
					io.ReadFull(br, make([]byte, int(length[0])+2))
				case 0x04: // IPv6
					io.ReadFull(br, make([]byte, 16+2))
				default:
					return
				}
				conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
				io.Copy(conn, br)
			}(conn)
		}
	}()
	return listener.Addr().String(), func() { listener.Close() }
}

// tunnelThroughRelay opens a CONNECT tunnel via the relay and checks that
// bytes written into it come back from the echoing upstream.
func tunnelThroughRelay(t *testing.T, relayAddr string) {
	t.Helper()

	conn, err := net.Dial("tcp", relayAddr)
	require.NoError(t, err)
	defer conn.Close()

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: "target.test:443"},
		Host:   "target.test:443",
		Header: make(http.Header),
	}
	require.NoError(t, connectReq.Write(conn))

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := []byte("ping through the tunnel")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	echo := make([]byte, len(payload))
	_, err = io.ReadFull(br, echo)
	require.NoError(t, err)
	assert.Equal(t, payload, echo)
}

func TestNewRelay_Validation(t *testing.T) {
	_, err := NewRelay(nil, zaptest.NewLogger(t))
	require.Error(t, err)

	endpoint := &schemas.ProxyEndpoint{Host: "10.0.0.1", Port: 1080, Protocol: "socks4"}
	_, err = NewRelay(endpoint, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported upstream protocol")
}

func TestRelay_WaitBeforeStart(t *testing.T) {
	endpoint := &schemas.ProxyEndpoint{Host: "10.0.0.1", Port: 3128, Protocol: schemas.ProxyHTTP}
	relay, err := NewRelay(endpoint, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.EqualError(t, relay.Wait(), "relay not started")
	assert.Empty(t, relay.Addr())
}

func TestRelay_StartTwiceFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	endpoint := &schemas.ProxyEndpoint{Host: "10.0.0.1", Port: 3128, Protocol: schemas.ProxyHTTP}
	relay, err := NewRelay(endpoint, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, relay.Start(ctx, "127.0.0.1:0"))

	err = relay.Start(ctx, "127.0.0.1:0")
	require.EqualError(t, err, "relay already started")

	cancel()
	require.NoError(t, relay.Wait())
}

func TestRelay_ForwardsPlainHTTPThroughUpstream(t *testing.T) {
	defer goleak.VerifyNone(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A chained proxy receives the absolute request URI.
		w.Header().Set("X-Via", "upstream")
		fmt.Fprint(w, "origin:"+r.URL.String())
	}))
	defer upstream.Close()

	endpoint := endpointFromAddr(t, upstream.Listener.Addr().String(), schemas.ProxyHTTP)
	relay, err := NewRelay(endpoint, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, relay.Start(ctx, "127.0.0.1:0"))
	defer func() {
		cancel()
		require.NoError(t, relay.Wait())
	}()

	relayURL := &url.URL{Scheme: "http", Host: relay.Addr()}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(relayURL)},
		Timeout:   5 * time.Second,
	}
	defer client.CloseIdleConnections()

	resp, err := client.Get("http://any-target.test/signup")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "upstream", resp.Header.Get("X-Via"))
	assert.Equal(t, "origin:http://any-target.test/signup", string(body))
}

func TestRelay_TunnelsConnectThroughHTTPUpstream(t *testing.T) {
	defer goleak.VerifyNone(t)

	upstreamAddr, connects, stopUpstream := startConnectUpstream(t)
	defer stopUpstream()

	relay, err := NewRelay(endpointFromAddr(t, upstreamAddr, schemas.ProxyHTTP), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, relay.Start(ctx, "127.0.0.1:0"))
	defer func() {
		cancel()
		require.NoError(t, relay.Wait())
	}()

	tunnelThroughRelay(t, relay.Addr())
	assert.Equal(t, int32(1), connects.Load(), "The tunnel must be chained through the upstream")
}

func TestRelay_TunnelsConnectThroughSOCKS5Upstream(t *testing.T) {
	defer goleak.VerifyNone(t)

	upstreamAddr, stopUpstream := startSOCKS5Upstream(t)
	defer stopUpstream()

	relay, err := NewRelay(endpointFromAddr(t, upstreamAddr, schemas.ProxySOCKS5), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, relay.Start(ctx, "127.0.0.1:0"))
	defer func() {
		cancel()
		require.NoError(t, relay.Wait())
	}()

	tunnelThroughRelay(t, relay.Addr())
}
