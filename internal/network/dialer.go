package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DialerConfig holds configuration for the low-level TCP dialer.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
	// NoDelay controls TCP_NODELAY.
	NoDelay  bool
	Resolver *net.Resolver
	// ProxyURL routes the connection through an HTTP or HTTPS proxy using
	// CONNECT. Other schemes are rejected here; SOCKS5 upstreams are dialed
	// by the relay directly.
	ProxyURL *url.URL
}

// Clone returns a deep copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	if c.ProxyURL != nil {
		proxyURLCopy := *c.ProxyURL
		clone.ProxyURL = &proxyURLCopy
	}
	return &clone
}

// NewDialerConfig creates a default configuration: TLS 1.2+, PFS suites,
// system resolver, no proxy.
func NewDialerConfig() *DialerConfig {
	tlsConfig := &tls.Config{
		MinVersion: requiredMinTLSVersion,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites:       defaultSecureCipherSuites,
		ClientSessionCache: tls.NewLRUClientSessionCache(128),
	}

	return &DialerConfig{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
		TLSConfig: tlsConfig,
		NoDelay:   true,
		Resolver:  net.DefaultResolver,
	}
}

// DialTCPContext establishes a TCP connection, tunneling through the
// configured proxy when one is set. Suitable for http.Transport.DialContext.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}
	if config.ProxyURL != nil {
		return dialViaProxy(ctx, network, address, config)
	}
	return dialDirect(ctx, network, address, config)
}

func dialDirect(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
		// Happy Eyeballs for fast IPv4/IPv6 fallback.
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
	}
	return rawConn, nil
}

// dialViaProxy connects through an HTTP/HTTPS proxy using CONNECT.
func dialViaProxy(ctx context.Context, network, targetAddress string, config *DialerConfig) (net.Conn, error) {
	proxyURL := config.ProxyURL
	proxyAddress := proxyURL.Host

	var proxyConn net.Conn
	var err error

	switch proxyURL.Scheme {
	case "http":
		proxyConn, err = dialDirect(ctx, network, proxyAddress, config)
	case "https":
		proxyDialerConfig := config.Clone()
		if proxyDialerConfig.TLSConfig == nil {
			proxyDialerConfig.TLSConfig = NewDialerConfig().TLSConfig.Clone()
		}
		// ALPN settings meant for the target must not leak into the hop to
		// the proxy itself.
		proxyDialerConfig.TLSConfig.NextProtos = nil

		var rawConn net.Conn
		rawConn, err = dialDirect(ctx, network, proxyAddress, proxyDialerConfig)
		if err != nil {
			return nil, err
		}
		proxyConn, err = wrapTLS(ctx, rawConn, proxyAddress, proxyDialerConfig)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (only http/https supported)", proxyURL.Scheme)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyAddress, err)
	}

	return establishProxyTunnel(ctx, proxyConn, targetAddress, config.ProxyURL)
}

// establishProxyTunnel performs the CONNECT handshake and returns the tunnel.
func establishProxyTunnel(ctx context.Context, conn net.Conn, targetAddress string, proxyURL *url.URL) (net.Conn, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddress},
		Host:   targetAddress,
		Header: make(http.Header),
	}

	if proxyURL.User != nil {
		if password, ok := proxyURL.User.Password(); ok {
			auth := proxyURL.User.Username() + ":" + password
			connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		if resp.StatusCode == http.StatusProxyAuthRequired {
			return nil, fmt.Errorf("proxy requires authentication: %s", resp.Status)
		}
		return nil, fmt.Errorf("proxy responded with non-200 status for CONNECT: %s", resp.Status)
	}

	// The reader may hold bytes past the response; they belong to the tunnel.
	if br.Buffered() > 0 {
		return &prefixedConn{Conn: conn, prefix: br}, nil
	}
	return conn, nil
}

// prefixedConn reads from an internal buffer before the underlying Conn.
type prefixedConn struct {
	net.Conn
	prefix io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF {
			c.prefix = nil
			if n > 0 {
				return n, nil
			}
		} else if n > 0 || err != nil {
			return n, err
		}
	}
	return c.Conn.Read(p)
}

func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	_ = conn.SetKeepAlive(true)
	if config.KeepAlive > 0 {
		_ = conn.SetKeepAlivePeriod(config.KeepAlive)
	}
	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP NoDelay: %w", err)
	}
	return nil
}

// wrapTLS performs the client TLS handshake with SNI derived from address.
func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig.Clone()

	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		sniHost := host
		if len(host) > 0 && host[0] == '[' && host[len(host)-1] == ']' {
			sniHost = host[1 : len(host)-1]
		}
		if net.ParseIP(sniHost) == nil {
			tlsConfig.ServerName = sniHost
		}
	}

	tlsConn := tls.Client(conn, tlsConfig)

	handshakeTimeout := config.Timeout
	if handshakeTimeout == 0 || handshakeTimeout > DefaultTLSHandshakeTimeout {
		handshakeTimeout = DefaultTLSHandshakeTimeout
	}
	handshakeCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > handshakeTimeout {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tlsConn, nil
}
