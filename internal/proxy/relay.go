package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	xproxy "golang.org/x/net/proxy"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/network"
)

const (
	relayShutdownTimeout = 15 * time.Second
	upstreamDialTimeout  = 20 * time.Second
)

// Relay is a local forwarding proxy the browser is pointed at. Every
// request is chained to one upstream endpoint, which gives the browser a
// stable --proxy-server address whatever protocol the upstream speaks
// and lets rotation swap upstreams without relaunching Chrome. CONNECT
// requests are tunnelled as-is; TLS stays end to end between the browser
// and the target.
type Relay struct {
	upstream *schemas.ProxyEndpoint
	proxy    *goproxy.ProxyHttpServer
	logger   *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan error
}

// NewRelay wires a relay to the given upstream endpoint.
func NewRelay(upstream *schemas.ProxyEndpoint, logger *zap.Logger) (*Relay, error) {
	if upstream == nil {
		return nil, errors.New("relay requires an upstream endpoint")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	relay := &Relay{
		upstream: upstream,
		proxy:    goproxy.NewProxyHttpServer(),
		logger:   logger.Named("proxy_relay"),
	}
	relay.proxy.Logger = zap.NewStdLog(relay.logger.Named("goproxy"))
	relay.proxy.Verbose = relay.logger.Core().Enabled(zap.DebugLevel)

	if err := relay.configureUpstream(); err != nil {
		return nil, err
	}
	return relay, nil
}

// configureUpstream points both the plain-HTTP transport and the CONNECT
// dialer at the upstream endpoint. goproxy's default transport honours
// proxy environment variables; replacing it keeps the chain explicit.
func (r *Relay) configureUpstream() error {
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.Logger = r.logger.Named("upstream_transport")

	switch r.upstream.Protocol {
	case schemas.ProxyHTTP:
		upstreamURL, err := url.Parse(r.upstream.URL())
		if err != nil {
			return fmt.Errorf("invalid upstream endpoint %q: %w", r.upstream.Addr(), err)
		}
		clientCfg.ProxyURL = upstreamURL
		r.proxy.Tr = network.NewHTTPTransport(clientCfg)

		tunnelCfg := network.NewDialerConfig()
		tunnelCfg.Timeout = upstreamDialTimeout
		tunnelCfg.ProxyURL = upstreamURL
		r.proxy.ConnectDial = func(netw, addr string) (net.Conn, error) {
			dialCtx, cancel := context.WithTimeout(context.Background(), upstreamDialTimeout)
			defer cancel()
			return network.DialTCPContext(dialCtx, netw, addr, tunnelCfg)
		}

	case schemas.ProxySOCKS5:
		socksDialer, err := xproxy.SOCKS5("tcp", r.upstream.Addr(), nil, &net.Dialer{
			Timeout:   upstreamDialTimeout,
			KeepAlive: 30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to build socks5 dialer for %s: %w", r.upstream.Addr(), err)
		}

		transport := network.NewHTTPTransport(clientCfg)
		transport.DialContext = func(ctx context.Context, netw, addr string) (net.Conn, error) {
			if contextDialer, ok := socksDialer.(xproxy.ContextDialer); ok {
				return contextDialer.DialContext(ctx, netw, addr)
			}
			return socksDialer.Dial(netw, addr)
		}
		r.proxy.Tr = transport
		r.proxy.ConnectDial = socksDialer.Dial

	default:
		return fmt.Errorf("unsupported upstream protocol: %s", r.upstream.Protocol)
	}
	return nil
}

// Start binds the relay to addr and serves in the background, returning
// once the listener is bound so that "127.0.0.1:0" callers can read the
// assigned address immediately. The relay shuts down when ctx ends; Wait
// reports the terminal result.
func (r *Relay) Start(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server != nil {
		return errors.New("relay already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind relay listener: %w", err)
	}

	server := &http.Server{
		Handler: r.proxy,
		// Tunnelled CONNECT sessions outlive any whole-request deadline,
		// so only the header read is bounded.
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(r.logger.Named("http_server")),
	}
	r.server = server
	r.listener = listener
	done := make(chan error, 1)
	r.done = done

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		r.logger.Info("Shutdown signal received, stopping relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	go func() {
		serveErr := server.Serve(listener)
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = <-shutdownErr
		}
		r.proxy.Tr.CloseIdleConnections()

		r.mu.Lock()
		if r.server == server {
			r.server = nil
		}
		r.mu.Unlock()

		if serveErr != nil {
			r.logger.Error("Relay stopped with an error", zap.Error(serveErr))
		} else {
			r.logger.Info("Relay stopped gracefully")
		}
		done <- serveErr
	}()

	r.logger.Info("Relay listening",
		zap.String("address", listener.Addr().String()),
		zap.String("upstream", r.upstream.URL()))
	return nil
}

// Addr returns the bound listen address in host:port form, or "" before
// Start succeeds.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Upstream returns the endpoint this relay chains to.
func (r *Relay) Upstream() *schemas.ProxyEndpoint {
	return r.upstream
}

// Wait blocks until the relay has stopped and returns the terminal serve
// result. Call it once, after cancelling the context passed to Start.
func (r *Relay) Wait() error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done == nil {
		return errors.New("relay not started")
	}
	return <-done
}
