package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
)

var (
	_ schemas.ProxyProvider = (*Pool)(nil)
	_ schemas.ProxyProvider = (*RelayedProvider)(nil)
)

// relayLease is one live relay serving an acquired upstream. It exists from
// Acquire until the matching Report (or Close) tears it down.
type relayLease struct {
	relay  *Relay
	cancel context.CancelFunc
}

// RelayedProvider fronts a Pool with a per-endpoint local relay, so the
// browser always receives a plain HTTP proxy on loopback regardless of the
// protocol the upstream speaks. Acquire starts a relay chained to the next
// pool endpoint; Report tears that relay down and forwards the verdict to
// the pool under the original upstream.
type RelayedProvider struct {
	pool     *Pool
	bindAddr string
	logger   *zap.Logger

	mu     sync.Mutex
	leases map[string]*relayLease // keyed by the loopback Addr handed out
}

// NewRelayedProvider wraps pool, binding each relay to bindAddr (typically
// "127.0.0.1:0" so every lease gets its own port).
func NewRelayedProvider(pool *Pool, bindAddr string, logger *zap.Logger) *RelayedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayedProvider{
		pool:     pool,
		bindAddr: bindAddr,
		logger:   logger.Named("relayed_provider"),
		leases:   make(map[string]*relayLease),
	}
}

// Acquire leases the next usable endpoint as a loopback relay. Upstreams
// whose relay cannot start are reported dead and skipped, so a nil return
// carries the same meaning as Pool.Acquire: go direct.
func (p *RelayedProvider) Acquire() *schemas.ProxyEndpoint {
	for {
		upstream := p.pool.Acquire()
		if upstream == nil {
			return nil
		}
		local, err := p.lease(upstream)
		if err != nil {
			p.pool.Report(upstream, err)
			p.logger.Warn("Relay start failed for endpoint, trying next",
				zap.String("upstream", upstream.Addr()), zap.Error(err))
			continue
		}
		p.logger.Info("Relay lease ready",
			zap.String("local", local.Addr()),
			zap.String("upstream", upstream.Addr()))
		return local
	}
}

func (p *RelayedProvider) lease(upstream *schemas.ProxyEndpoint) (*schemas.ProxyEndpoint, error) {
	relay, err := NewRelay(upstream, p.logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := relay.Start(ctx, p.bindAddr); err != nil {
		cancel()
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(relay.Addr())
	if err != nil {
		cancel()
		_ = relay.Wait()
		return nil, fmt.Errorf("relay reported unusable address %q: %w", relay.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		cancel()
		_ = relay.Wait()
		return nil, fmt.Errorf("relay reported unusable port %q: %w", portStr, err)
	}

	local := &schemas.ProxyEndpoint{
		Host:     host,
		Port:     port,
		Protocol: schemas.ProxyHTTP,
		Status:   schemas.ProxyUntested,
	}

	p.mu.Lock()
	p.leases[local.Addr()] = &relayLease{relay: relay, cancel: cancel}
	p.mu.Unlock()
	return local, nil
}

// Report releases the lease behind endpoint and forwards the verdict to the
// pool against the real upstream. Reporting an endpoint this provider never
// handed out degrades to a plain pool report.
func (p *RelayedProvider) Report(endpoint *schemas.ProxyEndpoint, err error) {
	if endpoint == nil {
		return
	}

	p.mu.Lock()
	lease, ok := p.leases[endpoint.Addr()]
	if ok {
		delete(p.leases, endpoint.Addr())
	}
	p.mu.Unlock()

	if !ok {
		p.pool.Report(endpoint, err)
		return
	}

	lease.cancel()
	if waitErr := lease.relay.Wait(); waitErr != nil {
		p.logger.Warn("Relay stopped uncleanly",
			zap.String("local", endpoint.Addr()), zap.Error(waitErr))
	}
	p.pool.Report(lease.relay.Upstream(), err)
}

// Outstanding reports how many leases have been acquired but not yet
// reported back.
func (p *RelayedProvider) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Close tears down every outstanding lease. It is the shutdown path for
// leases whose Report never came, and is safe to call more than once.
func (p *RelayedProvider) Close() error {
	p.mu.Lock()
	leases := p.leases
	p.leases = make(map[string]*relayLease)
	p.mu.Unlock()

	var errs []error
	for addr, lease := range leases {
		lease.cancel()
		if err := lease.relay.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("relay %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}
