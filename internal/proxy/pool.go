package proxy

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
)

// Pool hands out candidate endpoints one at a time. The cursor only moves
// forward, so an endpoint reported dead is never handed out again within
// the run. Pool implements schemas.ProxyProvider.
type Pool struct {
	mu          sync.Mutex
	endpoints   []*schemas.ProxyEndpoint
	cursor      int
	handedOut   int
	maxAttempts int
	enabled     bool
	logger      *zap.Logger
}

// NewPool builds a rotation pool over fetched candidates. When enabled is
// false every Acquire returns nil and the workflow connects directly.
func NewPool(cfg config.ProxyConfig, enabled bool, candidates []*schemas.ProxyEndpoint, logger *zap.Logger) *Pool {
	pool := &Pool{
		endpoints:   candidates,
		maxAttempts: cfg.MaxAttempts,
		enabled:     enabled,
		logger:      logger.Named("proxy_pool"),
	}
	if cfg.Shuffle {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng.Shuffle(len(pool.endpoints), func(i, j int) {
			pool.endpoints[i], pool.endpoints[j] = pool.endpoints[j], pool.endpoints[i]
		})
	}
	return pool
}

// Acquire returns the next endpoint not known to be dead, or nil when
// rotation is disabled, the candidate list is exhausted, or the per-run
// attempt budget is spent. A nil return means "go direct".
func (p *Pool) Acquire() *schemas.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return nil
	}
	if p.maxAttempts > 0 && p.handedOut >= p.maxAttempts {
		p.logger.Debug("Proxy attempt budget spent",
			zap.Int("max_attempts", p.maxAttempts))
		return nil
	}

	for p.cursor < len(p.endpoints) {
		endpoint := p.endpoints[p.cursor]
		p.cursor++
		if endpoint.Status == schemas.ProxyDead {
			continue
		}
		p.handedOut++
		p.logger.Info("Proxy endpoint acquired",
			zap.String("endpoint", endpoint.Addr()),
			zap.String("protocol", string(endpoint.Protocol)))
		return endpoint
	}

	p.logger.Debug("Proxy candidates exhausted", zap.Int("total", len(p.endpoints)))
	return nil
}

// Report records the outcome of using an endpoint. A non-nil err marks it
// dead for the rest of the run; nil marks it healthy.
func (p *Pool) Report(endpoint *schemas.ProxyEndpoint, err error) {
	if endpoint == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		endpoint.Status = schemas.ProxyDead
		p.logger.Warn("Proxy endpoint marked dead",
			zap.String("endpoint", endpoint.Addr()),
			zap.Error(err))
		return
	}
	endpoint.Status = schemas.ProxyHealthy
}

// Remaining reports how many candidates are still eligible for Acquire.
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := 0
	for _, endpoint := range p.endpoints[p.cursor:] {
		if endpoint.Status != schemas.ProxyDead {
			remaining++
		}
	}
	return remaining
}
