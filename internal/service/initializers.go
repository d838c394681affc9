package service

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/extract"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/proxy"
)

// InitializeProxyProvider builds the egress provider for the workflow:
// candidates are fetched from the configured sources, rotated through a
// pool, and, when the relay is enabled, handed to the browser as loopback
// relays instead of raw endpoints. A failed candidate fetch is deliberately
// non-fatal; proxyless runs connect directly.
func InitializeProxyProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) schemas.ProxyProvider {
	if !cfg.Workflow.UseProxy {
		logger.Debug("Proxy rotation disabled, runs connect directly")
		return proxy.NewPool(cfg.Proxy, false, nil, logger)
	}

	candidates, err := proxy.NewSources(cfg.Proxy, logger).FetchCandidates(ctx)
	if err != nil {
		logger.Warn("No proxy candidates available, runs fall back to the direct route", zap.Error(err))
	}

	pool := proxy.NewPool(cfg.Proxy, true, candidates, logger)
	if cfg.Proxy.Relay.Enabled {
		logger.Info("Proxy relay enabled", zap.String("bind", cfg.Proxy.Relay.Address))
		return proxy.NewRelayedProvider(pool, cfg.Proxy.Relay.Address, logger)
	}
	return pool
}

// InitializeMessageParser derives the confirmation-link parser from the
// signup URL, so links pointing at the target host outrank trackers and
// unsubscribe links in multi-link messages.
func InitializeMessageParser(cfg config.TargetConfig) (schemas.MessageParser, error) {
	target, err := url.Parse(cfg.SignupURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target signup URL %q: %w", cfg.SignupURL, err)
	}
	return extract.NewParser(target.Hostname()), nil
}
