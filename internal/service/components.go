package service

import (
	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/observability"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/orchestrator"
)

// Components holds every initialized collaborator a workflow run needs.
// The struct centralizes lifecycle management so the command layer only
// deals with Create and Shutdown.
type Components struct {
	Identity  schemas.IdentityGenerator
	Mailbox   schemas.MailboxClient
	Proxies   schemas.ProxyProvider
	Browser   schemas.BrowserController
	Parser    schemas.MessageParser
	Extractor schemas.KeyExtractor

	Orchestrator *orchestrator.Orchestrator
}

// Shutdown releases everything still holding system resources. Browser
// sessions close at each run's terminal transition, so by the time Shutdown
// runs the remaining holders are the proxy provider's relay leases. Safe to
// call on a partially initialized struct.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence")

	if closer, ok := c.Proxies.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Proxy provider shutdown reported an error", zap.Error(err))
		} else {
			logger.Debug("Proxy provider shut down")
		}
	}

	logger.Info("All workflow components shut down")
}
