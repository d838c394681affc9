package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/internal/browser"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/extract"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/identity"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/mailbox"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/orchestrator"
)

// ComponentFactory creates the full set of components a workflow run needs.
// The abstraction keeps the command layer testable: commands depend on this
// interface and tests substitute a factory returning stubs.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency wiring for the workflow.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	components.Identity = identity.NewGenerator(cfg.Identity)
	logger.Debug("Identity generator initialized")

	mailboxClient, err := mailbox.NewClient(cfg.Mailbox, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize mailbox client: %w", err)
		return nil, initializationErr
	}
	components.Mailbox = mailboxClient
	logger.Debug("Mailbox client initialized")

	// The provider is added before any fetch so the deferred Shutdown can
	// release relay leases if a later step fails.
	components.Proxies = InitializeProxyProvider(ctx, cfg, logger)
	logger.Debug("Proxy provider initialized")

	components.Browser = browser.NewController(cfg, logger)
	logger.Debug("Browser controller initialized")

	parser, err := InitializeMessageParser(cfg.Target)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Parser = parser
	components.Extractor = extract.NewExtractor(cfg.Target.KeyPrefix)
	logger.Debug("Message parser and key extractor initialized")

	orch, err := orchestrator.New(cfg, orchestrator.Components{
		Identity:  components.Identity,
		Mailbox:   components.Mailbox,
		Proxies:   components.Proxies,
		Browser:   components.Browser,
		Parser:    components.Parser,
		Extractor: components.Extractor,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	logger.Info("All workflow components initialized")
	return components, nil
}
