// Package browser drives the target service with chromedp. A Controller
// launches one dedicated Chrome process per session so a poisoned egress
// path never leaks into a later attempt, and each Session exposes the
// discrete signup, verification and key-page steps with their own
// timeouts.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
)

// launchTimeout bounds Chrome startup. It is enforced outside the session
// context; the browser process lives as long as the context its first Run
// sees, so the launch deadline must never be attached to it.
const launchTimeout = 60 * time.Second

// Controller implements schemas.BrowserController.
type Controller struct {
	cfg       *config.Config
	logger    *zap.Logger
	artifacts *ArtifactStore

	mu     sync.Mutex
	active int
}

var _ schemas.BrowserController = (*Controller)(nil)

// NewController builds a Controller from the loaded configuration. Debug
// artifacts are written only when the workflow debug flag is set.
func NewController(cfg *config.Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser")
	return &Controller{
		cfg:       cfg,
		logger:    logger,
		artifacts: NewArtifactStore(cfg.Browser.ArtifactDir, cfg.Workflow.Debug, logger),
	}
}

// OpenSession launches a browser and returns a live session. When proxy is
// non-nil all browser traffic egresses through it. The ctx only bounds the
// launch; the session itself lives until Close.
func (c *Controller) OpenSession(ctx context.Context, proxy *schemas.ProxyEndpoint) (schemas.BrowserSession, error) {
	browserCfg := c.cfg.Browser
	if c.cfg.Workflow.Debug {
		// Debug runs want a watchable browser.
		browserCfg.Headless = false
	}

	opts := allocatorOptions(browserCfg)
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.URL()))
	}

	// The allocator parent is deliberately not ctx: the session must
	// outlive this call and is torn down by Session.Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// The first Run starts Chrome and ties its lifetime to tabCtx, so the
	// launch deadline is raced against it rather than derived from it.
	launch := make(chan error, 1)
	go func() { launch <- chromedp.Run(tabCtx) }()

	select {
	case err := <-launch:
		if err != nil {
			tabCancel()
			allocCancel()
			return nil, fmt.Errorf("browser launch failed: %w", err)
		}
	case <-time.After(launchTimeout):
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser launch timed out after %s", launchTimeout)
	case <-ctx.Done():
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser launch canceled: %w", ctx.Err())
	}

	// Persona overrides ride on the fresh target before any navigation, so
	// the first request already carries the emulated identity.
	if err := chromedp.Run(tabCtx, personaFor(browserCfg).Apply()); err != nil {
		c.logger.Warn("Persona emulation failed, continuing with browser defaults", zap.Error(err))
	}

	c.mu.Lock()
	c.active++
	c.mu.Unlock()

	sess := newSession(tabCtx, tabCancel, allocCancel, c.cfg, c.artifacts, c.logger, c.release)
	c.logger.Info("Browser session opened",
		zap.String("session_id", sess.ID()),
		zap.String("egress", egressLabel(proxy)),
	)
	return sess, nil
}

// ActiveSessions reports how many sessions have been opened and not yet
// closed.
func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) release() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

func egressLabel(proxy *schemas.ProxyEndpoint) string {
	if proxy == nil {
		return "direct"
	}
	return proxy.URL()
}

// allocatorOptions assembles the Chrome flag set: the chromedp defaults
// hardened for containers, plus the configured identity and viewport.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if cfg.Headless {
		opts = append(opts, chromedp.Headless, chromedp.DisableGPU)
	} else {
		// The chromedp defaults include Headless; it has to be overridden
		// to actually show a window.
		opts = append(opts, chromedp.Flag("headless", false))
	}

	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}

	for _, arg := range cfg.Args {
		name, value := splitArg(arg)
		opts = append(opts, chromedp.Flag(name, value))
	}

	return opts
}

// splitArg turns a configured argument like "no-zygote" or "--lang=en-US"
// into the name/value pair chromedp.Flag expects, which is without the
// leading dashes.
func splitArg(arg string) (string, any) {
	arg = strings.TrimPrefix(arg, "--")
	if name, value, found := strings.Cut(arg, "="); found {
		return name, value
	}
	return arg, true
}
