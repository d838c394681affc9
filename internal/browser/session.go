package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
)

const (
	signupMaxRetries     = 3
	signupRetryDelay     = 5 * time.Second
	dashboardWaitTimeout = 10 * time.Second
	verifyControlWait    = 5 * time.Second
	// renderSettle lets a freshly loaded dashboard paint its banner before
	// controls are probed; pageSettle covers post-navigation processing on
	// the confirmation and key pages.
	renderSettle         = 2 * time.Second
	pageSettle           = 3 * time.Second
	locationPollInterval = 250 * time.Millisecond
	screenshotQuality    = 90
)

// verificationSendSelectors locate the "send verification email" control on
// the post-signup dashboard. Flows that auto-send render no such control.
var verificationSendSelectors = []string{
	"button.verify-button",
	".verification-banner button",
}

// rejectionProbeScript returns the text of the first visible error banner,
// or an empty string when the form shows no rejection.
const rejectionProbeScript = `(() => {
	const nodes = document.querySelectorAll('[role="alert"], .error, .form-error, .alert-danger');
	for (const node of nodes) {
		const text = (node.innerText || '').trim();
		if (text) {
			return text;
		}
	}
	return '';
})()`

// keySourceScript gathers everything on the key page that could hold an
// issued key: likely key-bearing elements first, in priority order, then
// the whole body text as a fallback. The extractor scans the combined
// output top to bottom, so order here is ranking.
const keySourceScript = `(() => {
	const selectors = [
		'input[readonly]',
		"input[type='text'][readonly]",
		'code',
		'[data-key]',
		'pre code',
		'.api-key',
		"[class*='key'] code",
		'textarea[readonly]',
	];
	const parts = [];
	const seen = new Set();
	for (const selector of selectors) {
		for (const el of document.querySelectorAll(selector)) {
			if (seen.has(el)) {
				continue;
			}
			seen.add(el);
			const value = el.value || el.getAttribute('value');
			if (value) {
				parts.push(value);
			}
			const text = (el.innerText || el.textContent || '').trim();
			if (text) {
				parts.push(text);
			}
		}
	}
	parts.push(document.body ? document.body.innerText : '');
	return parts.join('\n');
})()`

// Session is one live browser driving the target site. It implements
// schemas.BrowserSession; methods are called sequentially by the workflow.
type Session struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger
	cfg         *config.Config

	artifacts *ArtifactStore

	signupAttempts int

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.BrowserSession = (*Session)(nil)

func newSession(
	ctx context.Context,
	cancel context.CancelFunc,
	allocCancel context.CancelFunc,
	cfg *config.Config,
	artifacts *ArtifactStore,
	logger *zap.Logger,
	onClose func(),
) *Session {
	sessionID := uuid.New().String()
	return &Session{
		id:          sessionID,
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger.With(zap.String("session_id", sessionID)),
		cfg:         cfg,
		artifacts:   artifacts,
		onClose:     onClose,
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// SubmitSignup fills and submits the signup form with the identity. Flaky
// navigation is retried a few times; an explicit rejection by the service
// returns schemas.ErrSignupRejected immediately, since resubmitting the same
// identity cannot succeed.
func (s *Session) SubmitSignup(ctx context.Context, identity schemas.Identity) error {
	var lastErr error
	for attempt := 1; attempt <= signupMaxRetries; attempt++ {
		s.signupAttempts++

		err := s.trySignup(ctx, identity)
		if err == nil {
			return nil
		}
		if errors.Is(err, schemas.ErrSignupRejected) {
			return err
		}
		if ctx.Err() != nil || s.ctx.Err() != nil {
			return err
		}

		lastErr = err
		s.logger.Warn("Signup attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", signupMaxRetries),
			zap.Error(err),
		)

		if attempt < signupMaxRetries {
			select {
			case <-time.After(signupRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("signup failed after %d attempts: %w", signupMaxRetries, lastErr)
}

func (s *Session) trySignup(ctx context.Context, identity schemas.Identity) error {
	if err := s.navigate(ctx, s.cfg.Target.SignupURL); err != nil {
		return err
	}
	s.captureScreenshot(ctx, fmt.Sprintf("debug_signup_%d.png", s.signupAttempts))

	if err := s.fill(ctx, `input[type="email"]`, identity.Address()); err != nil {
		return err
	}
	if err := s.fill(ctx, `input#password[type="password"]`, identity.Password); err != nil {
		return err
	}
	if err := s.fill(ctx, `input#confirmPassword[type="password"]`, identity.Password); err != nil {
		return err
	}
	if err := s.click(ctx, `button[type="submit"]`); err != nil {
		return err
	}

	return s.awaitPostSignup(ctx)
}

// awaitPostSignup waits for the dashboard redirect. A slow redirect is
// routine and tolerated; the verification flow proves the real outcome. A
// visible rejection banner is terminal.
func (s *Session) awaitPostSignup(ctx context.Context) error {
	err := s.awaitLocation(ctx, s.cfg.Target.DashboardPath, dashboardWaitTimeout)
	if err == nil {
		s.logger.Debug("Dashboard reached after signup")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if reason := s.rejectionBanner(ctx); reason != "" {
		return fmt.Errorf("%w: %s", schemas.ErrSignupRejected, reason)
	}

	s.logger.Debug("Dashboard redirect not observed, continuing", zap.Error(err))
	if serr := s.sleep(ctx, pageSettle); serr != nil {
		return serr
	}
	return nil
}

// rejectionBanner probes the page for a visible error message. Probe
// failures are treated as no banner.
func (s *Session) rejectionBanner(ctx context.Context) string {
	probeCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	var text string
	if err := s.runActions(probeCtx, chromedp.Evaluate(rejectionProbeScript, &text)); err != nil {
		s.logger.Debug("Rejection probe failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(text)
}

// TriggerVerificationSend clicks the send-verification control when the
// dashboard renders one. Its absence means the service already sent the
// message, so nothing here is an error short of a dead session.
func (s *Session) TriggerVerificationSend(ctx context.Context) error {
	if err := s.sleep(ctx, renderSettle); err != nil {
		return err
	}

	for _, selector := range verificationSendSelectors {
		if s.clickIfVisible(ctx, selector) {
			s.logger.Info("Verification send triggered", zap.String("selector", selector))
			return s.sleep(ctx, pageSettle)
		}
	}

	s.logger.Debug("No verification send control found, assuming automatic delivery")
	return nil
}

// clickIfVisible clicks the first visible match for selector, reporting
// whether a click happened.
func (s *Session) clickIfVisible(ctx context.Context, selector string) bool {
	waitCtx, cancel := context.WithTimeout(ctx, verifyControlWait)
	defer cancel()
	if err := s.runActions(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		s.logger.Debug("Verification control not present",
			zap.String("selector", selector), zap.Error(err))
		return false
	}

	clickCtx, cancelClick := context.WithTimeout(ctx, s.actionTimeout())
	defer cancelClick()
	if err := s.runActions(clickCtx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		s.logger.Debug("Verification control click failed",
			zap.String("selector", selector), zap.Error(err))
		return false
	}
	return true
}

// FollowConfirmation opens the confirmation link and lets the server-side
// exchange and redirect complete.
func (s *Session) FollowConfirmation(ctx context.Context, link string) error {
	if err := s.navigate(ctx, link); err != nil {
		return err
	}
	if err := s.sleep(ctx, pageSettle); err != nil {
		return err
	}
	s.captureScreenshot(ctx, "debug_after_verification.png")
	return nil
}

// KeySource navigates to the key listing page and returns its scraped
// content for the extractor.
func (s *Session) KeySource(ctx context.Context) (string, error) {
	keysURL, err := resolveTargetURL(s.cfg.Target.SignupURL, s.cfg.Target.KeysPath)
	if err != nil {
		return "", err
	}

	if err := s.navigate(ctx, keysURL); err != nil {
		return "", err
	}
	if err := s.sleep(ctx, pageSettle); err != nil {
		return "", err
	}
	s.captureScreenshot(ctx, "debug_keys_page.png")
	s.capturePageHTML(ctx, "debug_keys_page.html")

	scrapeCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	var content string
	if err := s.runActions(scrapeCtx, chromedp.Evaluate(keySourceScript, &content)); err != nil {
		return "", fmt.Errorf("key page scrape failed: %w", err)
	}
	return content, nil
}

// Close terminates the browser session. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session")

	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// navigate loads the URL under the configured navigation timeout, then
// waits for the DOM to be ready.
func (s *Session) navigate(ctx context.Context, urlstr string) error {
	s.logger.Debug("Navigating", zap.String("url", urlstr))

	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	navTimeout := s.navigationTimeout()
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(urlstr)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %s: %w", urlstr, navTimeout, err)
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return fmt.Errorf("navigation to %s failed: %w", urlstr, err)
	}

	if err := s.stabilize(opCtx); err != nil {
		if opCtx.Err() != nil {
			return opCtx.Err()
		}
		s.logger.Debug("Page stabilization incomplete", zap.Error(err))
	}
	return nil
}

// stabilize waits for the page DOM to settle after navigation.
func (s *Session) stabilize(ctx context.Context) error {
	stabCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return chromedp.Run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery))
}

// awaitLocation polls the page URL until it contains fragment or the
// timeout elapses.
func (s *Session) awaitLocation(ctx context.Context, fragment string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		var location string
		if err := s.runActions(waitCtx, chromedp.Location(&location)); err != nil {
			if waitCtx.Err() != nil {
				return fmt.Errorf("no redirect to %q within %s: %w", fragment, timeout, waitCtx.Err())
			}
			return err
		}
		if strings.Contains(location, fragment) {
			return nil
		}
		if err := s.runActions(waitCtx, chromedp.Sleep(locationPollInterval)); err != nil {
			if waitCtx.Err() != nil {
				return fmt.Errorf("no redirect to %q within %s: %w", fragment, timeout, waitCtx.Err())
			}
			return err
		}
	}
}

// fill scrolls the element into view and types value into it.
func (s *Session) fill(ctx context.Context, selector, value string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	err := s.runActions(opCtx, chromedp.Tasks{
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	})
	if err != nil {
		return fmt.Errorf("fill action failed for selector %q: %w", selector, err)
	}
	return nil
}

// click scrolls the element into view and clicks it.
func (s *Session) click(ctx context.Context, selector string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	err := s.runActions(opCtx, chromedp.Tasks{
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	})
	if err != nil {
		return fmt.Errorf("click action failed for selector %q: %w", selector, err)
	}
	return nil
}

// sleep pauses in-page so the wait is abandoned with the session.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if err := s.runActions(ctx, chromedp.Sleep(d)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// captureScreenshot saves a full-page screenshot when debug artifacts are
// enabled. Capture failures are logged, never returned.
func (s *Session) captureScreenshot(ctx context.Context, name string) {
	if !s.artifacts.Enabled() {
		return
	}

	shotCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	var shot []byte
	if err := s.runActions(shotCtx, chromedp.FullScreenshot(&shot, screenshotQuality)); err != nil {
		s.logger.Debug("Screenshot capture failed", zap.String("artifact", name), zap.Error(err))
		return
	}
	s.artifacts.Save(name, shot)
}

// capturePageHTML saves the serialized DOM when debug artifacts are
// enabled.
func (s *Session) capturePageHTML(ctx context.Context, name string) {
	if !s.artifacts.Enabled() {
		return
	}

	htmlCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	var html string
	if err := s.runActions(htmlCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		s.logger.Debug("Page HTML capture failed", zap.String("artifact", name), zap.Error(err))
		return
	}
	s.artifacts.Save(name, []byte(html))
}

// runActions executes chromedp actions so they respect both the session
// lifetime (s.ctx) and the incoming request context (ctx).
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}

func (s *Session) navigationTimeout() time.Duration {
	if s.cfg.Browser.NavigationTimeout > 0 {
		return s.cfg.Browser.NavigationTimeout
	}
	return 45 * time.Second
}

func (s *Session) actionTimeout() time.Duration {
	if s.cfg.Browser.ActionTimeout > 0 {
		return s.cfg.Browser.ActionTimeout
	}
	return 15 * time.Second
}

// resolveTargetURL resolves a path like "/keys" against the signup URL's
// origin. An absolute ref is returned as-is.
func resolveTargetURL(signupURL, ref string) (string, error) {
	base, err := url.Parse(signupURL)
	if err != nil {
		return "", fmt.Errorf("invalid target URL %q: %w", signupURL, err)
	}
	target, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid target path %q: %w", ref, err)
	}
	return base.ResolveReference(target).String(), nil
}
