// Package orchestrator sequences a single credential-acquisition run as an
// explicit state machine: identity, inbox, signup, verification, key
// extraction. It owns the classification of every error into a FailureKind
// and guarantees the browser session is released exactly once no matter
// which stage the run stops in.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/mailbox"
)

// closeTimeout bounds terminal browser teardown, which must not inherit the
// run context because that context is usually already dead by then.
const closeTimeout = 15 * time.Second

// Components are the collaborators a run is sequenced over. Every field is
// required; they are injected as interfaces so tests can substitute any of
// them independently.
type Components struct {
	Identity  schemas.IdentityGenerator
	Mailbox   schemas.MailboxClient
	Proxies   schemas.ProxyProvider
	Browser   schemas.BrowserController
	Parser    schemas.MessageParser
	Extractor schemas.KeyExtractor
}

func (c Components) validate() error {
	switch {
	case c.Identity == nil:
		return errors.New("orchestrator: identity generator is required")
	case c.Mailbox == nil:
		return errors.New("orchestrator: mailbox client is required")
	case c.Proxies == nil:
		return errors.New("orchestrator: proxy provider is required")
	case c.Browser == nil:
		return errors.New("orchestrator: browser controller is required")
	case c.Parser == nil:
		return errors.New("orchestrator: message parser is required")
	case c.Extractor == nil:
		return errors.New("orchestrator: key extractor is required")
	}
	return nil
}

// Orchestrator drives workflow runs. It is stateless between runs; all
// per-run state lives in the run value threaded through the stage methods.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	components Components
}

// New wires an orchestrator from fully constructed components.
func New(cfg *config.Config, components Components, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: config is required")
	}
	if err := components.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		components: components,
	}, nil
}

// run carries the mutable state of one workflow invocation.
type run struct {
	logger   *zap.Logger
	stage    schemas.Stage
	identity schemas.Identity
	mailbox  schemas.MailboxSession
	proxy    *schemas.ProxyEndpoint
	session  schemas.BrowserSession
	link     string
	apiKey   string
}

// advance records a completed transition.
func (r *run) advance(next schemas.Stage) {
	r.stage = next
	r.logger.Debug("Stage reached", zap.String("stage", string(next)))
}

// adoptAddress aligns the identity with the address the provider actually
// granted; the signup form must receive exactly the address being polled.
func (r *run) adoptAddress(address string) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return
	}
	r.identity.LocalPart = address[:at]
	r.identity.Domain = address[at+1:]
}

func (r *run) email() string {
	if r.mailbox.Address != "" {
		return r.mailbox.Address
	}
	if r.identity.LocalPart != "" && r.identity.Domain != "" {
		return r.identity.Address()
	}
	return ""
}

// Run executes one full acquisition attempt. The returned Result always has
// Stage set; on failure the error is a *schemas.Failure carrying the stage
// the run had reached and the failure classification.
func (o *Orchestrator) Run(ctx context.Context) (schemas.Result, error) {
	if o.cfg.Workflow.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Workflow.OverallTimeout)
		defer cancel()
	}

	r := &run{
		logger: o.logger.With(zap.String("run_id", uuid.New().String())),
		stage:  schemas.StageInit,
	}
	r.logger.Info("Credential acquisition run starting",
		zap.String("target", o.cfg.Target.SignupURL),
		zap.Duration("overall_timeout", o.cfg.Workflow.OverallTimeout))

	failure := o.execute(ctx, r)

	// Terminal transition. Session teardown happens exactly once here, for
	// success and failure alike, so no stage method may close the session
	// itself.
	o.finalize(r)

	result := schemas.Result{
		Email:    r.email(),
		Password: r.identity.Password,
	}
	if failure != nil {
		result.Stage = schemas.StageFailed
		r.logger.Error("Run failed",
			zap.String("stage", string(failure.Stage)),
			zap.String("kind", string(failure.Kind)),
			zap.Bool("transient", failure.Kind.Transient()),
			zap.Error(failure.Err))
		return result, failure
	}
	result.Stage = schemas.StageDone
	result.APIKey = r.apiKey
	r.logger.Info("Run succeeded", zap.String("email", result.Email))
	return result, nil
}

// execute walks the state machine forward until DONE or the first failure.
func (o *Orchestrator) execute(ctx context.Context, r *run) *schemas.Failure {
	if failure := o.prepareIdentity(r); failure != nil {
		return failure
	}
	if failure := o.prepareMailbox(ctx, r); failure != nil {
		return failure
	}
	if failure := o.submitSignup(ctx, r); failure != nil {
		return failure
	}
	if failure := o.awaitVerification(ctx, r); failure != nil {
		return failure
	}
	if failure := o.confirm(ctx, r); failure != nil {
		return failure
	}
	return o.extractKey(ctx, r)
}

// finalize performs the terminal transition work: one session close and one
// proxy lease release.
func (o *Orchestrator) finalize(r *run) {
	if r.session != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := r.session.Close(closeCtx); err != nil {
			r.logger.Warn("Browser session close failed", zap.Error(err))
		}
		cancel()
		r.session = nil
	}
	if r.proxy != nil {
		// Launch failures were already reported inside openSession; an
		// endpoint that carried a full session is released healthy. Later
		// stage failures are not attributed to the proxy because nothing
		// distinguishes a proxy fault from a site fault at that point.
		o.components.Proxies.Report(r.proxy, nil)
		r.proxy = nil
	}
}

func (o *Orchestrator) prepareIdentity(r *run) *schemas.Failure {
	identity, err := o.components.Identity.Generate()
	if err != nil {
		return schemas.NewFailure(r.stage, schemas.KindAutomationError, "identity generation failed", err)
	}
	r.identity = identity
	r.advance(schemas.StageIdentityReady)
	return nil
}

func (o *Orchestrator) prepareMailbox(ctx context.Context, r *run) *schemas.Failure {
	session, err := o.components.Mailbox.CreateInbox(ctx, r.identity.LocalPart)
	if err != nil {
		return schemas.NewFailure(r.stage, schemas.KindProviderUnavailable, "inbox creation failed", err)
	}
	r.mailbox = session
	r.adoptAddress(session.Address)
	r.logger.Info("Inbox ready", zap.String("address", session.Address))
	r.advance(schemas.StageMailboxReady)
	return nil
}

func (o *Orchestrator) submitSignup(ctx context.Context, r *run) *schemas.Failure {
	if failure := o.openSession(ctx, r); failure != nil {
		return failure
	}
	if err := r.session.SubmitSignup(ctx, r.identity); err != nil {
		if errors.Is(err, schemas.ErrSignupRejected) {
			return schemas.NewFailure(r.stage, schemas.KindSignupRejected, "service refused the signup", err)
		}
		return schemas.NewFailure(r.stage, schemas.KindAutomationError, "signup submission failed", err)
	}
	r.advance(schemas.StageSignupSubmitted)
	return nil
}

// openSession launches the browser, preferring proxied egress but never
// failing the run over a bad endpoint: each dead endpoint is reported and
// the next one tried, and when the pool runs dry the session opens direct.
func (o *Orchestrator) openSession(ctx context.Context, r *run) *schemas.Failure {
	for {
		endpoint := o.components.Proxies.Acquire()
		if endpoint == nil {
			break
		}
		session, err := o.components.Browser.OpenSession(ctx, endpoint)
		if err == nil {
			r.proxy = endpoint
			r.session = session
			r.logger.Info("Browser session ready", zap.String("egress", endpoint.URL()))
			return nil
		}
		o.components.Proxies.Report(endpoint, err)
		r.logger.Warn("Proxied launch failed, trying next egress",
			zap.String("endpoint", endpoint.Addr()), zap.Error(err))
		if ctx.Err() != nil {
			return schemas.NewFailure(r.stage, schemas.KindAutomationError, "browser launch canceled", ctx.Err())
		}
	}

	session, err := o.components.Browser.OpenSession(ctx, nil)
	if err != nil {
		return schemas.NewFailure(r.stage, schemas.KindAutomationError, "browser launch failed", err)
	}
	r.session = session
	r.logger.Info("Browser session ready", zap.String("egress", "direct"))
	return nil
}

func (o *Orchestrator) awaitVerification(ctx context.Context, r *run) *schemas.Failure {
	if err := r.session.TriggerVerificationSend(ctx); err != nil {
		return schemas.NewFailure(r.stage, schemas.KindAutomationError, "verification send trigger failed", err)
	}
	r.advance(schemas.StageAwaitingVerification)

	pollCtx := ctx
	if o.cfg.Workflow.MaxPollWait > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, o.cfg.Workflow.MaxPollWait)
		defer cancel()
	}

	match := mailbox.MatchVerification(o.cfg.Target.SenderMarker, o.cfg.Target.SubjectMarker)
	msg, err := o.components.Mailbox.PollForMessage(pollCtx, r.mailbox, match,
		o.cfg.Workflow.MaxPollAttempts, o.cfg.Workflow.PollInterval)
	if err != nil {
		// The poll loop only gives up on exhausted attempts or a dead
		// context; both mean the message never arrived in the time the run
		// had.
		if errors.Is(err, mailbox.ErrPollTimeout) || pollCtx.Err() != nil {
			return schemas.NewFailure(r.stage, schemas.KindVerificationTimeout, "verification message never arrived", err)
		}
		return schemas.NewFailure(r.stage, schemas.KindProviderUnavailable, "inbox polling failed", err)
	}
	r.logger.Info("Verification message received",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.Time("received_at", msg.ReceivedAt))

	body, err := o.components.Mailbox.ReadBody(ctx, r.mailbox, msg)
	if err != nil {
		return schemas.NewFailure(r.stage, schemas.KindProviderUnavailable, "verification message fetch failed", err)
	}

	link, err := o.components.Parser.ConfirmationLink(body)
	if err != nil {
		return schemas.NewFailure(r.stage, schemas.KindMessageFormatError, "confirmation link not found in message", err)
	}
	r.link = link
	r.advance(schemas.StageLinkObtained)
	return nil
}

func (o *Orchestrator) confirm(ctx context.Context, r *run) *schemas.Failure {
	if err := r.session.FollowConfirmation(ctx, r.link); err != nil {
		return schemas.NewFailure(r.stage, schemas.KindAutomationError, "confirmation navigation failed", err)
	}
	r.advance(schemas.StageConfirmed)
	return nil
}

func (o *Orchestrator) extractKey(ctx context.Context, r *run) *schemas.Failure {
	content, err := r.session.KeySource(ctx)
	if err != nil {
		return schemas.NewFailure(r.stage, schemas.KindAutomationError, "key page read failed", err)
	}
	key, err := o.components.Extractor.Extract(content)
	if err != nil {
		return schemas.NewFailure(r.stage, schemas.KindKeyNotFound, "no API key on the confirmed account", err)
	}
	r.apiKey = key
	r.advance(schemas.StageDone)
	return nil
}
