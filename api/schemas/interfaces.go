package schemas

import (
	"context"
	"time"
)

// -- Component Interfaces --
//
// The orchestrator depends on these abstractions rather than on concrete
// packages, so each collaborator can be substituted in tests.

// IdentityGenerator mints the signup identity for a run.
type IdentityGenerator interface {
	// Generate produces a fresh identity. The only failure mode is an
	// exhausted entropy source, which is fatal to the run.
	Generate() (Identity, error)
}

// MessagePredicate reports whether an inbox message is the verification email
// the workflow is waiting for.
type MessagePredicate func(msg InboxMessage) bool

// MailboxClient provisions a temporary inbox against an external provider and
// polls it for messages. Implementations own the provider session token for
// the lifetime of one run.
type MailboxClient interface {
	// CreateInbox requests a new address from the provider, claiming the
	// given local-part so the mailbox matches the generated identity.
	CreateInbox(ctx context.Context, localPart string) (MailboxSession, error)
	// PollForMessage repeatedly lists the inbox until a message satisfying
	// match appears, sleeping interval between attempts and giving up after
	// maxAttempts. When several messages match, the earliest received one is
	// returned.
	PollForMessage(ctx context.Context, session MailboxSession, match MessagePredicate, maxAttempts int, interval time.Duration) (InboxMessage, error)
	// ReadBody fetches and decodes the full body of a listed message.
	ReadBody(ctx context.Context, session MailboxSession, msg InboxMessage) (string, error)
}

// BrowserSession is one live browser context driving the target site. All
// methods carry per-call timeouts internally; Close is safe to call more than
// once and must be called on every terminal path.
type BrowserSession interface {
	// SubmitSignup navigates to the signup form, fills it with the identity
	// and submits, waiting for the post-signup indicator. An active refusal
	// by the service is reported as an error wrapping ErrSignupRejected.
	SubmitSignup(ctx context.Context, identity Identity) error
	// TriggerVerificationSend clicks the resend/send-verification control if
	// the flow exposes one. Idempotent; a missing control is not an error.
	TriggerVerificationSend(ctx context.Context) error
	// FollowConfirmation navigates to the extracted confirmation link and
	// waits for the page to reach its confirmed state.
	FollowConfirmation(ctx context.Context, link string) error
	// KeySource returns the rendered content of the confirmed page that the
	// key extractor scans.
	KeySource(ctx context.Context) (string, error)
	// Close releases the browser context and its allocator.
	Close(ctx context.Context) error
}

// BrowserController launches browser sessions against the target service,
// optionally routed through a proxy endpoint.
type BrowserController interface {
	OpenSession(ctx context.Context, proxy *ProxyEndpoint) (BrowserSession, error)
}

// ProxyProvider hands out candidate egress endpoints for the run. Acquire
// returns nil when proxying is disabled or candidates are exhausted; absence
// of a proxy is not fatal.
type ProxyProvider interface {
	Acquire() *ProxyEndpoint
	// Report records the outcome of using an endpoint. A non-nil err marks
	// the endpoint dead for the remainder of the run.
	Report(endpoint *ProxyEndpoint, err error)
}

// KeyExtractor locates the issued API key in rendered page content.
type KeyExtractor interface {
	Extract(pageContent string) (string, error)
}

// MessageParser extracts the confirmation link or action from a verification
// message body.
type MessageParser interface {
	ConfirmationLink(body string) (string, error)
}
