package schemas

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// -- Workflow Stages --

// Stage identifies a position in the verification workflow's state machine.
type Stage string

const (
	StageInit                 Stage = "INIT"
	StageIdentityReady        Stage = "IDENTITY_READY"
	StageMailboxReady         Stage = "MAILBOX_READY"
	StageSignupSubmitted      Stage = "SIGNUP_SUBMITTED"
	StageAwaitingVerification Stage = "AWAITING_VERIFICATION"
	StageLinkObtained         Stage = "LINK_OBTAINED"
	StageConfirmed            Stage = "CONFIRMED"
	StageDone                 Stage = "DONE"
	StageFailed               Stage = "FAILED"
)

// Terminal reports whether the workflow can make no further transitions from s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// -- Identity Schemas --

// Identity is the generated email/password pair used for signup. The local
// part is proposed at workflow start; the domain (and, if the provider
// rewrites it, the local part) is settled when the inbox is created, so the
// rendered address always matches the mailbox being polled.
type Identity struct {
	LocalPart string `json:"local_part"`
	Domain    string `json:"domain"`
	Password  string `json:"password"`
}

// Address renders the mailbox address the identity signs up with.
func (i Identity) Address() string {
	return i.LocalPart + "@" + i.Domain
}

// -- Mailbox Schemas --

// MailboxSession is the provider-side temporary inbox tied to one Identity.
// Exactly one exists per run; it is owned by the mailbox client and never
// persisted.
type MailboxSession struct {
	Address   string    `json:"address"`
	SIDToken  string    `json:"sid_token"`
	CreatedAt time.Time `json:"created_at"`
}

// InboxMessage is a single message returned by inbox polling.
type InboxMessage struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// -- Proxy Schemas --

// ProxyProtocol is the scheme an egress endpoint speaks.
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxySOCKS5 ProxyProtocol = "socks5"
)

// ProxyStatus tracks what this run has learned about an endpoint. Status is
// mutated only by the component currently holding the endpoint.
type ProxyStatus string

const (
	ProxyUntested ProxyStatus = "untested"
	ProxyHealthy  ProxyStatus = "healthy"
	ProxyDead     ProxyStatus = "dead"
)

// ProxyEndpoint is one candidate egress point for the browser session.
type ProxyEndpoint struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Protocol ProxyProtocol `json:"protocol"`
	Status   ProxyStatus   `json:"status"`
}

// Addr returns the endpoint in host:port form.
func (p ProxyEndpoint) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL renders the endpoint in scheme://host:port form, the shape consumed by
// both the browser launcher and the relay dialer.
func (p ProxyEndpoint) URL() string {
	return string(p.Protocol) + "://" + p.Addr()
}

// -- Terminal Outputs --

// Result is the process-boundary output of a successful workflow run. APIKey
// is populated only when Stage is StageDone.
type Result struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	APIKey   string `json:"api_key"`
	Stage    Stage  `json:"stage"`
}

// ErrSignupRejected signals that the service actively refused the submitted
// identity (validation error, address blocklist) rather than failing
// mechanically. Browser sessions wrap it so the workflow can classify the
// outcome without inspecting page state itself.
var ErrSignupRejected = errors.New("signup rejected by service")

// FailureKind classifies a terminal workflow failure so a caller can decide
// whether re-running the whole workflow is worthwhile.
type FailureKind string

const (
	KindProviderUnavailable FailureKind = "PROVIDER_UNAVAILABLE"
	KindVerificationTimeout FailureKind = "VERIFICATION_TIMEOUT"
	KindAutomationError     FailureKind = "AUTOMATION_ERROR"
	KindSignupRejected      FailureKind = "SIGNUP_REJECTED"
	KindMessageFormatError  FailureKind = "MESSAGE_FORMAT_ERROR"
	KindKeyNotFound         FailureKind = "KEY_NOT_FOUND"
	KindProxyError          FailureKind = "PROXY_ERROR"
)

// Transient reports whether the kind describes a condition that may clear on
// its own (slow mail delivery, provider outage, bad proxy). Structural kinds
// (changed markup, rejected identity, missing key pattern) do not self-heal.
func (k FailureKind) Transient() bool {
	switch k {
	case KindProviderUnavailable, KindVerificationTimeout, KindProxyError:
		return true
	}
	return false
}

// Failure is the classified error a workflow run terminates with. It records
// the stage the run had reached when the underlying error occurred.
type Failure struct {
	Stage   Stage       `json:"stage"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

// NewFailure wraps err as a classified failure at the given stage.
func NewFailure(stage Stage, kind FailureKind, message string, err error) *Failure {
	return &Failure{Stage: stage, Kind: kind, Message: message, Err: err}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s at %s: %s: %v", f.Kind, f.Stage, f.Message, f.Err)
	}
	return fmt.Sprintf("%s at %s: %s", f.Kind, f.Stage, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
