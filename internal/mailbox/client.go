// Package mailbox implements the temporary-inbox client against the
// Guerrilla Mail JSON API: inbox creation, verification-message polling,
// and body retrieval.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/network"
)

// ErrPollTimeout reports that the verification message never arrived
// within the attempt and wall-clock budget. Callers must keep it distinct
// from transport failures when classifying the run outcome.
var ErrPollTimeout = errors.New("verification message did not arrive in time")

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Guerrilla Mail wire structures (internal to this file) --

type addressPayload struct {
	EmailAddr string `json:"email_addr"`
	SIDToken  string `json:"sid_token"`
}

type listPayload struct {
	List []messagePayload `json:"list"`
}

type messagePayload struct {
	// The provider is inconsistent about numeric fields: ids and
	// timestamps arrive as numbers or numeric strings depending on the
	// endpoint. json.Number tolerates both under jsoniter.
	MailID    json.Number `json:"mail_id"`
	MailFrom  string      `json:"mail_from"`
	Subject   string      `json:"mail_subject"`
	Timestamp json.Number `json:"mail_timestamp"`
}

type bodyPayload struct {
	MailBody string `json:"mail_body"`
}

// Client talks to the Guerrilla Mail HTTP API. It owns the provider
// cookie session (PHPSESSID affinity); use one Client per workflow run.
type Client struct {
	baseURL    string
	http       *network.Client
	limiter    *rate.Limiter
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewClient builds a mailbox client from configuration. The client uses
// its own HTTP client so provider cookies never leak into other traffic,
// and always connects directly: proxy rotation applies to the browser,
// not to the mailbox provider.
func NewClient(cfg config.MailboxConfig, logger *zap.Logger) (*Client, error) {
	httpClient := network.NewClient(nil)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to build cookie jar: %w", err)
	}
	httpClient.Jar = jar

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		http:       httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		retries:    cfg.CreateRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.Named("mailbox"),
	}, nil
}

// CreateInbox requests a fresh inbox and claims the given local part for
// it. Transport and provider errors are retried with exponential backoff
// up to the configured bound before surfacing.
func (c *Client) CreateInbox(ctx context.Context, localPart string) (schemas.MailboxSession, error) {
	var session schemas.MailboxSession

	operation := func() error {
		// Establish the provider session first; the assigned address is
		// discarded once the local part is claimed.
		var assigned addressPayload
		if err := c.getJSON(ctx, url.Values{"f": {"get_email_address"}}, &assigned); err != nil {
			return err
		}
		if assigned.SIDToken == "" {
			return backoff.Permanent(fmt.Errorf("provider returned no session token"))
		}

		var claimed addressPayload
		params := url.Values{
			"f":          {"set_email_user"},
			"email_user": {localPart},
			"sid_token":  {assigned.SIDToken},
		}
		if err := c.getJSON(ctx, params, &claimed); err != nil {
			return err
		}
		if claimed.EmailAddr == "" {
			return backoff.Permanent(fmt.Errorf("provider did not confirm address for local part %q", localPart))
		}

		token := claimed.SIDToken
		if token == "" {
			token = assigned.SIDToken
		}

		session = schemas.MailboxSession{
			Address:   strings.ToLower(claimed.EmailAddr),
			SIDToken:  token,
			CreatedAt: time.Now(),
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxInterval = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(c.retries)))
	if err != nil {
		return schemas.MailboxSession{}, fmt.Errorf("failed to create inbox: %w", err)
	}

	c.logger.Info("Inbox created", zap.String("address", session.Address))
	return session, nil
}

// PollForMessage lists the inbox until a message satisfying match
// appears. It sleeps interval between attempts and gives up after
// maxAttempts, returning ErrPollTimeout. When several listed messages
// match at once, the earliest-received one wins. Transient listing
// failures do not abort the poll; mail delivery delay dominates, and a
// later attempt may still succeed.
func (c *Client) PollForMessage(ctx context.Context, session schemas.MailboxSession, match schemas.MessagePredicate, maxAttempts int, interval time.Duration) (schemas.InboxMessage, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	params := url.Values{
		"f":         {"get_email_list"},
		"offset":    {"0"},
		"sid_token": {session.SIDToken},
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var listing listPayload
		if err := c.getJSON(ctx, params, &listing); err != nil {
			if ctx.Err() != nil {
				return schemas.InboxMessage{}, ctx.Err()
			}
			c.logger.Warn("Inbox listing failed, continuing to poll",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if msg, ok := earliestMatch(listing.List, match); ok {
			c.logger.Info("Verification message arrived",
				zap.Int("attempt", attempt),
				zap.String("message_id", msg.ID),
				zap.String("sender", msg.Sender),
			)
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return schemas.InboxMessage{}, ctx.Err()
		case <-time.After(interval):
		}
	}

	return schemas.InboxMessage{}, fmt.Errorf("%w after %d attempts", ErrPollTimeout, maxAttempts)
}

// ReadBody fetches the full decoded body of a listed message.
func (c *Client) ReadBody(ctx context.Context, session schemas.MailboxSession, msg schemas.InboxMessage) (string, error) {
	params := url.Values{
		"f":         {"fetch_email"},
		"email_id":  {msg.ID},
		"sid_token": {session.SIDToken},
	}

	var payload bodyPayload
	if err := c.getJSON(ctx, params, &payload); err != nil {
		return "", fmt.Errorf("failed to fetch message %s: %w", msg.ID, err)
	}
	if payload.MailBody == "" {
		return "", fmt.Errorf("message %s has an empty body", msg.ID)
	}
	return payload.MailBody, nil
}

// earliestMatch returns the matching message with the smallest received
// timestamp, preserving list order among equal timestamps.
func earliestMatch(listed []messagePayload, match schemas.MessagePredicate) (schemas.InboxMessage, bool) {
	var (
		best  schemas.InboxMessage
		found bool
	)
	for _, payload := range listed {
		msg := payload.toMessage()
		if match != nil && !match(msg) {
			continue
		}
		if !found || msg.ReceivedAt.Before(best.ReceivedAt) {
			best = msg
			found = true
		}
	}
	return best, found
}

func (p messagePayload) toMessage() schemas.InboxMessage {
	var receivedAt time.Time
	if seconds, err := p.Timestamp.Int64(); err == nil && seconds > 0 {
		receivedAt = time.Unix(seconds, 0)
	}
	return schemas.InboxMessage{
		ID:         p.MailID.String(),
		Sender:     p.MailFrom,
		Subject:    p.Subject,
		ReceivedAt: receivedAt,
	}
}

// getJSON performs a rate-limited GET against the provider API and
// decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create provider request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := jsonAPI.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode provider response: %w", err))
	}
	return nil
}
