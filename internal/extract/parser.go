package extract

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ErrNoConfirmationLink is returned when a message body yields no usable
// confirmation URL.
var ErrNoConfirmationLink = errors.New("no confirmation link in message body")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// confirmationKeywords mark a URL as an account-confirmation action.
var confirmationKeywords = []string{"verify", "confirm"}

// Parser implements schemas.MessageParser. It prefers anchor hrefs from
// HTML bodies and falls back to scanning raw text for URLs; candidates on
// the target service's own host outrank keyword-only matches, which keeps
// an unrelated tracking link from hijacking the flow.
type Parser struct {
	host string
}

// NewParser builds a Parser for the target service host (for example
// "ref.tools"). A leading "www." on either side is ignored when matching.
func NewParser(targetHost string) *Parser {
	return &Parser{host: normalizeHost(targetHost)}
}

// ConfirmationLink returns the confirmation URL carried by the message
// body, or ErrNoConfirmationLink when none is present.
func (p *Parser) ConfirmationLink(body string) (string, error) {
	// Anchor hrefs come first: the HTML parser has already decoded
	// entities in them. Raw-text URLs cover plain-text bodies and links
	// sitting outside any anchor.
	candidates := append(anchorHrefs(body), urlPattern.FindAllString(body, -1)...)

	// First pass: on-host confirmation links. Second pass: any
	// confirmation-looking link, for providers that route clicks through
	// a redirect domain.
	for _, strict := range []bool{true, false} {
		for _, candidate := range candidates {
			if p.isConfirmation(candidate, strict) {
				return candidate, nil
			}
		}
	}

	return "", ErrNoConfirmationLink
}

func (p *Parser) isConfirmation(rawURL string, requireHost bool) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	if requireHost && normalizeHost(parsed.Host) != p.host {
		return false
	}

	target := strings.ToLower(parsed.Path + "?" + parsed.RawQuery)
	for _, keyword := range confirmationKeywords {
		if strings.Contains(target, keyword) {
			return true
		}
	}
	return false
}

// anchorHrefs parses body as HTML and returns every anchor href in
// document order. Bodies that are not HTML simply yield no anchors.
func anchorHrefs(body string) []string {
	if !strings.Contains(body, "<") {
		return nil
	}

	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}

	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" && attr.Val != "" {
					hrefs = append(hrefs, attr.Val)
					break
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return hrefs
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	return host
}
