package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
)

// Persona is the browser identity presented to the target service. Signup
// flows cross-check the user agent, locale and Accept-Language header
// against each other, so the pieces are kept together and applied in one
// shot on every fresh target.
type Persona struct {
	UserAgent string
	Languages []string
	Timezone  string
	Locale    string
}

// defaultPersona mirrors a current stable Chrome on Windows.
var defaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Languages: []string{"en-US", "en"},
	Timezone:  "America/New_York",
	Locale:    "en-US",
}

// personaFor merges the configured user agent into the default persona.
func personaFor(cfg config.BrowserConfig) Persona {
	p := defaultPersona
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	return p
}

// Apply renders the persona as DevTools commands for a fresh target.
func (p Persona) Apply() chromedp.Tasks {
	tasks := chromedp.Tasks{
		emulation.SetTimezoneOverride(p.Timezone),
		emulation.SetLocaleOverride().WithLocale(p.Locale),
	}
	if p.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(p.UserAgent))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": acceptLanguage(p.Languages),
		}))
	}
	return tasks
}

// acceptLanguage renders the header Chrome would send for the given
// preference order, e.g. "en-US,en;q=0.9".
func acceptLanguage(languages []string) string {
	parts := make([]string, 0, len(languages))
	for i, language := range languages {
		if i == 0 {
			parts = append(parts, language)
			continue
		}
		quality := 10 - i
		if quality < 1 {
			quality = 1
		}
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", language, quality))
	}
	return strings.Join(parts, ",")
}
