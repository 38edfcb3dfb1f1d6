// Package provider holds the static upstream provider table, the immutable
// registry built from it, and the resolver that selects a provider per request.
package provider

import (
	"fmt"
	"net/http"
	"strings"
)

// ID identifies a supported upstream provider. The set is closed: every value
// the gateway accepts is declared below and listed in IDs.
type ID string

const (
	OpenAI     ID = "openai"
	Anthropic  ID = "anthropic"
	Groq       ID = "groq"
	Fireworks  ID = "fireworks"
	Together   ID = "together"
	Mistral    ID = "mistral"
	OpenRouter ID = "openrouter"
	Cloudflare ID = "cloudflare"
	Ollama     ID = "ollama"
)

// IDs lists every supported provider in display order.
var IDs = []ID{OpenAI, Anthropic, Groq, Fireworks, Together, Mistral, OpenRouter, Cloudflare, Ollama}

// ParseID maps a selector value onto the closed provider set. Matching ignores
// case and surrounding whitespace.
func ParseID(s string) (ID, bool) {
	switch id := ID(strings.ToLower(strings.TrimSpace(s))); id {
	case OpenAI, Anthropic, Groq, Fireworks, Together, Mistral, OpenRouter, Cloudflare, Ollama:
		return id, true
	default:
		return "", false
	}
}

// PathPlaceholder is replaced by the inbound request path in a path template.
const PathPlaceholder = "{path}"

// Alias renames a caller-supplied header into the header the provider expects.
// Format receives the inbound value via a single %s verb.
type Alias struct {
	From   string
	To     string
	Format string
}

// HeaderPolicy is the explicit per-provider header allow-list. Headers not named
// here (or in the gateway-wide common list) are never forwarded upstream.
type HeaderPolicy struct {
	// Credentials are forwarded verbatim; the first one present satisfies the
	// credential requirement.
	Credentials []string
	// Aliases are consulted when no credential header is present.
	Aliases []Alias
	// KeyHeader and KeyFormat describe how a configured API key is injected
	// when the caller supplied no credential.
	KeyHeader string
	KeyFormat string
	// Forward lists additional request headers passed through verbatim.
	Forward []string
	// Defaults are set on the outbound request when the caller omitted them.
	Defaults map[string]string
	// ResponsePrefixes lists extra upstream response header prefixes returned
	// to the caller.
	ResponsePrefixes []string
}

// Descriptor is the immutable description of one upstream provider.
type Descriptor struct {
	ID             ID
	BaseURL        string
	PathTemplate   string
	Headers        HeaderPolicy
	AllowAnonymous bool
	// APIKeyEnv names the environment variable consulted for a server-side key.
	APIKeyEnv string
	// RequiredVars must be supplied through configuration for PathTemplate.
	RequiredVars []string

	apiKey string
	vars   map[string]string
}

// APIKey returns the server-side API key configured for the provider, if any.
func (d *Descriptor) APIKey() string {
	return d.apiKey
}

// RewritePath renders the path template for an inbound request path.
func (d *Descriptor) RewritePath(inbound string) string {
	tmpl := d.PathTemplate
	if tmpl == "" {
		tmpl = PathPlaceholder
	}
	out := tmpl
	for k, v := range d.vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return strings.ReplaceAll(out, PathPlaceholder, inbound)
}

// CredentialHeaders returns every header name that may carry a caller
// credential for this provider, aliases included.
func (d *Descriptor) CredentialHeaders() []string {
	out := make([]string, 0, len(d.Headers.Credentials)+len(d.Headers.Aliases))
	out = append(out, d.Headers.Credentials...)
	for _, a := range d.Headers.Aliases {
		out = append(out, a.From)
	}
	return out
}

// String implements fmt.Stringer.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.ID, d.BaseURL)
}

var bearer = "Bearer %s"

// staticTable returns fresh copies of the built-in provider descriptors.
// Adding a provider means adding an ID constant, a ParseID case and an entry here.
func staticTable() map[ID]Descriptor {
	openAICompatible := func(id ID, baseURL, env string) Descriptor {
		return Descriptor{
			ID:        id,
			BaseURL:   baseURL,
			APIKeyEnv: env,
			Headers: HeaderPolicy{
				Credentials:      []string{"Authorization"},
				KeyHeader:        "Authorization",
				KeyFormat:        bearer,
				ResponsePrefixes: []string{"X-Ratelimit-"},
			},
		}
	}

	openai := openAICompatible(OpenAI, "https://api.openai.com", "OPENAI_API_KEY")
	openai.Headers.Aliases = []Alias{{From: "X-Magicapi-Api-Key", To: "Authorization", Format: bearer}}
	openai.Headers.Forward = []string{"OpenAI-Organization", "OpenAI-Project", "OpenAI-Beta"}
	openai.Headers.ResponsePrefixes = append(openai.Headers.ResponsePrefixes, "Openai-")

	openrouter := openAICompatible(OpenRouter, "https://openrouter.ai/api", "OPENROUTER_API_KEY")
	openrouter.Headers.Forward = []string{"HTTP-Referer", "X-Title"}

	cloudflare := openAICompatible(Cloudflare, "https://api.cloudflare.com", "CLOUDFLARE_API_TOKEN")
	cloudflare.PathTemplate = "/client/v4/accounts/{account_id}/ai" + PathPlaceholder
	cloudflare.RequiredVars = []string{"account_id"}

	ollama := openAICompatible(Ollama, "http://localhost:11434", "OLLAMA_API_KEY")
	ollama.AllowAnonymous = true

	return map[ID]Descriptor{
		OpenAI: openai,
		Anthropic: {
			ID:        Anthropic,
			BaseURL:   "https://api.anthropic.com",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Headers: HeaderPolicy{
				Credentials:      []string{"X-Api-Key", "Authorization"},
				KeyHeader:        "X-Api-Key",
				KeyFormat:        "%s",
				Forward:          []string{"Anthropic-Version", "Anthropic-Beta"},
				Defaults:         map[string]string{"Anthropic-Version": "2023-06-01"},
				ResponsePrefixes: []string{"Anthropic-Ratelimit-"},
			},
		},
		Groq:       openAICompatible(Groq, "https://api.groq.com/openai", "GROQ_API_KEY"),
		Fireworks:  openAICompatible(Fireworks, "https://api.fireworks.ai/inference", "FIREWORKS_API_KEY"),
		Together:   openAICompatible(Together, "https://api.together.xyz", "TOGETHER_API_KEY"),
		Mistral:    openAICompatible(Mistral, "https://api.mistral.ai", "MISTRAL_API_KEY"),
		OpenRouter: openrouter,
		Cloudflare: cloudflare,
		Ollama:     ollama,
	}
}

// canonical normalises every header name in a policy so lookups against
// http.Header never depend on how the table was spelled.
func (p *HeaderPolicy) canonical() {
	for i, h := range p.Credentials {
		p.Credentials[i] = http.CanonicalHeaderKey(h)
	}
	for i := range p.Aliases {
		p.Aliases[i].From = http.CanonicalHeaderKey(p.Aliases[i].From)
		p.Aliases[i].To = http.CanonicalHeaderKey(p.Aliases[i].To)
	}
	p.KeyHeader = http.CanonicalHeaderKey(p.KeyHeader)
	for i, h := range p.Forward {
		p.Forward[i] = http.CanonicalHeaderKey(h)
	}
	if len(p.Defaults) > 0 {
		d := make(map[string]string, len(p.Defaults))
		for k, v := range p.Defaults {
			d[http.CanonicalHeaderKey(k)] = v
		}
		p.Defaults = d
	}
}

// KeyEnv returns the environment variable conventionally holding id's API key.
func KeyEnv(id ID) string {
	d, ok := staticTable()[id]
	if !ok {
		return ""
	}
	return d.APIKeyEnv
}
