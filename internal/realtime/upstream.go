// Package realtime bridges browser WebSocket clients to the OpenAI and Azure
// OpenAI realtime transcription APIs.
package realtime

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider selects the upstream realtime API
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderAzure  Provider = "azure"
)

// ParseProvider maps the ?provider= query value; anything but "azure" is OpenAI
func ParseProvider(v string) Provider {
	if strings.EqualFold(strings.TrimSpace(v), string(ProviderAzure)) {
		return ProviderAzure
	}
	return ProviderOpenAI
}

// Settings holds upstream credentials and model candidates
type Settings struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string

	AzureEndpoint   string
	AzureAPIKey     string
	AzureAPIVersion string
	AzureDeployment string

	// Candidates is the ordered transcription model list for OpenAI sessions
	Candidates []string

	HandshakeTimeout time.Duration
}

// Upstream is a resolved realtime connection target
type Upstream struct {
	Provider Provider
	URL      string
	Header   http.Header
	Model    string // Azure deployment or first OpenAI candidate
}

// CredentialError reports a missing endpoint or key for the requested provider.
// The message doubles as the client close reason.
type CredentialError struct {
	Provider Provider
	Reason   string
}

func (e *CredentialError) Error() string { return e.Reason }

// Resolve builds the upstream URL and headers for provider. deployment is the
// client-requested Azure deployment and is ignored for OpenAI.
func (s Settings) Resolve(provider Provider, deployment string) (*Upstream, error) {
	switch provider {
	case ProviderAzure:
		if s.AzureEndpoint == "" || s.AzureAPIKey == "" {
			return nil, &CredentialError{Provider: provider, Reason: "Azure OpenAI endpoint or API key not configured"}
		}
		if deployment == "" {
			deployment = s.AzureDeployment
		}
		q := url.Values{}
		q.Set("api-version", s.AzureAPIVersion)
		q.Set("deployment", deployment)
		q.Set("intent", "transcription")

		h := http.Header{}
		h.Set("api-key", s.AzureAPIKey)
		return &Upstream{
			Provider: provider,
			URL:      azureBase(s.AzureEndpoint) + "/openai/realtime?" + q.Encode(),
			Header:   h,
			Model:    deployment,
		}, nil

	default:
		if s.OpenAIAPIKey == "" {
			return nil, &CredentialError{Provider: ProviderOpenAI, Reason: "OpenAI API key not configured"}
		}
		base := s.OpenAIBaseURL
		if base == "" {
			base = "https://api.openai.com"
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+s.OpenAIAPIKey)
		h.Set("OpenAI-Beta", "realtime=v1")

		model := ""
		if len(s.Candidates) > 0 {
			model = s.Candidates[0]
		}
		return &Upstream{
			Provider: ProviderOpenAI,
			URL:      toWebSocketBase(base) + "/v1/realtime?intent=transcription",
			Header:   h,
			Model:    model,
		}, nil
	}
}

// azureBase accepts a bare host or a URL and returns a ws(s) base
func azureBase(endpoint string) string {
	e := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if strings.Contains(e, "://") {
		return toWebSocketBase(e)
	}
	return "wss://" + e
}

// toWebSocketBase converts an http(s) base URL to the corresponding ws(s) URL.
// e.g. https://api.example -> wss://api.example
func toWebSocketBase(httpBase string) string {
	b := strings.TrimRight(httpBase, "/")
	switch {
	case strings.HasPrefix(b, "https://"):
		return "wss://" + strings.TrimPrefix(b, "https://")
	case strings.HasPrefix(b, "http://"):
		return "ws://" + strings.TrimPrefix(b, "http://")
	}
	return b
}

func (u *Upstream) String() string {
	return fmt.Sprintf("%s %s", u.Provider, u.URL)
}
