// Package auth resolves the HTTP authentication header for a backend target.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/yegors/aura-relay/internal/backends"
	"github.com/yegors/aura-relay/pkg/logger"
)

// ErrNoCredential is returned when a keyless target needs managed identity but
// no credential source could be created at startup.
var ErrNoCredential = errors.New("managed identity credential is not available")

// Error reports a failed credential or token acquisition
type Error struct {
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth for %s failed: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Provider produces auth headers. Token caching is left to the credential.
type Provider struct {
	cred   azcore.TokenCredential
	scope  string
	logger *logger.Logger
}

// NewCredential creates the default Azure credential chain (environment,
// workload identity, managed identity, Azure CLI). clientID selects a
// user-assigned managed identity when set.
func NewCredential(clientID string) (azcore.TokenCredential, error) {
	opts := &azidentity.DefaultAzureCredentialOptions{}
	if clientID != "" {
		opts.ManagedIdentityClientID = clientID
	}
	cred, err := azidentity.NewDefaultAzureCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	return cred, nil
}

// NewProvider creates a provider. cred may be nil, in which case keyless
// targets fail with ErrNoCredential.
func NewProvider(cred azcore.TokenCredential, scope string, logger *logger.Logger) *Provider {
	return &Provider{
		cred:   cred,
		scope:  scope,
		logger: logger.Named("auth"),
	}
}

// ResolveHeader returns the header set that authenticates requests to target.
// A static key is returned without I/O; otherwise a bearer token is acquired
// from the credential. Failures are never downgraded to anonymous access.
func (p *Provider) ResolveHeader(ctx context.Context, target backends.Target) (http.Header, error) {
	h := http.Header{}

	if !target.Credential.ManagedIdentity() {
		switch target.Credential.Scheme {
		case backends.SchemeBearer:
			h.Set("Authorization", "Bearer "+target.Credential.APIKey)
		default:
			h.Set("api-key", target.Credential.APIKey)
		}
		return h, nil
	}

	if p.cred == nil {
		return nil, &Error{Target: target.String(), Err: ErrNoCredential}
	}

	token, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{p.scope}})
	if err != nil {
		p.logger.Error("Managed identity token acquisition failed",
			logger.String("target", target.String()),
			logger.String("scope", p.scope),
			logger.Error(err))
		return nil, &Error{Target: target.String(), Err: err}
	}

	p.logger.Debug("Acquired managed identity token",
		logger.String("target", target.String()),
		logger.Time("expires_on", token.ExpiresOn))

	h.Set("Authorization", "Bearer "+token.Token)
	return h, nil
}
