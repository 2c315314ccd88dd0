// Package oauth implements proactive OAuth2 token refresh: resolving
// client configuration for a credential, exchanging refresh tokens
// against the provider, and orchestrating batch refresh runs across
// the shared and end-user credential pools.
package oauth

import (
	"time"

	"credential-coordinator/internal/store"
)

// TokenResponse represents an OAuth2 token response from the authorization server.
// This struct maps the standard OAuth 2.0 token response fields as defined in RFC 6749.
type TokenResponse struct {
	// AccessToken is the access token issued by the authorization server
	AccessToken string `json:"access_token"`
	// TokenType is the type of token issued (typically "Bearer")
	TokenType string `json:"token_type"`
	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int `json:"expires_in"`
	// RefreshToken is a replacement refresh token (optional, provider rotation)
	RefreshToken string `json:"refresh_token,omitempty"`
	// Scope is the scope of the access token (optional)
	Scope string `json:"scope,omitempty"`
	// IDToken is an OpenID Connect ID token (optional)
	IDToken string `json:"id_token,omitempty"`
}

// ClientConfig is the resolved OAuth2 client configuration used to talk
// to a provider's token endpoint on behalf of one credential.
type ClientConfig struct {
	ClientID         string   `json:"client_id"`
	ClientSecret     string   `json:"client_secret"`
	TokenURL         string   `json:"token_url"`
	AuthURL          string   `json:"auth_url,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	UsePKCE          bool     `json:"use_pkce,omitempty"`
	IntrospectionURL string   `json:"introspection_url,omitempty"`
	RevocationURL    string   `json:"revocation_url,omitempty"`
	UserInfoURL      string   `json:"user_info_url,omitempty"`
}

// RefreshStatus is the outcome of one refresh attempt on one credential.
type RefreshStatus string

const (
	StatusSuccess RefreshStatus = "success"
	StatusFailed  RefreshStatus = "failed"
	StatusSkipped RefreshStatus = "skipped"
)

// RefreshResult describes what happened to a single credential during a
// refresh run.
type RefreshResult struct {
	CredentialID        string
	Pool                store.Pool
	Status              RefreshStatus
	RotatedRefreshToken bool
	RetryCount          int
	Duration            time.Duration
	Err                 error
}

// BatchResult aggregates the outcomes of one batch refresh run.
type BatchResult struct {
	TotalProcessed int
	Successful     int
	Failed         int
	Skipped        int
	Results        []RefreshResult
}

func (b *BatchResult) record(result RefreshResult) {
	b.TotalProcessed++
	switch result.Status {
	case StatusSuccess:
		b.Successful++
	case StatusSkipped:
		b.Skipped++
	default:
		b.Failed++
	}
	b.Results = append(b.Results, result)
}
