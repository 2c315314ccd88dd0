package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"credential-coordinator/internal/circuitbreaker"
	"credential-coordinator/internal/common/errors"
	commonhttp "credential-coordinator/internal/common/http"
	"credential-coordinator/internal/common/logging"
)

// nonRetryableProviderCodes are OAuth error codes that mean the refresh
// token itself is dead. Retrying cannot help; the credential needs a
// fresh user authorization.
var nonRetryableProviderCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_token":       true,
	"unauthorized_client": true,
	"access_denied":       true,
}

// IsNonRetryableProviderCode reports whether the OAuth error code marks
// a dead refresh token.
func IsNonRetryableProviderCode(code string) bool {
	return nonRetryableProviderCodes[code]
}

// TokenExchanger performs the refresh-token grant exchange against a
// provider token endpoint.
type TokenExchanger interface {
	RefreshToken(ctx context.Context, config *ClientConfig, refreshToken string) (*TokenResponse, error)
}

// ProviderClient talks to OAuth provider token endpoints. Requests go
// through a circuit breaker so a failing provider cannot soak up the
// whole refresh budget of a batch run.
type ProviderClient struct {
	httpClient     *http.Client
	circuitBreaker *circuitbreaker.GoBreakerAdapter
}

func NewProviderClient(logger logging.Logger) *ProviderClient {
	return &ProviderClient{
		httpClient:     commonhttp.NewHTTPClientWithTimeout(30 * time.Second),
		circuitBreaker: circuitbreaker.NewGoBreaker("oauth-token-endpoint", circuitbreaker.TokenEndpointConfig, logger),
	}
}

// RefreshToken exchanges a refresh token for a new access token using
// the refresh_token grant.
//
// Provider rejections carrying an OAuth error code come back as
// provider-typed errors so the caller can classify them; transport and
// 5xx failures come back as connection-typed errors and are retryable.
func (p *ProviderClient) RefreshToken(ctx context.Context, config *ClientConfig, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", config.ClientID)
	data.Set("client_secret", config.ClientSecret)
	if len(config.Scopes) > 0 {
		data.Set("scope", strings.Join(config.Scopes, " "))
	}

	return p.requestToken(ctx, config.TokenURL, data)
}

// requestToken makes the actual token request
func (p *ProviderClient) requestToken(ctx context.Context, tokenURL string, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.ConfigError("failed to create token request: " + err.Error()).
			WithCode(errors.CodeInvalidAuthConfig)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	// The whole exchange runs inside the breaker so the outcome is
	// classified before the breaker counts it: connection-typed results
	// (transport errors, 5xx, 429) trip it, provider-typed rejections of
	// a single grant do not.
	var tokenResp TokenResponse
	err = p.circuitBreaker.Execute(ctx, func() error {
		resp, httpErr := p.httpClient.Do(req)
		if httpErr != nil {
			return errors.ConnectionError("token request failed", httpErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyErrorResponse(resp)
		}

		if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
			return errors.ConnectionError("failed to decode token response", err)
		}
		if tokenResp.AccessToken == "" {
			return errors.ConnectionError("token response missing access_token", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &tokenResp, nil
}

// classifyErrorResponse turns a non-200 token endpoint response into a
// typed error without ever carrying the raw body onward.
func classifyErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return errors.ProviderError(errResp.Error, errResp.Description).
			WithContext("status_code", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return errors.ConnectionError(fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.ConnectionError("token endpoint rate limited the request", nil)
	}
	// Unclassifiable 4xx without an OAuth error body. Treat as transient
	// rather than burning the credential on a provider quirk.
	return errors.ConnectionError(fmt.Sprintf("token request failed with status %d", resp.StatusCode), nil)
}

// IsTerminal reports whether a refresh error can never succeed on
// retry: configuration problems, missing material, decryption failures,
// and provider rejections that invalidate the refresh token.
func IsTerminal(err error) bool {
	switch errors.GetType(err) {
	case errors.ErrTypeConfig, errors.ErrTypeValidation, errors.ErrTypeNotFound, errors.ErrTypeDecryption:
		return true
	case errors.ErrTypeProvider:
		return IsNonRetryableProviderCode(errors.GetCode(err))
	default:
		return false
	}
}
