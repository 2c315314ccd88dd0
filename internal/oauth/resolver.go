package oauth

import (
	"context"

	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/store"
)

// ConnectorRegistry looks up the OAuth client registered for a
// platform-managed connector.
type ConnectorRegistry interface {
	// ConnectorClient returns the client config registered for the
	// connector, or nil when the connector is unknown.
	ConnectorClient(ctx context.Context, connectorID string) (*ClientConfig, error)
}

// AppConfigSource looks up a consuming app's per-integration OAuth
// client, decrypted on demand.
type AppConfigSource interface {
	AppClient(ctx context.Context, appID, integrationID string) (*ClientConfig, error)
}

// IntegrationConfigSource looks up an integration's own stored OAuth
// config, decrypted on demand.
type IntegrationConfigSource interface {
	IntegrationClient(ctx context.Context, integrationID string) (*ClientConfig, error)
}

// Resolver picks the OAuth client configuration for a credential.
//
// Priority, first match wins:
//  1. Connection provisioned through a platform connector: that
//     connector's registered client.
//  2. End-user credential whose connection is owned by a consuming app:
//     that app's per-integration client.
//  3. The integration's own stored OAuth config.
type Resolver struct {
	connectors   ConnectorRegistry
	apps         AppConfigSource
	integrations IntegrationConfigSource
}

func NewResolver(connectors ConnectorRegistry, apps AppConfigSource, integrations IntegrationConfigSource) *Resolver {
	return &Resolver{
		connectors:   connectors,
		apps:         apps,
		integrations: integrations,
	}
}

// Resolve returns the client config to use for the credential. Any
// failure here is a configuration problem, not a transient one: the
// returned error carries INVALID_AUTH_CONFIG and must not be retried.
func (r *Resolver) Resolve(ctx context.Context, rec *store.CredentialRecord) (*ClientConfig, error) {
	if rec.Kind != store.KindOAuth2 {
		return nil, errors.ConfigError("credential is not an oauth2 credential").
			WithCode(errors.CodeInvalidAuthConfig).
			WithContext("kind", string(rec.Kind))
	}

	config, source, err := r.lookup(ctx, rec)
	if err != nil {
		return nil, errors.ConfigError("oauth client lookup failed: " + err.Error()).
			WithCode(errors.CodeInvalidAuthConfig).
			WithContext("source", source)
	}
	if config == nil {
		return nil, errors.ConfigError("no oauth client configured").
			WithCode(errors.CodeInvalidAuthConfig).
			WithContext("source", source)
	}
	if config.TokenURL == "" {
		return nil, errors.ConfigError("oauth client has no token endpoint").
			WithCode(errors.CodeInvalidAuthConfig).
			WithContext("source", source)
	}
	if config.ClientSecret == "" {
		return nil, errors.ConfigError("oauth client has no client secret").
			WithCode(errors.CodeInvalidAuthConfig).
			WithContext("source", source)
	}
	return config, nil
}

func (r *Resolver) lookup(ctx context.Context, rec *store.CredentialRecord) (*ClientConfig, string, error) {
	if rec.ConnectorID != "" && r.connectors != nil {
		config, err := r.connectors.ConnectorClient(ctx, rec.ConnectorID)
		return config, "connector", err
	}
	if rec.Pool == store.PoolUser && rec.AppID != "" && r.apps != nil {
		config, err := r.apps.AppClient(ctx, rec.AppID, rec.IntegrationID)
		return config, "app", err
	}
	if r.integrations == nil {
		return nil, "integration", nil
	}
	config, err := r.integrations.IntegrationClient(ctx, rec.IntegrationID)
	return config, "integration", err
}
