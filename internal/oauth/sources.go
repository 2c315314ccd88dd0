package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ClientDirectory is a file-backed implementation of the three resolver
// sources. Client registrations live in one JSON document loaded at
// startup; deployments with a real config service swap in their own
// implementations of the source interfaces.
type ClientDirectory struct {
	// Connectors maps connector ID to the platform-registered client.
	Connectors map[string]*ClientConfig `json:"connectors"`
	// Apps maps app ID, then integration ID, to the app's client.
	Apps map[string]map[string]*ClientConfig `json:"apps"`
	// Integrations maps integration ID to its own stored client.
	Integrations map[string]*ClientConfig `json:"integrations"`
}

// LoadClientDirectory reads client registrations from a JSON file.
func LoadClientDirectory(path string) (*ClientDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth client directory: %w", err)
	}

	var dir ClientDirectory
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("failed to parse oauth client directory: %w", err)
	}
	return &dir, nil
}

// EmptyClientDirectory returns a directory with no registrations.
func EmptyClientDirectory() *ClientDirectory {
	return &ClientDirectory{}
}

func (d *ClientDirectory) ConnectorClient(ctx context.Context, connectorID string) (*ClientConfig, error) {
	return d.Connectors[connectorID], nil
}

func (d *ClientDirectory) AppClient(ctx context.Context, appID, integrationID string) (*ClientConfig, error) {
	perIntegration, ok := d.Apps[appID]
	if !ok {
		return nil, nil
	}
	return perIntegration[integrationID], nil
}

func (d *ClientDirectory) IntegrationClient(ctx context.Context, integrationID string) (*ClientConfig, error) {
	return d.Integrations[integrationID], nil
}
