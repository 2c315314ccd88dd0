package oauth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadClientDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.json")
	doc := `{
		"connectors": {
			"conn-1": {"client_id": "connector-client", "client_secret": "s", "token_url": "https://p.example/token"}
		},
		"apps": {
			"app-1": {
				"int-1": {"client_id": "app-client", "client_secret": "s", "token_url": "https://p.example/token"}
			}
		},
		"integrations": {
			"int-1": {"client_id": "integration-client", "client_secret": "s", "token_url": "https://p.example/token"}
		}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	dir, err := LoadClientDirectory(path)
	if err != nil {
		t.Fatalf("LoadClientDirectory() error = %v", err)
	}
	ctx := context.Background()

	config, err := dir.ConnectorClient(ctx, "conn-1")
	if err != nil || config == nil || config.ClientID != "connector-client" {
		t.Errorf("ConnectorClient() = (%v, %v)", config, err)
	}

	config, err = dir.AppClient(ctx, "app-1", "int-1")
	if err != nil || config == nil || config.ClientID != "app-client" {
		t.Errorf("AppClient() = (%v, %v)", config, err)
	}

	config, err = dir.IntegrationClient(ctx, "int-1")
	if err != nil || config == nil || config.ClientID != "integration-client" {
		t.Errorf("IntegrationClient() = (%v, %v)", config, err)
	}

	// Unknown lookups return nil without error; the resolver turns
	// that into a terminal config error.
	config, err = dir.ConnectorClient(ctx, "unknown")
	if err != nil || config != nil {
		t.Errorf("ConnectorClient(unknown) = (%v, %v), want (nil, nil)", config, err)
	}
	config, err = dir.AppClient(ctx, "unknown", "int-1")
	if err != nil || config != nil {
		t.Errorf("AppClient(unknown) = (%v, %v), want (nil, nil)", config, err)
	}
}

func TestLoadClientDirectoryErrors(t *testing.T) {
	if _, err := LoadClientDirectory(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("LoadClientDirectory() expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadClientDirectory(path); err == nil {
		t.Error("LoadClientDirectory() expected error for malformed file")
	}
}
