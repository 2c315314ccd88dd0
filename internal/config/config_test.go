package config

import (
	"os"
	"strings"
	"testing"
)

var testEnvVars = []string{
	"PORT", "LOG_LEVEL", "APP_ENV",
	"REFRESH_SCHEDULE", "REFRESH_BUFFER_MINUTES",
	"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE",
	"DATABASE_TYPE", "DATABASE_PATH",
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB", "POSTGRES_USER",
	"POSTGRES_PASSWORD", "POSTGRES_SSL_MODE",
	"JWT_SECRET", "ENCRYPTION_KEY",
}

func clearTestEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range testEnvVars {
		if value, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, value) })
			os.Unsetenv(key)
		}
	}
}

func validSecret() string {
	return strings.Repeat("s", 32)
}

func validEncryptionKey() string {
	return strings.Repeat("k", 32)
}

func TestLoadDefaults(t *testing.T) {
	clearTestEnvVars(t)

	config := Load()

	if config.Port != "8080" {
		t.Errorf("Load() Port = %v, want 8080", config.Port)
	}
	if config.LogLevel != "info" {
		t.Errorf("Load() LogLevel = %v, want info", config.LogLevel)
	}
	if config.AppEnv != "development" {
		t.Errorf("Load() AppEnv = %v, want development", config.AppEnv)
	}
	if config.RefreshSchedule != "*/5 * * * *" {
		t.Errorf("Load() RefreshSchedule = %v, want */5 * * * *", config.RefreshSchedule)
	}
	if config.RefreshBufferMinutes != "10" {
		t.Errorf("Load() RefreshBufferMinutes = %v, want 10", config.RefreshBufferMinutes)
	}
	if config.RedisAddress != "localhost:6379" {
		t.Errorf("Load() RedisAddress = %v, want localhost:6379", config.RedisAddress)
	}
	if config.DatabaseType != "sqlite" {
		t.Errorf("Load() DatabaseType = %v, want sqlite", config.DatabaseType)
	}
	if config.DatabasePath != "./credentials.db" {
		t.Errorf("Load() DatabasePath = %v, want ./credentials.db", config.DatabasePath)
	}
	if config.JWTSecret != "" {
		t.Errorf("Load() JWTSecret = %v, want empty", config.JWTSecret)
	}
	if config.EncryptionKey != "" {
		t.Errorf("Load() EncryptionKey = %v, want empty", config.EncryptionKey)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	clearTestEnvVars(t)

	os.Setenv("PORT", "9090")
	os.Setenv("APP_ENV", "production")
	os.Setenv("REFRESH_BUFFER_MINUTES", "15")
	os.Setenv("DATABASE_TYPE", "postgres")
	os.Setenv("POSTGRES_HOST", "db.internal")
	defer clearTestEnvVars(t)

	config := Load()

	if config.Port != "9090" {
		t.Errorf("Load() Port = %v, want 9090", config.Port)
	}
	if config.AppEnv != "production" {
		t.Errorf("Load() AppEnv = %v, want production", config.AppEnv)
	}
	if config.RefreshBufferMinutes != "15" {
		t.Errorf("Load() RefreshBufferMinutes = %v, want 15", config.RefreshBufferMinutes)
	}
	if config.DatabaseType != "postgres" {
		t.Errorf("Load() DatabaseType = %v, want postgres", config.DatabaseType)
	}
	if config.PostgresHost != "db.internal" {
		t.Errorf("Load() PostgresHost = %v, want db.internal", config.PostgresHost)
	}
}

func TestRefreshBuffer(t *testing.T) {
	config := &Config{RefreshBufferMinutes: "15"}
	if got := config.RefreshBuffer(); got != 15 {
		t.Errorf("RefreshBuffer() = %d, want 15", got)
	}
}

func validConfig() *Config {
	config := Load()
	config.JWTSecret = validSecret()
	config.EncryptionKey = validEncryptionKey()
	return config
}

func TestValidate(t *testing.T) {
	clearTestEnvVars(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing JWT secret",
			mutate:  func(c *Config) { c.JWTSecret = "" },
			wantErr: true,
		},
		{
			name:    "short JWT secret",
			mutate:  func(c *Config) { c.JWTSecret = "short" },
			wantErr: true,
		},
		{
			name:    "missing encryption key",
			mutate:  func(c *Config) { c.EncryptionKey = "" },
			wantErr: true,
		},
		{
			name:    "wrong length encryption key",
			mutate:  func(c *Config) { c.EncryptionKey = "only-31-characters-long-keyyyyy" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = "not-a-port" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Port = "70000" },
			wantErr: true,
		},
		{
			name:    "invalid refresh buffer",
			mutate:  func(c *Config) { c.RefreshBufferMinutes = "zero" },
			wantErr: true,
		},
		{
			name:    "non-positive refresh buffer",
			mutate:  func(c *Config) { c.RefreshBufferMinutes = "0" },
			wantErr: true,
		},
		{
			name:    "empty refresh schedule",
			mutate:  func(c *Config) { c.RefreshSchedule = "" },
			wantErr: true,
		},
		{
			name:    "unknown database type",
			mutate:  func(c *Config) { c.DatabaseType = "oracle" },
			wantErr: true,
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.DatabaseType = "postgres"
				c.PostgresHost = ""
			},
			wantErr: true,
		},
		{
			name: "postgres with bad port",
			mutate: func(c *Config) {
				c.DatabaseType = "postgres"
				c.PostgresPort = "abc"
			},
			wantErr: true,
		},
		{
			name:    "invalid redis db",
			mutate:  func(c *Config) { c.RedisDB = "16" },
			wantErr: true,
		},
		{
			name:    "invalid redis pool size",
			mutate:  func(c *Config) { c.RedisPoolSize = "0" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
