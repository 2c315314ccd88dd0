// Package config provides configuration management for the credential
// coordinator. It handles loading configuration from environment variables
// with sensible defaults and validates the configuration to ensure the
// service starts safely.
//
// The package supports multiple database backends (SQLite and PostgreSQL),
// Redis for distributed locking and authorization-flow state, JWT
// authentication for the admin API, and mandatory encryption for stored
// credential material.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - APP_ENV: Deployment environment, e.g. "production" (default: development)
//
// Refresh Settings:
//   - REFRESH_SCHEDULE: Cron expression for batch refresh runs (default: */5 * * * *)
//   - REFRESH_BUFFER_MINUTES: How far ahead of expiry to refresh (default: 10)
//   - OAUTH_CLIENTS_FILE: Path to a JSON client directory for OAuth client resolution (optional)
//
// Database Configuration:
//   - DATABASE_TYPE: Database type - "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./credentials.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Security Configuration:
//   - JWT_SECRET: JWT signing secret for the admin API (required, minimum 32 characters)
//   - ENCRYPTION_KEY: Key for encrypting stored credential material (required, 32 characters)
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration values for the credential coordinator.
// All string fields correspond to environment variables that can be set to
// override the default values.
//
// The configuration is loaded using the Load() function and should be
// validated using the Validate() method before use.
type Config struct {
	// Application settings
	Port     string // Server port number
	LogLevel string // Logging level (debug, info, warn, error)
	AppEnv   string // Deployment environment (development, staging, production)

	// Refresh settings
	RefreshSchedule      string // Cron expression for batch refresh runs
	RefreshBufferMinutes string // Expiry lead time in minutes

	// OAuth client registrations
	OAuthClientsFile string // Path to the JSON client directory (optional)

	// Redis configuration for distributed locking and flow state
	RedisAddress  string // Redis server address (host:port)
	RedisPassword string // Redis authentication password
	RedisDB       string // Redis database number (0-15)
	RedisPoolSize string // Redis connection pool size

	// Database configuration
	DatabaseType     string // Database type: "sqlite" or "postgres"
	DatabasePath     string // Path to SQLite database file
	PostgresHost     string // PostgreSQL host address
	PostgresPort     string // PostgreSQL port number
	PostgresDB       string // PostgreSQL database name
	PostgresUser     string // PostgreSQL username
	PostgresPassword string // PostgreSQL password
	PostgresSSLMode  string // PostgreSQL SSL mode (disable, require, etc.)

	// JWT authentication configuration for the admin API
	JWTSecret string // Secret key for JWT token signing (required)

	// Encryption configuration for stored credential material
	EncryptionKey string // Key for encrypting tokens and refresh tokens at rest (required)
}

// Load creates a new Config instance with values loaded from environment variables.
// If an environment variable is not set, the corresponding default value is used.
//
// This function does not validate the configuration - call Validate() on the
// returned Config to ensure all required values are properly set and valid.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		AppEnv:   getEnv("APP_ENV", "development"),

		// Refresh settings
		RefreshSchedule:      getEnv("REFRESH_SCHEDULE", "*/5 * * * *"),
		RefreshBufferMinutes: getEnv("REFRESH_BUFFER_MINUTES", "10"),

		// OAuth client registrations
		OAuthClientsFile: getEnv("OAUTH_CLIENTS_FILE", ""),

		// Redis configuration
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		// Database configuration
		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./credentials.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "credentials"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		// Security configuration
		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// RefreshBuffer returns the configured expiry lead time in minutes.
// Validate() guarantees the value parses.
func (c *Config) RefreshBuffer() int {
	minutes, _ := strconv.Atoi(c.RefreshBufferMinutes)
	return minutes
}

// Validate performs comprehensive validation on the configuration to ensure
// all required fields are present and all values are valid.
//
// This method checks:
//   - Required fields (JWT_SECRET, ENCRYPTION_KEY)
//   - Field format validation (ports, numerics)
//   - Cross-field dependencies (PostgreSQL configuration requirements)
//   - Security requirements (key lengths, valid ranges)
//
// The application should call this method after loading configuration and
// before starting to ensure safe operation.
func (c *Config) Validate() error {
	// Validate required fields
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long for security")
	}

	// Encryption is mandatory: credential material is never stored in the clear
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY environment variable is required")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 characters (256 bits)")
	}

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	// Validate refresh buffer
	if minutes, err := strconv.Atoi(c.RefreshBufferMinutes); err != nil || minutes < 1 {
		return fmt.Errorf("REFRESH_BUFFER_MINUTES must be a positive number")
	}

	if c.RefreshSchedule == "" {
		return fmt.Errorf("REFRESH_SCHEDULE must not be empty")
	}

	// Validate database type
	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
		// Valid database types
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	// Validate PostgreSQL config if using PostgreSQL
	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		// Validate PostgreSQL port
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	// Validate Redis config if provided
	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	return nil
}
