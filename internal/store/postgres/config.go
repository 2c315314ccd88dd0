package postgres

import (
	"fmt"
)

// Config holds PostgreSQL connection settings for the credential store.
type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// Validate checks required connection fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("postgres host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("postgres database is required")
	}
	if c.Username == "" {
		return fmt.Errorf("postgres username is required")
	}
	return nil
}

// ConnectionString renders the lib/pq DSN.
func (c *Config) ConnectionString() string {
	port := c.Port
	if port == "" {
		port = "5432"
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		c.Host, port, c.Database, c.Username, c.Password, sslMode)
}
