package core

import (
	"os"
	"strings"
)

// Config holds the server configuration.
type Config struct {
	// Environment (development, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs (issuer values, action
	// URLs, descriptor endpoints)
	BaseURL string

	// Directory for the SQLite databases
	DataDir string

	// CORS allowed origins
	CORSOrigins []string

	// Seed the demo realm and its users on first start
	SeedDemoRealm bool

	// Offer SPNEGO negotiation on the login form
	Negotiate bool

	// Enable debug logging
	Debug bool
}

// LoadConfig loads configuration from environment variables with
// sensible defaults.
func LoadConfig() *Config {
	return &Config{
		Environment:   getEnv("KEYCLOAK_ENV", "development"),
		ListenAddr:    getEnv("KEYCLOAK_LISTEN_ADDR", ":8080"),
		BaseURL:       getEnv("KEYCLOAK_BASE_URL", "http://localhost:8080"),
		DataDir:       getEnv("KEYCLOAK_DATA_DIR", "./data"),
		CORSOrigins:   getEnvList("KEYCLOAK_CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		SeedDemoRealm: getEnvBool("KEYCLOAK_SEED_DEMO_REALM", true),
		Negotiate:     getEnvBool("KEYCLOAK_NEGOTIATE", false),
		Debug:         getEnvBool("KEYCLOAK_DEBUG", false),
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.Split(value, ",")
}
