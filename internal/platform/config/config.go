// Package config builds client configuration from the environment so main
// stays lean. A .env file next to the binary is honored when present.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Client captures everything the session subsystem needs to run.
type Client struct {
	APIBaseURL       string
	RequestTimeout   time.Duration
	DataDir          string
	DeviceSecretPath string
	LogLevel         string
	// FixtureCredentials switches the credential resolver to canned demo
	// accounts instead of the network. Never enable outside local testing.
	FixtureCredentials bool
}

const (
	defaultAPIBaseURL     = "https://api.medpass.app"
	defaultRequestTimeout = 15 * time.Second
)

// FromEnv builds a Client config from MEDPASS_* environment variables.
func FromEnv() Client {
	_ = godotenv.Load()

	baseURL := os.Getenv("MEDPASS_API_URL")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	timeout := defaultRequestTimeout
	if raw := os.Getenv("MEDPASS_REQUEST_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}

	dataDir := os.Getenv("MEDPASS_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataDir = filepath.Join(home, ".medpass")
	}

	secretPath := os.Getenv("MEDPASS_DEVICE_SECRET")
	if secretPath == "" {
		secretPath = filepath.Join(dataDir, "device.secret")
	}

	level := os.Getenv("MEDPASS_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	return Client{
		APIBaseURL:         baseURL,
		RequestTimeout:     timeout,
		DataDir:            dataDir,
		DeviceSecretPath:   secretPath,
		LogLevel:           level,
		FixtureCredentials: os.Getenv("MEDPASS_FIXTURE_CREDENTIALS") == "true",
	}
}
