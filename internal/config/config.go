package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultTimeout bounds every call to the management plane, authentication
// included. It has to cover a real network round-trip.
const DefaultTimeout = 30 * time.Second

// Config is the connection configuration consumed by the session client.
type Config struct {
	VCenterHost     string
	VCenterUsername string
	VCenterPassword string
	VCenterInsecure bool
	Timeout         time.Duration
}

// Load loads configuration from environment variables only.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from an optional .env file and environment variables.
func LoadWithFile(envFile string) (*Config, error) {
	cfg, err := loadUnvalidated(envFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPartial behaves like LoadWithFile but skips validation so the caller
// can fill in a missing password interactively before validating.
func LoadPartial(envFile string) (*Config, error) {
	return loadUnvalidated(envFile)
}

func loadUnvalidated(envFile string) (*Config, error) {
	// Attempt to load .env file if provided, but don't fail if it doesn't exist.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	timeout, err := parseTimeout(os.Getenv("VCENTER_TIMEOUT"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		VCenterHost:     os.Getenv("VCENTER_HOST"),
		VCenterUsername: os.Getenv("VCENTER_USERNAME"),
		VCenterPassword: os.Getenv("VCENTER_PASSWORD"),
		VCenterInsecure: parseInsecure(os.Getenv("VCENTER_INSECURE")),
		Timeout:         timeout,
	}

	// Docker secrets mount the password as a file.
	if passwordFile := os.Getenv("VCENTER_PASSWORD_FILE"); passwordFile != "" {
		passwordBytes, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VCENTER_PASSWORD_FILE: %w", err)
		}
		cfg.VCenterPassword = strings.TrimSpace(string(passwordBytes))
	}

	return cfg, nil
}

// Validate checks if all required fields are set.
func (c *Config) Validate() error {
	if c.VCenterHost == "" {
		return fmt.Errorf("VCENTER_HOST is required")
	}
	if c.VCenterUsername == "" {
		return fmt.Errorf("VCENTER_USERNAME is required")
	}
	if c.VCenterPassword == "" {
		return fmt.Errorf("VCENTER_PASSWORD is required")
	}
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1s, got %s", c.Timeout)
	}
	return nil
}

// parseInsecure converts a string to a boolean, defaulting to false.
func parseInsecure(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// parseTimeout accepts a Go duration ("45s") or a bare number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultTimeout, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid VCENTER_TIMEOUT %q: %w", s, err)
	}
	return d, nil
}
