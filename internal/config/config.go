// Package config loads the restcall CLI configuration from the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kroma-labs/sentinel-rest/restclient"
)

// Environment variable names.
const (
	EnvToken      = "DISCORD_TOKEN"
	EnvAPIHost    = "DISCORD_API_HOST"
	EnvAPIPort    = "DISCORD_API_PORT"
	EnvAPIVersion = "DISCORD_API_VERSION"
	EnvUserAgent  = "DISCORD_USER_AGENT"
	EnvDebug      = "RESTCALL_DEBUG"
)

// DefaultEnvFile is loaded when no other file is given.
const DefaultEnvFile = ".env"

// Config is the CLI configuration.
type Config struct {
	// Token is sent verbatim as the Authorization header, e.g. "Bot abc".
	Token string

	// Rest holds the connection parameters. Unset variables keep the
	// restclient defaults.
	Rest restclient.Config

	// Debug enables debug logging and cURL output on failures.
	Debug bool
}

// Load reads envFile into the process environment and builds a Config from it.
// A missing envFile is not an error; variables already set in the
// environment take precedence over the file.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	token, err := getOrError(EnvToken)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Token: token,
		Rest:  restclient.DefaultConfig(),
	}
	cfg.Rest.Host = getOrDefault(EnvAPIHost, cfg.Rest.Host)
	cfg.Rest.Port = getOrDefault(EnvAPIPort, cfg.Rest.Port)
	cfg.Rest.UserAgent = getOrDefault(EnvUserAgent, cfg.Rest.UserAgent)

	if v := os.Getenv(EnvAPIVersion); v != "" {
		version, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", EnvAPIVersion, v)
		}
		cfg.Rest.APIVersion = version
	}

	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", EnvDebug, v)
		}
		cfg.Debug = debug
	}

	return cfg, nil
}

// Options returns the client options for this configuration.
func (c *Config) Options() []restclient.Option {
	return []restclient.Option{
		restclient.WithConfig(c.Rest),
		restclient.WithDebug(c.Debug),
		restclient.WithGenerateCurl(c.Debug),
	}
}

// getOrDefault returns the value of the environment variable with the given key
// or the default value if the variable is not set
func getOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getOrError returns the value of the environment variable with the given key
// or an error if the variable is not set
func getOrError(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing required environment variable %s", key)
	}
	return v, nil
}
