// Package config loads the iapsync configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/iapsync/internal/connection"
	"github.com/roach88/iapsync/internal/logging"
)

// Config is the whole configuration file.
type Config struct {
	Connection connection.Config `yaml:"connection"`
	Receipts   Receipts          `yaml:"receipts"`
	Log        Log               `yaml:"log"`
	PlayStore  PlayStore         `yaml:"playstore"`
}

// Receipts configures the receipt journal.
type Receipts struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path"`
}

// Log configures the command line logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PlayStore configures the Google Play Developer API backend.
type PlayStore struct {
	PackageName string `yaml:"package_name"`
	// CredentialsFile is a service account JSON key. Empty uses Application
	// Default Credentials.
	CredentialsFile string `yaml:"credentials_file"`
	// Endpoint overrides the API base URL.
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Connection: connection.DefaultConfig(),
		Log:        Log{Level: "info", Format: logging.FormatText},
	}
}

// Load reads the YAML file at path over Default. Unknown keys are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvReceiptsPath    = "IAPSYNC_RECEIPTS_PATH"
	EnvPackageName     = "IAPSYNC_PACKAGE_NAME"
	EnvCredentialsFile = "IAPSYNC_CREDENTIALS_FILE"
	EnvEndpoint        = "IAPSYNC_PLAYSTORE_ENDPOINT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
)

// LoadEnvFile adds the variables of a dotenv file to the process
// environment. Variables that are already set keep their value.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ApplyEnv returns c with every non-empty variable above overriding its
// field, then validates the result.
func (c Config) ApplyEnv() (Config, error) {
	for key, field := range map[string]*string{
		EnvReceiptsPath:    &c.Receipts.Path,
		EnvPackageName:     &c.PlayStore.PackageName,
		EnvCredentialsFile: &c.PlayStore.CredentialsFile,
		EnvEndpoint:        &c.PlayStore.Endpoint,
		EnvLogLevel:        &c.Log.Level,
		EnvLogFormat:       &c.Log.Format,
	} {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Connection.RetryDelay <= 0 {
		return fmt.Errorf("config: connection.retry_delay must be positive")
	}
	if c.Connection.MaxRetries < 0 {
		return fmt.Errorf("config: connection.max_retries must be non-negative")
	}
	switch c.Log.Format {
	case "", logging.FormatText, logging.FormatJSON, logging.FormatPretty:
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}
