package internal

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Crypto modes.
const (
	CryptoModeNone   = "none"
	CryptoModeAESGCM = "aes-gcm"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Data   DataConfig        `yaml:"data"`
	Log    LogConfig         `yaml:"log"`
	Crypto CryptoConfig      `yaml:"crypto"`
	Auth   AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Crypto.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// DataConfig holds the root of the bundle store. The inbox, active,
// staging, backup and exports areas all live under it, as does the
// persisted session state.
type DataConfig struct {
	Root string `yaml:"root"`
}

// StatePath returns the session state file location under the data root.
func (c *DataConfig) StatePath() string {
	return filepath.Join(c.Root, "session.json")
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// LogConfig holds optional rotating log file configuration. When File is
// empty, logs go to stdout only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// CryptoConfig holds database encryption configuration.
//
// Mode controls how exported databases are protected:
//   - "none" (default): databases are packaged in plaintext.
//   - "aes-gcm": AES-256-GCM; Key must be 64 hex characters.
type CryptoConfig struct {
	Mode string `yaml:"mode"`
	Key  string `yaml:"key"`
}

// Validate validates the crypto configuration.
func (c *CryptoConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = CryptoModeNone
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(CryptoModeNone, CryptoModeAESGCM)),
	); err != nil {
		return err
	}
	if c.Mode == CryptoModeAESGCM {
		key, err := hex.DecodeString(c.Key)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("crypto: mode is %q but key is not 64 hex characters", CryptoModeAESGCM)
		}
	}
	return nil
}

// Enabled returns true when exports are encrypted.
func (c *CryptoConfig) Enabled() bool {
	return c.Mode == CryptoModeAESGCM
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Data: DataConfig{
			Root: "./data",
		},
		Crypto: CryptoConfig{
			Mode: CryptoModeNone,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
