package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for pbrelay.
type Config struct {
	// Pushbullet access token. Either the token itself or a path to a
	// file containing it (compatible with the classic ~/.config/pbns
	// layout) must be set.
	AccessToken     string `env:"PUSHBULLET_ACCESS_TOKEN"`
	AccessTokenFile string `env:"PUSHBULLET_ACCESS_TOKEN_FILE"`

	// End-to-end encryption passphrase. Optional; without it encrypted
	// ephemerals are dropped with a warning.
	E2EPassword     string `env:"PUSHBULLET_E2E_PASSWORD"`
	E2EPasswordFile string `env:"PUSHBULLET_E2E_PASSWORD_FILE"`

	// Path to the YAML notification filters file. Optional. When set,
	// the file is watched and reloaded on change.
	FiltersPath string `env:"PBRELAY_FILTERS_PATH"`

	// Path to the bbolt state database. Defaults to
	// ~/.pbrelay/state.db when empty.
	StatePath string `env:"PBRELAY_STATE_PATH"`

	// Device name this client identifies as in logs and the startup
	// notification. Defaults to the system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the access token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars and resolves any
// file-based credentials.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.AccessToken == "" && cfg.AccessTokenFile != "" {
		token, err := readCredentialFile(cfg.AccessTokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading access token file: %w", err)
		}
		cfg.AccessToken = token
	}

	if cfg.E2EPassword == "" && cfg.E2EPasswordFile != "" {
		password, err := readCredentialFile(cfg.E2EPasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading e2e password file: %w", err)
		}
		cfg.E2EPassword = password
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "pbrelay"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			return nil, err
		}
		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("PUSHBULLET_ACCESS_TOKEN is required; create one at " +
			"https://www.pushbullet.com/#settings/account")
	}

	if c.FiltersPath != "" {
		abs, err := filepath.Abs(c.FiltersPath)
		if err != nil {
			return fmt.Errorf("resolving filters path: %w", err)
		}
		c.FiltersPath = abs
	}

	return nil
}

// readCredentialFile reads a single-line credential, trimming surrounding
// whitespace the way the classic config files are written.
func readCredentialFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("credential file %s is empty", path)
	}

	return value, nil
}

// defaultStatePath returns ~/.pbrelay/state.db.
func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pbrelay", "state.db"), nil
}

// E2EEnabled reports whether an end-to-end passphrase was configured.
func (c *Config) E2EEnabled() bool {
	return c.E2EPassword != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
