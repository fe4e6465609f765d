package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/language"
)

const FolderName = ".amsdk"

// Default platform hosts.
const (
	DefaultAPIHost  = "https://apis.accela.com"
	DefaultAuthHost = "https://auth.accela.com"
)

// Environments recognised by the platform.
var Environments = []string{"PROD", "ACCEPTANCE", "TEST", "CONFIG", "DEV", "SUPP"}

// Config holds the application identity and pipeline tuning of a Client.
type Config struct {
	AppID       string `json:"app_id" mapstructure:"app_id"`
	AppSecret   string `json:"app_secret" mapstructure:"app_secret"`
	AppVersion  string `json:"app_version" mapstructure:"app_version"`
	AppPlatform string `json:"app_platform" mapstructure:"app_platform"`
	Environment string `json:"environment" mapstructure:"environment"`
	Agency      string `json:"agency" mapstructure:"agency"`
	APIHost     string `json:"api_host" mapstructure:"api_host"`
	AuthHost    string `json:"auth_host" mapstructure:"auth_host"`
	// Locale is a BCP 47 tag such as "en-US"; it is sent as lang=en_US.
	Locale string   `json:"locale" mapstructure:"locale"`
	Scopes []string `json:"scopes" mapstructure:"scopes"`

	TimeoutMS         int     `json:"timeout_ms" mapstructure:"timeout_ms"`
	MaxRetries        int     `json:"max_retries" mapstructure:"max_retries"`
	BackoffMultiplier float64 `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	// RateLimit caps outgoing attempts per second. Zero means unlimited.
	RateLimit float64 `json:"rate_limit" mapstructure:"rate_limit"`
}

// DefaultConfig returns a configuration with the platform defaults and no app identity.
func DefaultConfig() Config {
	return Config{
		AppVersion:        "1.0",
		AppPlatform:       "Go",
		Environment:       "PROD",
		APIHost:           DefaultAPIHost,
		AuthHost:          DefaultAuthHost,
		Locale:            "en-US",
		Scopes:            []string{"records", "inspections", "documents"},
		TimeoutMS:         60000,
		MaxRetries:        1,
		BackoffMultiplier: 1.0,
	}
}

// Timeout returns the initial per-attempt timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Validate checks the fields a Client cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppID) == "" {
		errs = append(errs, errors.New("app_id is required"))
	}
	for name, host := range map[string]string{"api_host": c.APIHost, "auth_host": c.AuthHost} {
		u, err := url.Parse(host)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, host))
		}
	}
	if c.Locale != "" {
		if _, err := language.Parse(c.Locale); err != nil {
			errs = append(errs, fmt.Errorf("invalid locale %q: %w", c.Locale, err))
		}
	}
	if c.TimeoutMS < 0 || c.MaxRetries < 0 || c.BackoffMultiplier < 0 || c.RateLimit < 0 {
		errs = append(errs, errors.New("timeout_ms, max_retries, backoff_multiplier and rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// InitializeFolder creates the .amsdk workspace under root with a default config,
// a requests folder for saved API calls and a dev environment. It reports whether
// the folder was created by this call.
func InitializeFolder(fs afero.Fs, root string) (bool, error) {
	dir := filepath.Join(root, FolderName)
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return false, fmt.Errorf("failed to check %s folder: %w", FolderName, err)
	}

	if !exists {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("failed to create %s folder: %w", FolderName, err)
		}
		if err := createDefaultConfig(fs, dir); err != nil {
			return false, err
		}
		if err := fs.Mkdir(filepath.Join(dir, "requests"), 0755); err != nil {
			return false, fmt.Errorf("failed to create requests folder: %w", err)
		}
		if err := fs.Mkdir(filepath.Join(dir, "environments"), 0755); err != nil {
			return false, fmt.Errorf("failed to create environments folder: %w", err)
		}
		if err := createDefaultEnvironment(fs, dir); err != nil {
			return false, err
		}
	}

	// Folders created by older versions may lack subdirectories.
	for _, sub := range []string{"requests", "environments"} {
		if err := ensureDir(fs, filepath.Join(dir, sub)); err != nil {
			return false, err
		}
	}
	return !exists, nil
}

func ensureDir(fs afero.Fs, path string) error {
	ok, err := afero.DirExists(fs, path)
	if err != nil || ok {
		return err
	}
	if err := fs.Mkdir(path, 0755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

func createDefaultEnvironment(fs afero.Fs, dir string) error {
	envContent := `# Development environment
# Variables are substituted into saved requests as {{NAME}}, e.g.:
# RECORD_ID: ISLANDTON-14CAP-00000-000CR
# AGENCY: ISLANDTON
`
	envPath := filepath.Join(dir, "environments", "dev.yaml")
	if err := afero.WriteFile(fs, envPath, []byte(envContent), 0644); err != nil {
		return fmt.Errorf("failed to write dev environment: %w", err)
	}
	return nil
}

func createDefaultConfig(fs afero.Fs, dir string) error {
	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := filepath.Join(dir, "config.json")
	if err := afero.WriteFile(fs, configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
