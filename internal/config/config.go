// Package config holds the explicit configuration value passed into the
// pipeline at creation. All required inputs are validated eagerly; a run
// never partially starts with a missing credential or tool.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PreconditionError reports a missing or invalid required input detected
// before any pipeline stage executes.
type PreconditionError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s: %s", e.Field, e.Reason)
}

// Config is constructed once and handed to the pipeline. Zero values are
// filled in by ApplyDefaults; Validate rejects anything still missing.
type Config struct {
	// Credentials: either Token, or the GitHub App triple.
	Token          string `yaml:"token"`
	AppID          int64  `yaml:"appId"`
	InstallationID int64  `yaml:"installationId"`
	PrivateKeyPath string `yaml:"privateKeyPath"`

	// Remote repository service endpoints. Overridable for tests and
	// GitHub Enterprise installs.
	APIBaseURL   string `yaml:"apiBaseUrl"`
	RawBaseURL   string `yaml:"rawBaseUrl"`
	CloneBaseURL string `yaml:"cloneBaseUrl"`

	// Repository layout of the extension registry.
	Owner        string `yaml:"owner"`
	Repo         string `yaml:"repo"`
	DistRepo     string `yaml:"distRepo"`
	WorkflowFile string `yaml:"workflowFile"`
	ManifestPath string `yaml:"manifestPath"`

	// External binaries.
	GitPath      string `yaml:"gitPath"`
	DiffToolPath string `yaml:"diffToolPath"`

	// Concurrency and retry bounds.
	FetchConcurrency int           `yaml:"fetchConcurrency"`
	DiffConcurrency  int           `yaml:"diffConcurrency"`
	RetryCap         int           `yaml:"retryCap"`
	DiffTimeout      time.Duration `yaml:"diffTimeout"`
}

// Load reads an optional YAML config file and applies environment variable
// overrides on top. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("GITHUB_APP_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.AppID = id
		}
	}
	if v := os.Getenv("GITHUB_INSTALLATION_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.InstallationID = id
		}
	}
	if v := os.Getenv("GITHUB_PRIVATE_KEY_PATH"); v != "" {
		c.PrivateKeyPath = v
	}
	if v := os.Getenv("GITHUB_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("GITHUB_RAW_URL"); v != "" {
		c.RawBaseURL = v
	}
	if v := os.Getenv("GIT_PATH"); v != "" {
		c.GitPath = v
	}
	if v := os.Getenv("DIFF_TOOL_PATH"); v != "" {
		c.DiffToolPath = v
	}
}

// ApplyDefaults fills in the fields a minimal config may omit.
func (c *Config) ApplyDefaults() {
	if c.RawBaseURL == "" {
		c.RawBaseURL = "https://raw.githubusercontent.com"
	}
	if c.CloneBaseURL == "" {
		c.CloneBaseURL = "https://github.com"
	}
	if c.WorkflowFile == "" {
		c.WorkflowFile = "pull_request.yml"
	}
	if c.ManifestPath == "" {
		c.ManifestPath = "manifest.json"
	}
	if c.GitPath == "" {
		c.GitPath = "git"
	}
	if c.FetchConcurrency == 0 {
		c.FetchConcurrency = 4
	}
	if c.DiffConcurrency == 0 {
		c.DiffConcurrency = 2
	}
	if c.RetryCap == 0 {
		c.RetryCap = 3
	}
	if c.DiffTimeout == 0 {
		c.DiffTimeout = 30 * time.Second
	}
}

// HasAppAuth reports whether the GitHub App credential triple is complete.
func (c Config) HasAppAuth() bool {
	return c.AppID != 0 && c.InstallationID != 0 && c.PrivateKeyPath != ""
}

// Validate checks every required input. It returns the first
// PreconditionError found; the pipeline must not start on any error.
func (c Config) Validate() error {
	if c.Token == "" && !c.HasAppAuth() {
		return PreconditionError{Field: "token", Reason: "no credential: set GITHUB_TOKEN or the app id/installation/key triple"}
	}
	if c.Owner == "" || c.Repo == "" {
		return PreconditionError{Field: "owner/repo", Reason: "extension registry repository not configured"}
	}
	if c.DistRepo == "" {
		return PreconditionError{Field: "distRepo", Reason: "dist repository not configured"}
	}
	if _, err := exec.LookPath(c.GitPath); err != nil {
		return PreconditionError{Field: "gitPath", Reason: fmt.Sprintf("version-control binary %q not found", c.GitPath)}
	}
	if c.DiffToolPath == "" {
		return PreconditionError{Field: "diffToolPath", Reason: "structural diff tool not configured"}
	}
	if _, err := exec.LookPath(c.DiffToolPath); err != nil {
		return PreconditionError{Field: "diffToolPath", Reason: fmt.Sprintf("diff tool %q not found", c.DiffToolPath)}
	}
	if c.FetchConcurrency < 1 {
		return PreconditionError{Field: "fetchConcurrency", Reason: "must be at least 1"}
	}
	if c.DiffConcurrency < 1 {
		return PreconditionError{Field: "diffConcurrency", Reason: "must be at least 1"}
	}
	if c.RetryCap < 1 {
		return PreconditionError{Field: "retryCap", Reason: "must be at least 1"}
	}
	return nil
}
