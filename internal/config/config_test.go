package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlescope/bundlescope/internal/config"
)

// writeTool drops an executable stub on disk so LookPath checks pass.
func writeTool(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func validConfig(t *testing.T) config.Config {
	cfg := config.Config{
		Token:        "tok",
		Owner:        "octo",
		Repo:         "exts",
		DistRepo:     "exts-dist",
		GitPath:      writeTool(t, "git"),
		DiffToolPath: writeTool(t, "difftool"),
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestLoad_FileWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
token: from-file
owner: octo
repo: exts
distRepo: exts-dist
fetchConcurrency: 8
`), 0o644))

	t.Setenv("GITHUB_TOKEN", "from-env")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token, "environment wins over file")
	assert.Equal(t, "octo", cfg.Owner)
	assert.Equal(t, 8, cfg.FetchConcurrency)
	assert.Equal(t, 30*time.Second, cfg.DiffTimeout, "defaults still apply")
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}

func TestApplyDefaults_FillsOnlyZeroValues(t *testing.T) {
	cfg := config.Config{RetryCap: 5}
	cfg.ApplyDefaults()

	assert.Equal(t, 5, cfg.RetryCap)
	assert.Equal(t, "https://raw.githubusercontent.com", cfg.RawBaseURL)
	assert.Equal(t, "https://github.com", cfg.CloneBaseURL)
	assert.Equal(t, "pull_request.yml", cfg.WorkflowFile)
	assert.Equal(t, "manifest.json", cfg.ManifestPath)
	assert.Equal(t, "git", cfg.GitPath)
	assert.Equal(t, 4, cfg.FetchConcurrency)
	assert.Equal(t, 2, cfg.DiffConcurrency)
}

func TestHasAppAuth_RequiresFullTriple(t *testing.T) {
	assert.False(t, config.Config{AppID: 1, InstallationID: 2}.HasAppAuth())
	assert.True(t, config.Config{AppID: 1, InstallationID: 2, PrivateKeyPath: "key.pem"}.HasAppAuth())
}

// ─── Validation ───────────────────────────────────────────────────────────────

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())
}

func TestValidate_RejectsMissingInputs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"no credential", func(c *config.Config) { c.Token = "" }, "token"},
		{"no registry repo", func(c *config.Config) { c.Repo = "" }, "owner/repo"},
		{"no dist repo", func(c *config.Config) { c.DistRepo = "" }, "distRepo"},
		{"git missing", func(c *config.Config) { c.GitPath = "/nonexistent/git" }, "gitPath"},
		{"diff tool unset", func(c *config.Config) { c.DiffToolPath = "" }, "diffToolPath"},
		{"diff tool missing", func(c *config.Config) { c.DiffToolPath = "/nonexistent/tool" }, "diffToolPath"},
		{"zero fetch concurrency", func(c *config.Config) { c.FetchConcurrency = -1 }, "fetchConcurrency"},
		{"zero retry cap", func(c *config.Config) { c.RetryCap = -1 }, "retryCap"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(&cfg)

			err := cfg.Validate()
			var perr config.PreconditionError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestValidate_AppAuthReplacesToken(t *testing.T) {
	cfg := validConfig(t)
	cfg.Token = ""
	cfg.AppID = 1
	cfg.InstallationID = 2
	cfg.PrivateKeyPath = "key.pem"
	require.NoError(t, cfg.Validate())
}
