package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "ECOSIGN_PROFILE", "SHADOW_MODE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.Empty(t, cfg.RedisAddr, "no redis by default")
	assert.Equal(t, "profiles/profile_default.yaml", cfg.ProfilePath)
	assert.False(t, cfg.ShadowMode)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "sqlite:data/test.db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("ECOSIGN_PROFILE", "profiles/profile_eu.yaml")
	t.Setenv("SHADOW_MODE", "true")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "sqlite:data/test.db", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "profiles/profile_eu.yaml", cfg.ProfilePath)
	assert.True(t, cfg.ShadowMode)
}

func TestShadowModeRequiresExactTrue(t *testing.T) {
	t.Setenv("SHADOW_MODE", "1")
	assert.False(t, Load().ShadowMode)
}

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()
	assert.Equal(t, "default", p.Code)
	require.NotEmpty(t, p.TSA.URLs)
	assert.Equal(t, 10*time.Second, p.TSATimeout())
	assert.Equal(t, 60*time.Second, p.Anchors.Polygon.ConfirmDeadline())
	assert.Equal(t, 5*time.Second, p.Anchors.Bitcoin.ConfirmPoll())
	assert.Equal(t, 30, p.Anchors.Polygon.RatePerMinute)
	assert.Equal(t, 10, p.Jobs.BatchLimit)
	assert.Equal(t, 2*time.Second, p.Jobs.PollInterval())
	assert.Equal(t, 30*time.Second, p.Jobs.RetryBackoff())
	assert.Equal(t, "fs", p.Artifacts.Backend)
	assert.Equal(t, "artifacts", p.Artifacts.Dir)
}

func writeProfile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadProfileFile(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "profile_eu.yaml", `
name: Europe
tsa:
  urls:
    - https://tsa.example.eu/tsr
    - https://tsa-backup.example.eu/tsr
  timeout_ms: 5000
anchors:
  polygon:
    gateway_url: https://anchors.example.eu/polygon
    rate_per_minute: 10
  bitcoin:
    gateway_url: https://anchors.example.eu/bitcoin
jobs:
  batch_limit: 25
  ttls_ms:
    run_tsa: 90000
artifacts:
  backend: s3
  bucket: ecosign-eu
  region: eu-central-1
`)

	p, err := LoadProfileFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Europe", p.Name)
	assert.Equal(t, "eu", p.Code, "code falls back to the filename")
	assert.Equal(t, []string{"https://tsa.example.eu/tsr", "https://tsa-backup.example.eu/tsr"}, p.TSA.URLs)
	assert.Equal(t, 5*time.Second, p.TSATimeout())

	assert.Equal(t, 10, p.Anchors.Polygon.RatePerMinute)
	assert.Equal(t, 30, p.Anchors.Bitcoin.RatePerMinute, "unset knobs get defaults")
	assert.Equal(t, 60*time.Second, p.Anchors.Polygon.ConfirmDeadline())

	assert.Equal(t, 25, p.Jobs.BatchLimit)
	assert.Equal(t, map[string]int{"run_tsa": 90000}, p.Jobs.TTLsMs)
	assert.Equal(t, 2*time.Second, p.Jobs.PollInterval())

	assert.Equal(t, "s3", p.Artifacts.Backend)
	assert.Equal(t, "ecosign-eu", p.Artifacts.Bucket)
	assert.Empty(t, p.Artifacts.Dir, "the fs default dir only applies to the fs backend")
}

func TestLoadProfileFileExplicitCodeWins(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "profile_eu.yaml", `
name: Europe
code: europe-west
tsa:
  urls: [https://tsa.example.eu/tsr]
`)
	p, err := LoadProfileFile(path)
	require.NoError(t, err)
	assert.Equal(t, "europe-west", p.Code)
}

func TestLoadProfileFileMissing(t *testing.T) {
	_, err := LoadProfileFile(filepath.Join(t.TempDir(), "profile_missing.yaml"))
	assert.Error(t, err)
}

func TestLoadProfileFileMalformed(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "profile_bad.yaml", "tsa: [not: a: mapping\n")
	_, err := LoadProfileFile(path)
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_eu.yaml", "name: Europe\n")
	writeProfile(t, dir, "profile_us.yaml", "name: United States\n")
	writeProfile(t, dir, "notes.yaml", "name: ignored\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "Europe", profiles["eu"].Name)
	assert.Equal(t, "United States", profiles["us"].Name)
}
