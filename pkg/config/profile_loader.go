package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific runtime profile. It carries the knobs an
// operator tunes per environment without touching the binary: authority
// endpoints, job lease TTLs, submission rate limits and artifact storage.
type Profile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	TSA       TSAConfig       `yaml:"tsa" json:"tsa"`
	Anchors   AnchorsConfig   `yaml:"anchors" json:"anchors"`
	Jobs      JobsConfig      `yaml:"jobs" json:"jobs"`
	Artifacts ArtifactsConfig `yaml:"artifacts" json:"artifacts"`
}

// TSAConfig lists RFC 3161 authority endpoints in fallback order.
type TSAConfig struct {
	URLs      []string `yaml:"urls" json:"urls"`
	TimeoutMs int      `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// AnchorsConfig holds per-network anchor gateway configuration.
type AnchorsConfig struct {
	Polygon NetworkConfig `yaml:"polygon" json:"polygon"`
	Bitcoin NetworkConfig `yaml:"bitcoin" json:"bitcoin"`
}

// NetworkConfig configures a single anchor network gateway.
type NetworkConfig struct {
	GatewayURL        string `yaml:"gateway_url" json:"gateway_url"`
	ConfirmDeadlineMs int    `yaml:"confirm_deadline_ms,omitempty" json:"confirm_deadline_ms,omitempty"`
	ConfirmPollMs     int    `yaml:"confirm_poll_ms,omitempty" json:"confirm_poll_ms,omitempty"`
	RatePerMinute     int    `yaml:"rate_per_minute,omitempty" json:"rate_per_minute,omitempty"`
}

// JobsConfig tunes the executor loop and stuck-job classification.
type JobsConfig struct {
	BatchLimit     int            `yaml:"batch_limit,omitempty" json:"batch_limit,omitempty"`
	PollIntervalMs int            `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`
	RetryBackoffMs int            `yaml:"retry_backoff_ms,omitempty" json:"retry_backoff_ms,omitempty"`
	TTLsMs         map[string]int `yaml:"ttls_ms,omitempty" json:"ttls_ms,omitempty"`
}

// ArtifactsConfig selects the certificate storage backend.
type ArtifactsConfig struct {
	Backend  string `yaml:"backend" json:"backend"` // "fs" | "s3"
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// DefaultProfile returns a profile with every default applied, used when no
// profile file is configured.
func DefaultProfile() *Profile {
	p := &Profile{Name: "default", Code: "default"}
	p.TSA.URLs = []string{"https://freetsa.org/tsr"}
	p.Anchors.Polygon.GatewayURL = "http://localhost:9090"
	p.Anchors.Bitcoin.GatewayURL = "http://localhost:9091"
	p.applyDefaults()
	return p
}

// LoadProfileFile loads a profile from an explicit YAML path.
func LoadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if profile.Code == "" {
		base := filepath.Base(path)
		profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
	}

	profile.applyDefaults()
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		profile, err := LoadProfileFile(path)
		if err != nil {
			return nil, err
		}
		profiles[profile.Code] = profile
	}

	return profiles, nil
}

func (p *Profile) applyDefaults() {
	if p.TSA.TimeoutMs == 0 {
		p.TSA.TimeoutMs = 10_000
	}
	for _, n := range []*NetworkConfig{&p.Anchors.Polygon, &p.Anchors.Bitcoin} {
		if n.ConfirmDeadlineMs == 0 {
			n.ConfirmDeadlineMs = 60_000
		}
		if n.ConfirmPollMs == 0 {
			n.ConfirmPollMs = 5_000
		}
		if n.RatePerMinute == 0 {
			n.RatePerMinute = 30
		}
	}
	if p.Jobs.BatchLimit == 0 {
		p.Jobs.BatchLimit = 10
	}
	if p.Jobs.PollIntervalMs == 0 {
		p.Jobs.PollIntervalMs = 2_000
	}
	if p.Jobs.RetryBackoffMs == 0 {
		p.Jobs.RetryBackoffMs = 30_000
	}
	if p.Artifacts.Backend == "" {
		p.Artifacts.Backend = "fs"
	}
	if p.Artifacts.Backend == "fs" && p.Artifacts.Dir == "" {
		p.Artifacts.Dir = "artifacts"
	}
}

// TSATimeout returns the TSA HTTP timeout as a duration.
func (p *Profile) TSATimeout() time.Duration {
	return time.Duration(p.TSA.TimeoutMs) * time.Millisecond
}

// PollInterval returns the executor claim interval as a duration.
func (c JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RetryBackoff returns the base retry delay as a duration.
func (c JobsConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// ConfirmDeadline returns the confirmation wait ceiling as a duration.
func (c NetworkConfig) ConfirmDeadline() time.Duration {
	return time.Duration(c.ConfirmDeadlineMs) * time.Millisecond
}

// ConfirmPoll returns the receipt polling interval as a duration.
func (c NetworkConfig) ConfirmPoll() time.Duration {
	return time.Duration(c.ConfirmPollMs) * time.Millisecond
}
