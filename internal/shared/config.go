package shared

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

const (
	EnvSpotifyClientID     = "ARTISTSYNC_SPOTIFY_CLIENT_ID"
	EnvSpotifyClientSecret = "ARTISTSYNC_SPOTIFY_CLIENT_SECRET"
	EnvTicketmasterAPIKey  = "ARTISTSYNC_TICKETMASTER_API_KEY"
)

// Job modes understood by the scheduler.
const (
	JobModeFull    = "full"
	JobModeLight   = "light"
	JobModeCleanup = "cleanup"
)

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Log         LogConfig         `toml:"log"`
	Credentials CredentialsConfig `toml:"credentials"`
	Database    DatabaseConfig    `toml:"database"`
	Server      ServerConfig      `toml:"server"`
	Importer    ImporterConfig    `toml:"importer"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Events      EventsConfig      `toml:"events"`
}

// LogConfig controls log verbosity and the TUI log file.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// CredentialsConfig contains service-specific credentials.
type CredentialsConfig struct {
	Spotify      SpotifyConfig      `toml:"spotify"`
	Ticketmaster TicketmasterConfig `toml:"ticketmaster"`
}

// SpotifyConfig contains Spotify Web API client credentials.
type SpotifyConfig struct {
	ClientID          string  `toml:"client_id"`
	ClientSecret      string  `toml:"client_secret"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TicketmasterConfig contains Ticketmaster Discovery API credentials.
type TicketmasterConfig struct {
	APIKey            string  `toml:"api_key"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ImporterConfig controls the on-demand import path.
//
// Durations are stored as strings (e.g. "30m") and parsed by the accessor methods,
// which fall back to defaults on empty or malformed values.
type ImporterConfig struct {
	StatusBackend  string      `toml:"status_backend"`
	StaleAfter     string      `toml:"stale_after"`
	AliasTTL       string      `toml:"alias_ttl"`
	MaxRunDuration string      `toml:"max_run_duration"`
	QueueSize      int         `toml:"queue_size"`
	Workers        int         `toml:"workers"`
	Retention      string      `toml:"retention"`
	Retry          RetryConfig `toml:"retry"`
}

// RetryConfig controls transient failure retries inside a step.
type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelay   string  `toml:"base_delay"`
	Multiplier  float64 `toml:"multiplier"`
	MaxDelay    string  `toml:"max_delay"`
}

// SchedulerConfig controls recurring batch jobs.
type SchedulerConfig struct {
	BatchSize         int         `toml:"batch_size"`
	Workers           int         `toml:"workers"`
	RequestsPerSecond float64     `toml:"requests_per_second"`
	Freshness         string      `toml:"freshness"`
	Jobs              []JobConfig `toml:"jobs"`
}

// JobConfig declares one recurring job.
type JobConfig struct {
	Name     string `toml:"name"`
	Schedule string `toml:"schedule"`
	Mode     string `toml:"mode"`
	Enabled  bool   `toml:"enabled"`
}

// EventsConfig controls publishing of status transitions to Kafka.
type EventsConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

func (c ImporterConfig) StaleAfterDuration() time.Duration {
	return parseDuration(c.StaleAfter, 30*time.Minute)
}

func (c ImporterConfig) AliasTTLDuration() time.Duration {
	return parseDuration(c.AliasTTL, 15*time.Minute)
}

func (c ImporterConfig) MaxRunDurationValue() time.Duration {
	return parseDuration(c.MaxRunDuration, 10*time.Minute)
}

func (c ImporterConfig) RetentionDuration() time.Duration {
	return parseDuration(c.Retention, 24*time.Hour)
}

func (c RetryConfig) BaseDelayDuration() time.Duration {
	return parseDuration(c.BaseDelay, 500*time.Millisecond)
}

func (c RetryConfig) MaxDelayDuration() time.Duration {
	return parseDuration(c.MaxDelay, 10*time.Second)
}

func (c SchedulerConfig) FreshnessDuration() time.Duration {
	return parseDuration(c.Freshness, 24*time.Hour)
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	if c.Importer.MaxRunDurationValue() >= c.Importer.StaleAfterDuration() {
		return fmt.Errorf("%w: importer.max_run_duration must be below importer.stale_after", ErrInvalidConfig)
	}

	switch c.Importer.StatusBackend {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown importer.status_backend %q", ErrInvalidConfig, c.Importer.StatusBackend)
	}

	seen := make(map[string]bool, len(c.Scheduler.Jobs))
	for _, job := range c.Scheduler.Jobs {
		if job.Name == "" {
			return fmt.Errorf("%w: scheduler job without a name", ErrInvalidConfig)
		}
		if seen[job.Name] {
			return fmt.Errorf("%w: duplicate scheduler job %q", ErrInvalidConfig, job.Name)
		}
		seen[job.Name] = true

		switch job.Mode {
		case JobModeFull, JobModeLight, JobModeCleanup:
		default:
			return fmt.Errorf("%w: job %q has unknown mode %q", ErrInvalidConfig, job.Name, job.Mode)
		}
	}
	return nil
}

// ApplyEnv overrides credentials with values from the environment when set.
func (c *Config) ApplyEnv() {
	c.Credentials.Spotify.ClientID = GetEnvStr(EnvSpotifyClientID, c.Credentials.Spotify.ClientID)
	c.Credentials.Spotify.ClientSecret = GetEnvStr(EnvSpotifyClientSecret, c.Credentials.Spotify.ClientSecret)
	c.Credentials.Ticketmaster.APIKey = GetEnvStr(EnvTicketmasterAPIKey, c.Credentials.Ticketmaster.APIKey)
}

// GetEnvStr returns the trimmed value of key, or defaultValue if unset or blank.
func GetEnvStr(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Values missing from the file keep the embedded defaults; environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	defaultJobs := config.Scheduler.Jobs
	// Jobs are replaced wholesale rather than merged element by element.
	config.Scheduler.Jobs = nil

	md, err := toml.Decode(string(data), config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !md.IsDefined("scheduler", "jobs") {
		config.Scheduler.Jobs = defaultJobs
	}
	config.ApplyEnv()

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
