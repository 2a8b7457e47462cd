package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zxc88645/AudioAssuranceSystem/internal/audio"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Audio         AudioConfig         `yaml:"audio"`
	Recording     ChannelConfig       `yaml:"recording"`
	Monitoring    ChannelConfig       `yaml:"monitoring"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Comparison    ComparisonConfig    `yaml:"comparison"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Notify        NotifyConfig        `yaml:"notify"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`

	// PublicBaseURL is how peers reach this deployment's audio endpoint,
	// e.g. "http://10.0.0.5:8080". Used to build recording file URLs.
	PublicBaseURL string `yaml:"public_base_url"`
}

// StorageConfig contains durable storage configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	TempDir string `yaml:"temp_dir"`
}

// AudioConfig contains shared audio processing parameters
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// ChannelConfig contains per-capture-channel parameters
type ChannelConfig struct {
	MergePolicy   string `yaml:"merge_policy"`
	Denoise       bool   `yaml:"denoise"`
	DecodeTimeout int    `yaml:"decode_timeout"` // seconds
	StaleTimeout  int    `yaml:"stale_timeout"`  // seconds
}

// CoordinatorConfig contains rendezvous configuration
type CoordinatorConfig struct {
	StaleTimeout int `yaml:"stale_timeout"` // seconds
}

// TranscriptionConfig contains speech-to-text API configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ComparisonConfig contains transcript comparison API configuration
type ComparisonConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Timeout     int     `yaml:"timeout"` // seconds
	MaxRetries  int     `yaml:"max_retries"`
	Temperature float64 `yaml:"temperature"`
}

// PipelineConfig contains analysis pipeline configuration
type PipelineConfig struct {
	FetchTimeout      int `yaml:"fetch_timeout"`       // seconds
	RunTimeout        int `yaml:"run_timeout"`         // seconds
	WaitingResetDelay int `yaml:"waiting_reset_delay"` // seconds
}

// NotifyConfig selects how recording references reach the analysis side
type NotifyConfig struct {
	// Mode is "loopback" (single deployment) or "http" (peer deployment).
	Mode     string `yaml:"mode"`
	Endpoint string `yaml:"endpoint"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. Environment references in
// the file (${VAR}) are expanded before parsing, so secrets like API keys
// can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Monitoring.Validate(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Comparison.Validate(); err != nil {
		return fmt.Errorf("comparison config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.PublicBaseURL == "" {
		return fmt.Errorf("public_base_url cannot be empty")
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	return nil
}

// Validate validates channel configuration
func (c *ChannelConfig) Validate() error {
	if _, err := audio.ParsePolicy(c.MergePolicy); err != nil {
		return err
	}

	if c.DecodeTimeout < 1 {
		return fmt.Errorf("decode_timeout must be at least 1 second, got %d", c.DecodeTimeout)
	}

	if c.StaleTimeout < 0 {
		return fmt.Errorf("stale_timeout cannot be negative, got %d", c.StaleTimeout)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates comparison configuration
func (c *ComparisonConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if c.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if c.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", c.Temperature)
	}

	return nil
}

// Validate validates notify configuration
func (n *NotifyConfig) Validate() error {
	switch n.Mode {
	case "loopback":
	case "http":
		if n.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty in http mode")
		}
	default:
		return fmt.Errorf("mode must be 'loopback' or 'http', got '%s'", n.Mode)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetDecodeTimeoutDuration returns the decode timeout as a time.Duration
func (c *ChannelConfig) GetDecodeTimeoutDuration() time.Duration {
	return time.Duration(c.DecodeTimeout) * time.Second
}

// GetStaleTimeoutDuration returns the stale timeout as a time.Duration
func (c *ChannelConfig) GetStaleTimeoutDuration() time.Duration {
	return time.Duration(c.StaleTimeout) * time.Second
}

// GetStaleTimeoutDuration returns the rendezvous stale timeout as a time.Duration
func (c *CoordinatorConfig) GetStaleTimeoutDuration() time.Duration {
	return time.Duration(c.StaleTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the comparison timeout as a time.Duration
func (c *ComparisonConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetFetchTimeoutDuration returns the remote fetch timeout as a time.Duration
func (p *PipelineConfig) GetFetchTimeoutDuration() time.Duration {
	return time.Duration(p.FetchTimeout) * time.Second
}

// GetRunTimeoutDuration returns the analysis run timeout as a time.Duration
func (p *PipelineConfig) GetRunTimeoutDuration() time.Duration {
	return time.Duration(p.RunTimeout) * time.Second
}

// GetWaitingResetDelayDuration returns the progress reset delay as a time.Duration
func (p *PipelineConfig) GetWaitingResetDelayDuration() time.Duration {
	return time.Duration(p.WaitingResetDelay) * time.Second
}

// GetTimeoutDuration returns the notification timeout as a time.Duration
func (n *NotifyConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}
