package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:          8080,
			Address:       "0.0.0.0",
			PublicBaseURL: "http://10.0.0.5:8080",
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/audio-assurance",
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			FFmpegPath: "ffmpeg",
		},
		Recording: ChannelConfig{
			MergePolicy:   "channel-join",
			DecodeTimeout: 60,
			StaleTimeout:  600,
		},
		Monitoring: ChannelConfig{
			MergePolicy:   "overlay-mix",
			Denoise:       true,
			DecodeTimeout: 60,
			StaleTimeout:  600,
		},
		Coordinator: CoordinatorConfig{
			StaleTimeout: 1800,
		},
		Transcription: TranscriptionConfig{
			Endpoint:      "https://api.example.com/v1/audio/transcriptions",
			APIKey:        "test-key",
			Model:         "whisper-1",
			Timeout:       60,
			MaxRetries:    2,
			MaxConcurrent: 4,
		},
		Comparison: ComparisonConfig{
			Endpoint:   "https://api.example.com/v1/chat/completions",
			APIKey:     "test-key",
			Model:      "gpt-4o-mini",
			Timeout:    60,
			MaxRetries: 2,
		},
		Pipeline: PipelineConfig{
			FetchTimeout:      30,
			RunTimeout:        600,
			WaitingResetDelay: 10,
		},
		Notify: NotifyConfig{
			Mode: "loopback",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(*Config) {},
		},
		{
			name:     "invalid server port",
			mutate:   func(c *Config) { c.Server.Port = 70000 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:     "missing public base url",
			mutate:   func(c *Config) { c.Server.PublicBaseURL = "" },
			errorMsg: "public_base_url cannot be empty",
		},
		{
			name:     "missing data dir",
			mutate:   func(c *Config) { c.Storage.DataDir = "" },
			errorMsg: "data_dir cannot be empty",
		},
		{
			name:     "unsupported sample rate",
			mutate:   func(c *Config) { c.Audio.SampleRate = 4000 },
			errorMsg: "sample_rate must be between 8000 and 48000",
		},
		{
			name:     "unknown merge policy",
			mutate:   func(c *Config) { c.Recording.MergePolicy = "stereo" },
			errorMsg: "unknown merge policy",
		},
		{
			name:     "missing transcription api key",
			mutate:   func(c *Config) { c.Transcription.APIKey = "" },
			errorMsg: "api_key cannot be empty",
		},
		{
			name:     "missing comparison model",
			mutate:   func(c *Config) { c.Comparison.Model = "" },
			errorMsg: "model cannot be empty",
		},
		{
			name:     "http notify without endpoint",
			mutate:   func(c *Config) { c.Notify.Mode = "http"; c.Notify.Endpoint = "" },
			errorMsg: "endpoint cannot be empty in http mode",
		},
		{
			name:     "unknown notify mode",
			mutate:   func(c *Config) { c.Notify.Mode = "carrier-pigeon" },
			errorMsg: "mode must be 'loopback' or 'http'",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *Config) { c.Logging.Level = "trace" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected valid config, got error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error to contain %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	configYAML := `
server:
  port: 8080
  address: "0.0.0.0"
  public_base_url: "http://10.0.0.5:8080"
storage:
  data_dir: "/var/lib/audio-assurance"
audio:
  sample_rate: 16000
  ffmpeg_path: "ffmpeg"
recording:
  merge_policy: "channel-join"
  decode_timeout: 60
  stale_timeout: 600
monitoring:
  merge_policy: "overlay-mix"
  denoise: true
  decode_timeout: 60
  stale_timeout: 600
coordinator:
  stale_timeout: 1800
transcription:
  endpoint: "https://api.example.com/v1/audio/transcriptions"
  api_key: "${TEST_STT_KEY}"
  model: "whisper-1"
  timeout: 60
  max_retries: 2
  max_concurrent: 4
comparison:
  endpoint: "https://api.example.com/v1/chat/completions"
  api_key: "static-key"
  model: "gpt-4o-mini"
  timeout: 60
  max_retries: 2
pipeline:
  fetch_timeout: 30
  run_timeout: 600
  waiting_reset_delay: 10
notify:
  mode: "loopback"
logging:
  level: "info"
  format: "json"
  output: "stdout"
`

	t.Setenv("TEST_STT_KEY", "expanded-secret")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Transcription.APIKey != "expanded-secret" {
		t.Errorf("expected env-expanded api key, got %q", cfg.Transcription.APIKey)
	}
	if cfg.Monitoring.MergePolicy != "overlay-mix" || !cfg.Monitoring.Denoise {
		t.Errorf("monitoring channel misparsed: %+v", cfg.Monitoring)
	}
}

func TestConfigLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		errorMsg string
	}{
		{
			name:     "invalid YAML syntax",
			yaml:     "server:\n  port: [not a number",
			errorMsg: "failed to parse",
		},
		{
			name:     "missing required fields",
			yaml:     "server:\n  port: 8080\n",
			errorMsg: "address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			_, err := Load(configPath)
			if err == nil {
				t.Fatal("expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error to contain %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	if _, err := Load("nonexistent.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestDurationHelpers(t *testing.T) {
	channel := ChannelConfig{DecodeTimeout: 60, StaleTimeout: 600}
	if channel.GetDecodeTimeoutDuration() != time.Minute {
		t.Errorf("expected 60s, got %v", channel.GetDecodeTimeoutDuration())
	}
	if channel.GetStaleTimeoutDuration() != 10*time.Minute {
		t.Errorf("expected 600s, got %v", channel.GetStaleTimeoutDuration())
	}

	pipeline := PipelineConfig{FetchTimeout: 30, RunTimeout: 600, WaitingResetDelay: 10}
	if pipeline.GetFetchTimeoutDuration() != 30*time.Second {
		t.Errorf("expected 30s, got %v", pipeline.GetFetchTimeoutDuration())
	}
	if pipeline.GetRunTimeoutDuration() != 10*time.Minute {
		t.Errorf("expected 600s, got %v", pipeline.GetRunTimeoutDuration())
	}
	if pipeline.GetWaitingResetDelayDuration() != 10*time.Second {
		t.Errorf("expected 10s, got %v", pipeline.GetWaitingResetDelayDuration())
	}
}
