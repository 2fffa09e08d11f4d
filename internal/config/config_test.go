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
			Port:                  8080,
			BindAddress:           "0.0.0.0",
			ReadBufferSize:        65536,
			MaxConcurrentSessions: 1000,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    8081,
			Address: "0.0.0.0",
		},
		Audio: AudioConfig{
			DefaultCodec: "ulaw",
			SampleRate:   8000,
			Channels:     1,
			PtimeMS:      20,
		},
		Storage: StorageConfig{
			RecordingsDir: "./recordings",
			CapturesDir:   "./captures",
			RawCapture:    false,
		},
		Forward: ForwardConfig{
			Enabled:   true,
			QueueSize: 1024,
			Workers:   4,
		},
		Transcription: TranscriptionConfig{
			Enabled:       true,
			Endpoint:      "https://api.example.com/transcribe",
			APIKey:        "test-key",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			OutputFormat:  "json",
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
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "empty bind address",
			mutate:      func(c *Config) { c.Server.BindAddress = "" },
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
		{
			name:        "invalid sample rate",
			mutate:      func(c *Config) { c.Audio.SampleRate = 16000 },
			expectError: true,
			errorMsg:    "sample_rate must be 8000 Hz",
		},
		{
			name:        "invalid default codec",
			mutate:      func(c *Config) { c.Audio.DefaultCodec = "opus" },
			expectError: true,
			errorMsg:    "default_codec must be 'ulaw' or 'alaw'",
		},
		{
			name:        "empty recordings dir",
			mutate:      func(c *Config) { c.Storage.RecordingsDir = "" },
			expectError: true,
			errorMsg:    "recordings_dir cannot be empty",
		},
		{
			name: "raw capture without captures dir",
			mutate: func(c *Config) {
				c.Storage.RawCapture = true
				c.Storage.CapturesDir = ""
			},
			expectError: true,
			errorMsg:    "captures_dir cannot be empty",
		},
		{
			name:        "forward queue size zero",
			mutate:      func(c *Config) { c.Forward.QueueSize = 0 },
			expectError: true,
			errorMsg:    "queue_size must be at least 1",
		},
		{
			name: "disabled forward skips validation",
			mutate: func(c *Config) {
				c.Forward.Enabled = false
				c.Forward.QueueSize = 0
			},
			expectError: false,
		},
		{
			name:        "transcription without endpoint",
			mutate:      func(c *Config) { c.Transcription.Endpoint = "" },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name: "disabled transcription skips validation",
			mutate: func(c *Config) {
				c.Transcription.Enabled = false
				c.Transcription.Endpoint = ""
			},
			expectError: false,
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  port: 8080
  bind_address: "0.0.0.0"
  read_buffer_size: 65536
  max_concurrent_sessions: 1000
http:
  enabled: true
  port: 8081
  address: "0.0.0.0"
audio:
  default_codec: "ulaw"
  sample_rate: 8000
  channels: 1
  ptime_ms: 20
storage:
  recordings_dir: "./recordings"
  captures_dir: "./captures"
  raw_capture: false
forward:
  enabled: false
transcription:
  enabled: false
logging:
  level: "info"
  format: "json"
  output: "stdout"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: 8080
  read_buffer_size: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
server:
  port: 8080
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			cfg, err := Load(configPath)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if cfg == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestTimeoutDuration(t *testing.T) {
	transcription := TranscriptionConfig{Timeout: 30}
	if transcription.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", transcription.GetTimeoutDuration())
	}
}
