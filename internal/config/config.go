package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Registry   RegistryConfig   `yaml:"registry"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Upload     UploadConfig     `yaml:"upload"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Processors ProcessorsConfig `yaml:"processors"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// RegistryConfig bounds the in-memory job registry
type RegistryConfig struct {
	MaxJobs int `yaml:"max_jobs"`
}

// ExecutorConfig holds the async executor pool settings
type ExecutorConfig struct {
	Concurrency int           `yaml:"concurrency"`
	QueueSize   int           `yaml:"queue_size"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
}

// IngestConfig bounds untrusted archive extraction
type IngestConfig struct {
	MaxFilesInZip       int   `yaml:"max_files_in_zip"`
	MaxExtractionSize   int64 `yaml:"max_extraction_size"`
	MaxCompressionRatio int   `yaml:"max_compression_ratio"`
}

// UploadConfig bounds a single multipart request
type UploadConfig struct {
	MaxFiles    int   `yaml:"max_files"`
	MaxFileSize int64 `yaml:"max_file_size"`
}

// ArtifactsConfig holds result artifact retention settings
type ArtifactsConfig struct {
	Dir           string        `yaml:"dir"`
	WorkDir       string        `yaml:"work_dir"`
	ResultTTL     time.Duration `yaml:"result_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProcessorsConfig holds category processor endpoints. An empty URL leaves
// that category without a processor.
type ProcessorsConfig struct {
	ImageURL       string        `yaml:"image_url"`
	SignalURL      string        `yaml:"signal_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RateLimitConfig holds the per-client request budget. Zero calls disables
// limiting.
type RateLimitConfig struct {
	Calls         int `yaml:"calls"`
	PeriodSeconds int `yaml:"period_seconds"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Registry.MaxJobs <= 0 {
		return fmt.Errorf("registry max_jobs must be greater than 0")
	}

	if c.Executor.Concurrency <= 0 {
		return fmt.Errorf("executor concurrency must be greater than 0")
	}

	if c.Executor.QueueSize <= 0 {
		return fmt.Errorf("executor queue_size must be greater than 0")
	}

	if c.Executor.JobTimeout <= 0 {
		return fmt.Errorf("executor job_timeout must be greater than 0")
	}

	if c.Ingest.MaxFilesInZip <= 0 {
		return fmt.Errorf("ingest max_files_in_zip must be greater than 0")
	}

	if c.Ingest.MaxExtractionSize <= 0 {
		return fmt.Errorf("ingest max_extraction_size must be greater than 0")
	}

	if c.Ingest.MaxCompressionRatio <= 0 {
		return fmt.Errorf("ingest max_compression_ratio must be greater than 0")
	}

	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload max_file_size must be greater than 0")
	}

	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts dir is required")
	}

	if c.Artifacts.ResultTTL <= 0 {
		return fmt.Errorf("artifacts result_ttl must be greater than 0")
	}

	return nil
}
