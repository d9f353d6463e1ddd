package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Logging       LoggingConfig       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	Notifications NotificationsConfig `json:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	StaticDir string `json:"static_dir"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// PipelineConfig holds enumeration, compression, and staging configuration
// for the backup pipeline.
type PipelineConfig struct {
	// Enumeration
	ScanMethod             string `json:"scan_method"` // "sequential" or "concurrent"
	UseScanMultithread     bool   `json:"use_scan_multithread"`
	ScanThreads            int    `json:"scan_threads"`
	ScanBatchSize          int    `json:"scan_batch_size"`
	ScanBatchSizeBytes     int64  `json:"scan_batch_size_bytes"`
	ScanUpdateInterval     int    `json:"scan_update_interval_ms"`
	ScanLogIntervalSeconds int    `json:"scan_log_interval_seconds"`

	// Archive construction
	MaxArchiveSize            int64  `json:"max_archive_size"`
	CompressionMethod          string `json:"compression_method"` // tar, pgzip, zstd, p7zip
	CompressionLevel           int    `json:"compression_level"`
	PgzipThreads               int    `json:"pgzip_threads"`
	PgzipBlockSize             int    `json:"pgzip_block_size"`
	ZstdThreads                int    `json:"zstd_threads"`
	ZstdWriteSize              int    `json:"zstd_write_size"`
	SevenZipPath               string `json:"seven_zip_path"`
	CompressionDictionarySize  int    `json:"compression_dictionary_size"`
	CompressionCommandThreads  int    `json:"compression_command_threads"`
	CompressDirectlyToTape     bool   `json:"compress_directly_to_tape"`

	// Disk / staging
	StagingDir          string `json:"staging_dir"`
	DiskCheckInterval   int    `json:"disk_check_interval_ms"`
	DiskCheckMaxRetries int    `json:"disk_check_max_retries"`

	// Tape
	TapeDriveLetter string `json:"tape_drive_letter"`
	MaxVolumeSize   int64  `json:"max_volume_size"`
	DefaultDevice   string `json:"default_device"`
	BlockSize       int    `json:"block_size"`
	WriteRetries    int    `json:"write_retries"`
	VerifyAfterWrite bool  `json:"verify_after_write"`

	RetentionDays int `json:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret       string `json:"jwt_secret"`
	TokenExpiration int    `json:"token_expiration"` // hours
	SessionTimeout  int    `json:"session_timeout"`  // minutes
}

// NotificationsConfig holds notification configuration.
type NotificationsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// EmailConfig holds SMTP email configuration.
type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	ToEmails   string `json:"to_emails"` // Comma-separated list
	UseTLS     bool   `json:"use_tls"`
	SkipVerify bool   `json:"skip_verify"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			StaticDir: "/opt/tapebackarr/static",
		},
		Database: DatabaseConfig{
			Path: "/var/lib/tapebackarr/tapebackarr.db",
		},
		Pipeline: PipelineConfig{
			ScanMethod:             "concurrent",
			UseScanMultithread:     true,
			ScanThreads:            16,
			ScanBatchSize:          500,
			ScanBatchSizeBytes:     67108864, // 64 MB
			ScanUpdateInterval:     1000,
			ScanLogIntervalSeconds: 30,

			MaxArchiveSize:            10737418240, // 10 GB
			CompressionMethod:         "pgzip",
			CompressionLevel:          6,
			PgzipThreads:              4,
			PgzipBlockSize:            1048576,
			ZstdThreads:               4,
			ZstdWriteSize:             1048576,
			SevenZipPath:              "7z",
			CompressionDictionarySize: 67108864,
			CompressionCommandThreads: 4,
			CompressDirectlyToTape:    false,

			StagingDir:          "/var/lib/tapebackarr/staging",
			DiskCheckInterval:   5000,
			DiskCheckMaxRetries: 12,

			TapeDriveLetter:  "",
			MaxVolumeSize:    2500000000000, // LTO-6 native
			DefaultDevice:    "/dev/nst0",
			BlockSize:        1048576,
			WriteRetries:     3,
			VerifyAfterWrite: true,

			RetentionDays: 365,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/tapebackarr/tapebackarr.log",
		},
		Auth: AuthConfig{
			JWTSecret:       "", // Must be set in config file
			TokenExpiration: 24,
			SessionTimeout:  60,
		},
		Notifications: NotificationsConfig{
			Telegram: TelegramConfig{
				Enabled:  false,
				BotToken: "",
				ChatID:   "",
			},
			Email: EmailConfig{
				Enabled:    false,
				SMTPHost:   "",
				SMTPPort:   587,
				Username:   "",
				Password:   "",
				FromEmail:  "",
				FromName:   "TapeBackarr",
				ToEmails:   "",
				UseTLS:     true,
				SkipVerify: false,
			},
		},
	}
}

// Load loads configuration from a JSON file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
