package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Server.StaticDir != "/opt/tapebackarr/static" {
		t.Errorf("expected static_dir /opt/tapebackarr/static, got %s", cfg.Server.StaticDir)
	}

	if cfg.Pipeline.DefaultDevice != "/dev/nst0" {
		t.Errorf("expected device /dev/nst0, got %s", cfg.Pipeline.DefaultDevice)
	}

	if cfg.Pipeline.BlockSize != 1048576 {
		t.Errorf("expected block size 1048576, got %d", cfg.Pipeline.BlockSize)
	}

	if cfg.Pipeline.CompressionMethod != "pgzip" {
		t.Errorf("expected compression method pgzip, got %s", cfg.Pipeline.CompressionMethod)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/non/existent/path.json")
	if err != nil {
		t.Fatalf("expected no error for non-existent file, got %v", err)
	}

	// Should return default config
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Auth.JWTSecret = "test-secret"

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", loaded.Server.Port)
	}

	if loaded.Auth.JWTSecret != "test-secret" {
		t.Errorf("expected jwt secret 'test-secret', got %s", loaded.Auth.JWTSecret)
	}
}

func TestDefaultConfigScanFields(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Pipeline.UseScanMultithread {
		t.Error("expected UseScanMultithread to default to true")
	}
	if cfg.Pipeline.ScanMethod != "concurrent" {
		t.Errorf("expected ScanMethod concurrent, got %s", cfg.Pipeline.ScanMethod)
	}
	if cfg.Pipeline.ScanThreads <= 0 {
		t.Errorf("expected positive ScanThreads, got %d", cfg.Pipeline.ScanThreads)
	}
}

func TestSaveAndLoadPipelineConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Pipeline.CompressionMethod = "zstd"
	cfg.Pipeline.MaxArchiveSize = 5000000000

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Pipeline.CompressionMethod != "zstd" {
		t.Errorf("expected compression method zstd, got %s", loaded.Pipeline.CompressionMethod)
	}
	if loaded.Pipeline.MaxArchiveSize != 5000000000 {
		t.Errorf("expected max archive size 5000000000, got %d", loaded.Pipeline.MaxArchiveSize)
	}
}
