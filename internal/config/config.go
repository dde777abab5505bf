package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	NATS        NATSConfig        `yaml:"nats"`
	Store       StoreConfig       `yaml:"store"`
	Files       FilesConfig       `yaml:"files"`
	Vault       VaultConfig       `yaml:"vault"`
	Web         WebConfig         `yaml:"web"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type PipelineConfig struct {
	MailboxCapacity int           `yaml:"mailbox_capacity"`
	HistoryCapacity int           `yaml:"history_capacity"`
	HistoryKeep     int           `yaml:"history_keep"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	ChunkSize       int           `yaml:"chunk_size"`
	ChunkOverlap    int           `yaml:"chunk_overlap"`
}

type NATSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type FilesConfig struct {
	UploadDir         string   `yaml:"upload_dir"`
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type MaintenanceConfig struct {
	Schedule     string        `yaml:"schedule"`
	Retention    time.Duration `yaml:"retention"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Pipeline: PipelineConfig{
			MailboxCapacity: 1000,
			HistoryCapacity: 10000,
			HistoryKeep:     5000,
			StopTimeout:     10 * time.Second,
			ChunkSize:       1000,
			ChunkOverlap:    200,
		},
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/docpipe.db",
		},
		Files: FilesConfig{
			UploadDir:         "data/uploads",
			MaxFileSize:       50 * 1024 * 1024,
			AllowedExtensions: []string{".txt", ".md", ".markdown", ".csv", ".json", ".html", ".htm", ".pdf", ".docx"},
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Maintenance: MaintenanceConfig{
			Schedule:     "0 3 * * *",
			Retention:    30 * 24 * time.Hour,
			PollInterval: time.Minute,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("DOCPIPE_CONFIG")
	if path == "" {
		path = "config/docpipe.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.MailboxCapacity <= 0 {
		return fmt.Errorf("pipeline.mailbox_capacity must be positive")
	}
	if c.Pipeline.HistoryKeep <= 0 || c.Pipeline.HistoryKeep >= c.Pipeline.HistoryCapacity {
		return fmt.Errorf("pipeline.history_keep must be between 1 and history_capacity-1")
	}
	if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		return fmt.Errorf("pipeline.chunk_overlap must be smaller than chunk_size")
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DOCPIPE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DOCPIPE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("DOCPIPE_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("DOCPIPE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("DOCPIPE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("DOCPIPE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("DOCPIPE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DOCPIPE_UPLOAD_DIR"); v != "" {
		cfg.Files.UploadDir = v
	}
	if v := os.Getenv("DOCPIPE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("DOCPIPE_MAILBOX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MailboxCapacity = n
		}
	}
}
