// Package config provides configuration management for appcontrol.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for appcontrol.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Ansible       AnsibleConfig       `mapstructure:"ansible"`
	Orchestrators OrchestratorsConfig `mapstructure:"orchestrators"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AnsibleConfig holds playbook runner and worker pool configuration.
type AnsibleConfig struct {
	// PlaybookCommand is the external runner binary (default: ansible-playbook).
	PlaybookCommand string `mapstructure:"playbookCommand"`

	// DefaultUpdatePlaybook is used when neither the instance, its group nor
	// its catalog entry declares a playbook.
	DefaultUpdatePlaybook string `mapstructure:"defaultUpdatePlaybook"`

	// DockerUpdatePlaybook is the per-type fallback for docker instances.
	DockerUpdatePlaybook string `mapstructure:"dockerUpdatePlaybook"`

	// NightRestartPlaybook overrides the resolved playbook in night-restart mode.
	NightRestartPlaybook string `mapstructure:"nightRestartPlaybook"`

	// ActionPlaybook runs start/stop/restart tasks.
	ActionPlaybook string `mapstructure:"actionPlaybook"`

	WorkerPoolSize           int  `mapstructure:"workerPoolSize"`
	ProgressRetentionSeconds int  `mapstructure:"progressRetentionSeconds"`
	KillGraceSeconds         int  `mapstructure:"killGraceSeconds"`
	TaskTimeoutSeconds       int  `mapstructure:"taskTimeoutSeconds"` // 0 = unbounded
	PerServerSerial          bool `mapstructure:"perServerSerial"`
	RequeueIdempotent        bool `mapstructure:"requeueIdempotent"`
}

// OrchestratorsConfig points at the orchestrator playbook catalog file.
type OrchestratorsConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProgressRetention returns the progress retention as a time.Duration.
func (a *AnsibleConfig) ProgressRetention() time.Duration {
	return time.Duration(a.ProgressRetentionSeconds) * time.Second
}

// KillGrace returns the subprocess kill grace window as a time.Duration.
func (a *AnsibleConfig) KillGrace() time.Duration {
	return time.Duration(a.KillGraceSeconds) * time.Second
}

// TaskTimeout returns the per-task timeout as a time.Duration (0 = none).
func (a *AnsibleConfig) TaskTimeout() time.Duration {
	return time.Duration(a.TaskTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("APPCONTROL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./appcontrol.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "appcontrol")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "appcontrol")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "appcontrol")
	v.SetDefault("nats.maxReconnects", 10)

	// Ansible defaults
	v.SetDefault("ansible.playbookCommand", "ansible-playbook")
	v.SetDefault("ansible.defaultUpdatePlaybook", "/etc/ansible/update-app.yml")
	v.SetDefault("ansible.dockerUpdatePlaybook", "/etc/ansible/docker-update-app.yml")
	v.SetDefault("ansible.nightRestartPlaybook", "/etc/ansible/night-restart.yml")
	v.SetDefault("ansible.actionPlaybook", "/etc/ansible/manage-app.yml")
	v.SetDefault("ansible.workerPoolSize", 4)
	v.SetDefault("ansible.progressRetentionSeconds", 60)
	v.SetDefault("ansible.killGraceSeconds", 10)
	v.SetDefault("ansible.taskTimeoutSeconds", 0)
	v.SetDefault("ansible.perServerSerial", false)
	v.SetDefault("ansible.requeueIdempotent", false)

	// Orchestrator catalog defaults - empty path disables the catalog check
	v.SetDefault("orchestrators.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix APPCONTROL_ followed by the key path
// with dots replaced by underscores; camelCase keys are not split (for example
// APPCONTROL_SERVER_READTIMEOUT), except for the explicitly bound aliases.
// Config file should be named config.yaml and placed in the current directory
// or /etc/appcontrol/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("APPCONTROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the historical flat env vars.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config
	// key naming.
	_ = v.BindEnv("ansible.workerPoolSize", "WORKER_POOL_SIZE", "APPCONTROL_ANSIBLE_WORKER_POOL_SIZE")
	_ = v.BindEnv("ansible.defaultUpdatePlaybook", "DEFAULT_UPDATE_PLAYBOOK", "APPCONTROL_ANSIBLE_DEFAULT_UPDATE_PLAYBOOK")
	_ = v.BindEnv("ansible.dockerUpdatePlaybook", "DOCKER_UPDATE_PLAYBOOK", "APPCONTROL_ANSIBLE_DOCKER_UPDATE_PLAYBOOK")
	_ = v.BindEnv("ansible.nightRestartPlaybook", "NIGHT_RESTART_PLAYBOOK", "APPCONTROL_ANSIBLE_NIGHT_RESTART_PLAYBOOK")
	_ = v.BindEnv("ansible.progressRetentionSeconds", "TASK_PROGRESS_RETENTION_SECONDS", "APPCONTROL_ANSIBLE_PROGRESS_RETENTION_SECONDS")
	_ = v.BindEnv("ansible.killGraceSeconds", "SUBPROCESS_KILL_GRACE_SECONDS", "APPCONTROL_ANSIBLE_KILL_GRACE_SECONDS")
	_ = v.BindEnv("logging.level", "APPCONTROL_LOG_LEVEL")
	_ = v.BindEnv("database.path", "APPCONTROL_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/appcontrol/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite driver")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Ansible.WorkerPoolSize <= 0 {
		errs = append(errs, "ansible.workerPoolSize must be positive")
	}
	if cfg.Ansible.KillGraceSeconds < 0 {
		errs = append(errs, "ansible.killGraceSeconds must not be negative")
	}
	if cfg.Ansible.ProgressRetentionSeconds < 0 {
		errs = append(errs, "ansible.progressRetentionSeconds must not be negative")
	}
	if cfg.Ansible.DefaultUpdatePlaybook == "" {
		errs = append(errs, "ansible.defaultUpdatePlaybook is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
