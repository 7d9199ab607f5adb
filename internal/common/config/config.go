// Package config provides configuration management for Testerman.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Testerman daemons.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	TACS     TACSConfig     `mapstructure:"tacs"`
	Docroot  DocrootConfig  `mapstructure:"docroot"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	TE       TEConfig       `mapstructure:"te"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the Testerman server (Ws/Xc/Il) listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Name         string `mapstructure:"name"`         // advertised server name
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// TACSConfig holds the agent controller broker configuration.
type TACSConfig struct {
	Host         string `mapstructure:"host"`
	IaPort       int    `mapstructure:"iaPort"`       // northbound (clients, TE, server)
	XaPort       int    `mapstructure:"xaPort"`       // southbound (agents)
	ProxyTimeout int    `mapstructure:"proxyTimeout"` // proxied transaction timeout, in seconds
	Docroot      string `mapstructure:"docroot"`      // served to agents via GET
}

// DocrootConfig holds the document root layout.
type DocrootConfig struct {
	Path string `mapstructure:"path"`
}

// JobsConfig holds the job subsystem configuration.
type JobsConfig struct {
	SchedulerInterval int    `mapstructure:"schedulerInterval"` // readiness poll, in seconds
	StateDir          string `mapstructure:"stateDir"`          // job store location
	SessionMergeMode  string `mapstructure:"sessionMergeMode"`  // strict | loose
}

// TEConfig holds test executable build and supervision configuration.
type TEConfig struct {
	Runtime           string            `mapstructure:"runtime"`     // process | docker
	Interpreter       string            `mapstructure:"interpreter"` // executable running the TE artefact
	InterpreterArgs   []string          `mapstructure:"interpreterArgs"`
	TemplatePath      string            `mapstructure:"templatePath"` // TE main-module template
	APITemplates      map[string]string `mapstructure:"apiTemplates"` // language API -> template file
	CheckCommand      []string          `mapstructure:"checkCommand"` // TE checker argv; "{}" expands to the TE file
	SourceExtensions  []string          `mapstructure:"sourceExtensions"`
	PackageInit       string            `mapstructure:"packageInit"` // init file touched in staged package directories
	DockerImage       string            `mapstructure:"dockerImage"`
	ExtraPaths        []string          `mapstructure:"extraPaths"` // appended to the TE module search path
	LogMaxPayloadSize int               `mapstructure:"logMaxPayloadSize"`
}

// DatabaseConfig holds the job store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 | pgx
	Path     string `mapstructure:"path"`   // sqlite file, relative to jobs.stateDir when not absolute
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// ProxyTimeoutDuration returns the proxied transaction timeout as a time.Duration.
func (t *TACSConfig) ProxyTimeoutDuration() time.Duration {
	return time.Duration(t.ProxyTimeout) * time.Second
}

// SchedulerIntervalDuration returns the scheduler poll interval as a time.Duration.
func (j *JobsConfig) SchedulerIntervalDuration() time.Duration {
	return time.Duration(j.SchedulerInterval) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.name", "testerman")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// TACS defaults
	v.SetDefault("tacs.host", "0.0.0.0")
	v.SetDefault("tacs.iaPort", 8087)
	v.SetDefault("tacs.xaPort", 40000)
	v.SetDefault("tacs.proxyTimeout", 10)
	v.SetDefault("tacs.docroot", "/var/lib/testerman")

	// Document root defaults
	v.SetDefault("docroot.path", "/var/lib/testerman")

	// Job subsystem defaults
	v.SetDefault("jobs.schedulerInterval", 1)
	v.SetDefault("jobs.stateDir", "/var/lib/testerman/state")
	v.SetDefault("jobs.sessionMergeMode", "loose")

	// TE defaults
	v.SetDefault("te.runtime", "process")
	v.SetDefault("te.interpreter", "/usr/bin/env")
	v.SetDefault("te.interpreterArgs", []string{"python"})
	v.SetDefault("te.templatePath", "")
	v.SetDefault("te.apiTemplates", map[string]string{})
	v.SetDefault("te.checkCommand", []string{})
	v.SetDefault("te.sourceExtensions", []string{".py"})
	v.SetDefault("te.packageInit", "__init__.py")
	v.SetDefault("te.dockerImage", "")
	v.SetDefault("te.extraPaths", []string{})
	v.SetDefault("te.logMaxPayloadSize", 65536)

	// Database defaults - sqlite file in the state dir
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "jobs.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "testerman")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "testerman")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "testerman")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TESTERMAN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/testerman/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TESTERMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/testerman/")

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
	if cfg.TACS.IaPort <= 0 || cfg.TACS.IaPort > 65535 {
		errs = append(errs, "tacs.iaPort must be between 1 and 65535")
	}
	if cfg.TACS.XaPort <= 0 || cfg.TACS.XaPort > 65535 {
		errs = append(errs, "tacs.xaPort must be between 1 and 65535")
	}
	if cfg.TACS.ProxyTimeout <= 0 {
		errs = append(errs, "tacs.proxyTimeout must be positive")
	}
	if cfg.Jobs.SchedulerInterval <= 0 {
		errs = append(errs, "jobs.schedulerInterval must be positive")
	}
	switch cfg.Jobs.SessionMergeMode {
	case "strict", "loose":
	default:
		errs = append(errs, "jobs.sessionMergeMode must be one of: strict, loose")
	}

	switch cfg.TE.Runtime {
	case "process", "docker":
	default:
		errs = append(errs, "te.runtime must be one of: process, docker")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
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

// Variables flattens the effective configuration into a name -> value map,
// as served by the getVariables operations on the server and the broker.
func (c *Config) Variables() map[string]interface{} {
	return map[string]interface{}{
		"server.host":            c.Server.Host,
		"server.port":            c.Server.Port,
		"server.name":            c.Server.Name,
		"tacs.host":              c.TACS.Host,
		"tacs.iaPort":            c.TACS.IaPort,
		"tacs.xaPort":            c.TACS.XaPort,
		"tacs.proxyTimeout":      c.TACS.ProxyTimeout,
		"docroot.path":           c.Docroot.Path,
		"jobs.schedulerInterval": c.Jobs.SchedulerInterval,
		"jobs.stateDir":          c.Jobs.StateDir,
		"jobs.sessionMergeMode":  c.Jobs.SessionMergeMode,
		"te.runtime":             c.TE.Runtime,
		"te.interpreter":         c.TE.Interpreter,
		"te.logMaxPayloadSize":   c.TE.LogMaxPayloadSize,
		"database.driver":        c.Database.Driver,
		"nats.url":               c.NATS.URL,
		"logging.level":          c.Logging.Level,
		"logging.format":         c.Logging.Format,
	}
}
