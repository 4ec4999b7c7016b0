package config

import (
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	HTTPAddr        string        `mapstructure:"http_addr" yaml:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval    time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	HistoryCapacity int           `mapstructure:"history_capacity" yaml:"history_capacity"`
	OutboundQueue   int           `mapstructure:"outbound_queue" yaml:"outbound_queue"`
	MaxAuthAttempts int           `mapstructure:"max_auth_attempts" yaml:"max_auth_attempts"`
	AdminLogin      string        `mapstructure:"admin_login" yaml:"admin_login"`
	AdminPassword   string        `mapstructure:"admin_password" yaml:"admin_password"`
	DatabasePath    string        `mapstructure:"database_path" yaml:"database_path"`
	TokenSecret     string        `mapstructure:"token_secret" yaml:"token_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:            ":7777",
		HTTPAddr:        ":8080",
		ReadTimeout:     time.Hour,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     30 * time.Minute,
		ReapInterval:    time.Minute,
		ShutdownTimeout: 5 * time.Second,
		HistoryCapacity: 100,
		OutboundQueue:   64,
		MaxAuthAttempts: 3,
		AdminLogin:      "admin",
		AdminPassword:   "admin",
		DatabasePath:    "roomchat.db",
		TokenSecret:     "change-me",
		TokenTTL:        24 * time.Hour,
		LogLevel:        "info",
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.HTTPAddr != "" {
		c.HTTPAddr = other.HTTPAddr
	}
	if other.ReadTimeout != 0 {
		c.ReadTimeout = other.ReadTimeout
	}
	if other.WriteTimeout != 0 {
		c.WriteTimeout = other.WriteTimeout
	}
	if other.IdleTimeout != 0 {
		c.IdleTimeout = other.IdleTimeout
	}
	if other.ReapInterval != 0 {
		c.ReapInterval = other.ReapInterval
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.HistoryCapacity != 0 {
		c.HistoryCapacity = other.HistoryCapacity
	}
	if other.OutboundQueue != 0 {
		c.OutboundQueue = other.OutboundQueue
	}
	if other.MaxAuthAttempts != 0 {
		c.MaxAuthAttempts = other.MaxAuthAttempts
	}
	if other.AdminLogin != "" {
		c.AdminLogin = other.AdminLogin
	}
	if other.AdminPassword != "" {
		c.AdminPassword = other.AdminPassword
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.TokenSecret != "" {
		c.TokenSecret = other.TokenSecret
	}
	if other.TokenTTL != 0 {
		c.TokenTTL = other.TokenTTL
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errMissing("addr")
	case c.HistoryCapacity <= 0:
		return errInvalid("history_capacity", "must be positive")
	case c.OutboundQueue <= 0:
		return errInvalid("outbound_queue", "must be positive")
	case c.MaxAuthAttempts <= 0:
		return errInvalid("max_auth_attempts", "must be positive")
	case c.ReapInterval <= 0:
		return errInvalid("reap_interval", "must be positive")
	case c.AdminLogin == "" || c.AdminPassword == "":
		return errMissing("admin_login/admin_password")
	}
	return nil
}

func errMissing(key string) error {
	return fmt.Errorf("config: %s is required", key)
}

func errInvalid(key, reason string) error {
	return fmt.Errorf("config: %s %s", key, reason)
}
