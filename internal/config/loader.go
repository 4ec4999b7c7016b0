package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "ROOMCHAT"
	envConfigDefaultPath = envPrefix + "_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load resolves the config file, creating it from Default when absent, and
// returns the merged configuration with the path it came from.
// Precedence: defaults < config file < ROOMCHAT_* env vars. Command line
// overrides are applied afterwards by the caller with UpdateFrom.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	cfg := Default()
	path := resolveConfigPath(explicitPath)

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaultValues(cfg) {
		v.SetDefault(key, value)
	}

	if err := readConfig(v, path, cfg, logger); err != nil {
		return cfg, path, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, path, nil
}

// readConfig reads path into v. A missing file is replaced by the defaults;
// if that cannot be written the server still starts on defaults and env vars.
func readConfig(v *viper.Viper, path string, cfg Config, logger *zerolog.Logger) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		return nil
	case !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read config: %w", err)
	}

	if err := writeDefaultConfig(path, cfg); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to write default config")
		return nil
	}
	logger.Info().Str("path", path).Msg("created default config")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read default config: %w", err)
	}
	return nil
}

// defaultValues lists every key so env vars resolve even when the file omits them.
func defaultValues(cfg Config) map[string]any {
	return map[string]any{
		"addr":              cfg.Addr,
		"http_addr":         cfg.HTTPAddr,
		"read_timeout":      cfg.ReadTimeout,
		"write_timeout":     cfg.WriteTimeout,
		"idle_timeout":      cfg.IdleTimeout,
		"reap_interval":     cfg.ReapInterval,
		"shutdown_timeout":  cfg.ShutdownTimeout,
		"history_capacity":  cfg.HistoryCapacity,
		"outbound_queue":    cfg.OutboundQueue,
		"max_auth_attempts": cfg.MaxAuthAttempts,
		"admin_login":       cfg.AdminLogin,
		"admin_password":    cfg.AdminPassword,
		"database_path":     cfg.DatabasePath,
		"token_secret":      cfg.TokenSecret,
		"token_ttl":         cfg.TokenTTL,
		"log_level":         cfg.LogLevel,
	}
}

// resolveConfigPath picks the explicit path, then ROOMCHAT_CONFIG_DEFAULT_PATH
// as a directory, then the working directory.
func resolveConfigPath(explicitPath string) string {
	switch {
	case explicitPath != "":
		return explicitPath
	case os.Getenv(envConfigDefaultPath) != "":
		dir := os.Getenv(envConfigDefaultPath)
		if os.MkdirAll(dir, 0o755) == nil {
			return filepath.Join(dir, defaultConfigName)
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, defaultConfigName)
	}
	return defaultConfigName
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
