package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadNameServer reads a name server config file. An empty path returns the
// defaults.
func LoadNameServer(path string) (NameServerConfig, error) {
	cfg := DefaultNameServer()
	if path == "" {
		return cfg, nil
	}
	if err := loadInto(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, ValidateNameServer(cfg)
}

// LoadChatServer reads a chat server config file. An empty path returns the
// defaults.
func LoadChatServer(path string) (ChatServerConfig, error) {
	cfg := DefaultChatServer()
	if path == "" {
		return cfg, nil
	}
	if err := loadInto(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, ValidateChatServer(cfg)
}

// LoadClient reads a client config file. An empty path returns the
// defaults.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClient()
	if path == "" {
		return cfg, nil
	}
	if err := loadInto(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, ValidateClient(cfg)
}

func loadInto(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ValidateNameServer rejects impossible listen settings.
func ValidateNameServer(cfg NameServerConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	return nil
}

// ValidateChatServer rejects settings the server cannot start with.
func ValidateChatServer(cfg ChatServerConfig) error {
	if cfg.DNSPort <= 0 || cfg.DNSPort > 65535 {
		return fmt.Errorf("%w: dns_port %d out of range", ErrInvalidConfig, cfg.DNSPort)
	}
	if cfg.URI == "" {
		return fmt.Errorf("%w: uri must not be empty", ErrInvalidConfig)
	}
	if cfg.MinUserCount < 0 {
		return fmt.Errorf("%w: min_user_count must not be negative", ErrInvalidConfig)
	}
	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		return fmt.Errorf("%w: server_port %d out of range", ErrInvalidConfig, cfg.ServerPort)
	}
	if cfg.MigrateInterval != "" {
		if _, err := time.ParseDuration(cfg.MigrateInterval); err != nil {
			return fmt.Errorf("%w: migrate_interval %q: %v", ErrInvalidConfig, cfg.MigrateInterval, err)
		}
	}
	return nil
}

// MigrateIntervalDuration parses the configured interval; zero when unset.
// ValidateChatServer has already rejected unparseable values.
func (c ChatServerConfig) MigrateIntervalDuration() time.Duration {
	if c.MigrateInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.MigrateInterval)
	if err != nil {
		return 0
	}
	return d
}

// ValidateClient rejects settings the client cannot connect with.
func ValidateClient(cfg ClientConfig) error {
	if cfg.DNSPort <= 0 || cfg.DNSPort > 65535 {
		return fmt.Errorf("%w: dns_port %d out of range", ErrInvalidConfig, cfg.DNSPort)
	}
	if cfg.URI == "" {
		return fmt.Errorf("%w: uri must not be empty", ErrInvalidConfig)
	}
	return nil
}
