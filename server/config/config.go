package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from the YAML file,
// then environment variables, then flags, with later sources winning.
type Config struct {
	Listen string `yaml:"listen"`

	TLS struct {
		Disabled bool   `yaml:"disabled"`
		Cert     string `yaml:"cert"`
		Key      string `yaml:"key"`
	} `yaml:"tls"`

	DBPath string `yaml:"db_path"`

	JWT struct {
		Secret   string `yaml:"secret"`
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"jwt"`

	Display struct {
		Width     int  `yaml:"width"`
		Height    int  `yaml:"height"`
		KioskMode bool `yaml:"kiosk_mode"`
	} `yaml:"display"`
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Listen = "0.0.0.0:8443"
	cfg.DBPath = "signagehub.db"
	cfg.JWT.Issuer = "signagehub"
	cfg.JWT.Audience = "signagehub-admin"
	cfg.Display.Width = 1920
	cfg.Display.Height = 1080
	cfg.Display.KioskMode = true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SIGNAGEHUB_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SIGNAGEHUB_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SIGNAGEHUB_JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}

	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required (config jwt.secret or SIGNAGEHUB_JWT_SECRET)")
	}
	return cfg, nil
}
