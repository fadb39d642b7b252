// Package config loads the rail server configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Engine    EngineConfig    `yaml:"engine"`
	Router    RouterConfig    `yaml:"router"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Limits    LimitsConfig    `yaml:"limits"`
	Storage   StorageConfig   `yaml:"storage"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
	MaxObservers   int      `yaml:"max_observers"`
	GraceSeconds   int      `yaml:"grace_seconds"`
}

type AuthConfig struct {
	Required    bool   `yaml:"required"`
	AdminSecret string `yaml:"admin_secret"`
}

type EngineConfig struct {
	Coupling            float64 `yaml:"coupling"`
	KMin                float64 `yaml:"k_min"`
	KMax                float64 `yaml:"k_max"`
	TickIntervalMs      int     `yaml:"tick_interval_ms"`
	CoherenceThreshold  float64 `yaml:"coherence_threshold"`
	GroupthinkThreshold float64 `yaml:"groupthink_threshold"`
	CrossModelFactor    float64 `yaml:"cross_model_factor"`
}

type RouterConfig struct {
	LoadWeight      float64 `yaml:"load_weight"`
	CoherenceWeight float64 `yaml:"coherence_weight"`
	SemanticWeight  float64 `yaml:"semantic_weight"`
	Temperature     float64 `yaml:"temperature"`
}

type FirewallConfig struct {
	Profile string `yaml:"profile"`
}

type LimitsConfig struct {
	JoinPerMinute      int `yaml:"join_per_minute"`
	MessagesPerSecond  int `yaml:"messages_per_second"`
	BroadcastPerSecond int `yaml:"broadcast_per_second"`
}

type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	RetainMessages int    `yaml:"retain_messages"`
}

type BroadcastConfig struct {
	MetadataIntervalMs int `yaml:"metadata_interval_ms"`
	FullSnapshotEvery  int `yaml:"full_snapshot_every"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8787",
			MaxConnections: 200,
			MaxObservers:   50,
			GraceSeconds:   5,
		},
		Auth: AuthConfig{Required: true},
		Limits: LimitsConfig{
			JoinPerMinute:      5,
			MessagesPerSecond:  100,
			BroadcastPerSecond: 10,
		},
		Storage: StorageConfig{
			DataDir:        "./data",
			RetainMessages: 100_000,
		},
	}
}

// Load reads the YAML file at path, then applies environment overrides. A
// missing file is not an error; defaults plus the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			decoder := yaml.NewDecoder(f)
			if err := decoder.Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("RAIL_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("RAIL_ADMIN_SECRET"); v != "" {
		c.Auth.AdminSecret = v
	}
	if v := os.Getenv("RAIL_AUTH_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.Required = b
		}
	}
	if v := os.Getenv("RAIL_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	if v := os.Getenv("RAIL_FIREWALL_PROFILE"); v != "" {
		c.Firewall.Profile = v
	}
}
