package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sidelinehq/sideline/go/internal/models"
)

// Config is the device agent configuration. The YAML file is optional;
// anything missing falls back to environment variables and defaults.
type Config struct {
	Device struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Role string `yaml:"role"`
	} `yaml:"device"`

	User struct {
		Identity string `yaml:"identity"`
	} `yaml:"user"`

	// GameID preselects the game to coordinate. Optional.
	GameID string `yaml:"game_id"`

	// DataDir holds the local trust store.
	DataDir string `yaml:"data_dir"`

	// ListenPort binds the peer pairing listener in recorder mode. Zero
	// picks an ephemeral port.
	ListenPort int `yaml:"listen_port"`

	// StatusPort serves the HTTP status endpoints.
	StatusPort string `yaml:"status_port"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	// PollInterval is the document poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig() (*Config, error) {
	var config Config

	path := getEnv("SIDELINE_CONFIG", "sideline.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if config.Device.ID == "" {
		config.Device.ID = getEnv("SIDELINE_DEVICE_ID", "")
	}
	if config.Device.Name == "" {
		config.Device.Name = getEnv("SIDELINE_DEVICE_NAME", hostnameOr("sideline-device"))
	}
	if config.Device.Role == "" {
		config.Device.Role = getEnv("SIDELINE_ROLE", "")
	}
	if config.User.Identity == "" {
		config.User.Identity = getEnv("SIDELINE_USER", "")
	}
	if config.GameID == "" {
		config.GameID = getEnv("SIDELINE_GAME_ID", "")
	}
	if config.DataDir == "" {
		config.DataDir = getEnv("SIDELINE_DATA_DIR", ".")
	}
	if config.ListenPort == 0 {
		config.ListenPort = getEnvAsInt("SIDELINE_LISTEN_PORT", 0)
	}
	if config.StatusPort == "" {
		config.StatusPort = getEnv("PORT", "8080")
	}
	if config.NATS.URL == "" {
		config.NATS.URL = getEnv("NATS_URL", "nats://localhost:4222")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}

	if config.Device.ID == "" {
		return nil, fmt.Errorf("device id is required (device.id or SIDELINE_DEVICE_ID)")
	}
	role := models.Role(config.Device.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("device role must be %s or %s, got %q",
			models.RoleController, models.RoleRecorder, config.Device.Role)
	}

	return &config, nil
}

func (c *Config) Role() models.Role {
	return models.Role(c.Device.Role)
}

func (c *Config) Self() models.PeerIdentity {
	return models.PeerIdentity{ID: c.Device.ID, DisplayName: c.Device.Name}
}

func hostnameOr(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}
