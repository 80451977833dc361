package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// ErrMissing is returned by Require for unset variables.
var ErrMissing = errors.New("environment variable is required")

// Config holds the application configuration
type Config struct {
	HTTPAddr      string
	NATSURL       string
	DBConnStr     string
	RedisAddr     string
	MQTTBroker    string
	MQTTClientID  string
	Mode          types.Mode
	SimStart      time.Time
	FleetFile     string
	AutoRegister  bool
	OutputDir     string
	Sources       []string
	LogLevel      string
	LogFormat     string
	StatsInterval time.Duration
}

// Load loads the configuration from environment variables and .env file.
// Collaborators whose address is empty are disabled by the binaries.
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		NATSURL:       os.Getenv("NATS_URL"),
		DBConnStr:     os.Getenv("DB_CONN_STR"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		MQTTBroker:    os.Getenv("MQTT_BROKER"),
		MQTTClientID:  getenv("MQTT_CLIENT_ID", "asset-tracker"),
		Mode:          types.Mode(getenv("MODE", string(types.ModeDemo))),
		FleetFile:     os.Getenv("FLEET_FILE"),
		OutputDir:     getenv("OUTPUT_DIR", "./logs"),
		Sources:       splitList(os.Getenv("SOURCES")),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "json"),
		StatsInterval: time.Minute,
	}

	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("invalid MODE %q: must be %s or %s", cfg.Mode, types.ModeDemo, types.ModeRealtime)
	}

	if v := os.Getenv("SIM_START"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid SIM_START: %w", err)
		}
		cfg.SimStart = t.UTC()
	}

	if v := os.Getenv("AUTO_REGISTER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AUTO_REGISTER: %w", err)
		}
		cfg.AutoRegister = b
	}

	if v := os.Getenv("STATS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STATS_INTERVAL: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid STATS_INTERVAL: must be positive")
		}
		cfg.StatsInterval = d
	}

	return cfg, nil
}

// Require returns an error naming the first of the given variables that has
// no value.
func (c *Config) Require(names ...string) error {
	for _, name := range names {
		var set bool
		switch name {
		case "HTTP_ADDR":
			set = c.HTTPAddr != ""
		case "NATS_URL":
			set = c.NATSURL != ""
		case "DB_CONN_STR":
			set = c.DBConnStr != ""
		case "REDIS_ADDR":
			set = c.RedisAddr != ""
		case "MQTT_BROKER":
			set = c.MQTTBroker != ""
		case "FLEET_FILE":
			set = c.FleetFile != ""
		case "OUTPUT_DIR":
			set = c.OutputDir != ""
		case "SOURCES":
			set = len(c.Sources) > 0
		default:
			return fmt.Errorf("unknown configuration variable %s", name)
		}
		if !set {
			return fmt.Errorf("%s %w", name, ErrMissing)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
