package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	defaultDBPath           = "tracker.db"
	defaultBroker           = "tcp://localhost:1883"
	defaultTopic            = "assignment/location"
	defaultQoS              = 1
	defaultConnectTimeout   = 10 * time.Second
	defaultPort             = 8080
	defaultTrackWindow      = 5
	defaultSummaryDays      = 30
	defaultEventQueueSize   = 256
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultTimezoneLocation = "Local"
)

// Config holds runtime configuration for the tracker service.
type Config struct {
	// DatabaseURL selects the Postgres backend when set; otherwise SQLite at DBPath is used.
	DatabaseURL string `validate:"omitempty,url"`
	DBPath      string `validate:"required_without=DatabaseURL"`

	MQTTBroker         string        `validate:"required,url"`
	MQTTTopic          string        `validate:"required"`
	MQTTClientID       string        `validate:"required,max=128"`
	MQTTQoS            int           `validate:"min=0,max=2"`
	MQTTConnectTimeout time.Duration `validate:"gt=0"`

	Port        int    `validate:"min=1,max=65535"`
	BearerToken string

	TrackWindowMinutes int    `validate:"min=1"`
	SummaryDefaultDays int    `validate:"min=1"`
	Timezone           string `validate:"required"`
	EventQueueSize     int    `validate:"min=1"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	location *time.Location
}

// Load reads configuration from environment variables (optionally envFile).
func Load(envFile string) (Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile) // ignore missing file
	}

	cfg := Config{
		DBPath:             defaultDBPath,
		MQTTBroker:         defaultBroker,
		MQTTTopic:          defaultTopic,
		MQTTQoS:            defaultQoS,
		MQTTConnectTimeout: defaultConnectTimeout,
		Port:               defaultPort,
		TrackWindowMinutes: defaultTrackWindow,
		SummaryDefaultDays: defaultSummaryDays,
		Timezone:           defaultTimezoneLocation,
		EventQueueSize:     defaultEventQueueSize,
		LogLevel:           defaultLogLevel,
		LogFormat:          defaultLogFormat,
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if v := strings.TrimSpace(os.Getenv("TRACKER_DB_PATH")); v != "" {
		cfg.DBPath = v
	}

	if v := strings.TrimSpace(os.Getenv("MQTT_BROKER")); v != "" {
		cfg.MQTTBroker = v
	}
	if v := strings.TrimSpace(os.Getenv("MQTT_TOPIC")); v != "" {
		cfg.MQTTTopic = v
	}
	cfg.MQTTClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "tracker-" + uuid.NewString()
	}

	var err error
	if cfg.MQTTQoS, err = intEnv("MQTT_QOS", cfg.MQTTQoS); err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(os.Getenv("MQTT_CONNECT_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MQTT_CONNECT_TIMEOUT: %w", err)
		}
		cfg.MQTTConnectTimeout = d
	}

	if os.Getenv("PORT") != "" {
		if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
			return cfg, err
		}
	} else if cfg.Port, err = intEnv("API_PORT", cfg.Port); err != nil {
		return cfg, err
	}
	cfg.BearerToken = strings.TrimSpace(os.Getenv("API_BEARER_TOKEN"))

	if cfg.TrackWindowMinutes, err = intEnv("TRACK_WINDOW_MINUTES", cfg.TrackWindowMinutes); err != nil {
		return cfg, err
	}
	if cfg.SummaryDefaultDays, err = intEnv("SUMMARY_DEFAULT_DAYS", cfg.SummaryDefaultDays); err != nil {
		return cfg, err
	}
	if cfg.EventQueueSize, err = intEnv("EVENT_QUEUE_SIZE", cfg.EventQueueSize); err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(os.Getenv("TRACKER_TIMEZONE")); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and resolves the configured timezone.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TRACKER_TIMEZONE: %w", err)
	}
	c.location = loc
	return nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Location is the zone used to render and interpret telemetry timestamps.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// UsePostgres reports whether DATABASE_URL points at a Postgres server.
func (c Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// SlogLevel maps LogLevel onto slog levels.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %s", key, v)
	}
	return n, nil
}
