package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the classpulse-engagement service configuration.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	DBEnabled bool           `yaml:"db_enabled"`
	Database  DatabaseConfig `yaml:"database"`
	Redis     struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Identity   IdentityConfig   `yaml:"identity"`
	Engagement EngagementConfig `yaml:"engagement"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// DatabaseConfig PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN builds a lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// IdentityConfig points at the identity service that verifies bearer tokens.
type IdentityConfig struct {
	BaseURL       string        `yaml:"base_url"`
	CacheTTL      time.Duration `yaml:"-"`
	CacheDisabled bool          `yaml:"cache_disabled"`
}

// UnmarshalYAML decodes the identity section, accepting cache_ttl in Go
// duration syntax ("5m").
func (c *IdentityConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL       string `yaml:"base_url"`
		CacheTTL      string `yaml:"cache_ttl"`
		CacheDisabled *bool  `yaml:"cache_disabled"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.BaseURL != "" {
		c.BaseURL = raw.BaseURL
	}
	if raw.CacheTTL != "" {
		d, err := time.ParseDuration(raw.CacheTTL)
		if err != nil {
			return fmt.Errorf("identity.cache_ttl: %w", err)
		}
		c.CacheTTL = d
	}
	if raw.CacheDisabled != nil {
		c.CacheDisabled = *raw.CacheDisabled
	}
	return nil
}

// EngagementConfig tunes the engagement accumulator.
type EngagementConfig struct {
	AttendanceThreshold float64       `yaml:"-"`
	FrameInterval       time.Duration `yaml:"-"`
	FrameTolerance      time.Duration `yaml:"-"`
	MetadataMaxInterval time.Duration `yaml:"-"`
	LiveActivityWindow  time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the engagement section. Intervals use Go duration
// syntax ("3s"); fields absent from the file keep their current values.
func (c *EngagementConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AttendanceThreshold *float64 `yaml:"attendance_threshold"`
		FrameInterval       string   `yaml:"frame_interval"`
		FrameTolerance      string   `yaml:"frame_tolerance"`
		MetadataMaxInterval string   `yaml:"metadata_max_interval"`
		LiveActivityWindow  string   `yaml:"live_activity_window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.AttendanceThreshold != nil {
		c.AttendanceThreshold = *raw.AttendanceThreshold
	}
	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"frame_interval", raw.FrameInterval, &c.FrameInterval},
		{"frame_tolerance", raw.FrameTolerance, &c.FrameTolerance},
		{"metadata_max_interval", raw.MetadataMaxInterval, &c.MetadataMaxInterval},
		{"live_activity_window", raw.LiveActivityWindow, &c.LiveActivityWindow},
	} {
		if f.in == "" {
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return fmt.Errorf("engagement.%s: %w", f.name, err)
		}
		*f.out = d
	}
	return nil
}

// MQTTConfig configures the optional attention-signal bridge (disabled by default).
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
}

// Load reads configuration from the environment, then overlays an optional
// YAML file named by CONFIG_FILE. Environment values act as defaults, so a
// file entry always wins.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// Default to true for local dev: if DB is unavailable the service falls
	// back to in-memory stores instead of refusing to start.
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "classpulse")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Identity.BaseURL = getEnv("IDENTITY_BASE_URL", "http://localhost:8081")
	cfg.Identity.CacheTTL = parseDuration(getEnv("IDENTITY_CACHE_TTL", "5m"), 5*time.Minute)
	cfg.Identity.CacheDisabled = getEnv("IDENTITY_CACHE_DISABLED", "false") == "true"

	cfg.Engagement.AttendanceThreshold = parseFloat(getEnv("ENGAGEMENT_THRESHOLD", "75"), 75)
	cfg.Engagement.FrameInterval = parseDuration(getEnv("ENGAGEMENT_FRAME_INTERVAL", "3s"), 3*time.Second)
	cfg.Engagement.FrameTolerance = parseDuration(getEnv("ENGAGEMENT_FRAME_TOLERANCE", "2s"), 2*time.Second)
	cfg.Engagement.MetadataMaxInterval = parseDuration(getEnv("ENGAGEMENT_METADATA_MAX_INTERVAL", "5s"), 5*time.Second)
	cfg.Engagement.LiveActivityWindow = parseDuration(getEnv("ENGAGEMENT_LIVE_WINDOW", "10s"), 10*time.Second)

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "classpulse-engagement")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "classpulse/signals/#")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engagement.AttendanceThreshold < 0 || c.Engagement.AttendanceThreshold > 100 {
		return fmt.Errorf("attendance threshold %.2f outside [0,100]", c.Engagement.AttendanceThreshold)
	}
	if c.Engagement.FrameInterval <= 0 || c.Engagement.MetadataMaxInterval <= 0 {
		return fmt.Errorf("engagement intervals must be positive")
	}
	if c.Engagement.FrameTolerance < 0 {
		return fmt.Errorf("frame tolerance must not be negative")
	}
	if c.Engagement.LiveActivityWindow <= 0 {
		return fmt.Errorf("live activity window must be positive")
	}
	return nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
