package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration sourced from environment variables, with
// an optional YAML overrides file for the pipeline settings.
type Config struct {
	ListenAddr        string
	StorePath         string
	SinkKind          string // "log", "http", "kafka" or "clickhouse"
	SinkURL           string
	SinkTimeout       time.Duration
	KafkaBrokers      []string
	KafkaTopic        string
	ClickHouseDSN     string
	FlushInterval     time.Duration
	RetentionInterval time.Duration
	CORSAllowOrigins  []string
	Settings          Settings
	SettingsPath      string
}

type settingsFile struct {
	Analytics *Settings `yaml:"analytics"`
}

// Load parses process environment variables into a Config struct, applying
// defaults when unset.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:        getenv("TELEMETRY_ADDR", ":8080"),
		StorePath:         getenv("TELEMETRY_STORE_PATH", "telemetry.db"),
		SinkKind:          getenv("TELEMETRY_SINK", "log"),
		SinkURL:           os.Getenv("TELEMETRY_SINK_URL"),
		SinkTimeout:       durationDefault("TELEMETRY_SINK_TIMEOUT_MS", 5000),
		KafkaBrokers:      splitAndTrim(getenv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:        getenv("KAFKA_TOPIC_EVENTS", "telemetry.events"),
		ClickHouseDSN:     getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000?database=default&dial_timeout=5s&compress=true"),
		FlushInterval:     durationDefault("TELEMETRY_FLUSH_INTERVAL_MS", 30000),
		RetentionInterval: durationDefault("TELEMETRY_RETENTION_INTERVAL_MS", 24*60*60*1000),
		CORSAllowOrigins:  splitAndTrim(getenv("CORS_ALLOW_ORIGINS", "*")),
		Settings:          DefaultSettings(),
		SettingsPath:      os.Getenv("TELEMETRY_SETTINGS_PATH"),
	}

	if cfg.SettingsPath != "" {
		settings, err := loadSettingsFile(cfg.SettingsPath, cfg.Settings)
		if err != nil {
			return Config{}, fmt.Errorf("load settings file: %w", err)
		}
		cfg.Settings = settings
	}

	switch cfg.SinkKind {
	case "log", "kafka", "clickhouse":
	case "http":
		if cfg.SinkURL == "" {
			return Config{}, fmt.Errorf("TELEMETRY_SINK_URL required for http sink")
		}
	default:
		return Config{}, fmt.Errorf("unknown sink kind %q", cfg.SinkKind)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func durationDefault(key string, defMS int) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return time.Duration(defMS) * time.Millisecond
}

func loadSettingsFile(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	file := settingsFile{Analytics: &base}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Settings{}, err
	}
	if file.Analytics == nil {
		return base.Normalize(), nil
	}
	return file.Analytics.Normalize(), nil
}
