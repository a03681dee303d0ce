package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from defaults,
// then an optional YAML file (CONFIG_FILE), then environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// CacheConfig controls the observation query cache decorator.
// Backend is one of "none", "memory", "redis".
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	Size          int           `yaml:"size"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// AnalyticsConfig holds defaults for the analysis engines
type AnalyticsConfig struct {
	MinObservations      int     `yaml:"min_observations"`
	StrongCorrThreshold  float64 `yaml:"strong_corr_threshold"`
	PValueThreshold      float64 `yaml:"pvalue_threshold"`
	VarianceThreshold    float64 `yaml:"variance_threshold"`
	AnomalyPercentile    float64 `yaml:"anomaly_percentile"`
	WindowDays           int     `yaml:"window_days"`
	StepDays             int     `yaml:"step_days"`
	WindowWorkers        int     `yaml:"window_workers"`
	TopContributors      int     `yaml:"top_contributors"`
	BiplotScaleFactor    float64 `yaml:"biplot_scale_factor"`
	MaxObservationsFetch int     `yaml:"max_observations_fetch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by CONFIG_FILE, and environment variable overrides.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "weather_user",
			Password:        "weather_password",
			Database:        "weather_db",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			TTL:       5 * time.Minute,
			Size:      256,
			RedisAddr: "localhost:6379",
		},
		Analytics: AnalyticsConfig{
			MinObservations:      30,
			StrongCorrThreshold:  0.7,
			PValueThreshold:      0.05,
			VarianceThreshold:    0.95,
			AnomalyPercentile:    0.95,
			WindowDays:           30,
			StepDays:             7,
			WindowWorkers:        4,
			TopContributors:      3,
			BiplotScaleFactor:    3.0,
			MaxObservationsFetch: 500000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")

	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")
	setInt(&cfg.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	setInt(&cfg.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS")

	setString(&cfg.Cache.Backend, "CACHE_BACKEND")
	setDuration(&cfg.Cache.TTL, "CACHE_TTL")
	setInt(&cfg.Cache.Size, "CACHE_SIZE")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Cache.RedisDB, "REDIS_DB")

	setInt(&cfg.Analytics.MinObservations, "ANALYTICS_MIN_OBSERVATIONS")
	setInt(&cfg.Analytics.WindowWorkers, "ANALYTICS_WINDOW_WORKERS")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	switch c.Cache.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("invalid cache backend %q, expected none, memory, or redis", c.Cache.Backend)
	}
	if c.Cache.Backend != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Analytics.MinObservations < 2 {
		return fmt.Errorf("analytics min_observations must be at least 2, got %d", c.Analytics.MinObservations)
	}
	if c.Analytics.VarianceThreshold <= 0 || c.Analytics.VarianceThreshold > 1 {
		return fmt.Errorf("analytics variance_threshold must be in (0, 1], got %f", c.Analytics.VarianceThreshold)
	}
	if c.Analytics.AnomalyPercentile <= 0 || c.Analytics.AnomalyPercentile >= 1 {
		return fmt.Errorf("analytics anomaly_percentile must be in (0, 1), got %f", c.Analytics.AnomalyPercentile)
	}
	if c.Analytics.WindowWorkers < 1 {
		return fmt.Errorf("analytics window_workers must be at least 1, got %d", c.Analytics.WindowWorkers)
	}
	return nil
}
