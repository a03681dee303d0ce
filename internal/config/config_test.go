package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %v, want localhost", cfg.Database.Host)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Cache.Backend = %v, want memory", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache.TTL = %v, want 5m", cfg.Cache.TTL)
	}
	if cfg.Analytics.MinObservations != 30 {
		t.Errorf("Analytics.MinObservations = %d, want 30", cfg.Analytics.MinObservations)
	}
	if cfg.Analytics.StrongCorrThreshold != 0.7 {
		t.Errorf("Analytics.StrongCorrThreshold = %v, want 0.7", cfg.Analytics.StrongCorrThreshold)
	}
	if cfg.Analytics.VarianceThreshold != 0.95 {
		t.Errorf("Analytics.VarianceThreshold = %v, want 0.95", cfg.Analytics.VarianceThreshold)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration must validate, got %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("ANALYTICS_MIN_OBSERVATIONS", "50")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Database.Host = %v, want db.internal", cfg.Database.Host)
	}
	if cfg.Cache.Backend != "redis" {
		t.Errorf("Cache.Backend = %v, want redis", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want 30s", cfg.Cache.TTL)
	}
	if cfg.Analytics.MinObservations != 50 {
		t.Errorf("Analytics.MinObservations = %d, want 50", cfg.Analytics.MinObservations)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(*Config) {}, false},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, true},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, true},
		{"missing db name", func(c *Config) { c.Database.Database = "" }, true},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, true},
		{"cache disabled ignores ttl", func(c *Config) { c.Cache.Backend = "none"; c.Cache.TTL = 0 }, false},
		{"non-positive cache ttl", func(c *Config) { c.Cache.TTL = 0 }, true},
		{"min observations too small", func(c *Config) { c.Analytics.MinObservations = 1 }, true},
		{"variance threshold above one", func(c *Config) { c.Analytics.VarianceThreshold = 1.5 }, true},
		{"anomaly percentile at bound", func(c *Config) { c.Analytics.AnomalyPercentile = 1.0 }, true},
		{"zero window workers", func(c *Config) { c.Analytics.WindowWorkers = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
