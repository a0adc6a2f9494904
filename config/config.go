// Package config loads the service configuration from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	LogLevel            string   `mapstructure:"LOG_LEVEL"`
	DBDriver            string   `mapstructure:"DB_DRIVER"`
	SQLitePath          string   `mapstructure:"SQLITE_PATH"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	HomeClinicID        string   `mapstructure:"HOME_CLINIC_ID"`
	DefaultCancelReason string   `mapstructure:"DEFAULT_CANCEL_REASON"`
	AuditKafkaBrokers   []string `mapstructure:"AUDIT_KAFKA_BROKERS"`
	AuditKafkaTopic     string   `mapstructure:"AUDIT_KAFKA_TOPIC"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DB_DRIVER", "SQLITE_PATH", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "HOME_CLINIC_ID", "DEFAULT_CANCEL_REASON",
	"AUDIT_KAFKA_BROKERS", "AUDIT_KAFKA_TOPIC", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "pncase.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("HOME_CLINIC_ID", "CL001")
	v.SetDefault("DEFAULT_CANCEL_REASON", "Cancelled by system")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "pncase-audit")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind explicitly so Unmarshal picks up env-only keys.
	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AuditKafkaBrokers = splitList(cfg.AuditKafkaBrokers, v.GetString("AUDIT_KAFKA_BROKERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalises a comma separated value that may or may not have
// been decoded into a slice already.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 0 && raw != "" {
		decoded = strings.Split(raw, ",")
	}
	var out []string
	for _, s := range decoded {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// AuditKafkaEnabled reports whether audit entries are published to Kafka.
func (c *Config) AuditKafkaEnabled() bool {
	return len(c.AuditKafkaBrokers) > 0 && c.AuditKafkaTopic != ""
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DB_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if strings.TrimSpace(c.HomeClinicID) == "" {
		return fmt.Errorf("HOME_CLINIC_ID is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
