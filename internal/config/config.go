package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Query     QueryConfig    `mapstructure:"query"`
	Metadata  MetadataConfig `mapstructure:"metadata"`
	Audit     AuditConfig    `mapstructure:"audit"`
	Log       LogConfig      `mapstructure:"log"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// QueryConfig bounds list pagination.
type QueryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// MetadataConfig points at the declarative entity and permission files.
// With Source "db" entity definitions are read from the _entities table and
// EntitiesPath is ignored.
type MetadataConfig struct {
	Source          string `mapstructure:"source"` // file or db
	EntitiesPath    string `mapstructure:"entities_path"`
	PermissionsPath string `mapstructure:"permissions_path"`
}

type AuditConfig struct {
	Sink            string `mapstructure:"sink"` // db or redis
	Workers         int    `mapstructure:"workers"`
	BufferSize      int    `mapstructure:"buffer_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisKey        string `mapstructure:"redis_key"`
	RetentionDays   int    `mapstructure:"retention_days"` // 0 keeps records forever
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		if d.Name == ":memory:" {
			return d.Name
		}
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "workorders")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("query.default_limit", 25)
	v.SetDefault("query.max_limit", 100)
	v.SetDefault("metadata.source", "file")
	v.SetDefault("metadata.entities_path", "./config/entities.yaml")
	v.SetDefault("metadata.permissions_path", "./config/permissions.yaml")
	v.SetDefault("audit.sink", "db")
	v.SetDefault("audit.workers", 4)
	v.SetDefault("audit.buffer_size", 200)
	v.SetDefault("audit.flush_interval_ms", 250)
	v.SetDefault("audit.redis_addr", "localhost:6379")
	v.SetDefault("audit.redis_key", "audit:records")
	v.SetDefault("audit.retention_days", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt_secret", "changeme-secret")
}

// Load reads app.yaml (when present), a local .env file and the environment.
// Environment variables override file values, e.g. DATABASE_HOST.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFrom(".", "../..")
}

// LoadFrom is Load without the .env step, searching only the given
// directories for app.yaml.
func LoadFrom(dirs ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Query.MaxLimit < 1 {
		return nil, fmt.Errorf("query.max_limit must be positive, got %d", cfg.Query.MaxLimit)
	}
	switch cfg.Metadata.Source {
	case "file", "db":
	default:
		return nil, fmt.Errorf("metadata.source must be file or db, got %q", cfg.Metadata.Source)
	}
	switch cfg.Audit.Sink {
	case "db", "redis":
	default:
		return nil, fmt.Errorf("audit.sink must be db or redis, got %q", cfg.Audit.Sink)
	}
	if cfg.Query.DefaultLimit < 1 || cfg.Query.DefaultLimit > cfg.Query.MaxLimit {
		cfg.Query.DefaultLimit = cfg.Query.MaxLimit
	}

	return &cfg, nil
}
