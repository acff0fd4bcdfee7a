package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WFSYNC_DOLPHIN_URL.
const EnvPrefix = "WFSYNC"

// Config holds the configuration for the sync service and its CLI.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Dolphin struct {
		URL         string        `mapstructure:"url"`
		Token       string        `mapstructure:"token"`
		ProjectName string        `mapstructure:"project_name"`
		TenantCode  string        `mapstructure:"tenant_code"`
		WorkerGroup string        `mapstructure:"worker_group"`
		Timeout     time.Duration `mapstructure:"timeout"`
		RateLimit   float64       `mapstructure:"rate_limit"`
		Burst       int           `mapstructure:"burst"`
		ClientTTL   time.Duration `mapstructure:"client_ttl"`
	} `mapstructure:"dolphin"`
	Sync struct {
		IngestMode      string `mapstructure:"ingest_mode"`
		DefaultOperator string `mapstructure:"default_operator"`
		Workers         int    `mapstructure:"workers"`
	} `mapstructure:"sync"`
	Server struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Log struct {
		Level      string `mapstructure:"level"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "wfsync")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "wfsync")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("dolphin.url", "http://localhost:12345/dolphinscheduler")
	v.SetDefault("dolphin.token", "")
	v.SetDefault("dolphin.project_name", "")
	v.SetDefault("dolphin.tenant_code", "default")
	v.SetDefault("dolphin.worker_group", "default")
	v.SetDefault("dolphin.timeout", 10*time.Second)
	v.SetDefault("dolphin.rate_limit", 0.0)
	v.SetDefault("dolphin.burst", 0)
	v.SetDefault("dolphin.client_ttl", 10*time.Minute)
	v.SetDefault("sync.ingest_mode", "export_shadow")
	v.SetDefault("sync.default_operator", "system")
	v.SetDefault("sync.workers", 0)
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

// LoadConfig loads .env, then config.yaml from the given path (or from . and
// ./config when path is empty), then WFSYNC_* environment overrides. A missing
// config file is not an error.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Dolphin.URL = strings.TrimRight(strings.TrimSpace(cfg.Dolphin.URL), "/")
	cfg.Sync.IngestMode = strings.ToLower(strings.TrimSpace(cfg.Sync.IngestMode))
	return &cfg, nil
}

// ConnString returns the Postgres URL of the db section.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=" + c.DB.SSLMode,
	}
	return u.String()
}

// ConnStringFromEnv builds a Postgres URL from DB_USERNAME, DB_PASSWORD,
// DB_HOST, DB_PORT and DB_NAME. It fails when any of them is unset.
func ConnStringFromEnv() (string, error) {
	keys := []string{"DB_USERNAME", "DB_PASSWORD", "DB_HOST", "DB_PORT", "DB_NAME"}
	vals := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		vals[k] = os.Getenv(k)
		if vals[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		vals["DB_USERNAME"], vals["DB_PASSWORD"], vals["DB_HOST"], vals["DB_PORT"], vals["DB_NAME"]), nil
}
