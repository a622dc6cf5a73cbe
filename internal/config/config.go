package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sefaz     SefazConfig     `mapstructure:"sefaz"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// AllowedOrigins lists browser origins allowed to call the API; empty
	// disables CORS headers.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Tracing  bool   `mapstructure:"tracing"`
}

// RedisConfig holds the optional redis used to serialise cycles across replicas
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Enabled reports whether a redis address was configured
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Cron         string        `mapstructure:"cron"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
	Autostart    bool          `mapstructure:"autostart"`
}

// SefazConfig holds the tax authority distribution service settings
type SefazConfig struct {
	ProductionURL string        `mapstructure:"production_url"`
	SandboxURL    string        `mapstructure:"sandbox_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxPages      int           `mapstructure:"max_pages"`
	PageDelay     time.Duration `mapstructure:"page_delay"`

	// CABundle is an optional PEM file with the roots that sign the tax
	// authority endpoints; the system pool is used when empty.
	CABundle string `mapstructure:"ca_bundle"`
}

// NotifyConfig holds the Gmail settings used to notify the finance team
type NotifyConfig struct {
	Recipient    string `mapstructure:"recipient"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	UserEmail    string `mapstructure:"user_email"`
}

// GmailEnabled reports whether Gmail credentials are complete
func (c NotifyConfig) GmailEnabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != "" && c.UserEmail != ""
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from .env, environment variables and config file
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded environment from .env")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("error binding environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "15m")

	// hourly, on the hour
	v.SetDefault("scheduler.cron", "0 0 * * * *")
	v.SetDefault("scheduler.cycle_timeout", "10m")
	v.SetDefault("scheduler.autostart", true)

	v.SetDefault("sefaz.production_url", "https://www1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx")
	v.SetDefault("sefaz.sandbox_url", "https://hom1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx")
	v.SetDefault("sefaz.timeout", "30s")
	v.SetDefault("sefaz.max_pages", 20)
	v.SetDefault("sefaz.page_delay", "2s")

	v.SetDefault("log.level", "info")
}

func bindEnvVars(v *viper.Viper) error {
	bindings := map[string]string{
		"server.port":            "SERVER_PORT",
		"server.read_timeout":    "SERVER_READ_TIMEOUT",
		"server.write_timeout":   "SERVER_WRITE_TIMEOUT",
		"server.allowed_origins": "CORS_ALLOWED_ORIGINS",

		"database.host":     "DB_HOST",
		"database.port":     "DB_PORT",
		"database.user":     "DB_USER",
		"database.password": "DB_PASSWORD",
		"database.dbname":   "DB_NAME",
		"database.tracing":  "DB_TRACING",

		"redis.addr":     "REDIS_ADDR",
		"redis.password": "REDIS_PASSWORD",
		"redis.db":       "REDIS_DB",
		"redis.lock_ttl": "REDIS_LOCK_TTL",

		"scheduler.cron":          "SCHEDULER_CRON",
		"scheduler.cycle_timeout": "SCHEDULER_CYCLE_TIMEOUT",
		"scheduler.autostart":     "SCHEDULER_AUTOSTART",

		"sefaz.production_url": "SEFAZ_PRODUCTION_URL",
		"sefaz.sandbox_url":    "SEFAZ_SANDBOX_URL",
		"sefaz.timeout":        "SEFAZ_TIMEOUT",
		"sefaz.max_pages":      "SEFAZ_MAX_PAGES",
		"sefaz.page_delay":     "SEFAZ_PAGE_DELAY",
		"sefaz.ca_bundle":      "SEFAZ_CA_BUNDLE",

		"notify.recipient":     "NOTIFY_RECIPIENT",
		"notify.client_id":     "GMAIL_CLIENT_ID",
		"notify.client_secret": "GMAIL_CLIENT_SECRET",
		"notify.refresh_token": "GMAIL_REFRESH_TOKEN",
		"notify.user_email":    "GMAIL_USER_EMAIL",

		"log.level": "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.Scheduler.Cron); err != nil {
		return fmt.Errorf("invalid scheduler cron %q: %w", c.Scheduler.Cron, err)
	}

	if c.Scheduler.CycleTimeout <= 0 {
		return fmt.Errorf("scheduler cycle timeout must be greater than 0")
	}

	if c.Sefaz.ProductionURL == "" || c.Sefaz.SandboxURL == "" {
		return fmt.Errorf("sefaz production and sandbox URLs are required")
	}

	if c.Sefaz.Timeout <= 0 {
		return fmt.Errorf("sefaz timeout must be greater than 0")
	}

	if c.Sefaz.MaxPages <= 0 {
		return fmt.Errorf("sefaz max pages must be greater than 0")
	}

	if c.Redis.Enabled() && c.Redis.LockTTL < c.Scheduler.CycleTimeout {
		return fmt.Errorf("redis lock ttl must not be shorter than the cycle timeout")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	return nil
}
