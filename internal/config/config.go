package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the attribution pipeline
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Log         struct {
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"maxSizeMB"`
		MaxBackups int    `mapstructure:"maxBackups"`
		MaxAgeDays int    `mapstructure:"maxAgeDays"`
	} `mapstructure:"log"`
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Database struct {
		Driver      string `mapstructure:"driver"` // sqlite or postgres
		Path        string `mapstructure:"path"`   // sqlite file
		PostgresDSN string `mapstructure:"postgresDSN"`
		AutoMigrate bool   `mapstructure:"autoMigrate"`
	} `mapstructure:"database"`
	Facebook   FacebookConfig   `mapstructure:"facebook"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis struct {
		Addr     string        `mapstructure:"addr"` // empty means in-process locking
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		LockTTL  time.Duration `mapstructure:"lockTTL"`
	} `mapstructure:"redis"`
	Tenant struct {
		Default string `mapstructure:"default"`
	} `mapstructure:"tenant"`
}

// FacebookConfig holds the Graph and Conversions API settings
type FacebookConfig struct {
	AppID           string `mapstructure:"appID"`
	AppSecret       string `mapstructure:"appSecret"`
	AccessToken     string `mapstructure:"accessToken"`
	AdAccountID     string `mapstructure:"adAccountID"`
	PixelID         string `mapstructure:"pixelID"`
	GraphBaseURL    string `mapstructure:"graphBaseURL"`
	APIVersion      string `mapstructure:"apiVersion"`
	EventName       string `mapstructure:"eventName"`
	EventSourceURL  string `mapstructure:"eventSourceURL"`
	ClientIP        string `mapstructure:"clientIP"`
	ClientUserAgent string `mapstructure:"clientUserAgent"`
}

// UpstreamConfig holds HTTP timeouts, retry and rate limiting settings
type UpstreamConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	BaseBackoff    time.Duration `mapstructure:"baseBackoff"`
	RateLimit      time.Duration `mapstructure:"rateLimit"` // minimum spacing between requests per token
}

// EnrichmentConfig drives the enrichment worker and the serve scheduler
type EnrichmentConfig struct {
	BatchSize     int           `mapstructure:"batchSize"`
	StaleAfterRaw string        `mapstructure:"staleAfter"`
	StaleAfter    time.Duration `mapstructure:"-"`
	BatchTimeout  time.Duration `mapstructure:"batchTimeout"`
	Interval      time.Duration `mapstructure:"interval"`
	SeedOnMiss    bool          `mapstructure:"seedOnMiss"`
	Providers     []string      `mapstructure:"providers"`
	PoolSize      int           `mapstructure:"poolSize"`
}

// NATSConfig configures the optional click ingest consumer
type NATSConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	Stream     string        `mapstructure:"stream"`
	Subject    string        `mapstructure:"subject"`
	Consumer   string        `mapstructure:"consumer"` // durable name
	MaxAgeDays int           `mapstructure:"maxAgeDays"`
	MaxDeliver int           `mapstructure:"maxDeliver"`
	AckWait    time.Duration `mapstructure:"ackWait"`
	FetchWait  time.Duration `mapstructure:"fetchWait"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("log.maxSizeMB", 50)
	v.SetDefault("log.maxBackups", 5)
	v.SetDefault("log.maxAgeDays", 28)
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "fbclid_cache.db")
	v.SetDefault("database.autoMigrate", true)

	v.SetDefault("facebook.graphBaseURL", "https://graph.facebook.com")
	v.SetDefault("facebook.apiVersion", "v18.0")
	v.SetDefault("facebook.eventName", "Lead")

	v.SetDefault("upstream.connectTimeout", 10*time.Second)
	v.SetDefault("upstream.readTimeout", 30*time.Second)
	v.SetDefault("upstream.maxAttempts", 5)
	v.SetDefault("upstream.baseBackoff", 500*time.Millisecond)
	v.SetDefault("upstream.rateLimit", 500*time.Millisecond)

	v.SetDefault("enrichment.batchSize", 50)
	v.SetDefault("enrichment.staleAfter", "30d")
	v.SetDefault("enrichment.batchTimeout", 10*time.Minute)
	v.SetDefault("enrichment.interval", 5*time.Minute)
	v.SetDefault("enrichment.seedOnMiss", false)
	v.SetDefault("enrichment.providers", []string{"facebook"})
	v.SetDefault("enrichment.poolSize", 2)

	v.SetDefault("nats.stream", "CLICKS")
	v.SetDefault("nats.subject", "clicks.ingest.>")
	v.SetDefault("nats.consumer", "click-attribution-ingest")
	v.SetDefault("nats.maxAgeDays", 7)
	v.SetDefault("nats.maxDeliver", 5)
	v.SetDefault("nats.ackWait", 30*time.Second)
	v.SetDefault("nats.fetchWait", 5*time.Second)

	v.SetDefault("redis.lockTTL", 15*time.Minute)
	v.SetDefault("tenant.default", "degrau")

	v.SetConfigName("attribution")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.click-attribution")
	v.AddConfigPath("/etc/click-attribution")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvs(v, Config{})

	// Documented operator variables
	envOverrides := map[string]string{
		"FB_APP_ID":              "facebook.appID",
		"FB_APP_SECRET":          "facebook.appSecret",
		"FB_ACCESS_TOKEN":        "facebook.accessToken",
		"FB_AD_ACCOUNT_ID":       "facebook.adAccountID",
		"FB_PIXEL_ID":            "facebook.pixelID",
		"ATTRIBUTION_DB_PATH":    "database.path",
		"DATABASE_DRIVER":        "database.driver",
		"POSTGRES_DSN":           "database.postgresDSN",
		"ENRICHMENT_BATCH_SIZE":  "enrichment.batchSize",
		"ENRICHMENT_STALE_AFTER": "enrichment.staleAfter",
		"SEED_ON_MISS":           "enrichment.seedOnMiss",
		"LOG_LEVEL":              "logLevel",
		"LOG_FILE":               "log.file",
		"NATS_URL":               "nats.url",
		"REDIS_ADDR":             "redis.addr",
		"DEFAULT_TENANT":         "tenant.default",
	}
	for env, key := range envOverrides {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
	if ms := os.Getenv("RATE_LIMIT_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_MS %q: %w", ms, err)
		}
		v.Set("upstream.rateLimit", time.Duration(n)*time.Millisecond)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	staleAfter, err := ParseStaleAfter(config.Enrichment.StaleAfterRaw)
	if err != nil {
		return nil, err
	}
	config.Enrichment.StaleAfter = staleAfter

	return &config, nil
}

// ParseStaleAfter accepts "30d", a bare number of days or a Go duration.
func ParseStaleAfter(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("stale after is empty")
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid stale after %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid stale after %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid stale after %q", raw)
	}
	return d, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Enrichment.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("enrichment.batchSize must be positive, got %d", c.Enrichment.BatchSize))
	}
	if c.Upstream.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("upstream.rateLimit must be positive, got %s", c.Upstream.RateLimit))
	}
	if c.Upstream.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("upstream.maxAttempts must be positive, got %d", c.Upstream.MaxAttempts))
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("database.postgresDSN is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	return errors.Join(errs...)
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(parts, tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
