package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Environment names. Only EnvDevelopment relaxes browser security.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Browser launch backends
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// Config holds the entire application configuration
type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Navigation  NavigationConfig  `mapstructure:"navigation"`
	Filler      FillerConfig      `mapstructure:"filler"`
	Evidence    EvidenceConfig    `mapstructure:"evidence"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	ServiceName string `mapstructure:"service_name"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// RateLimitConfig configures per-client admission
type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int           `mapstructure:"max_requests"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// IdempotencyConfig configures submission deduplication
type IdempotencyConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// BrowserConfig configures how browsers are launched and pages prepared
type BrowserConfig struct {
	Backend        string        `mapstructure:"backend"`
	ExecPath       string        `mapstructure:"exec_path"`
	DockerImage    string        `mapstructure:"docker_image"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout"`
	MaxHeapMB      int           `mapstructure:"max_heap_mb"`
	Args           []string      `mapstructure:"args"`
}

// NavigationConfig bounds each navigation attempt
type NavigationConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout"`
	NetworkIdleQuiet   time.Duration `mapstructure:"network_idle_quiet"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
}

// FillerConfig bounds field resolution and terminal actions
type FillerConfig struct {
	ElementWait         time.Duration `mapstructure:"element_wait"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	FieldTimeout        time.Duration `mapstructure:"field_timeout"`
	SubmitNavTimeout    time.Duration `mapstructure:"submit_nav_timeout"`
	SubmitFallbackDelay time.Duration `mapstructure:"submit_fallback_delay"`
	PreparerName        string        `mapstructure:"preparer_name"`
}

// EvidenceConfig configures where screenshots are stored
type EvidenceConfig struct {
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
}

// IsDevelopment reports whether the environment is explicitly development
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvProduction)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "quotefill")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.max_requests", 10)
	v.SetDefault("ratelimit.sweep_interval", "5m")

	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.sweep_interval", "10m")

	v.SetDefault("browser.backend", BackendLocal)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.docker_image", "browserless/chrome:latest")
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.accept_language", "en-US,en;q=0.9")
	v.SetDefault("browser.default_timeout", "30s")
	v.SetDefault("browser.launch_timeout", "60s")
	v.SetDefault("browser.max_heap_mb", 512)
	v.SetDefault("browser.args", []string{})

	v.SetDefault("navigation.timeout", "30s")
	v.SetDefault("navigation.network_idle_timeout", "10s")
	v.SetDefault("navigation.network_idle_quiet", "500ms")
	v.SetDefault("navigation.retry_delay", "2s")

	v.SetDefault("filler.element_wait", "5s")
	v.SetDefault("filler.poll_interval", "200ms")
	v.SetDefault("filler.field_timeout", "5s")
	v.SetDefault("filler.submit_nav_timeout", "15s")
	v.SetDefault("filler.submit_fallback_delay", "3s")
	v.SetDefault("filler.preparer_name", "Sales Desk")

	v.SetDefault("evidence.bucket", "")
	v.SetDefault("evidence.prefix", "evidence")
	v.SetDefault("evidence.credentials_file", "")
	v.SetDefault("evidence.upload_timeout", "30s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Environment name follows the common APP_ENV convention as well as the prefixed key.
	_ = v.BindEnv("environment", "QUOTEFILL_ENVIRONMENT", "APP_ENV")
	_ = v.BindEnv("evidence.bucket", "QUOTEFILL_EVIDENCE_BUCKET", "EVIDENCE_BUCKET")
	_ = v.BindEnv("evidence.credentials_file", "QUOTEFILL_EVIDENCE_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be a positive duration")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit.max_requests must be a positive integer")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be a positive duration")
	}
	switch c.Browser.Backend {
	case BackendLocal, BackendDocker:
	default:
		return fmt.Errorf("browser.backend must be %q or %q", BackendLocal, BackendDocker)
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Navigation.Timeout <= 0 {
		return fmt.Errorf("navigation.timeout must be a positive duration")
	}
	if c.Filler.ElementWait <= 0 || c.Filler.FieldTimeout <= 0 {
		return fmt.Errorf("filler.element_wait and filler.field_timeout must be positive durations")
	}
	return nil
}
