package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	GitHub        GitHubConfig        `mapstructure:"github"`
	Runner        RunnerConfig        `mapstructure:"runner"`
	AWS           AWSConfig           `mapstructure:"aws"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Costs         CostsConfig         `mapstructure:"costs"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store         StoreConfig         `mapstructure:"store"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIKey          string        `mapstructure:"api_key"`
	EnableAuth      bool          `mapstructure:"enable_auth"`
}

type GitHubConfig struct {
	Token            string        `mapstructure:"token"`
	APIURL           string        `mapstructure:"api_url"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	ConfigPath       string        `mapstructure:"config_path"`
	AdminPermission  string        `mapstructure:"admin_permission"`
	RunnerGroupID    int64         `mapstructure:"runner_group_id"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RegisterAttempts int           `mapstructure:"register_attempts"`
	RegisterBackoff  time.Duration `mapstructure:"register_backoff"`
	ExtendsDepth     int           `mapstructure:"extends_depth"`
}

type RunnerConfig struct {
	Label       string        `mapstructure:"label"`
	Env         string        `mapstructure:"env"`
	EnvOverride string        `mapstructure:"env_override"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

type AWSConfig struct {
	Region           string            `mapstructure:"region"`
	StackName        string            `mapstructure:"stack_name"`
	SubnetIDs        []string          `mapstructure:"subnet_ids"`
	SecurityGroupIDs []string          `mapstructure:"security_group_ids"`
	InstanceProfile  string            `mapstructure:"instance_profile"`
	KeyName          string            `mapstructure:"key_name"`
	VolumeType       string            `mapstructure:"volume_type"`
	CacheBucket      string            `mapstructure:"cache_bucket"`
	Tags             map[string]string `mapstructure:"tags"`
	ImageCacheTTL    time.Duration     `mapstructure:"image_cache_ttl"`
	TypeCacheTTL     time.Duration     `mapstructure:"type_cache_ttl"`
	MaxInstanceTypes int               `mapstructure:"max_instance_types"`
}

type RateLimitConfig struct {
	LaunchCapacity    int           `mapstructure:"launch_capacity"`
	LaunchInterval    time.Duration `mapstructure:"launch_interval"`
	TerminateCapacity int           `mapstructure:"terminate_capacity"`
	TerminateInterval time.Duration `mapstructure:"terminate_interval"`
}

type CostsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Namespace  string `mapstructure:"namespace"`
	MetricName string `mapstructure:"metric_name"`
}

type AlertingConfig struct {
	TopicARN      string        `mapstructure:"topic_arn"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Subject       string        `mapstructure:"subject"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	EnableTracing   bool   `mapstructure:"enable_tracing"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`
	TracingInsecure bool   `mapstructure:"tracing_insecure"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	return LoadFrom(viper.New(), configPath)
}

// LoadFrom is Load on a caller supplied viper instance, so command line flags
// bound to it take precedence over the file and environment.
func LoadFrom(v *viper.Viper, configPath string) (*Config, error) {
	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("SKIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.enable_auth", false)
	v.SetDefault("server.api_key", "")

	// GitHub defaults
	v.SetDefault("github.token", "")
	v.SetDefault("github.api_url", "")
	v.SetDefault("github.webhook_secret", "")
	v.SetDefault("github.config_path", ".github/runs-on.yml")
	v.SetDefault("github.admin_permission", "admin")
	v.SetDefault("github.runner_group_id", 1)
	v.SetDefault("github.request_timeout", 30*time.Second)
	v.SetDefault("github.register_attempts", 3)
	v.SetDefault("github.register_backoff", 300*time.Millisecond)
	v.SetDefault("github.extends_depth", 3)

	// Runner defaults
	v.SetDefault("runner.label", "runs-on")
	v.SetDefault("runner.env", "prod")
	v.SetDefault("runner.env_override", "")
	v.SetDefault("runner.job_timeout", 2*time.Minute)

	// AWS defaults
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.stack_name", "runs-on")
	v.SetDefault("aws.subnet_ids", []string{})
	v.SetDefault("aws.security_group_ids", []string{})
	v.SetDefault("aws.instance_profile", "")
	v.SetDefault("aws.key_name", "")
	v.SetDefault("aws.cache_bucket", "")
	v.SetDefault("aws.volume_type", "gp3")
	v.SetDefault("aws.image_cache_ttl", 60*time.Second)
	v.SetDefault("aws.type_cache_ttl", 10*time.Minute)
	v.SetDefault("aws.max_instance_types", 10)

	// Rate limit defaults
	v.SetDefault("rate_limit.launch_capacity", 2)
	v.SetDefault("rate_limit.launch_interval", time.Second)
	v.SetDefault("rate_limit.terminate_capacity", 5)
	v.SetDefault("rate_limit.terminate_interval", time.Second)

	// Costs defaults
	v.SetDefault("costs.enabled", true)
	v.SetDefault("costs.namespace", "RunsOn")
	v.SetDefault("costs.metric_name", "minutes")

	// Alerting defaults
	v.SetDefault("alerting.topic_arn", "")
	v.SetDefault("alerting.flush_interval", 8*time.Second)
	v.SetDefault("alerting.subject", "Skiff alert")

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.enable_tracing", false)
	v.SetDefault("observability.tracing_endpoint", "")
	v.SetDefault("observability.tracing_insecure", false)
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/tmp/skiff-events.json")
	v.SetDefault("store.max_events", 1000)

	// General defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

func (c *Config) Validate() error {
	// GitHub validation
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if c.GitHub.RegisterAttempts < 1 {
		return fmt.Errorf("github.register_attempts must be >= 1")
	}
	if c.GitHub.RegisterBackoff < 0 {
		return fmt.Errorf("github.register_backoff must be >= 0")
	}
	if c.GitHub.ConfigPath == "" {
		return fmt.Errorf("github.config_path is required")
	}

	// Runner validation
	if c.Runner.Label == "" {
		return fmt.Errorf("runner.label is required")
	}
	if c.Runner.Env == "" {
		return fmt.Errorf("runner.env is required")
	}
	if c.Runner.JobTimeout <= 0 {
		return fmt.Errorf("runner.job_timeout must be > 0")
	}

	// AWS validation
	if c.AWS.Region == "" {
		return fmt.Errorf("aws.region is required")
	}
	if len(c.AWS.SubnetIDs) == 0 {
		return fmt.Errorf("aws.subnet_ids is required")
	}
	if c.AWS.MaxInstanceTypes < 1 {
		return fmt.Errorf("aws.max_instance_types must be >= 1")
	}
	if c.AWS.ImageCacheTTL < 0 || c.AWS.TypeCacheTTL < 0 {
		return fmt.Errorf("aws cache ttls must be >= 0")
	}

	// Rate limit validation
	if c.RateLimit.LaunchCapacity < 1 || c.RateLimit.TerminateCapacity < 1 {
		return fmt.Errorf("rate_limit capacities must be >= 1")
	}
	if c.RateLimit.LaunchInterval <= 0 || c.RateLimit.TerminateInterval <= 0 {
		return fmt.Errorf("rate_limit intervals must be > 0")
	}

	// Alerting validation
	if c.Alerting.FlushInterval <= 0 {
		return fmt.Errorf("alerting.flush_interval must be > 0")
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be either 'json' or 'text'")
	}

	return nil
}

// AcceptsEnv reports whether events labelled with env belong to this process.
func (c RunnerConfig) AcceptsEnv(env string) bool {
	return env == c.Env || (c.EnvOverride != "" && env == c.EnvOverride)
}
