// Package config loads runtime configuration from defaults, an optional
// YAML file, and BUTLER_-prefixed environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the runtime recognizes.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Container pool
	MaxConcurrentContainers int           `mapstructure:"max_concurrent_containers"`
	PoolMin                 int           `mapstructure:"pool_min"`
	PoolMax                 int           `mapstructure:"pool_max"`
	PoolIdleTimeout         time.Duration `mapstructure:"pool_idle_timeout"`
	PoolMaxReuse            int           `mapstructure:"pool_max_reuse"`
	PoolWarmupInterval      time.Duration `mapstructure:"pool_warmup_interval"`
	ContainerImage          string        `mapstructure:"container_image"`
	ContainerMemoryLimit    int64         `mapstructure:"container_memory_limit"`
	ContainerCPULimit       float64       `mapstructure:"container_cpu_limit"`
	ContainerHardKill       time.Duration `mapstructure:"container_hard_kill_timeout"`
	ContainerOutputTimeout  time.Duration `mapstructure:"container_output_timeout"`
	WarmingMax              time.Duration `mapstructure:"warming_max"`
	IdleCloseStdin          time.Duration `mapstructure:"idle_close_stdin"`
	SessionMaxAge           time.Duration `mapstructure:"session_max_age"`
	ContainerdSocket        string        `mapstructure:"containerd_socket"`

	// Dispatcher
	TypingMaxTTL   time.Duration `mapstructure:"typing_max_ttl"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	MaxAttempts    int           `mapstructure:"max_attempts"`

	// Scheduler and heartbeat
	SchedulerPollInterval   time.Duration `mapstructure:"scheduler_poll_interval"`
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval_ms"`
	HeartbeatAlertCooldown  time.Duration `mapstructure:"heartbeat_alert_cooldown_ms"`
	HeartbeatShowOK         bool          `mapstructure:"heartbeat_show_ok"`
	HeartbeatShowAlerts     bool          `mapstructure:"heartbeat_show_alerts"`
	HeartbeatUseIndicator   bool          `mapstructure:"heartbeat_use_indicator"`
	HeartbeatDeliveryMuted  bool          `mapstructure:"heartbeat_delivery_muted"`

	// Memory core
	MemoryAPIAddr    string `mapstructure:"memory_api_addr"`
	MemoryAPIToken   string `mapstructure:"memory_api_token"`
	VectorBackendURL string `mapstructure:"vector_backend_url"`
	ThaiNLPURL       string `mapstructure:"thai_nlp_url"`

	// Health surface
	HealthAddr string `mapstructure:"health_addr"`

	// IPC
	IPCHMACSecret   string        `mapstructure:"ipc_hmac_secret"`
	IPCPollInterval time.Duration `mapstructure:"ipc_poll_interval"`

	// Tool provider registry file
	ProviderRegistryPath string `mapstructure:"provider_registry_path"`
}

// Load reads configuration from the optional file at path plus the
// environment and returns a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "/var/lib/butler")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)

	v.SetDefault("max_concurrent_containers", 5)
	v.SetDefault("pool_min", 1)
	v.SetDefault("pool_max", 3)
	v.SetDefault("pool_idle_timeout", 10*time.Minute)
	v.SetDefault("pool_max_reuse", 20)
	v.SetDefault("pool_warmup_interval", 5*time.Second)
	v.SetDefault("container_image", "docker.io/library/butler-agent:latest")
	v.SetDefault("container_memory_limit", int64(2<<30))
	v.SetDefault("container_cpu_limit", 1.0)
	v.SetDefault("container_hard_kill_timeout", 10*time.Minute)
	v.SetDefault("container_output_timeout", 2*time.Minute)
	v.SetDefault("warming_max", 90*time.Second)
	v.SetDefault("idle_close_stdin", 30*time.Second)
	v.SetDefault("session_max_age", 6*time.Hour)
	v.SetDefault("containerd_socket", "")

	v.SetDefault("typing_max_ttl", 25*time.Second)
	v.SetDefault("queue_capacity", 20)
	v.SetDefault("debounce_window", 100*time.Millisecond)
	v.SetDefault("max_attempts", 5)

	v.SetDefault("scheduler_poll_interval", 30*time.Second)
	v.SetDefault("heartbeat_interval_ms", 30*time.Minute)
	v.SetDefault("heartbeat_alert_cooldown_ms", 2*time.Hour)
	v.SetDefault("heartbeat_show_ok", false)
	v.SetDefault("heartbeat_show_alerts", true)
	v.SetDefault("heartbeat_use_indicator", true)
	v.SetDefault("heartbeat_delivery_muted", false)

	v.SetDefault("memory_api_addr", ":3001")
	v.SetDefault("memory_api_token", "")
	v.SetDefault("vector_backend_url", "")
	v.SetDefault("thai_nlp_url", "")

	v.SetDefault("health_addr", ":8088")

	v.SetDefault("ipc_hmac_secret", "")
	v.SetDefault("ipc_poll_interval", 500*time.Millisecond)

	v.SetDefault("provider_registry_path", "")

	v.SetEnvPrefix("BUTLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot serve.
func (c *Config) Validate() error {
	if c.PoolMin < 0 || c.PoolMax < 1 || c.PoolMin > c.PoolMax {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.PoolMin, c.PoolMax)
	}
	if c.PoolMaxReuse < 1 {
		return fmt.Errorf("pool_max_reuse must be positive, got %d", c.PoolMaxReuse)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.ContainerOutputTimeout <= 0 || c.ContainerHardKill <= 0 {
		return fmt.Errorf("container timeouts must be positive")
	}
	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("scheduler_poll_interval must be positive")
	}
	if c.IPCHMACSecret == "" {
		return fmt.Errorf("ipc_hmac_secret is required")
	}
	if c.MemoryAPIToken == "" {
		return fmt.Errorf("memory_api_token is required")
	}
	return nil
}
