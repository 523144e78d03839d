// Package config handles configuration loading for the Foreman daemon.
// It layers defaults, an optional YAML config file, and FOREMAN_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Workers  WorkersConfig  `mapstructure:"workers"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Listen       string `mapstructure:"listen"`
	AuthEnabled  bool   `mapstructure:"auth_enabled"`
	AuthKeysFile string `mapstructure:"auth_keys_file"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DeliveryConfig selects the task delivery backend.
type DeliveryConfig struct {
	// Mode is "inproc" or "redis".
	Mode          string `mapstructure:"mode"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// DispatchConfig holds dispatcher and retry timings.
type DispatchConfig struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	HandoffTimeout time.Duration `mapstructure:"handoff_timeout"`
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	StalledAfter   time.Duration `mapstructure:"stalled_after"`

	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
}

// AgentsConfig holds agent liveness settings.
type AgentsConfig struct {
	HeartbeatThreshold     time.Duration `mapstructure:"heartbeat_threshold"`
	HeartbeatCheckInterval time.Duration `mapstructure:"heartbeat_check_interval"`
}

// WorkflowConfig holds template library settings.
type WorkflowConfig struct {
	TemplateDir string `mapstructure:"template_dir"`
	WatchDir    bool   `mapstructure:"watch_dir"`
}

// SandboxConfig holds sandbox provisioner settings.
type SandboxConfig struct {
	Root string `mapstructure:"root"`
}

// WorkersConfig declares embedded workers the daemon runs in-process.
// Only meaningful with inproc delivery.
type WorkersConfig struct {
	Embedded []EmbeddedWorkerConfig `mapstructure:"embedded"`
}

// EmbeddedWorkerConfig is one in-process exec worker. Capabilities left
// empty are detected from the runtimes installed on the host.
type EmbeddedWorkerConfig struct {
	ID           string   `mapstructure:"id"`
	Capabilities []string `mapstructure:"capabilities"`
}

// Load reads configuration from the given file (optional), the default
// config directory, and the environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir())
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := defaultDataDir()

	v.SetDefault("server.listen", "127.0.0.1:7430")
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("server.auth_keys_file", filepath.Join(home, "keys.json"))
	v.SetDefault("store.path", filepath.Join(home, "foreman.db"))

	v.SetDefault("delivery.mode", "inproc")
	v.SetDefault("delivery.redis_addr", "localhost:6379")
	v.SetDefault("delivery.redis_password", "")
	v.SetDefault("delivery.redis_db", 0)

	v.SetDefault("dispatch.scan_interval", time.Second)
	v.SetDefault("dispatch.handoff_timeout", 30*time.Second)
	v.SetDefault("dispatch.exec_timeout", 10*time.Minute)
	v.SetDefault("dispatch.stalled_after", 5*time.Minute)
	v.SetDefault("dispatch.backoff_base", 2*time.Second)
	v.SetDefault("dispatch.backoff_ceiling", 5*time.Minute)
	v.SetDefault("dispatch.backoff_jitter", 0.2)

	v.SetDefault("agents.heartbeat_threshold", 90*time.Second)
	v.SetDefault("agents.heartbeat_check_interval", 15*time.Second)

	v.SetDefault("workflow.template_dir", filepath.Join(home, "templates"))
	v.SetDefault("workflow.watch_dir", true)

	v.SetDefault("sandbox.root", filepath.Join(home, "sandboxes"))
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

func defaultConfigDir() string {
	return defaultDataDir()
}
