package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the effective daemon + client configuration, assembled from
// defaults, an optional config file and the environment.
type Config struct {
	Pool    Pool    `mapstructure:"pool"`
	IPC     IPC     `mapstructure:"ipc"`
	Log     Log     `mapstructure:"log"`
	Redis   Redis   `mapstructure:"redis"`
	Metrics Metrics `mapstructure:"metrics"`
	Health  Health  `mapstructure:"health"`
	Client  Client  `mapstructure:"client"`
	Debug   Debug   `mapstructure:"debug"`

	PIDFile string `mapstructure:"pid_file"`
}

type Pool struct {
	MaxSize        int           `mapstructure:"max_size"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	IOTimeout      time.Duration `mapstructure:"io_timeout"`
	ReadBufferSize int           `mapstructure:"read_buffer_size"`
	CleanupEvery   time.Duration `mapstructure:"cleanup_interval"`
}

type IPC struct {
	Path          string        `mapstructure:"path"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
	RequestBuffer int           `mapstructure:"request_buffer"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r Redis) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type Metrics struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	ListKey     string        `mapstructure:"list_key"`
	ListLimit   int           `mapstructure:"list_limit"`
}

type Health struct {
	Interval time.Duration `mapstructure:"interval"`
}

type Client struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	CircuitBreaker bool          `mapstructure:"circuit_breaker"`
	CBThreshold    int           `mapstructure:"cb_threshold"`
	CBTimeout      time.Duration `mapstructure:"cb_timeout"`
	CacheEnabled   bool          `mapstructure:"cache_enabled"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	ReplyBuffer    int           `mapstructure:"reply_buffer"`
}

type Debug struct {
	HTTPEnabled bool   `mapstructure:"http_enabled"`
	HTTPAddr    string `mapstructure:"http_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.max_size", 100)
	v.SetDefault("pool.idle_ttl", 30*time.Second)
	v.SetDefault("pool.max_retries", 3)
	v.SetDefault("pool.dial_timeout", 2*time.Second)
	v.SetDefault("pool.io_timeout", 2*time.Second)
	v.SetDefault("pool.read_buffer_size", 2048)
	v.SetDefault("pool.cleanup_interval", 30*time.Second)

	v.SetDefault("ipc.path", "/tmp/socket_pool_service.sock")
	v.SetDefault("ipc.accept_timeout", time.Second)
	v.SetDefault("ipc.request_buffer", 4096)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", 60*time.Second)
	v.SetDefault("metrics.snapshot_ttl", 300*time.Second)
	v.SetDefault("metrics.list_key", "socket_pool:metrics")
	v.SetDefault("metrics.list_limit", 1000)

	v.SetDefault("health.interval", 60*time.Second)

	v.SetDefault("client.timeout", 5*time.Second)
	v.SetDefault("client.retry_attempts", 3)
	v.SetDefault("client.retry_delay", 100*time.Millisecond)
	v.SetDefault("client.circuit_breaker", true)
	v.SetDefault("client.cb_threshold", 5)
	v.SetDefault("client.cb_timeout", 30*time.Second)
	v.SetDefault("client.cache_enabled", false)
	v.SetDefault("client.cache_ttl", 60*time.Second)
	v.SetDefault("client.reply_buffer", 8192)

	v.SetDefault("debug.http_enabled", false)
	v.SetDefault("debug.http_addr", "127.0.0.1:8791")

	v.SetDefault("pid_file", "/tmp/socket_pool_service.pid")
}

// bindEnv wires the documented environment variables. Durations expressed
// in the environment as bare numbers are seconds; Go duration strings work
// too (see flexDurationHook).
func bindEnv(v *viper.Viper) {
	bind := map[string]string{
		"pool.max_size":          "SOCKET_POOL_MAX_SIZE",
		"pool.idle_ttl":          "SOCKET_POOL_TIMEOUT",
		"pool.max_retries":       "SOCKET_POOL_MAX_RETRIES",
		"ipc.path":               "SOCKET_POOL_UNIX_PATH",
		"log.level":              "SOCKET_POOL_LOG_LEVEL",
		"log.file":               "SOCKET_POOL_LOG_FILE",
		"redis.enabled":          "SOCKET_POOL_REDIS_ENABLED",
		"redis.host":             "REDIS_HOST",
		"redis.port":             "REDIS_PORT",
		"redis.password":         "REDIS_PASSWORD",
		"metrics.enabled":        "SOCKET_POOL_METRICS_ENABLED",
		"health.interval":        "SOCKET_POOL_HEALTH_INTERVAL",
		"client.timeout":         "SOCKET_POOL_CLIENT_TIMEOUT",
		"client.retry_attempts":  "SOCKET_POOL_RETRY_ATTEMPTS",
		"client.retry_delay":     "SOCKET_POOL_RETRY_DELAY",
		"client.circuit_breaker": "SOCKET_POOL_CIRCUIT_BREAKER",
		"client.cb_threshold":    "SOCKET_POOL_CB_THRESHOLD",
		"client.cb_timeout":      "SOCKET_POOL_CB_TIMEOUT",
		"client.cache_enabled":   "SOCKET_POOL_CACHE_ENABLED",
		"client.cache_ttl":       "SOCKET_POOL_CACHE_TTL",
		"pid_file":               "SOCKET_POOL_PID_FILE",
	}
	for key, env := range bind {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, env)
	}
}

// LoadConfig reads defaults, the optional config file and the environment.
// An empty path skips the file layer.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-reads the config file on change and invokes onChange with the
// fresh result. Only meaningful when a file path was given to LoadConfig.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) {
	if path == "" {
		return
	}
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config watch disabled", "error", err)
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			logger.Warn("config reload failed", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}

// flexDurationHook decodes durations from either Go duration strings
// ("30s", "100ms") or bare numbers, which the environment contract reads as
// seconds (SOCKET_POOL_TIMEOUT=30).
func flexDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(n * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("cannot parse %q as a duration", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		flexDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive, got %d", c.Pool.MaxSize)
	}
	if c.Pool.ReadBufferSize <= 0 {
		return fmt.Errorf("pool.read_buffer_size must be positive, got %d", c.Pool.ReadBufferSize)
	}
	if c.IPC.Path == "" {
		return fmt.Errorf("ipc.path must not be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug|info|warn|error", c.Log.Level)
	}
	return nil
}

// Sanitized returns the settings safe to expose through get_config: no
// credentials.
func (c *Config) Sanitized() map[string]any {
	return map[string]any{
		"max_pool_size":      c.Pool.MaxSize,
		"connection_timeout": int(c.Pool.IdleTTL.Seconds()),
		"max_retries":        c.Pool.MaxRetries,
		"read_buffer_size":   c.Pool.ReadBufferSize,
		"unix_socket_path":   c.IPC.Path,
		"log_level":          c.Log.Level,
		"redis_enabled":      c.Redis.Enabled,
		"metrics_enabled":    c.Metrics.Enabled,
		"health_interval":    int(c.Health.Interval.Seconds()),
	}
}
