package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bob-yamong/policy-back/internal/monitor"
	"github.com/bob-yamong/policy-back/internal/reporter"
	"github.com/bob-yamong/policy-back/internal/storage"
	"github.com/bob-yamong/policy-back/internal/stream"
)

type LogConfig struct {
	Level string `mapstructure:"level"`
	// JSON 为 true 时输出 JSON，否则输出适合终端阅读的 console 格式。
	JSON bool `mapstructure:"json"`
}

type APIConfig struct {
	Listen       string        `mapstructure:"listen"`
	BodyLimit    int           `mapstructure:"body_limit"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// StreamBuffer 为每个 SSE 订阅者的事件缓冲；写满后丢弃新事件。
	StreamBuffer    int           `mapstructure:"stream_buffer"`
	StreamKeepAlive time.Duration `mapstructure:"stream_keep_alive"`
}

type HeartbeatConfig struct {
	// ReinstateRemoved 为 true 时，已移除的容器重新出现会清除 removed_at。
	ReinstateRemoved bool `mapstructure:"reinstate_removed"`
	// OnlineWindow 内有心跳的主机视为 running。
	OnlineWindow time.Duration `mapstructure:"online_window"`
}

type StatsConfig struct {
	Lookback time.Duration `mapstructure:"lookback"`
}

type Config struct {
	Log       LogConfig               `mapstructure:"log"`
	Storage   storage.Config          `mapstructure:"storage"`
	API       APIConfig               `mapstructure:"api"`
	Heartbeat HeartbeatConfig         `mapstructure:"heartbeat"`
	Stats     StatsConfig             `mapstructure:"stats"`
	Retention monitor.RetentionConfig `mapstructure:"retention"`
	Reporter  reporter.Config         `mapstructure:"reporter"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.policy-back")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("POLICYBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 只反序列化 viper 已知的 key；仅来自环境变量的配置项需要先有默认值。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case storage.DriverSQLite:
		if c.Storage.Path == "" && !c.Storage.InMemory {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	case storage.DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres (or set POLICYBACK_STORAGE_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", storage.DriverSQLite, storage.DriverPostgres, c.Storage.Driver)
	}
	if strings.TrimSpace(c.API.Listen) == "" {
		return fmt.Errorf("api.listen is required")
	}
	if c.Stats.Lookback <= 0 {
		return fmt.Errorf("stats.lookback must be positive")
	}
	if c.Heartbeat.OnlineWindow <= 0 {
		return fmt.Errorf("heartbeat.online_window must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	// -------------------------------------------------------------------------
	// Storage
	// -------------------------------------------------------------------------
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.in_memory", d.Storage.InMemory)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)
	v.SetDefault("storage.max_idle_conns", d.Storage.MaxIdleConns)
	v.SetDefault("storage.conn_max_lifetime", d.Storage.ConnMaxLifetime)

	// -------------------------------------------------------------------------
	// API
	// -------------------------------------------------------------------------
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.body_limit", d.API.BodyLimit)
	v.SetDefault("api.jwt_secret", d.API.JWTSecret)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.stream_buffer", d.API.StreamBuffer)
	v.SetDefault("api.stream_keep_alive", d.API.StreamKeepAlive)

	v.SetDefault("heartbeat.reinstate_removed", d.Heartbeat.ReinstateRemoved)
	v.SetDefault("heartbeat.online_window", d.Heartbeat.OnlineWindow)
	v.SetDefault("stats.lookback", d.Stats.Lookback)

	// -------------------------------------------------------------------------
	// Retention
	// -------------------------------------------------------------------------
	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("retention.workers", d.Retention.Workers)
	v.SetDefault("retention.batch_rows", d.Retention.BatchRows)
	v.SetDefault("retention.idle_sleep", d.Retention.IdleSleep)
	v.SetDefault("retention.keep_system_info", d.Retention.KeepSystemInfo)
	v.SetDefault("retention.keep_container_info", d.Retention.KeepContainerInfo)

	// -------------------------------------------------------------------------
	// Reporter
	// -------------------------------------------------------------------------
	v.SetDefault("reporter.server_url", d.Reporter.ServerURL)
	v.SetDefault("reporter.uuid", d.Reporter.UUID)
	v.SetDefault("reporter.endpoint", d.Reporter.Endpoint)
	v.SetDefault("reporter.interval", d.Reporter.Interval)
	v.SetDefault("reporter.timeout", d.Reporter.Timeout)
	v.SetDefault("reporter.proc_root", d.Reporter.ProcRoot)
	v.SetDefault("reporter.cgroup_root", d.Reporter.CgroupRoot)
	v.SetDefault("reporter.disk_path", d.Reporter.DiskPath)
}

func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Storage: storage.Config{
			Driver:      storage.DriverSQLite,
			Path:        "policy-back.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Listen:          ":8000",
			BodyLimit:       4 * 1024 * 1024,
			ReadTimeout:     30 * time.Second,
			StreamBuffer:    stream.DefaultBuffer,
			StreamKeepAlive: 15 * time.Second,
		},
		Heartbeat: HeartbeatConfig{OnlineWindow: 60 * time.Second},
		Stats:     StatsConfig{Lookback: 24 * time.Hour},
		Retention: monitor.DefaultConfig().Retention,
		Reporter: reporter.Config{
			ServerURL:  "http://127.0.0.1:8000",
			Interval:   10 * time.Second,
			Timeout:    5 * time.Second,
			ProcRoot:   "/proc",
			CgroupRoot: "/sys/fs/cgroup",
			DiskPath:   "/",
		},
	}
}
