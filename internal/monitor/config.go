package monitor

import (
	"time"
)

type ErrorHandler func(err error)

type RetentionConfig struct {
	// Enabled 控制后台保留策略是否启用。
	Enabled bool `mapstructure:"enabled"`

	// Interval 为清理周期；启动时先执行一次，之后每个周期执行一次。
	Interval time.Duration `mapstructure:"interval"`
	// Workers 为并发清理的 worker 数量；每张时序表一个任务。
	Workers int `mapstructure:"workers"`
	// BatchRows 为单次 DELETE 的最大行数，避免长时间持有写锁。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的间隔，给心跳写入让出数据库。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`

	// KeepSystemInfo/KeepContainerInfo 为时序表的保留时长；<=0 表示不清理该表。
	// Heartbeat 审计日志不在清理范围内。
	KeepSystemInfo    time.Duration `mapstructure:"keep_system_info"`
	KeepContainerInfo time.Duration `mapstructure:"keep_container_info"`

	// OnError 为异步错误回调；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

type Config struct {
	Retention RetentionConfig `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		Retention: RetentionConfig{
			Enabled:           true,
			Interval:          10 * time.Minute,
			Workers:           2,
			BatchRows:         500,
			IdleSleep:         50 * time.Millisecond,
			KeepSystemInfo:    7 * 24 * time.Hour,
			KeepContainerInfo: 7 * 24 * time.Hour,
		},
	}
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.IdleSleep < 0 {
		c.IdleSleep = 0
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}
