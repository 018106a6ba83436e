// Package log 基于 zerolog 提供全局结构化日志。
//
// 进程启动时调用一次 Init；各组件通过 WithComponent 取得带 component 字段的子 logger。
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger 为全局 logger；未调用 Init 时输出到 stderr、级别 info。
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// ParseLevel 将配置中的级别字符串转换为 zerolog 级别，未知值按 info 处理。
func ParseLevel(s string) zerolog.Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func WithServerUUID(uuid string) zerolog.Logger {
	return Logger.With().Str("server_uuid", uuid).Logger()
}

// Nop 返回丢弃所有输出的 logger，测试中使用。
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
