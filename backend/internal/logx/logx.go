package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var consoleIO = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	return logger.Level(level)
}

// FromConfig console=true 时输出人类可读格式，否则 JSON 行；level 解析失败按 info
func FromConfig(level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if console {
		return New(consoleIO, lvl)
	}
	return New(os.Stdout, lvl)
}

// Component 子系统日志，统一带 component 字段
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Nop 测试里用
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
