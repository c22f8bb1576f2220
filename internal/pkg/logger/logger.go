// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 控制日志级别与输出目标
type Config struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // 为空时只输出到 stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Console    bool   `yaml:"console"` // 人类可读格式, 本地调试用
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init 初始化全局 logger, 可重复调用 (配置热更新时)
func Init(serviceName string, cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotating)
	}

	l := zerolog.New(out).Level(level).With().Timestamp().Str("service", serviceName).Logger()

	mu.Lock()
	base = l
	mu.Unlock()
}

// Ctx 返回带有 trace_id / span_id 的 logger
func Ctx(ctx context.Context) *zerolog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			l = l.With().
				Str("trace_id", sc.TraceID().String()).
				Str("span_id", sc.SpanID().String()).
				Logger()
		}
	}
	return &l
}

// L 返回不带上下文的全局 logger
func L() *zerolog.Logger {
	return Ctx(context.Background())
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
