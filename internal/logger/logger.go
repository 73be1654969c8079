package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// 进程级日志器。各包直接调用 Debugf/Infof/Warnf/Errorf,级别在启动时设置。
var (
	level   atomic.Int32
	backend atomic.Pointer[slog.Logger]
)

func init() {
	level.Store(int32(slog.LevelInfo))
	backend.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
}

// ParseLevel 解析配置里的级别串 (debug|info|warn|error),认不出的按 info。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func SetLevel(l slog.Level) {
	level.Store(int32(l))
}

// SetOutput 替换底层输出,测试用。
func SetOutput(l *slog.Logger) {
	backend.Store(l)
}

func logf(l slog.Level, format string, args ...any) {
	if int32(l) < level.Load() {
		return
	}
	backend.Load().Log(context.Background(), l, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) { logf(slog.LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(slog.LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(slog.LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(slog.LevelError, format, args...) }
