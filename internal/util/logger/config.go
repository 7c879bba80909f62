package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ============================================================================
//                              环境变量配置
// ============================================================================

// config 日志配置
type config struct {
	// defaultLevel 默认日志级别
	defaultLevel slog.Level

	// subsystemLevels 各子系统的日志级别
	subsystemLevels map[string]slog.Level

	// jsonFormat 是否使用 JSON 格式输出
	jsonFormat bool
}

// levelFor 获取指定子系统的日志级别
func (c *config) levelFor(subsystem string) slog.Level {
	if level, ok := c.subsystemLevels[subsystem]; ok {
		return level
	}
	return c.defaultLevel
}

// newInnerHandler 按配置的格式创建底层 Handler
func (c *config) newInnerHandler() slog.Handler {
	// 级别过滤由 subsystemHandler 完成，底层 Handler 放行所有级别
	opts := &slog.HandlerOptions{Level: slog.Level(-128)}
	if c.jsonFormat {
		return slog.NewJSONHandler(dynamicWriter{}, opts)
	}
	return slog.NewTextHandler(dynamicWriter{}, opts)
}

var (
	configCache *config
	configOnce  sync.Once
)

// configFromEnv 从环境变量解析配置
//
// 环境变量:
//   - RELAY_LOG_LEVEL: 格式 子系统=级别,子系统=级别,默认级别
//     示例: server=debug,wire.stream=warn,info
//   - RELAY_LOG_FORMAT: text 或 json
func configFromEnv() *config {
	configOnce.Do(func() {
		configCache = parseConfig(os.Getenv("RELAY_LOG_LEVEL"), os.Getenv("RELAY_LOG_FORMAT"))
	})
	return configCache
}

// parseConfig 解析环境变量取值
func parseConfig(levelSpec, format string) *config {
	cfg := &config{
		defaultLevel:    slog.LevelInfo,
		subsystemLevels: make(map[string]slog.Level),
		jsonFormat:      strings.EqualFold(format, "json"),
	}

	for _, part := range strings.Split(levelSpec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, levelStr, found := strings.Cut(part, "="); found {
			if level, ok := parseLevel(levelStr); ok {
				cfg.subsystemLevels[strings.TrimSpace(name)] = level
			}
		} else if level, ok := parseLevel(part); ok {
			cfg.defaultLevel = level
		}
	}
	return cfg
}

// parseLevel 解析级别名称
func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
