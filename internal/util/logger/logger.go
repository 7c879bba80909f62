// Package logger 提供 go-relay 的统一日志系统
//
// 基于标准库 log/slog，支持按子系统配置日志级别与环境变量配置。
//
// 使用示例:
//
//	var log = logger.Logger("wire.stream")
//
//	log.Info("会话已建立", "session_id", id, "slot", slot)
//	log.Error("解码失败", "err", err)
//
// 环境变量配置:
//
//	# 所有子系统 info，server 子系统 debug
//	RELAY_LOG_LEVEL=server=debug,info
//
//	# JSON 格式输出
//	RELAY_LOG_FORMAT=json
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// handlers 缓存各子系统的 Handler（用于动态调整级别）
	handlers sync.Map // map[string]*subsystemHandler
)

// Logger 获取指定子系统的 Logger
//
// 同一子系统多次调用返回相同实例，级别来自 RELAY_LOG_LEVEL。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := configFromEnv()
	h := &subsystemHandler{
		subsystem: subsystem,
		level:     cfg.levelFor(subsystem),
		inner:     cfg.newInnerHandler(),
	}

	l := slog.New(h)
	actual, loaded := loggers.LoadOrStore(subsystem, l)
	if !loaded {
		handlers.Store(subsystem, h)
	}
	return actual.(*slog.Logger)
}

// SetLevel 动态设置子系统的日志级别
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).setLevel(level)
	}
}

// Discard 返回一个丢弃所有日志的 Logger
//
// 用于测试，避免日志输出干扰测试结果。
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// ============================================================================
//                              Handler
// ============================================================================

// subsystemHandler 支持子系统级别控制的 slog.Handler
type subsystemHandler struct {
	subsystem string
	inner     slog.Handler

	mu    sync.RWMutex
	level slog.Level
}

func (h *subsystemHandler) setLevel(level slog.Level) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

// Enabled 实现 slog.Handler
func (h *subsystemHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return level >= h.level
}

// Handle 实现 slog.Handler
func (h *subsystemHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("subsystem", h.subsystem))
	return h.inner.Handle(ctx, r)
}

// WithAttrs 实现 slog.Handler
func (h *subsystemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &subsystemHandler{
		subsystem: h.subsystem,
		inner:     h.inner.WithAttrs(attrs),
		level:     h.level,
	}
}

// WithGroup 实现 slog.Handler
func (h *subsystemHandler) WithGroup(name string) slog.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &subsystemHandler{
		subsystem: h.subsystem,
		inner:     h.inner.WithGroup(name),
		level:     h.level,
	}
}

// discardHandler 丢弃所有日志
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// ============================================================================
//                              输出目标
// ============================================================================

var (
	// globalOutput 全局日志输出目标，默认为 stderr
	globalOutput   io.Writer = os.Stderr
	globalOutputMu sync.RWMutex
)

// dynamicWriter 动态查找 globalOutput 的 io.Writer
//
// logger 创建后修改输出目标依然生效。
type dynamicWriter struct{}

func (dynamicWriter) Write(p []byte) (int, error) {
	globalOutputMu.RLock()
	w := globalOutput
	globalOutputMu.RUnlock()
	return w.Write(p)
}

// SetOutput 设置全局日志输出目标
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}
