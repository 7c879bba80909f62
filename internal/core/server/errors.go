package server

import "errors"

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrSessionNotFound 会话不存在或已过期
	ErrSessionNotFound = errors.New("session not found")

	// ErrNodeNotFound 目标节点未注册
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeAlreadyRegistered 节点已注册
	ErrNodeAlreadyRegistered = errors.New("node already registered")

	// ErrServerClosed 服务器已关闭
	ErrServerClosed = errors.New("server closed")
)
