package wire

import "errors"

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrValidation 消息构造参数非法（调用方错误，可恢复，不应发送）
	ErrValidation = errors.New("message validation failed")

	// ErrFrameTooLarge 帧超过配置上限（编码溢出或解码超限，连接级致命）
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame 帧载荷结构非法（连接级致命，不尝试重新同步）
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownVariant 未知的消息类型判别值（前向兼容边界，连接级致命）
	ErrUnknownVariant = errors.New("unknown message variant")

	// ErrNeedMore 流式解码器需要更多字节才能产出下一条消息
	ErrNeedMore = errors.New("need more bytes")

	// ErrDecoderPoisoned 流式解码器已进入致命错误状态，连接必须关闭重建
	ErrDecoderPoisoned = errors.New("stream decoder in fatal state")
)

// ============================================================================
//                              错误码
// ============================================================================

// ErrorCode 协议错误码，随 Error 消息在线上传输
type ErrorCode uint16

const (
	// ErrCodeNone 无错误
	ErrCodeNone ErrorCode = 0
	// ErrCodeBadRequest 请求格式错误
	ErrCodeBadRequest ErrorCode = 100
	// ErrCodeUnauthorized 会话无效或未授权
	ErrCodeUnauthorized ErrorCode = 101
	// ErrCodeNotFound 目标节点未找到
	ErrCodeNotFound ErrorCode = 200
	// ErrCodeSessionExpired 会话已过期
	ErrCodeSessionExpired ErrorCode = 201
	// ErrCodeInternal 服务器内部错误
	ErrCodeInternal ErrorCode = 300
)

// String 返回错误码描述
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "no error"
	case ErrCodeBadRequest:
		return "bad request"
	case ErrCodeUnauthorized:
		return "unauthorized"
	case ErrCodeNotFound:
		return "node not found"
	case ErrCodeSessionExpired:
		return "session expired"
	case ErrCodeInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// ToError 转换为 Go error
func (c ErrorCode) ToError() error {
	if c == ErrCodeNone {
		return nil
	}
	return errors.New(c.String())
}
