// Package wire 实现中继协议的消息模型与二进制编解码
//
// 协议消息是一个封闭的变体集合：会话控制、转发、邻居发现、
// 存活探测和错误通告。每条消息被编码为长度前缀帧：
//
//	[长度: u32 大端][载荷: 长度字节]
//
// 载荷使用 protobuf 兼容的 TLV 编码（标签+长度+值），
// 未知字段在解码时按字段级跳过，保证中继版本间的前向兼容。
package wire

import (
	"fmt"

	"github.com/dep2p/go-relay/pkg/types"
)

// ============================================================================
//                              协议常量
// ============================================================================

const (
	// ProtocolVersion 协议版本
	ProtocolVersion = 1

	// DefaultMaxFrameBytes 默认最大帧大小
	DefaultMaxFrameBytes = 64 * 1024

	// MaxChallengeSize 会话挑战最大字节数
	MaxChallengeSize = 64

	// MaxForwardPayload 单条转发消息的最大载荷
	//
	// 留出封包头空间，保证合法构造的消息编码后不会超过默认帧上限。
	MaxForwardPayload = DefaultMaxFrameBytes - 1024

	// MaxNeighborhoodCount 单次邻居查询可请求的最大节点数
	MaxNeighborhoodCount = 64

	// MaxErrorTextSize 错误描述最大字节数
	MaxErrorTextSize = 256
)

// ============================================================================
//                              消息类型
// ============================================================================

// Kind 消息类型判别值
type Kind uint8

const (
	// KindSessionInit 会话建立请求
	KindSessionInit Kind = 1
	// KindSessionAck 会话建立响应
	KindSessionAck Kind = 2
	// KindPing 存活探测请求
	KindPing Kind = 3
	// KindPong 存活探测响应
	KindPong Kind = 4
	// KindForward 数据转发
	KindForward Kind = 5
	// KindNeighborhoodQuery 邻居查询请求
	KindNeighborhoodQuery Kind = 6
	// KindNeighborhoodResponse 邻居查询响应
	KindNeighborhoodResponse Kind = 7
	// KindError 错误通告
	KindError Kind = 8
)

// String 返回消息类型描述
func (k Kind) String() string {
	switch k {
	case KindSessionInit:
		return "session_init"
	case KindSessionAck:
		return "session_ack"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindForward:
		return "forward"
	case KindNeighborhoodQuery:
		return "neighborhood_query"
	case KindNeighborhoodResponse:
		return "neighborhood_response"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ============================================================================
//                              消息体变体
// ============================================================================

// Body 消息体，封闭变体集合
//
// 只有本包内的变体类型实现该接口，编解码处对变体做穷尽匹配，
// 新增变体会迫使所有匹配点同步更新。
type Body interface {
	// Kind 返回变体的类型判别值
	Kind() Kind

	sealed()
}

// SessionInit 会话建立请求
type SessionInit struct {
	// NodeID 发起方节点标识
	NodeID types.NodeID

	// Challenge 随机挑战字节（防重放，最长 MaxChallengeSize）
	Challenge []byte

	// Version 发起方协议版本
	Version uint32
}

// SessionAck 会话建立响应
type SessionAck struct {
	// ChallengeResponse 挑战应答字节
	ChallengeResponse []byte

	// Slot 服务器分配的转发槽位
	Slot types.Slot
}

// Ping 存活探测请求，载荷为空
type Ping struct{}

// Pong 存活探测响应
type Pong struct {
	// Timestamp 响应方时间戳（Unix 纳秒）
	Timestamp uint64
}

// Forward 数据转发
type Forward struct {
	// Dst 目标节点标识
	Dst types.NodeID

	// Payload 不透明载荷字节
	Payload []byte
}

// NeighborhoodQuery 邻居查询请求
type NeighborhoodQuery struct {
	// Count 请求的邻居数量
	Count uint32
}

// NeighborhoodResponse 邻居查询响应
type NeighborhoodResponse struct {
	// Nodes 邻居节点信息列表
	Nodes []types.NodeInfo
}

// ErrorMessage 错误通告
type ErrorMessage struct {
	// Code 错误码
	Code ErrorCode

	// Text 人类可读的错误描述
	Text string
}

// Kind 实现 Body
func (*SessionInit) Kind() Kind { return KindSessionInit }

// Kind 实现 Body
func (*SessionAck) Kind() Kind { return KindSessionAck }

// Kind 实现 Body
func (*Ping) Kind() Kind { return KindPing }

// Kind 实现 Body
func (*Pong) Kind() Kind { return KindPong }

// Kind 实现 Body
func (*Forward) Kind() Kind { return KindForward }

// Kind 实现 Body
func (*NeighborhoodQuery) Kind() Kind { return KindNeighborhoodQuery }

// Kind 实现 Body
func (*NeighborhoodResponse) Kind() Kind { return KindNeighborhoodResponse }

// Kind 实现 Body
func (*ErrorMessage) Kind() Kind { return KindError }

func (*SessionInit) sealed()          {}
func (*SessionAck) sealed()           {}
func (*Ping) sealed()                 {}
func (*Pong) sealed()                 {}
func (*Forward) sealed()              {}
func (*NeighborhoodQuery) sealed()    {}
func (*NeighborhoodResponse) sealed() {}
func (*ErrorMessage) sealed()         {}

// ============================================================================
//                              Envelope - 协议消息
// ============================================================================

// Envelope 一条完整的协议消息
//
// 构造后不可变：构造、编码、发送或处理后即丢弃，
// 没有独立的生命周期。
type Envelope struct {
	// SessionID 会话标识（会话建立前为空）
	SessionID types.SessionID

	// RequestID 请求标识（仅请求/响应类消息携带）
	RequestID types.RequestID

	// Body 消息体，永不为 nil
	Body Body
}

// Kind 返回消息类型判别值
func (e *Envelope) Kind() Kind {
	return e.Body.Kind()
}

// AsForward 返回转发消息体（仅转发变体）
func (e *Envelope) AsForward() (*Forward, bool) {
	f, ok := e.Body.(*Forward)
	return f, ok
}

// AsError 返回错误消息体（仅错误变体）
func (e *Envelope) AsError() (*ErrorMessage, bool) {
	m, ok := e.Body.(*ErrorMessage)
	return m, ok
}

// IsResponse 判断消息是否为响应类消息
//
// 响应类消息会被请求关联器匹配到待定请求。
func (e *Envelope) IsResponse() bool {
	switch e.Body.(type) {
	case *SessionAck, *Pong, *NeighborhoodResponse, *ErrorMessage:
		return !e.RequestID.IsEmpty()
	default:
		return false
	}
}

// ============================================================================
//                              消息构造器
// ============================================================================

// NewSessionInit 创建会话建立请求
func NewSessionInit(requestID types.RequestID, nodeID types.NodeID, challenge []byte) (*Envelope, error) {
	if nodeID.IsEmpty() {
		return nil, fmt.Errorf("%w: empty node ID", ErrValidation)
	}
	if len(challenge) > MaxChallengeSize {
		return nil, fmt.Errorf("%w: challenge too long (%d > %d)", ErrValidation, len(challenge), MaxChallengeSize)
	}
	return &Envelope{
		RequestID: requestID,
		Body:      &SessionInit{NodeID: nodeID, Challenge: challenge, Version: ProtocolVersion},
	}, nil
}

// NewSessionAck 创建会话建立响应
func NewSessionAck(sessionID types.SessionID, requestID types.RequestID, response []byte, slot types.Slot) (*Envelope, error) {
	if sessionID.IsEmpty() {
		return nil, fmt.Errorf("%w: empty session ID", ErrValidation)
	}
	if len(response) > MaxChallengeSize {
		return nil, fmt.Errorf("%w: challenge response too long (%d > %d)", ErrValidation, len(response), MaxChallengeSize)
	}
	return &Envelope{
		SessionID: sessionID,
		RequestID: requestID,
		Body:      &SessionAck{ChallengeResponse: response, Slot: slot},
	}, nil
}

// NewPing 创建存活探测请求
func NewPing(sessionID types.SessionID, requestID types.RequestID) *Envelope {
	return &Envelope{SessionID: sessionID, RequestID: requestID, Body: &Ping{}}
}

// NewPong 创建存活探测响应
func NewPong(sessionID types.SessionID, requestID types.RequestID, timestamp uint64) *Envelope {
	return &Envelope{SessionID: sessionID, RequestID: requestID, Body: &Pong{Timestamp: timestamp}}
}

// NewForward 创建数据转发消息
func NewForward(sessionID types.SessionID, dst types.NodeID, payload []byte) (*Envelope, error) {
	if dst.IsEmpty() {
		return nil, fmt.Errorf("%w: empty destination", ErrValidation)
	}
	if len(payload) > MaxForwardPayload {
		return nil, fmt.Errorf("%w: payload too large (%d > %d)", ErrValidation, len(payload), MaxForwardPayload)
	}
	return &Envelope{
		SessionID: sessionID,
		Body:      &Forward{Dst: dst, Payload: payload},
	}, nil
}

// NewNeighborhoodQuery 创建邻居查询请求
func NewNeighborhoodQuery(sessionID types.SessionID, requestID types.RequestID, count uint32) (*Envelope, error) {
	if count == 0 || count > MaxNeighborhoodCount {
		return nil, fmt.Errorf("%w: neighborhood count out of range (%d)", ErrValidation, count)
	}
	return &Envelope{
		SessionID: sessionID,
		RequestID: requestID,
		Body:      &NeighborhoodQuery{Count: count},
	}, nil
}

// NewNeighborhoodResponse 创建邻居查询响应
func NewNeighborhoodResponse(sessionID types.SessionID, requestID types.RequestID, nodes []types.NodeInfo) *Envelope {
	return &Envelope{
		SessionID: sessionID,
		RequestID: requestID,
		Body:      &NeighborhoodResponse{Nodes: nodes},
	}
}

// NewError 创建错误通告
func NewError(sessionID types.SessionID, requestID types.RequestID, code ErrorCode, text string) (*Envelope, error) {
	if len(text) > MaxErrorTextSize {
		return nil, fmt.Errorf("%w: error text too long (%d > %d)", ErrValidation, len(text), MaxErrorTextSize)
	}
	return &Envelope{
		SessionID: sessionID,
		RequestID: requestID,
		Body:      &ErrorMessage{Code: code, Text: text},
	}, nil
}
