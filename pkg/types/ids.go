// Package types 定义中继协议的基础类型
//
// 这是整个模块的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/bits"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              NodeID - 节点标识
// ============================================================================

// NodeIDSize NodeID 字节大小
const NodeIDSize = 32

// NodeID 节点唯一标识符
//
// 外部表示格式：
//   - String(): Base58 编码（用户可读、可分享）
//   - ShortString(): Base58 前缀（日志简短标识）
type NodeID [NodeIDSize]byte

// EmptyNodeID 空节点ID
var EmptyNodeID NodeID

// ErrInvalidNodeID 无效的节点ID错误
var ErrInvalidNodeID = errors.New("invalid node ID: must be 32 bytes Base58")

// String 返回 NodeID 的 Base58 字符串表示
func (id NodeID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 NodeID 的短字符串表示
//
// 格式：Base58 前 8 个字符，用于日志中的简短标识。
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 NodeID 的字节切片
func (id NodeID) Bytes() []byte {
	return id[:]
}

// Equal 比较两个 NodeID 是否相等
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// IsEmpty 检查 NodeID 是否为空
func (id NodeID) IsEmpty() bool {
	return id == EmptyNodeID
}

// HammingDistance 返回两个 NodeID 之间的汉明距离（不同比特位数）
//
// 用于邻居选择：每个节点的邻居集合应尽量分散，
// 广播时才能用最少的步数覆盖整个网络。
func (id NodeID) HammingDistance(other NodeID) int {
	var d int
	for i := 0; i < NodeIDSize; i++ {
		d += bits.OnesCount8(id[i] ^ other[i])
	}
	return d
}

// NodeIDFromBytes 从字节切片创建 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != NodeIDSize {
		return EmptyNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// ParseNodeID 从 Base58 字符串解析 NodeID
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return EmptyNodeID, ErrInvalidNodeID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeIDFromBytes(b)
}

// ============================================================================
//                              SessionID - 会话标识
// ============================================================================

// SessionIDSize SessionID 字节大小
const SessionIDSize = 16

// SessionID 会话唯一标识符
//
// 由中继服务器在会话建立时随机生成，16 字节高熵随机数。
// 随机生成既避免碰撞，也防止对端猜测或劫持他人会话。
type SessionID [SessionIDSize]byte

// EmptySessionID 空会话ID
var EmptySessionID SessionID

// ErrInvalidSessionID 无效的会话ID错误
var ErrInvalidSessionID = errors.New("invalid session ID: must be 16 bytes")

// String 返回 SessionID 的十六进制字符串表示
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// IsEmpty 检查 SessionID 是否为空
func (id SessionID) IsEmpty() bool {
	return id == EmptySessionID
}

// Bytes 返回 SessionID 的字节切片
func (id SessionID) Bytes() []byte {
	return id[:]
}

// SessionIDFromBytes 从字节切片创建 SessionID
func SessionIDFromBytes(b []byte) (SessionID, error) {
	if len(b) != SessionIDSize {
		return EmptySessionID, ErrInvalidSessionID
	}
	var id SessionID
	copy(id[:], b)
	return id, nil
}

// GenerateSessionID 生成随机会话ID
func GenerateSessionID() SessionID {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return id
}

// ============================================================================
//                              RequestID - 请求标识
// ============================================================================

// RequestIDSize RequestID 字节大小
const RequestIDSize = 16

// RequestID 请求唯一标识符
//
// 用于请求与响应的关联。必须随机生成，
// 顺序编号会让攻击者有机会猜中并抢占待定请求槽位。
type RequestID [RequestIDSize]byte

// EmptyRequestID 空请求ID
var EmptyRequestID RequestID

// ErrInvalidRequestID 无效的请求ID错误
var ErrInvalidRequestID = errors.New("invalid request ID: must be 16 bytes")

// String 返回 RequestID 的十六进制字符串表示
func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// IsEmpty 检查 RequestID 是否为空
func (id RequestID) IsEmpty() bool {
	return id == EmptyRequestID
}

// Bytes 返回 RequestID 的字节切片
func (id RequestID) Bytes() []byte {
	return id[:]
}

// RequestIDFromBytes 从字节切片创建 RequestID
func RequestIDFromBytes(b []byte) (RequestID, error) {
	if len(b) != RequestIDSize {
		return EmptyRequestID, ErrInvalidRequestID
	}
	var id RequestID
	copy(id[:], b)
	return id, nil
}

// ============================================================================
//                              Slot - 转发槽位
// ============================================================================

// Slot 节点在中继转发表中的槽位编号
//
// 槽位提供常数时间的转发查找，编号在节点注销后可复用。
type Slot uint32
