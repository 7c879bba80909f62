package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-relay/pkg/types"
)

// ============================================================================
//                              字段标签
// ============================================================================

// Envelope 字段标签，跨协议版本保持稳定
const (
	fieldKind      = 1
	fieldSessionID = 2
	fieldRequestID = 3

	// 消息体字段标签 = bodyFieldBase + Kind
	bodyFieldBase = 9

	fieldInitNodeID    = 1
	fieldInitChallenge = 2
	fieldInitVersion   = 3

	fieldAckResponse = 1
	fieldAckSlot     = 2

	fieldPongTimestamp = 1

	fieldForwardDst     = 1
	fieldForwardPayload = 2

	fieldQueryCount = 1

	fieldRespNode = 1

	fieldNodeID       = 1
	fieldNodeEndpoint = 2
	fieldNodeSlot     = 3

	fieldErrCode = 1
	fieldErrText = 2
)

// FramePrefixSize 帧长度前缀字节数
const FramePrefixSize = 4

// ============================================================================
//                              Codec 编解码器
// ============================================================================

// Codec 帧编解码器
//
// 编码是确定性的纯函数，可被任意 goroutine 并发调用。
// 最大帧大小由集成方配置，是抵御恶意对端内存耗尽攻击的第一道防线。
type Codec struct {
	maxFrameBytes uint32
}

// NewCodec 创建编解码器
//
// maxFrameBytes 为必填参数，限制单帧载荷的最大字节数。
func NewCodec(maxFrameBytes uint32) (*Codec, error) {
	if maxFrameBytes == 0 {
		return nil, fmt.Errorf("%w: max_frame_bytes must be positive", ErrValidation)
	}
	return &Codec{maxFrameBytes: maxFrameBytes}, nil
}

// MaxFrameBytes 返回配置的最大帧大小
func (c *Codec) MaxFrameBytes() uint32 {
	return c.maxFrameBytes
}

// ============================================================================
//                              编码
// ============================================================================

// Encode 将消息编码为完整帧（长度前缀 + 载荷）
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	return c.AppendFrame(nil, env)
}

// AppendFrame 将消息编码为帧并追加到 dst
func (c *Codec) AppendFrame(dst []byte, env *Envelope) ([]byte, error) {
	payload, err := c.EncodePayload(env)
	if err != nil {
		return nil, err
	}

	lenBuf := make([]byte, FramePrefixSize)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))

	dst = append(dst, lenBuf...)
	dst = append(dst, payload...)
	return dst, nil
}

// EncodePayload 将消息编码为帧载荷（不含长度前缀）
//
// 字段按标签升序写出，同一消息两次编码得到完全相同的字节。
func (c *Codec) EncodePayload(env *Envelope) ([]byte, error) {
	if env == nil || env.Body == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrValidation)
	}

	body, err := encodeBody(env.Body)
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(env.Kind()))

	if !env.SessionID.IsEmpty() {
		buf = protowire.AppendTag(buf, fieldSessionID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, env.SessionID.Bytes())
	}
	if !env.RequestID.IsEmpty() {
		buf = protowire.AppendTag(buf, fieldRequestID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, env.RequestID.Bytes())
	}

	// 消息体字段始终写出，即使为零长度（如 Ping）
	buf = protowire.AppendTag(buf, bodyFieldNumber(env.Kind()), protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)

	if uint64(len(buf)) > uint64(c.maxFrameBytes) || uint64(len(buf)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: payload %d bytes, limit %d", ErrFrameTooLarge, len(buf), c.maxFrameBytes)
	}
	return buf, nil
}

// bodyFieldNumber 返回消息体的字段标签
func bodyFieldNumber(k Kind) protowire.Number {
	return protowire.Number(bodyFieldBase + int32(k))
}

// encodeBody 编码消息体，对变体穷尽匹配
func encodeBody(body Body) ([]byte, error) {
	var buf []byte
	switch b := body.(type) {
	case *SessionInit:
		buf = protowire.AppendTag(buf, fieldInitNodeID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.NodeID.Bytes())
		if len(b.Challenge) > 0 {
			buf = protowire.AppendTag(buf, fieldInitChallenge, protowire.BytesType)
			buf = protowire.AppendBytes(buf, b.Challenge)
		}
		if b.Version != 0 {
			buf = protowire.AppendTag(buf, fieldInitVersion, protowire.VarintType)
			buf = protowire.AppendVarint(buf, uint64(b.Version))
		}

	case *SessionAck:
		if len(b.ChallengeResponse) > 0 {
			buf = protowire.AppendTag(buf, fieldAckResponse, protowire.BytesType)
			buf = protowire.AppendBytes(buf, b.ChallengeResponse)
		}
		if b.Slot != 0 {
			buf = protowire.AppendTag(buf, fieldAckSlot, protowire.VarintType)
			buf = protowire.AppendVarint(buf, uint64(b.Slot))
		}

	case *Ping:
		// 空载荷

	case *Pong:
		if b.Timestamp != 0 {
			buf = protowire.AppendTag(buf, fieldPongTimestamp, protowire.VarintType)
			buf = protowire.AppendVarint(buf, b.Timestamp)
		}

	case *Forward:
		buf = protowire.AppendTag(buf, fieldForwardDst, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.Dst.Bytes())
		if len(b.Payload) > 0 {
			buf = protowire.AppendTag(buf, fieldForwardPayload, protowire.BytesType)
			buf = protowire.AppendBytes(buf, b.Payload)
		}

	case *NeighborhoodQuery:
		buf = protowire.AppendTag(buf, fieldQueryCount, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(b.Count))

	case *NeighborhoodResponse:
		for _, node := range b.Nodes {
			buf = protowire.AppendTag(buf, fieldRespNode, protowire.BytesType)
			buf = protowire.AppendBytes(buf, encodeNodeInfo(node))
		}

	case *ErrorMessage:
		if b.Code != ErrCodeNone {
			buf = protowire.AppendTag(buf, fieldErrCode, protowire.VarintType)
			buf = protowire.AppendVarint(buf, uint64(b.Code))
		}
		if b.Text != "" {
			buf = protowire.AppendTag(buf, fieldErrText, protowire.BytesType)
			buf = protowire.AppendString(buf, b.Text)
		}

	default:
		return nil, fmt.Errorf("%w: unencodable body %T", ErrValidation, body)
	}
	return buf, nil
}

// encodeNodeInfo 编码单个节点信息
func encodeNodeInfo(node types.NodeInfo) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldNodeID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, node.ID.Bytes())
	if node.Endpoint != "" {
		buf = protowire.AppendTag(buf, fieldNodeEndpoint, protowire.BytesType)
		buf = protowire.AppendString(buf, node.Endpoint)
	}
	if node.Slot != 0 {
		buf = protowire.AppendTag(buf, fieldNodeSlot, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(node.Slot))
	}
	return buf
}

// ============================================================================
//                              解码
// ============================================================================

// Decode 解码一条完整帧（含长度前缀）
//
// 长度前缀必须与切片实际长度一致。
func (c *Codec) Decode(frame []byte) (*Envelope, error) {
	if len(frame) < FramePrefixSize {
		return nil, fmt.Errorf("%w: frame shorter than length prefix", ErrMalformedFrame)
	}
	declared := binary.BigEndian.Uint32(frame[:FramePrefixSize])
	if declared > c.maxFrameBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, declared, c.maxFrameBytes)
	}
	if uint64(declared) != uint64(len(frame)-FramePrefixSize) {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrMalformedFrame, declared, len(frame)-FramePrefixSize)
	}
	return c.DecodePayload(frame[FramePrefixSize:])
}

// DecodePayload 解码帧载荷（长度前缀已由调用方剥离）
//
// 未知字段标签按字段级跳过；未知的顶层消息类型是硬错误，
// 避免掩盖协议漂移。
func (c *Codec) DecodePayload(payload []byte) (*Envelope, error) {
	if uint64(len(payload)) > uint64(c.maxFrameBytes) {
		return nil, fmt.Errorf("%w: payload %d bytes, limit %d", ErrFrameTooLarge, len(payload), c.maxFrameBytes)
	}

	// 零长度载荷是合法的存活探测
	if len(payload) == 0 {
		return &Envelope{Body: &Ping{}}, nil
	}

	var (
		kindSeen  bool
		kindValue uint64
		sessionID types.SessionID
		requestID types.RequestID
		bodyField protowire.Number
		bodyBytes []byte
	)

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad field tag", ErrMalformedFrame)
		}
		b = b[n:]

		switch num {
		case fieldKind:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("%w: kind field has wire type %d", ErrMalformedFrame, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated kind", ErrMalformedFrame)
			}
			kindSeen, kindValue = true, v
			b = b[n:]

		case fieldSessionID:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("%w: session_id field has wire type %d", ErrMalformedFrame, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated session_id", ErrMalformedFrame)
			}
			id, err := types.SessionIDFromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			sessionID = id
			b = b[n:]

		case fieldRequestID:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("%w: request_id field has wire type %d", ErrMalformedFrame, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated request_id", ErrMalformedFrame)
			}
			id, err := types.RequestIDFromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			requestID = id
			b = b[n:]

		default:
			if isBodyField(num) && typ == protowire.BytesType {
				v, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return nil, fmt.Errorf("%w: truncated body", ErrMalformedFrame)
				}
				bodyField, bodyBytes = num, v
				b = b[n:]
				continue
			}
			// 未知字段：跳过，保证前向兼容
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: truncated unknown field %d", ErrMalformedFrame, num)
			}
			b = b[n:]
		}
	}

	if !kindSeen {
		return nil, fmt.Errorf("%w: missing kind field", ErrMalformedFrame)
	}
	kind, ok := kindFromValue(kindValue)
	if !ok {
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownVariant, kindValue)
	}
	if bodyField != 0 && bodyField != bodyFieldNumber(kind) {
		return nil, fmt.Errorf("%w: body field %d does not match kind %s", ErrMalformedFrame, bodyField, kind)
	}

	body, err := decodeBody(kind, bodyBytes)
	if err != nil {
		return nil, err
	}

	return &Envelope{SessionID: sessionID, RequestID: requestID, Body: body}, nil
}

// isBodyField 判断字段标签是否落在消息体标签区间
func isBodyField(num protowire.Number) bool {
	return num > bodyFieldBase && num <= bodyFieldBase+protowire.Number(KindError)
}

// kindFromValue 将判别值映射到已知消息类型
func kindFromValue(v uint64) (Kind, bool) {
	if v == 0 || v > uint64(KindError) {
		return 0, false
	}
	return Kind(v), true
}

// decodeBody 解码消息体，对变体穷尽匹配
//
// 嵌套深度固定为两层（封包 → 消息体 → 节点信息），无递归。
func decodeBody(kind Kind, b []byte) (Body, error) {
	switch kind {
	case KindSessionInit:
		return decodeSessionInit(b)
	case KindSessionAck:
		return decodeSessionAck(b)
	case KindPing:
		if err := skipUnknownFields(b); err != nil {
			return nil, err
		}
		return &Ping{}, nil
	case KindPong:
		return decodePong(b)
	case KindForward:
		return decodeForward(b)
	case KindNeighborhoodQuery:
		return decodeNeighborhoodQuery(b)
	case KindNeighborhoodResponse:
		return decodeNeighborhoodResponse(b)
	case KindError:
		return decodeErrorMessage(b)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownVariant, kind)
	}
}

// skipUnknownFields 校验仅含可跳过字段的消息体
func skipUnknownFields(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad field tag", ErrMalformedFrame)
		}
		b = b[n:]
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fmt.Errorf("%w: truncated field %d", ErrMalformedFrame, num)
		}
		b = b[n:]
	}
	return nil
}

func decodeSessionInit(b []byte) (*SessionInit, error) {
	init := &SessionInit{}
	var idSeen bool
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fieldInitNodeID:
			id, err := types.NodeIDFromBytes(v.bytes)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			init.NodeID, idSeen = id, true
		case fieldInitChallenge:
			if len(v.bytes) > MaxChallengeSize {
				return fmt.Errorf("%w: challenge too long", ErrMalformedFrame)
			}
			init.Challenge = append([]byte(nil), v.bytes...)
		case fieldInitVersion:
			init.Version = uint32(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !idSeen {
		return nil, fmt.Errorf("%w: session_init missing node_id", ErrMalformedFrame)
	}
	return init, nil
}

func decodeSessionAck(b []byte) (*SessionAck, error) {
	ack := &SessionAck{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fieldAckResponse:
			if len(v.bytes) > MaxChallengeSize {
				return fmt.Errorf("%w: challenge response too long", ErrMalformedFrame)
			}
			ack.ChallengeResponse = append([]byte(nil), v.bytes...)
		case fieldAckSlot:
			ack.Slot = types.Slot(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func decodePong(b []byte) (*Pong, error) {
	pong := &Pong{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == fieldPongTimestamp {
			pong.Timestamp = v.varint
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pong, nil
}

func decodeForward(b []byte) (*Forward, error) {
	fwd := &Forward{}
	var dstSeen bool
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fieldForwardDst:
			id, err := types.NodeIDFromBytes(v.bytes)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			fwd.Dst, dstSeen = id, true
		case fieldForwardPayload:
			fwd.Payload = append([]byte(nil), v.bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !dstSeen {
		return nil, fmt.Errorf("%w: forward missing destination", ErrMalformedFrame)
	}
	return fwd, nil
}

func decodeNeighborhoodQuery(b []byte) (*NeighborhoodQuery, error) {
	query := &NeighborhoodQuery{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == fieldQueryCount {
			query.Count = uint32(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if query.Count == 0 || query.Count > MaxNeighborhoodCount {
		return nil, fmt.Errorf("%w: neighborhood count out of range (%d)", ErrMalformedFrame, query.Count)
	}
	return query, nil
}

func decodeNeighborhoodResponse(b []byte) (*NeighborhoodResponse, error) {
	resp := &NeighborhoodResponse{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == fieldRespNode {
			node, err := decodeNodeInfo(v.bytes)
			if err != nil {
				return err
			}
			resp.Nodes = append(resp.Nodes, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeNodeInfo(b []byte) (types.NodeInfo, error) {
	var node types.NodeInfo
	var idSeen bool
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fieldNodeID:
			id, err := types.NodeIDFromBytes(v.bytes)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			node.ID, idSeen = id, true
		case fieldNodeEndpoint:
			node.Endpoint = string(v.bytes)
		case fieldNodeSlot:
			node.Slot = types.Slot(v.varint)
		}
		return nil
	})
	if err != nil {
		return types.NodeInfo{}, err
	}
	if !idSeen {
		return types.NodeInfo{}, fmt.Errorf("%w: node info missing node_id", ErrMalformedFrame)
	}
	return node, nil
}

func decodeErrorMessage(b []byte) (*ErrorMessage, error) {
	msg := &ErrorMessage{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fieldErrCode:
			msg.Code = ErrorCode(v.varint)
		case fieldErrText:
			if len(v.bytes) > MaxErrorTextSize {
				return fmt.Errorf("%w: error text too long", ErrMalformedFrame)
			}
			msg.Text = string(v.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ============================================================================
//                              字段遍历
// ============================================================================

// fieldValue 单个已解析字段的值
type fieldValue struct {
	varint uint64
	bytes  []byte
}

// eachField 遍历消息体的所有字段
//
// varint 与 bytes 字段交给回调处理，其余线类型与未知标签直接跳过。
// 回调只会收到与其标签匹配的线类型，类型不符的已知标签按未知处理。
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad field tag", ErrMalformedFrame)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: truncated varint field %d", ErrMalformedFrame, num)
			}
			if err := fn(num, typ, fieldValue{varint: v}); err != nil {
				return err
			}
			b = b[n:]

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: truncated bytes field %d", ErrMalformedFrame, num)
			}
			if err := fn(num, typ, fieldValue{bytes: v}); err != nil {
				return err
			}
			b = b[n:]

		default:
			// 其他线类型（fixed32/fixed64 等）：跳过，保证前向兼容
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: truncated field %d", ErrMalformedFrame, num)
			}
			b = b[n:]
		}
	}
	return nil
}

// ============================================================================
//                              流式读写
// ============================================================================

// WriteEnvelope 将消息编码为帧并写入 writer
func (c *Codec) WriteEnvelope(w io.Writer, env *Envelope) error {
	frame, err := c.Encode(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadEnvelope 从 reader 读取并解码一条完整帧
//
// 仅适用于独占 reader 的同步场景；增量字节流请使用 StreamDecoder。
func (c *Codec) ReadEnvelope(r io.Reader) (*Envelope, error) {
	lenBuf := make([]byte, FramePrefixSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf)
	if length > c.maxFrameBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, c.maxFrameBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return c.DecodePayload(payload)
}
