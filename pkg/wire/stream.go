package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
//                              解码状态
// ============================================================================

// decodeState 流式解码器状态
type decodeState uint8

const (
	// stateAwaitingLength 等待长度前缀
	stateAwaitingLength decodeState = iota
	// stateAwaitingPayload 等待载荷字节
	stateAwaitingPayload
)

// ============================================================================
//                              StreamDecoder 流式解码器
// ============================================================================

// StreamDecoder 增量帧解码器
//
// 从任意切分的字节流中切出完整帧并解码为消息，
// 不完整的尾部字节留在缓冲区等待后续推入。
//
// 每个连接持有一个实例，由独占该连接入站字节流的
// goroutine 驱动，不支持并发调用。
//
// 消息严格按帧到达顺序产出。单帧解码失败后解码器进入
// 致命状态：不会扫描下一个长度前缀重新同步，调用方应
// 关闭并重建连接。
type StreamDecoder struct {
	codec *Codec

	state      decodeState
	buf        bytes.Buffer
	payloadLen uint32

	// fatalErr 首个致命错误，置位后解码器不再产出消息
	fatalErr error
}

// NewStreamDecoder 创建流式解码器
func NewStreamDecoder(codec *Codec) *StreamDecoder {
	return &StreamDecoder{codec: codec, state: stateAwaitingLength}
}

// Push 推入一段入站字节
//
// 字节仅被追加到解码缓冲区，完整消息通过 Next 取出。
func (d *StreamDecoder) Push(data []byte) error {
	if d.fatalErr != nil {
		return fmt.Errorf("%w: %v", ErrDecoderPoisoned, d.fatalErr)
	}
	d.buf.Write(data)
	return nil
}

// Next 产出下一条完整消息
//
// 三种结果：
//   - (*Envelope, nil)：成功解码一条消息
//   - (nil, ErrNeedMore)：缓冲区不足一帧，等待更多字节
//   - (nil, 其他错误)：致命流错误，连接必须关闭重建
//
// 本方法从不阻塞，每次调用的工作量以单帧为界。
func (d *StreamDecoder) Next() (*Envelope, error) {
	if d.fatalErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoderPoisoned, d.fatalErr)
	}

	if d.state == stateAwaitingLength {
		if d.buf.Len() < FramePrefixSize {
			return nil, ErrNeedMore
		}

		var lenBuf [FramePrefixSize]byte
		_, _ = d.buf.Read(lenBuf[:])
		length := binary.BigEndian.Uint32(lenBuf[:])

		// 上限在分配缓冲前检查，杜绝恶意长度导致的内存耗尽
		if length > d.codec.MaxFrameBytes() {
			return nil, d.poison(fmt.Errorf("%w: declared %d bytes, limit %d",
				ErrFrameTooLarge, length, d.codec.MaxFrameBytes()))
		}

		d.payloadLen = length
		d.state = stateAwaitingPayload
	}

	if d.buf.Len() < int(d.payloadLen) {
		return nil, ErrNeedMore
	}

	payload := make([]byte, d.payloadLen)
	_, _ = d.buf.Read(payload)
	d.state = stateAwaitingLength
	d.payloadLen = 0

	env, err := d.codec.DecodePayload(payload)
	if err != nil {
		return nil, d.poison(err)
	}
	return env, nil
}

// poison 记录致命错误并返回
func (d *StreamDecoder) poison(err error) error {
	d.fatalErr = err
	return err
}

// Buffered 返回缓冲区中尚未解码的字节数
func (d *StreamDecoder) Buffered() int {
	return d.buf.Len()
}

// Failed 返回解码器是否已进入致命状态
func (d *StreamDecoder) Failed() bool {
	return d.fatalErr != nil
}
