package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-relay/pkg/types"
	"github.com/dep2p/go-relay/pkg/wire"
)

func newTestCodec(t *testing.T) *wire.Codec {
	t.Helper()
	codec, err := wire.NewCodec(wire.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return codec
}

func testNodeID(b byte) types.NodeID {
	var id types.NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

func testSessionID(b byte) types.SessionID {
	var id types.SessionID
	for i := range id {
		id[i] = b
	}
	return id
}

func testRequestID(b byte) types.RequestID {
	var id types.RequestID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestNewCodec_RequiresMaxFrameBytes(t *testing.T) {
	if _, err := wire.NewCodec(0); !errors.Is(err, wire.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func allVariants(t *testing.T) []*wire.Envelope {
	t.Helper()
	session := testSessionID(0xAA)
	reqID := testRequestID(0xBB)

	init, err := wire.NewSessionInit(reqID, testNodeID(1), []byte("challenge-16byte"))
	if err != nil {
		t.Fatalf("NewSessionInit failed: %v", err)
	}
	ack, err := wire.NewSessionAck(session, reqID, []byte("challenge-16byte"), 7)
	if err != nil {
		t.Fatalf("NewSessionAck failed: %v", err)
	}
	fwd, err := wire.NewForward(session, testNodeID(2), []byte("opaque payload"))
	if err != nil {
		t.Fatalf("NewForward failed: %v", err)
	}
	query, err := wire.NewNeighborhoodQuery(session, reqID, 5)
	if err != nil {
		t.Fatalf("NewNeighborhoodQuery failed: %v", err)
	}
	resp := wire.NewNeighborhoodResponse(session, reqID, []types.NodeInfo{
		types.NewNodeInfo(testNodeID(3), "203.0.113.9:7464", 1),
		types.NewNodeInfo(testNodeID(4), "", 2),
	})
	errMsg, err := wire.NewError(session, reqID, wire.ErrCodeNotFound, "destination not registered")
	if err != nil {
		t.Fatalf("NewError failed: %v", err)
	}

	return []*wire.Envelope{
		init,
		ack,
		wire.NewPing(session, reqID),
		wire.NewPong(session, reqID, 1234567890),
		fwd,
		query,
		resp,
		errMsg,
	}
}

func TestRoundTrip_AllVariants(t *testing.T) {
	codec := newTestCodec(t)

	for _, env := range allVariants(t) {
		frame, err := codec.Encode(env)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", env.Kind(), err)
		}

		decoded, err := codec.Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", env.Kind(), err)
		}
		if !reflect.DeepEqual(env, decoded) {
			t.Errorf("%s round trip mismatch:\n got %#v\nwant %#v", env.Kind(), decoded, env)
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	codec := newTestCodec(t)

	for _, env := range allVariants(t) {
		first, err := codec.Encode(env)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		second, err := codec.Encode(env)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%s: encoding is not deterministic", env.Kind())
		}
	}
}

func TestEncode_PingFrame(t *testing.T) {
	codec := newTestCodec(t)

	// 无会话、无请求ID的探测消息：长度前缀 + kind 字段 + 空消息体字段
	ping := &wire.Envelope{Body: &wire.Ping{}}
	frame, err := codec.Encode(ping)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	declared := binary.BigEndian.Uint32(frame[:4])
	if int(declared) != len(frame)-4 {
		t.Fatalf("length prefix %d, payload %d bytes", declared, len(frame)-4)
	}
	// 仅标签开销，没有任何载荷字段
	if declared > 8 {
		t.Fatalf("ping payload unexpectedly large: %d bytes", declared)
	}

	decoded, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Kind() != wire.KindPing {
		t.Fatalf("Kind = %s, want ping", decoded.Kind())
	}
}

func TestDecode_ZeroLengthPayload(t *testing.T) {
	codec := newTestCodec(t)

	env, err := codec.Decode([]byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Kind() != wire.KindPing {
		t.Fatalf("Kind = %s, want ping", env.Kind())
	}
}

func TestEncode_FrameTooLarge(t *testing.T) {
	codec, err := wire.NewCodec(16)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	fwd, err := wire.NewForward(testSessionID(1), testNodeID(1), bytes.Repeat([]byte{0xCC}, 64))
	if err != nil {
		t.Fatalf("NewForward failed: %v", err)
	}
	if _, err := codec.Encode(fwd); !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecode_DeclaredTooLarge(t *testing.T) {
	codec, err := wire.NewCodec(64)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame, 1<<20)
	if _, err := codec.Decode(frame); !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecode_PrefixMismatch(t *testing.T) {
	codec := newTestCodec(t)

	frame, err := codec.Encode(wire.NewPing(testSessionID(1), testRequestID(1)))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// 声明长度与实际载荷不符
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)))
	if _, err := codec.Decode(frame); !errors.Is(err, wire.ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecode_UnknownVariant(t *testing.T) {
	codec := newTestCodec(t)

	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 99)

	if _, err := codec.DecodePayload(payload); !errors.Is(err, wire.ErrUnknownVariant) {
		t.Fatalf("err = %v, want ErrUnknownVariant", err)
	}
}

func TestDecode_UnknownFieldSkipped(t *testing.T) {
	codec := newTestCodec(t)

	payload, err := codec.EncodePayload(wire.NewPing(testSessionID(1), testRequestID(1)))
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}

	// 追加一个未来版本的未知字段，解码应按字段级跳过
	payload = protowire.AppendTag(payload, 200, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("future extension"))

	env, err := codec.DecodePayload(payload)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if env.Kind() != wire.KindPing {
		t.Fatalf("Kind = %s, want ping", env.Kind())
	}
}

func TestDecode_TruncatedField(t *testing.T) {
	codec := newTestCodec(t)

	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(wire.KindForward))
	// bytes 字段声明 100 字节但只有 3 字节
	payload = protowire.AppendTag(payload, 14, protowire.BytesType)
	payload = protowire.AppendVarint(payload, 100)
	payload = append(payload, 1, 2, 3)

	if _, err := codec.DecodePayload(payload); !errors.Is(err, wire.ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecode_MissingRequiredField(t *testing.T) {
	codec := newTestCodec(t)

	// forward 消息体缺少目标节点ID
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(wire.KindForward))
	payload = protowire.AppendTag(payload, 14, protowire.BytesType)
	payload = protowire.AppendBytes(payload, nil)

	if _, err := codec.DecodePayload(payload); !errors.Is(err, wire.ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecode_BodyKindMismatch(t *testing.T) {
	codec := newTestCodec(t)

	// kind 声明 ping，消息体字段却是 forward 的标签
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(wire.KindPing))
	payload = protowire.AppendTag(payload, 14, protowire.BytesType)
	payload = protowire.AppendBytes(payload, nil)

	if _, err := codec.DecodePayload(payload); !errors.Is(err, wire.ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestConstruction_Validation(t *testing.T) {
	session := testSessionID(1)
	reqID := testRequestID(1)

	if _, err := wire.NewForward(session, testNodeID(1), make([]byte, wire.MaxForwardPayload+1)); !errors.Is(err, wire.ErrValidation) {
		t.Errorf("oversized payload: err = %v, want ErrValidation", err)
	}
	if _, err := wire.NewForward(session, types.EmptyNodeID, nil); !errors.Is(err, wire.ErrValidation) {
		t.Errorf("empty destination: err = %v, want ErrValidation", err)
	}
	if _, err := wire.NewNeighborhoodQuery(session, reqID, 0); !errors.Is(err, wire.ErrValidation) {
		t.Errorf("zero count: err = %v, want ErrValidation", err)
	}
	if _, err := wire.NewNeighborhoodQuery(session, reqID, wire.MaxNeighborhoodCount+1); !errors.Is(err, wire.ErrValidation) {
		t.Errorf("oversized count: err = %v, want ErrValidation", err)
	}
	if _, err := wire.NewSessionInit(reqID, testNodeID(1), make([]byte, wire.MaxChallengeSize+1)); !errors.Is(err, wire.ErrValidation) {
		t.Errorf("oversized challenge: err = %v, want ErrValidation", err)
	}
	if _, err := wire.NewSessionInit(reqID, types.EmptyNodeID, nil); !errors.Is(err, wire.ErrValidation) {
		t.Errorf("empty node ID: err = %v, want ErrValidation", err)
	}
}

func TestErrorCode_ToError(t *testing.T) {
	if err := wire.ErrCodeNone.ToError(); err != nil {
		t.Fatalf("ErrCodeNone.ToError() = %v, want nil", err)
	}
	if err := wire.ErrCodeNotFound.ToError(); err == nil {
		t.Fatal("ErrCodeNotFound.ToError() = nil, want error")
	}
}
