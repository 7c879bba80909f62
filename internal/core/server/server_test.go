package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-relay/pkg/types"
	"github.com/dep2p/go-relay/pkg/wire"
)

// testPeer 测试用对端：通过 net.Pipe 与服务器对话
type testPeer struct {
	t     *testing.T
	conn  net.Conn
	codec *wire.Codec
}

// newTestServer 创建服务器并为其接上一条管道连接
func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	return srv
}

func (s *Server) attachPeer(t *testing.T) *testPeer {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	go s.handleConn(serverSide)
	t.Cleanup(func() { _ = clientSide.Close() })

	codec, err := wire.NewCodec(wire.DefaultMaxFrameBytes)
	require.NoError(t, err)
	return &testPeer{t: t, conn: clientSide, codec: codec}
}

func (p *testPeer) send(env *wire.Envelope) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(p.t, p.codec.WriteEnvelope(p.conn, env))
}

func (p *testPeer) recv() *wire.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(time.Second)))
	env, err := p.codec.ReadEnvelope(p.conn)
	require.NoError(p.t, err)
	return env
}

// handshake 完成会话建立并返回会话ID
func (p *testPeer) handshake(id types.NodeID) types.SessionID {
	p.t.Helper()
	var reqID types.RequestID
	reqID[0] = 0x42

	init, err := wire.NewSessionInit(reqID, id, []byte("test-challenge"))
	require.NoError(p.t, err)
	p.send(init)

	ack := p.recv()
	require.Equal(p.t, wire.KindSessionAck, ack.Kind())
	require.Equal(p.t, reqID, ack.RequestID)
	require.False(p.t, ack.SessionID.IsEmpty())
	return ack.SessionID
}

func TestServer_SessionInitAck(t *testing.T) {
	srv := newTestServer(t)
	peer := srv.attachPeer(t)

	session := peer.handshake(nodeID(1))

	node, err := srv.Table().BySession(session)
	require.NoError(t, err)
	assert.Equal(t, nodeID(1), node.Info.ID)
}

func TestServer_PingPong(t *testing.T) {
	srv := newTestServer(t)
	peer := srv.attachPeer(t)
	session := peer.handshake(nodeID(1))

	var reqID types.RequestID
	reqID[0] = 7
	peer.send(wire.NewPing(session, reqID))

	pong := peer.recv()
	assert.Equal(t, wire.KindPong, pong.Kind())
	assert.Equal(t, reqID, pong.RequestID)
}

func TestServer_PingWithoutSession(t *testing.T) {
	srv := newTestServer(t)
	peer := srv.attachPeer(t)

	var reqID types.RequestID
	reqID[0] = 7
	peer.send(wire.NewPing(types.EmptySessionID, reqID))

	reply := peer.recv()
	require.Equal(t, wire.KindError, reply.Kind())
	errMsg, ok := reply.AsError()
	require.True(t, ok)
	assert.Equal(t, wire.ErrCodeUnauthorized, errMsg.Code)
}

func TestServer_UnknownSessionRejected(t *testing.T) {
	srv := newTestServer(t)
	peer := srv.attachPeer(t)

	var bogus types.SessionID
	bogus[0] = 0xFF
	var reqID types.RequestID
	reqID[0] = 7
	peer.send(wire.NewPing(bogus, reqID))

	reply := peer.recv()
	require.Equal(t, wire.KindError, reply.Kind())
	errMsg, ok := reply.AsError()
	require.True(t, ok)
	assert.Equal(t, wire.ErrCodeUnauthorized, errMsg.Code)
}

func TestServer_NeighbourhoodQuery(t *testing.T) {
	srv := newTestServer(t)

	peerA := srv.attachPeer(t)
	sessionA := peerA.handshake(nodeID(1))
	peerB := srv.attachPeer(t)
	peerB.handshake(nodeID(2))

	var reqID types.RequestID
	reqID[0] = 9
	query, err := wire.NewNeighborhoodQuery(sessionA, reqID, 4)
	require.NoError(t, err)
	peerA.send(query)

	reply := peerA.recv()
	require.Equal(t, wire.KindNeighborhoodResponse, reply.Kind())
	body := reply.Body.(*wire.NeighborhoodResponse)
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, nodeID(2), body.Nodes[0].ID)
}

func TestServer_ForwardBetweenNodes(t *testing.T) {
	srv := newTestServer(t)

	peerA := srv.attachPeer(t)
	sessionA := peerA.handshake(nodeID(1))
	peerB := srv.attachPeer(t)
	peerB.handshake(nodeID(2))

	fwd, err := wire.NewForward(sessionA, nodeID(2), []byte("hello via relay"))
	require.NoError(t, err)
	peerA.send(fwd)

	delivered := peerB.recv()
	require.Equal(t, wire.KindForward, delivered.Kind())
	body, ok := delivered.AsForward()
	require.True(t, ok)
	// 目标字段被改写为来源节点
	assert.Equal(t, nodeID(1), body.Dst)
	assert.Equal(t, []byte("hello via relay"), body.Payload)
}

func TestServer_ForwardToUnknownNode(t *testing.T) {
	srv := newTestServer(t)
	peer := srv.attachPeer(t)
	session := peer.handshake(nodeID(1))

	fwd, err := wire.NewForward(session, nodeID(99), []byte("nobody home"))
	require.NoError(t, err)
	peer.send(fwd)

	reply := peer.recv()
	require.Equal(t, wire.KindError, reply.Kind())
	errMsg, ok := reply.AsError()
	require.True(t, ok)
	assert.Equal(t, wire.ErrCodeNotFound, errMsg.Code)
}

func TestServer_MalformedStreamClosesConn(t *testing.T) {
	srv := newTestServer(t)
	peer := srv.attachPeer(t)

	// 声明远超上限的长度前缀
	require.NoError(t, peer.conn.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err := peer.conn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	// 服务器应关闭连接而不是继续缓冲
	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1)
	_, err = peer.conn.Read(buf)
	assert.Error(t, err)
}

func TestServer_DisconnectUnregistersNode(t *testing.T) {
	srv := newTestServer(t)
	peer := srv.attachPeer(t)
	session := peer.handshake(nodeID(1))

	require.NoError(t, peer.conn.Close())

	require.Eventually(t, func() bool {
		_, err := srv.Table().BySession(session)
		return err != nil
	}, time.Second, 10*time.Millisecond)
	assert.True(t, srv.Table().WasEvicted(session))
}
