// Package server 提供中继服务器实现
//
// 中继服务器帮助 NAT 后的节点交换控制与数据消息，主要功能：
// - 会话建立与过期清理
// - 数据转发（按节点ID路由到目标连接）
// - 邻居查询（按汉明距离选取）
// - 存活探测
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-relay/internal/util/logger"
	"github.com/dep2p/go-relay/pkg/types"
	"github.com/dep2p/go-relay/pkg/wire"
)

var log = logger.Logger("relay.server")

// ============================================================================
//                              配置
// ============================================================================

// Config 服务器配置
type Config struct {
	// ListenAddr 监听地址
	ListenAddr string

	// MaxFrameBytes 单帧最大字节数
	MaxFrameBytes uint32

	// SessionTTL 会话存活时长，超过未活跃即过期
	SessionTTL time.Duration

	// SweepInterval 过期会话清理间隔
	SweepInterval time.Duration

	// ReadBufferSize 单次读取的缓冲区大小
	ReadBufferSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":7464",
		MaxFrameBytes:  wire.DefaultMaxFrameBytes,
		SessionTTL:     60 * time.Second,
		SweepInterval:  10 * time.Second,
		ReadBufferSize: 4096,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen addr must not be empty")
	}
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("max frame bytes must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %v", c.SessionTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	}
	return nil
}

// ============================================================================
//                              serverConn - 服务端连接
// ============================================================================

// serverConn 一条入站连接
//
// 读取由 handleConn 独占；写入可能来自多个分发路径，
// 由 writeMu 串行化。
type serverConn struct {
	raw net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	session types.SessionID
}

// setSession 绑定会话ID
func (c *serverConn) setSession(id types.SessionID) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// sessionID 返回已绑定的会话ID
func (c *serverConn) sessionID() types.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ============================================================================
//                              Server 实现
// ============================================================================

// Server 中继服务器
type Server struct {
	config Config
	codec  *wire.Codec
	clock  clock.Clock
	table  *NodeTable

	mu     sync.RWMutex
	conns  map[types.SessionID]*serverConn
	ln     net.Listener
	closed bool
}

// New 创建中继服务器
//
// clk 为 nil 时使用真实时钟。
func New(config Config, clk clock.Clock) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	codec, err := wire.NewCodec(config.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		config: config,
		codec:  codec,
		clock:  clk,
		table:  NewNodeTable(),
		conns:  make(map[types.SessionID]*serverConn),
	}, nil
}

// Table 返回节点会话表
func (s *Server) Table() *NodeTable {
	return s.table
}

// Run 启动服务器并阻塞运行，直到 ctx 取消或发生致命错误
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info("中继服务器已启动", "addr", ln.Addr().String(), "max_frame_bytes", s.config.MaxFrameBytes)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	err = g.Wait()
	log.Info("中继服务器已停止")
	return err
}

// shutdown 关闭监听器与所有连接
func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[types.SessionID]*serverConn)
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.raw.Close()
	}
}

// acceptLoop 接受入站连接
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handleConn(raw)
	}
}

// sweepLoop 周期性清理过期会话
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.clock.Now()
			expired := s.table.SweepExpired(now.Add(-s.config.SessionTTL), now)
			for _, node := range expired {
				log.Info("会话过期", "session_id", node.Session, "node_id", node.Info.ID.ShortString())
				s.dropConn(node.Session)
			}
		}
	}
}

// dropConn 移除并关闭指定会话的连接
func (s *Server) dropConn(session types.SessionID) {
	s.mu.Lock()
	c, ok := s.conns[session]
	if ok {
		delete(s.conns, session)
	}
	s.mu.Unlock()

	if ok {
		_ = c.raw.Close()
	}
}

// HandleConn 服务一条已建立的连接，直到对端断开或流出错
//
// 供自带监听器的调用方使用；Run 接受的连接走同一条路径。
func (s *Server) HandleConn(conn net.Conn) {
	s.handleConn(conn)
}

// handleConn 处理单条连接的入站字节流
//
// 每条连接一个 goroutine，独占驱动自己的流式解码器。
// 解码器进入致命状态后连接直接关闭，不尝试重新同步。
func (s *Server) handleConn(raw net.Conn) {
	sc := &serverConn{raw: raw}
	decoder := wire.NewStreamDecoder(s.codec)
	buf := make([]byte, s.config.ReadBufferSize)

	defer s.teardownConn(sc)

	for {
		n, err := raw.Read(buf)
		if n > 0 {
			if pushErr := decoder.Push(buf[:n]); pushErr != nil {
				return
			}
			if !s.drainDecoder(sc, decoder) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("连接读取失败", "remote", raw.RemoteAddr().String(), "err", err)
			}
			return
		}
	}
}

// drainDecoder 取出解码器中所有完整消息并分发
//
// 返回 false 表示流已进入致命状态，连接应关闭。
func (s *Server) drainDecoder(sc *serverConn, decoder *wire.StreamDecoder) bool {
	for {
		env, err := decoder.Next()
		if errors.Is(err, wire.ErrNeedMore) {
			return true
		}
		if err != nil {
			// 对端发送非法流量，按连接级致命处理
			log.Warn("流解码失败，关闭连接", "remote", sc.raw.RemoteAddr().String(), "err", err)
			return false
		}
		s.dispatch(sc, env)
	}
}

// teardownConn 连接拆除时的清理
func (s *Server) teardownConn(sc *serverConn) {
	_ = sc.raw.Close()

	session := sc.sessionID()
	if session.IsEmpty() {
		return
	}

	now := s.clock.Now()
	if s.table.Unregister(session, now) {
		log.Info("节点已离线", "session_id", session)
	}

	s.mu.Lock()
	if s.conns[session] == sc {
		delete(s.conns, session)
	}
	s.mu.Unlock()
}

// ============================================================================
//                              消息分发
// ============================================================================

// dispatch 处理一条已解码的入站消息
func (s *Server) dispatch(sc *serverConn, env *wire.Envelope) {
	now := s.clock.Now()
	if !env.SessionID.IsEmpty() {
		s.table.UpdateSeen(env.SessionID, now)
	}

	switch body := env.Body.(type) {
	case *wire.SessionInit:
		s.handleSessionInit(sc, env, body)

	case *wire.Ping:
		s.handlePing(sc, env)

	case *wire.NeighborhoodQuery:
		s.handleNeighborhoodQuery(sc, env, body)

	case *wire.Forward:
		s.handleForward(sc, env, body)

	case *wire.ErrorMessage:
		log.Warn("收到对端错误通告", "session_id", env.SessionID, "code", body.Code, "text", body.Text)

	case *wire.SessionAck, *wire.Pong, *wire.NeighborhoodResponse:
		// 响应类消息不应出现在服务端入站方向
		s.replyError(sc, env, wire.ErrCodeBadRequest, "unexpected response message")

	default:
		s.replyError(sc, env, wire.ErrCodeBadRequest, "unexpected message kind")
	}
}

// handleSessionInit 处理会话建立请求
func (s *Server) handleSessionInit(sc *serverConn, env *wire.Envelope, init *wire.SessionInit) {
	if !sc.sessionID().IsEmpty() {
		s.replyError(sc, env, wire.ErrCodeBadRequest, "session already established")
		return
	}

	session := types.GenerateSessionID()
	endpoint := sc.raw.RemoteAddr().String()
	slot, err := s.table.Register(session, init.NodeID, endpoint, s.clock.Now())
	if err != nil {
		log.Debug("节点注册失败", "node_id", init.NodeID.ShortString(), "err", err)
		s.replyError(sc, env, wire.ErrCodeBadRequest, "node already registered")
		return
	}

	sc.setSession(session)
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.conns[session] = sc
	}
	s.mu.Unlock()
	if closed {
		_ = sc.raw.Close()
		return
	}

	// 挑战应答原样回送，工作量证明策略属于中继层
	ack, err := wire.NewSessionAck(session, env.RequestID, init.Challenge, slot)
	if err != nil {
		log.Error("构造会话响应失败", "err", err)
		return
	}
	s.send(sc, ack)
	log.Info("会话已建立", "session_id", session, "node_id", init.NodeID.ShortString(), "slot", slot)
}

// handlePing 处理存活探测
func (s *Server) handlePing(sc *serverConn, env *wire.Envelope) {
	if _, ok := s.requireSession(sc, env); !ok {
		return
	}
	ts := uint64(s.clock.Now().UnixNano())
	s.send(sc, wire.NewPong(env.SessionID, env.RequestID, ts))
}

// handleNeighborhoodQuery 处理邻居查询
func (s *Server) handleNeighborhoodQuery(sc *serverConn, env *wire.Envelope, query *wire.NeighborhoodQuery) {
	if _, ok := s.requireSession(sc, env); !ok {
		return
	}

	nodes, err := s.table.Neighbours(env.SessionID, query.Count)
	if err != nil {
		s.replyError(sc, env, wire.ErrCodeInternal, "neighbourhood lookup failed")
		return
	}
	s.send(sc, wire.NewNeighborhoodResponse(env.SessionID, env.RequestID, nodes))
}

// handleForward 处理数据转发
//
// 出站转发消息的目标字段被改写为源节点ID，
// 接收方据此得知消息来自谁。
func (s *Server) handleForward(sc *serverConn, env *wire.Envelope, fwd *wire.Forward) {
	src, ok := s.requireSession(sc, env)
	if !ok {
		return
	}

	dst, err := s.table.ByNode(fwd.Dst)
	if err != nil {
		s.replyError(sc, env, wire.ErrCodeNotFound, "destination not registered")
		return
	}

	s.mu.RLock()
	dstConn, connected := s.conns[dst.Session]
	s.mu.RUnlock()
	if !connected {
		s.replyError(sc, env, wire.ErrCodeNotFound, "destination not connected")
		return
	}

	out, err := wire.NewForward(dst.Session, src.Info.ID, fwd.Payload)
	if err != nil {
		s.replyError(sc, env, wire.ErrCodeInternal, "forward rewrite failed")
		return
	}
	s.send(dstConn, out)
}

// requireSession 校验消息携带的会话
//
// 会话无效时向对端回送错误并返回 false。最近过期的会话
// 回送 SessionExpired，方便对端区分过期与从未注册。
func (s *Server) requireSession(sc *serverConn, env *wire.Envelope) (NodeSession, bool) {
	if env.SessionID.IsEmpty() {
		s.replyError(sc, env, wire.ErrCodeUnauthorized, "missing session ID")
		return NodeSession{}, false
	}
	node, err := s.table.BySession(env.SessionID)
	if err != nil {
		if s.table.WasEvicted(env.SessionID) {
			s.replyError(sc, env, wire.ErrCodeSessionExpired, "session expired")
		} else {
			s.replyError(sc, env, wire.ErrCodeUnauthorized, "unknown session")
		}
		return NodeSession{}, false
	}
	return node, true
}

// replyError 向对端回送错误通告
func (s *Server) replyError(sc *serverConn, env *wire.Envelope, code wire.ErrorCode, text string) {
	reply, err := wire.NewError(env.SessionID, env.RequestID, code, text)
	if err != nil {
		log.Error("构造错误通告失败", "err", err)
		return
	}
	s.send(sc, reply)
}

// send 编码并写出一条消息
func (s *Server) send(sc *serverConn, env *wire.Envelope) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := s.codec.WriteEnvelope(sc.raw, env); err != nil {
		log.Debug("消息写出失败", "remote", sc.raw.RemoteAddr().String(), "kind", env.Kind().String(), "err", err)
	}
}
