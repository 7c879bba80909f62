// Package client 提供中继客户端实现
//
// 客户端负责：
// - 建立与中继服务器的会话
// - 发出关联请求（存活探测、邻居查询）并等待响应
// - 收发转发消息
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-relay/internal/util/logger"
	"github.com/dep2p/go-relay/pkg/request"
	"github.com/dep2p/go-relay/pkg/types"
	"github.com/dep2p/go-relay/pkg/wire"
)

var log = logger.Logger("relay.client")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNotConnected 会话尚未建立
	ErrNotConnected = errors.New("not connected to relay")

	// ErrHandshakeFailed 会话建立失败
	ErrHandshakeFailed = errors.New("session handshake failed")

	// ErrClientClosed 客户端已关闭
	ErrClientClosed = errors.New("client closed")
)

// RemoteError 中继服务器回送的协议错误
type RemoteError struct {
	// Code 错误码
	Code wire.ErrorCode

	// Text 错误描述
	Text string
}

// Error 实现 error
func (e *RemoteError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("relay error: %s", e.Code)
	}
	return fmt.Sprintf("relay error: %s (%s)", e.Code, e.Text)
}

// ============================================================================
//                              配置
// ============================================================================

// Config 客户端配置
type Config struct {
	// MaxFrameBytes 单帧最大字节数
	MaxFrameBytes uint32

	// RequestTimeout 单个请求的超时时长
	RequestTimeout time.Duration

	// PollInterval 超时轮询间隔
	PollInterval time.Duration

	// ChallengeSize 会话挑战字节数
	ChallengeSize int

	// ReadBufferSize 单次读取的缓冲区大小
	ReadBufferSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:  wire.DefaultMaxFrameBytes,
		RequestTimeout: 10 * time.Second,
		PollInterval:   time.Second,
		ChallengeSize:  16,
		ReadBufferSize: 4096,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("max frame bytes must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.ChallengeSize <= 0 || c.ChallengeSize > wire.MaxChallengeSize {
		return fmt.Errorf("challenge size out of range, got %d", c.ChallengeSize)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	}
	return nil
}

// ============================================================================
//                              Client 实现
// ============================================================================

// ForwardHandler 入站转发消息回调
//
// src 是消息来源节点（由中继改写），payload 为不透明载荷。
type ForwardHandler func(src types.NodeID, payload []byte)

// Client 中继客户端
type Client struct {
	config     Config
	codec      *wire.Codec
	clock      clock.Clock
	correlator *request.Correlator
	nodeID     types.NodeID

	conn    net.Conn
	writeMu sync.Mutex

	mu        sync.RWMutex
	sessionID types.SessionID
	slot      types.Slot
	onForward ForwardHandler

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Dial 连接中继服务器并完成会话建立
func Dial(ctx context.Context, addr string, nodeID types.NodeID, config Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", addr, err)
	}

	c, err := NewWithConn(conn, nodeID, config, nil, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewWithConn 基于已建立的连接创建客户端
//
// clk 与 ids 为 nil 时使用真实时钟和随机ID来源。
// 调用方随后需要执行 Handshake。
func NewWithConn(conn net.Conn, nodeID types.NodeID, config Config, clk clock.Clock, ids request.IDSource) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if nodeID.IsEmpty() {
		return nil, fmt.Errorf("node ID must not be empty")
	}

	codec, err := wire.NewCodec(config.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}

	correlatorConfig := request.DefaultConfig()
	correlatorConfig.Timeout = config.RequestTimeout
	correlator, err := request.New(correlatorConfig, clk, ids)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		codec:      codec,
		clock:      clk,
		correlator: correlator,
		nodeID:     nodeID,
		conn:       conn,
		stopCh:     make(chan struct{}),
	}

	go c.readLoop()
	go c.pollLoop()
	return c, nil
}

// SetForwardHandler 设置入站转发消息回调
func (c *Client) SetForwardHandler(handler ForwardHandler) {
	c.mu.Lock()
	c.onForward = handler
	c.mu.Unlock()
}

// SessionID 返回当前会话ID（会话建立前为空）
func (c *Client) SessionID() types.SessionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Slot 返回服务器分配的转发槽位
func (c *Client) Slot() types.Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}

// Close 关闭客户端
//
// 所有待定请求立即以取消结束，而不是留待超时。
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.correlator.Close()
		_ = c.conn.Close()
	})
}

// ============================================================================
//                              会话建立
// ============================================================================

// Handshake 执行会话建立
//
// 发送携带随机挑战的 SessionInit，等待服务器的 SessionAck，
// 校验挑战应答后记录会话ID与槽位。
func (c *Client) Handshake(ctx context.Context) error {
	challenge := make([]byte, c.config.ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("failed to generate challenge: %w", err)
	}

	resp, err := c.request(ctx, func(id types.RequestID) (*wire.Envelope, error) {
		return wire.NewSessionInit(id, c.nodeID, challenge)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	ack, ok := resp.Body.(*wire.SessionAck)
	if !ok {
		return fmt.Errorf("%w: unexpected response kind %s", ErrHandshakeFailed, resp.Kind())
	}
	if !bytes.Equal(ack.ChallengeResponse, challenge) {
		return fmt.Errorf("%w: challenge mismatch", ErrHandshakeFailed)
	}
	if resp.SessionID.IsEmpty() {
		return fmt.Errorf("%w: empty session ID", ErrHandshakeFailed)
	}

	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.slot = ack.Slot
	c.mu.Unlock()

	log.Info("会话已建立", "session_id", resp.SessionID, "slot", ack.Slot)
	return nil
}

// ============================================================================
//                              请求 API
// ============================================================================

// Ping 发送存活探测，返回往返时延
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	session, err := c.requireSession()
	if err != nil {
		return 0, err
	}

	start := c.clock.Now()
	resp, err := c.request(ctx, func(id types.RequestID) (*wire.Envelope, error) {
		return wire.NewPing(session, id), nil
	})
	if err != nil {
		return 0, err
	}
	if _, ok := resp.Body.(*wire.Pong); !ok {
		return 0, fmt.Errorf("%w: unexpected response kind %s", wire.ErrMalformedFrame, resp.Kind())
	}
	return c.clock.Now().Sub(start), nil
}

// Neighbours 查询最近的 count 个邻居节点
func (c *Client) Neighbours(ctx context.Context, count uint32) ([]types.NodeInfo, error) {
	session, err := c.requireSession()
	if err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, func(id types.RequestID) (*wire.Envelope, error) {
		return wire.NewNeighborhoodQuery(session, id, count)
	})
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.NeighborhoodResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected response kind %s", wire.ErrMalformedFrame, resp.Kind())
	}
	return body.Nodes, nil
}

// Forward 向目标节点发送转发消息
//
// 转发没有响应，投递保证属于中继层策略。
func (c *Client) Forward(dst types.NodeID, payload []byte) error {
	session, err := c.requireSession()
	if err != nil {
		return err
	}

	env, err := wire.NewForward(session, dst, payload)
	if err != nil {
		return err
	}
	return c.send(env)
}

// requireSession 返回已建立的会话ID
func (c *Client) requireSession() (types.SessionID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID.IsEmpty() {
		return types.EmptySessionID, ErrNotConnected
	}
	return c.sessionID, nil
}

// request 登记并发出一个关联请求，等待响应
func (c *Client) request(ctx context.Context, build func(id types.RequestID) (*wire.Envelope, error)) (*wire.Envelope, error) {
	id, handle, err := c.correlator.Track()
	if err != nil {
		return nil, err
	}

	env, err := build(id)
	if err != nil {
		c.correlator.Cancel(id)
		return nil, err
	}
	if err := c.send(env); err != nil {
		c.correlator.Cancel(id)
		return nil, err
	}

	select {
	case result := <-handle:
		if result.Err != nil {
			return nil, result.Err
		}
		if errMsg, ok := result.Response.AsError(); ok {
			return nil, &RemoteError{Code: errMsg.Code, Text: errMsg.Text}
		}
		return result.Response, nil

	case <-ctx.Done():
		c.correlator.Cancel(id)
		return nil, ctx.Err()

	case <-c.stopCh:
		return nil, ErrClientClosed
	}
}

// send 编码并写出一条消息
func (c *Client) send(env *wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.codec.WriteEnvelope(c.conn, env)
}

// ============================================================================
//                              读取与超时轮询
// ============================================================================

// readLoop 独占驱动连接的入站字节流
func (c *Client) readLoop() {
	decoder := wire.NewStreamDecoder(c.codec)
	buf := make([]byte, c.config.ReadBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if pushErr := decoder.Push(buf[:n]); pushErr != nil {
				c.Close()
				return
			}
			if !c.drainDecoder(decoder) {
				c.Close()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("连接读取失败", "err", err)
			}
			c.Close()
			return
		}
	}
}

// drainDecoder 取出所有完整消息并投递
func (c *Client) drainDecoder(decoder *wire.StreamDecoder) bool {
	for {
		env, err := decoder.Next()
		if errors.Is(err, wire.ErrNeedMore) {
			return true
		}
		if err != nil {
			// 连接级致命错误：关闭连接，由上层决定是否重建
			log.Warn("流解码失败，关闭连接", "err", err)
			return false
		}
		c.deliver(env)
	}
}

// deliver 投递一条入站消息
func (c *Client) deliver(env *wire.Envelope) {
	if env.IsResponse() {
		c.correlator.Resolve(env.RequestID, env)
		return
	}

	switch body := env.Body.(type) {
	case *wire.Forward:
		c.mu.RLock()
		handler := c.onForward
		c.mu.RUnlock()
		if handler != nil {
			// 中继已将目标字段改写为来源节点
			handler(body.Dst, body.Payload)
		}

	case *wire.ErrorMessage:
		log.Warn("收到中继错误通告", "code", body.Code, "text", body.Text)

	default:
		log.Debug("忽略意外的入站消息", "kind", env.Kind().String())
	}
}

// pollLoop 周期性驱动关联器的超时检查
func (c *Client) pollLoop() {
	ticker := c.clock.Ticker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.correlator.PollTimeouts(c.clock.Now())
		}
	}
}
