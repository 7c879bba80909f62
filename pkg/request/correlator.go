// Package request 实现请求与响应的关联
//
// 出站请求登记一个随机请求ID和截止时间，入站响应按请求ID
// 匹配到等待中的调用方。超时与取消是正常的控制流结果，
// 不是连接级错误。
package request

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-relay/internal/util/logger"
	"github.com/dep2p/go-relay/pkg/types"
	"github.com/dep2p/go-relay/pkg/wire"
)

var log = logger.Logger("request.correlator")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrRequestTimedOut 请求在截止时间前未收到响应
	ErrRequestTimedOut = errors.New("request timed out")

	// ErrCancelled 请求被显式取消（如连接拆除）
	ErrCancelled = errors.New("request cancelled")

	// ErrTooManyPending 待定请求数达到上限
	ErrTooManyPending = errors.New("too many pending requests")
)

// ============================================================================
//                              配置
// ============================================================================

// Config 关联器配置
type Config struct {
	// Timeout 单个请求的超时时长
	Timeout time.Duration

	// MaxPending 同时待定的请求数上限
	MaxPending int

	// RecentCacheSize 已完结请求ID缓存大小
	//
	// 用于区分重复/迟到的响应与完全未知的响应。
	RecentCacheSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		MaxPending:      1024,
		RecentCacheSize: 4096,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("max pending must be positive, got %d", c.MaxPending)
	}
	if c.RecentCacheSize <= 0 {
		return fmt.Errorf("recent cache size must be positive, got %d", c.RecentCacheSize)
	}
	return nil
}

// ============================================================================
//                              IDSource - 请求ID来源
// ============================================================================

// IDSource 请求ID生成器
//
// 作为显式注入的能力对象传入，测试可以替换为确定性实现。
// 生产实现必须产生不可预测的随机ID，防止攻击者猜中并
// 抢占待定请求槽位。
type IDSource interface {
	// NewRequestID 生成一个新的请求ID
	NewRequestID() (types.RequestID, error)
}

// randomIDSource 基于 crypto/rand 的默认实现
type randomIDSource struct{}

// NewRequestID 实现 IDSource
func (randomIDSource) NewRequestID() (types.RequestID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return types.EmptyRequestID, fmt.Errorf("failed to generate request ID: %w", err)
	}
	return types.RequestID(u), nil
}

// RandomIDSource 返回密码学安全的随机ID来源
func RandomIDSource() IDSource {
	return randomIDSource{}
}

// ============================================================================
//                              Result - 请求结果
// ============================================================================

// Result 请求的最终结果，响应或错误二选一
type Result struct {
	// Response 匹配到的响应消息
	Response *wire.Envelope

	// Err 失败原因（ErrRequestTimedOut 或 ErrCancelled）
	Err error
}

// Handle 请求结果的等待句柄
//
// 每个请求恰好投递一个结果，随后通道关闭。
type Handle <-chan Result

// ============================================================================
//                              Correlator 关联器
// ============================================================================

// pendingEntry 待定请求表项
type pendingEntry struct {
	id       types.RequestID
	resultCh chan Result
	deadline time.Time
}

// Correlator 请求响应关联器
//
// 待定请求表是唯一跨并发边界共享的状态，插入、匹配删除
// 与超时删除互相竞争，统一由内部互斥锁串行化。
type Correlator struct {
	config Config
	clock  clock.Clock
	ids    IDSource

	mu      sync.Mutex
	pending map[types.RequestID]*pendingEntry
	closed  bool

	// recent 记录最近完结的请求ID，用于识别重复响应
	recent *lru.Cache[types.RequestID, struct{}]
}

// New 创建关联器
//
// clk 与 ids 为 nil 时使用真实时钟和随机ID来源。
func New(config Config, clk clock.Clock, ids IDSource) (*Correlator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correlator config: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	if ids == nil {
		ids = RandomIDSource()
	}

	recent, err := lru.New[types.RequestID, struct{}](config.RecentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create recent cache: %w", err)
	}

	return &Correlator{
		config:  config,
		clock:   clk,
		ids:     ids,
		pending: make(map[types.RequestID]*pendingEntry),
		recent:  recent,
	}, nil
}

// Track 登记一个新的出站请求
//
// 返回应写入出站消息的请求ID和等待响应的句柄。
// 同一张待定表内不会出现重复的在途请求ID。
func (c *Correlator) Track() (types.RequestID, Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.EmptyRequestID, nil, ErrCancelled
	}
	if len(c.pending) >= c.config.MaxPending {
		return types.EmptyRequestID, nil, ErrTooManyPending
	}

	id, err := c.ids.NewRequestID()
	if err != nil {
		return types.EmptyRequestID, nil, err
	}
	// 随机ID碰撞概率可忽略，但在途重复绝不允许
	for {
		if _, exists := c.pending[id]; !exists {
			break
		}
		if id, err = c.ids.NewRequestID(); err != nil {
			return types.EmptyRequestID, nil, err
		}
	}

	entry := &pendingEntry{
		id:       id,
		resultCh: make(chan Result, 1),
		deadline: c.clock.Now().Add(c.config.Timeout),
	}
	c.pending[id] = entry

	return id, entry.resultCh, nil
}

// Resolve 投递一条入站响应
//
// 匹配到待定请求时返回 true 并移除表项。未知、迟到或重复的
// 请求ID静默丢弃：中继的对端不可完全信任，伪造或重放的
// 响应不应升级为传输层错误。
func (c *Correlator) Resolve(id types.RequestID, response *wire.Envelope) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.recent.Add(id, struct{}{})
	}
	duplicate := false
	if !ok {
		_, duplicate = c.recent.Get(id)
	}
	c.mu.Unlock()

	if !ok {
		if duplicate {
			log.Debug("丢弃重复响应", "request_id", id)
		} else {
			log.Debug("丢弃未知响应", "request_id", id)
		}
		return false
	}

	entry.resultCh <- Result{Response: response}
	close(entry.resultCh)
	return true
}

// PollTimeouts 移除所有截止时间已过的表项
//
// 每个过期请求恰好收到一次 ErrRequestTimedOut。
// 由中继层按自己的节奏周期性驱动。
func (c *Correlator) PollTimeouts(now time.Time) int {
	c.mu.Lock()
	var expired []*pendingEntry
	for id, entry := range c.pending {
		if !entry.deadline.After(now) {
			delete(c.pending, id)
			c.recent.Add(id, struct{}{})
			expired = append(expired, entry)
		}
	}
	c.mu.Unlock()

	for _, entry := range expired {
		entry.resultCh <- Result{Err: ErrRequestTimedOut}
		close(entry.resultCh)
	}
	if len(expired) > 0 {
		log.Debug("请求超时", "count", len(expired))
	}
	return len(expired)
}

// Cancel 显式取消一个待定请求
//
// 等待方立即收到 ErrCancelled，而不是留待超时。
func (c *Correlator) Cancel(id types.RequestID) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.recent.Add(id, struct{}{})
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	entry.resultCh <- Result{Err: ErrCancelled}
	close(entry.resultCh)
	return true
}

// Close 取消全部待定请求并拒绝后续登记
//
// 用于连接拆除，所有等待方收到 ErrCancelled。
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := make([]*pendingEntry, 0, len(c.pending))
	for id, entry := range c.pending {
		delete(c.pending, id)
		c.recent.Add(id, struct{}{})
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	for _, entry := range entries {
		entry.resultCh <- Result{Err: ErrCancelled}
		close(entry.resultCh)
	}
}

// PendingCount 返回当前待定请求数
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
