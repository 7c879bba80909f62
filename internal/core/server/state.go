package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-relay/pkg/types"
)

// ============================================================================
//                              NodeSession - 节点会话
// ============================================================================

// NodeSession 一个已注册节点的会话状态
type NodeSession struct {
	// Session 会话标识
	Session types.SessionID

	// Info 节点公开信息（ID、端点、槽位）
	Info types.NodeInfo

	// LastSeen 最近一次收到该会话报文的时间
	LastSeen time.Time
}

// ============================================================================
//                              NodeTable - 节点会话表
// ============================================================================

// slotChunk 槽位切片的扩容步长
const slotChunk = 1024

// evictedCacheSize 最近过期会话缓存大小
const evictedCacheSize = 4096

// NodeTable 节点会话表
//
// 槽位切片提供常数时间的转发查找。节点注销后槽位置空
// 而不移动其余元素，空槽位优先复用。
type NodeTable struct {
	mu       sync.RWMutex
	slots    []*NodeSession
	sessions map[types.SessionID]types.Slot
	nodes    map[types.NodeID]types.Slot

	// evicted 最近过期的会话，用于区分过期与从未存在
	evicted *lru.Cache[types.SessionID, time.Time]
}

// NewNodeTable 创建节点会话表
func NewNodeTable() *NodeTable {
	evicted, err := lru.New[types.SessionID, time.Time](evictedCacheSize)
	if err != nil {
		panic("lru.New failed: " + err.Error())
	}
	return &NodeTable{
		sessions: make(map[types.SessionID]types.Slot),
		nodes:    make(map[types.NodeID]types.Slot),
		evicted:  evicted,
	}
}

// Register 注册一个节点会话，返回分配的槽位
//
// 同一节点重复注册返回 ErrNodeAlreadyRegistered。
func (t *NodeTable) Register(session types.SessionID, nodeID types.NodeID, endpoint string, now time.Time) (types.Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[nodeID]; exists {
		return 0, fmt.Errorf("%w: %s", ErrNodeAlreadyRegistered, nodeID.ShortString())
	}

	slot := t.emptySlot()
	if int(slot) >= len(t.slots) {
		t.slots = append(t.slots, make([]*NodeSession, slotChunk)...)
	}

	t.slots[slot] = &NodeSession{
		Session:  session,
		Info:     types.NewNodeInfo(nodeID, endpoint, slot),
		LastSeen: now,
	}
	t.sessions[session] = slot
	t.nodes[nodeID] = slot
	return slot, nil
}

// emptySlot 返回第一个空槽位（调用方持锁）
func (t *NodeTable) emptySlot() types.Slot {
	for i, s := range t.slots {
		if s == nil {
			return types.Slot(i)
		}
	}
	return types.Slot(len(t.slots))
}

// Unregister 按会话ID注销节点
func (t *NodeTable) Unregister(session types.SessionID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(session, now)
}

// removeLocked 移除会话（调用方持锁）
func (t *NodeTable) removeLocked(session types.SessionID, now time.Time) bool {
	slot, ok := t.sessions[session]
	if !ok {
		return false
	}
	node := t.slots[slot]
	t.slots[slot] = nil
	delete(t.sessions, session)
	delete(t.nodes, node.Info.ID)
	t.evicted.Add(session, now)
	return true
}

// BySession 按会话ID查找节点会话
func (t *NodeTable) BySession(session types.SessionID) (NodeSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.sessions[session]
	if !ok {
		return NodeSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, session)
	}
	return *t.slots[slot], nil
}

// ByNode 按节点ID查找节点会话
func (t *NodeTable) ByNode(nodeID types.NodeID) (NodeSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.nodes[nodeID]
	if !ok {
		return NodeSession{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID.ShortString())
	}
	return *t.slots[slot], nil
}

// BySlot 按槽位查找节点会话
func (t *NodeTable) BySlot(slot types.Slot) (NodeSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(slot) >= len(t.slots) || t.slots[slot] == nil {
		return NodeSession{}, false
	}
	return *t.slots[slot], true
}

// UpdateSeen 刷新会话的最近活跃时间
func (t *NodeTable) UpdateSeen(session types.SessionID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.sessions[session]
	if !ok {
		return false
	}
	t.slots[slot].LastSeen = now
	return true
}

// WasEvicted 查询会话是否最近才过期
func (t *NodeTable) WasEvicted(session types.SessionID) bool {
	_, ok := t.evicted.Get(session)
	return ok
}

// Neighbours 返回与指定会话节点最近的 count 个邻居
//
// 按节点ID之间的汉明距离排序。每个节点的邻居集合应尽量
// 分散，广播时才能用最少的步数覆盖整个网络。
func (t *NodeTable) Neighbours(session types.SessionID, count uint32) ([]types.NodeInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.sessions[session]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, session)
	}
	self := t.slots[slot].Info.ID

	candidates := make([]types.NodeInfo, 0, len(t.sessions))
	for _, s := range t.slots {
		if s == nil || s.Info.ID.Equal(self) {
			continue
		}
		candidates = append(candidates, s.Info)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return self.HammingDistance(candidates[i].ID) < self.HammingDistance(candidates[j].ID)
	})

	if uint32(len(candidates)) > count {
		candidates = candidates[:count]
	}
	return candidates, nil
}

// SweepExpired 移除所有最近活跃时间早于 cutoff 的会话
//
// 返回被移除的会话列表，调用方负责关闭对应连接。
func (t *NodeTable) SweepExpired(cutoff time.Time, now time.Time) []NodeSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []NodeSession
	for _, s := range t.slots {
		if s != nil && s.LastSeen.Before(cutoff) {
			expired = append(expired, *s)
		}
	}
	for _, s := range expired {
		t.removeLocked(s.Session, now)
	}
	return expired
}

// Len 返回当前注册的节点数
func (t *NodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
