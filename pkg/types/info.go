package types

// ============================================================================
//                              NodeInfo - 节点信息
// ============================================================================

// NodeInfo 已注册节点的公开信息
//
// 由中继服务器在邻居响应中返回，供对端建立直连或转发。
type NodeInfo struct {
	// ID 节点标识
	ID NodeID

	// Endpoint 节点的公网端点（host:port，可能为空）
	Endpoint string

	// Slot 节点的转发槽位
	Slot Slot
}

// NewNodeInfo 创建节点信息
func NewNodeInfo(id NodeID, endpoint string, slot Slot) NodeInfo {
	return NodeInfo{ID: id, Endpoint: endpoint, Slot: slot}
}
